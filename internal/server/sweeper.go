package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/mserban/vatra/internal/store"
	"github.com/mserban/vatra/internal/telemetry"
)

// Sweeper periodically deletes empty sessions on a cron schedule.
type Sweeper struct {
	expr      *cronexpr.Expression
	sessions  store.Store
	telemetry *telemetry.Telemetry
	logger    *log.Logger
	stop      chan struct{}
}

func NewSweeper(cron string, sessions store.Store, tel *telemetry.Telemetry, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.New(log.Writer(), "[SWEEP] ", log.LstdFlags)
	}
	expr, err := cronexpr.Parse(cron)
	if err != nil {
		logger.Printf("invalid sweep cron %q, falling back to hourly: %v", cron, err)
		expr = cronexpr.MustParse("0 * * * *")
	}
	return &Sweeper{
		expr:      expr,
		sessions:  sessions,
		telemetry: tel,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.loop()
}

func (s *Sweeper) Stop() {
	close(s.stop)
}

func (s *Sweeper) loop() {
	for {
		next := s.expr.Next(time.Now())
		if next.IsZero() {
			s.logger.Printf("sweep schedule has no next run, stopping")
			return
		}
		select {
		case <-time.After(time.Until(next)):
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	removed, err := s.sessions.Cleanup(ctx)
	if err != nil {
		s.logger.Printf("sweep failed: %v", err)
		return
	}
	if removed > 0 {
		s.telemetry.RecordSweep(removed)
		s.logger.Printf("sweep removed %d empty sessions", removed)
	}
}
