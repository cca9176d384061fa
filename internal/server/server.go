// Package server exposes the chat, catalog and maintenance HTTP API.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mserban/vatra/config"
	"github.com/mserban/vatra/internal/agent/core"
	"github.com/mserban/vatra/internal/knowledge"
	"github.com/mserban/vatra/internal/registry"
	"github.com/mserban/vatra/internal/store"
	"github.com/mserban/vatra/internal/telemetry"
	"github.com/mserban/vatra/internal/tools"
	"github.com/mserban/vatra/provider"
	"github.com/mserban/vatra/tools/websearch"
)

// Server wires all components behind the HTTP surface.
type Server struct {
	echo      *echo.Echo
	cfg       *config.Config
	logger    *log.Logger
	registry  *registry.Registry
	knowledge *knowledge.Store
	sessions  store.Store
	orch      *core.Orchestrator
	telemetry *telemetry.Telemetry
	sweeper   *Sweeper
}

// New builds the full dependency graph from configuration.
func New(cfg *config.Config) (*Server, error) {
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

	reg, err := registry.New(cfg.Catalog.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("loading agent catalog: %w", err)
	}

	var ks *knowledge.Store
	if cfg.Tools.KnowledgePath != "" {
		ks, err = knowledge.New(cfg.Tools.KnowledgePath, nil)
		if err != nil {
			return nil, fmt.Errorf("loading knowledge catalog: %w", err)
		}
	}

	sessions, err := store.New(cfg.Sessions, nil)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}

	var searcher websearch.Searcher
	if cfg.Tools.WebSearch.APIKey != "" {
		searcher, err = websearch.NewSearcher(websearch.Provider(cfg.Tools.WebSearch.Provider), cfg.Tools.WebSearch.APIKey)
		if err != nil {
			return nil, fmt.Errorf("creating web search provider: %w", err)
		}
	} else {
		logger.Printf("WEB_SEARCH_API_KEY not set, web_search tool disabled")
	}

	var refiner tools.QueryRefiner
	if cfg.LLM.QueryRefiner {
		refiner = core.NewLLMRefiner(llm, 0, nil)
	}
	runtime := tools.New(cfg.Tools, searcher, ks, refiner, nil)
	runner := core.NewRunner(llm, cfg.General.HistoryWindow, cfg.AgentTimeout(), nil)
	analyzer := core.NewAnalyzer(reg, ks, cfg.General.DefaultAgent, nil)
	tel := telemetry.New(cfg.Telemetry)
	orch := core.NewOrchestrator(cfg, nil, tel, reg, sessions, runtime, runner, analyzer)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		knowledge: ks,
		sessions:  sessions,
		orch:      orch,
		telemetry: tel,
	}
	if cfg.General.SweepEnabled {
		s.sweeper = NewSweeper(cfg.General.SweepCron, sessions, tel, nil)
	}
	s.echo = s.buildEcho()
	return s, nil
}

// NewWithComponents assembles a server around prebuilt components. Used by
// tests and embedders that wire their own providers.
func NewWithComponents(cfg *config.Config, reg *registry.Registry, ks *knowledge.Store,
	sessions store.Store, orch *core.Orchestrator, tel *telemetry.Telemetry) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
		registry:  reg,
		knowledge: ks,
		sessions:  sessions,
		orch:      orch,
		telemetry: tel,
	}
	s.echo = s.buildEcho()
	return s
}

// Handler exposes the routed echo instance for tests.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]any{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(s.telemetry.Handler()))

	e.GET("/chats", s.listChats)
	e.POST("/chats", s.createChat)
	e.POST("/chats/cleanup", s.cleanupChats)
	e.GET("/chats/:id", s.getChat)
	e.POST("/chats/:id/settings", s.updateSettings)
	e.POST("/chats/:id/supervisor", s.toggleSupervisor)
	e.POST("/chats/:id/message", s.postMessage)
	e.POST("/chats/:id/message/stream", s.postMessageStream)

	e.GET("/agents", s.listAgents)
	e.POST("/agents/reload", s.reloadAgents)
	e.GET("/tools", s.listTools)
	e.GET("/knowledgebase", s.listKnowledge)

	return e
}

// Start serves until the context is cancelled, then drains within the
// configured grace period.
func (s *Server) Start(ctx context.Context) error {
	if s.sweeper != nil {
		s.sweeper.Start()
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", s.cfg.General.Listen)
		errCh <- s.echo.Start(s.cfg.General.Listen)
	}()
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.General.ShutdownGrace)
	defer cancel()
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	s.telemetry.Shutdown()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.sessions.Close()
}
