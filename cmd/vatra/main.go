// Command vatra runs the conversational orchestrator server.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 unexpected crash.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mserban/vatra/config"
	"github.com/mserban/vatra/internal/server"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitCrash  = 2
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic: %v", r)
			code = exitCrash
		}
	}()

	var cfgPath string
	root := &cobra.Command{
		Use:           "vatra",
		Short:         "Multi-agent conversational orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfgPath)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if _, ok := err.(*configError); ok {
			return exitConfig
		}
		return exitCrash
	}
	return exitOK
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func serve(cfgPath string) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return &configError{fmt.Errorf("configuration: %w", err)}
	}
	srv, err := server.New(cfg)
	if err != nil {
		// Catalog and credential problems are configuration-class failures.
		return &configError{err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Start(ctx)
}
