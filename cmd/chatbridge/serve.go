package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tiancaiamao/chatbridge/pkg/registry"
	"github.com/tiancaiamao/chatbridge/pkg/server"
	"github.com/tiancaiamao/chatbridge/pkg/transcript"
	"golang.org/x/sync/errgroup"
)

const (
	writerBuffer    = 64
	shutdownTimeout = 5 * time.Second
)

var (
	serveAddr   string
	serveModels string
	servePublic string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat server",
	Long: `Start the HTTP and websocket server. The models file is watched and
connected clients are told to refresh when it changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveModels, "models", "", "models file (overrides config)")
	serveCmd.Flags().StringVar(&servePublic, "public", "", "static client directory (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Close()

	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveModels != "" {
		cfg.Models = serveModels
	}
	if servePublic != "" {
		cfg.Server.PublicDir = servePublic
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	defer store.Close()
	writer := transcript.NewWriter(store, writerBuffer)
	defer writer.Close()

	reg := registry.New(cfg.Models, slog.Default())
	logModels(reg)

	srv := server.New(server.Options{
		Config:   cfg,
		Registry: reg,
		Writer:   writer,
		Logger:   slog.Default(),
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Chat server listening", "addr", cfg.Server.Addr, "store", cfg.Store.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := reg.Watch(ctx, srv.ModelsChanged); err != nil {
			slog.Warn("Models file is not watched", "path", reg.Path(), "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down")
		srv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func logModels(reg *registry.Registry) {
	providers, err := reg.Load()
	if err != nil {
		slog.Warn("Failed to load models", "path", reg.Path(), "error", err)
		return
	}
	for _, p := range providers {
		slog.Info("Provider available", "name", p.Name, "cmd", p.Cmd, "models", strings.Join(p.Models, ","))
	}
}
