package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"termbridge/internal/config"
	"termbridge/internal/realtime"
	"termbridge/internal/session"
	"termbridge/internal/store"
	"termbridge/internal/tmux"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal("config load failed", "error", err)
	}

	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	// Persistence sink. A failed open degrades to in-memory only; the
	// bridge still works, sessions just don't survive restarts.
	var sink store.Sink = store.Nop{}
	if cfg.DBPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := store.Open(ctx, cfg.DBPath)
		cancel()
		if err != nil {
			log.Warn("store open failed, running without persistence", "path", cfg.DBPath, "error", err)
		} else {
			sink = db
		}
	}

	mux := tmux.NewCLI(cfg.TmuxBin)
	registry := session.NewRegistry(mux, sink, session.Options{
		TmuxBin:   cfg.TmuxBin,
		BufferCap: cfg.BufferCap,
		Retention: time.Duration(cfg.Retention),
	})

	// Adopt whatever tmux already has before serving requests.
	if err := registry.Reconcile(context.Background()); err != nil {
		log.Warn("initial reconcile failed", "error", err)
	}

	loops := session.StartLoops(registry,
		time.Duration(cfg.ReconcileInterval), time.Duration(cfg.CleanupInterval))

	rtServer := realtime.New(registry)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: rtServer.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down")
		loops.Stop()
		registry.Shutdown()
		if err := sink.Close(); err != nil {
			log.Warn("store close failed", "error", err)
		}
		httpServer.Close()
	}()

	log.Info("termbridge running", "addr", fmt.Sprintf("http://localhost:%d", cfg.Port))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal("http server error", "error", err)
	}
}
