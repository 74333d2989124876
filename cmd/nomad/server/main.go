package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/astromechza/nomad-sync/pkg/kvstore"
	"github.com/astromechza/nomad-sync/pkg/nomad"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.logger())

	slog.Info("Opening store", "kind", cfg.Store, "dir", cfg.DataDir)
	store, err := kvstore.Open(cfg.Store, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close store", "err", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if p, ok := store.(*kvstore.Pebble); ok {
		reg.MustRegister(kvstore.NewPebbleCollector(p))
	}

	engine, err := nomad.New(store, nomad.Options{LockStripes: cfg.LockStripes, Registerer: reg})
	if err != nil {
		return fmt.Errorf("failed to setup engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := newServer(ctx, engine, cfg.AllowReset, reg)
	if err != nil {
		return fmt.Errorf("failed to setup server: %w", err)
	}
	if cfg.AllowReset {
		slog.Warn("Reset endpoint is enabled")
	}

	httpServer := &http.Server{Addr: cfg.Addr, Handler: s.router(cfg.StaticDir), ReadHeaderTimeout: 10 * time.Second}

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // buffered so the notifier is never blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown cleanly", "err", err)
		_ = httpServer.Close()
	}

	wg.Wait()
	slog.Info("Waiting for sync sessions", "open_sessions", s.sessions.Size())
	s.wait()
	slog.Info("Stopped")
	return nil
}
