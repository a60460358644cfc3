package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/mathvox/internal/health"
	"github.com/MrWong99/mathvox/internal/observe"
)

const (
	diagReadHeaderTimeout = 5 * time.Second
	diagShutdownTimeout   = 5 * time.Second
)

// initDiagnostics builds the readiness checks and, when an address is
// configured, binds the diagnostics listener so a bad address fails New.
func (a *App) initDiagnostics() error {
	checkers := []health.Checker{
		health.Breakers("tts", a.speech),
	}
	if a.channel != nil {
		checkers = append(checkers, health.Transport("transcription", a.channel))
	}
	if a.capture != nil {
		checkers = append(checkers, health.Capture("microphone", a.capture))
	}
	if p, ok := a.sink.(health.Pinger); ok {
		checkers = append(checkers, health.Ping("history", p))
	}
	a.health = health.New(checkers...)

	addr := a.cfg.Server.DiagnosticsAddr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: diagnostics listen %s: %w", addr, err)
	}
	a.diagLn = ln
	a.diagAddr = ln.Addr().String()
	a.closers = append(a.closers, func(context.Context) error {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	return nil
}

// DiagnosticsAddr returns the bound address of the diagnostics server, or ""
// when it is disabled.
func (a *App) DiagnosticsAddr() string { return a.diagAddr }

// DiagnosticsHandler serves /healthz, /readyz and /metrics.
func (a *App) DiagnosticsHandler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	return observe.Middleware(a.metrics)(mux)
}

// serveDiagnostics serves until ctx is cancelled.
func (a *App) serveDiagnostics(ctx context.Context) error {
	srv := &http.Server{
		Handler:           a.DiagnosticsHandler(),
		ReadHeaderTimeout: diagReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(a.diagLn) }()
	slog.Info("diagnostics server listening", "addr", a.diagAddr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("app: diagnostics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("diagnostics server shutdown", "err", err)
	}
	return nil
}
