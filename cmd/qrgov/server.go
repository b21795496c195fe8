package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/qrgov/pkg/api"
	"github.com/Mindburn-Labs/qrgov/pkg/auth"
	"github.com/Mindburn-Labs/qrgov/pkg/limiter"
)

// newHandler assembles the middleware chain over the API routes.
func newHandler(s *services) http.Handler {
	srv := api.NewServer(s.engine, s.directory,
		api.WithExporter(s.exporter),
		api.WithAnalytics(s.analytics),
		api.WithScanRateLimit(s.limiter, s.profile.ScanRateLimit),
		api.WithActorResolver(auth.ActorFromContext),
	)
	validator := auth.NewValidator([]byte(s.cfg.JWTSecret), s.cfg.JWTIssuer)
	return auth.RequestIDMiddleware(auth.NewMiddleware(validator)(srv.Routes()))
}

func runServer(stdout, stderr io.Writer) int {
	cfg, profile, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return 2
	}
	setupLogger(cfg, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openServices(ctx, cfg, profile)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return 1
	}
	defer s.Close(context.Background())

	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET not set: administrative endpoints will reject every request")
	}
	if mem, ok := s.limiter.(*limiter.MemoryLimiterStore); ok {
		go mem.Run(ctx, time.Minute)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newHandler(s),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	_, _ = fmt.Fprintf(stdout, "qrgov %s listening on :%s\n", version, cfg.Port)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}
