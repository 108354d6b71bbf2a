// Command gateway serves the match engine's HTTP/WebSocket surface:
// health checks, Prometheus scraping, and the live per-match video/data
// streams internal/streamhub fans out. It shares the same Postgres/Redis
// backing as cmd/engine but runs neither the scheduler nor the worker
// pool, so the two can scale independently.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/rawlclub/matchengine/internal/app"
	"github.com/rawlclub/matchengine/internal/httpapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx)
	if err != nil {
		log.Fatalf("gateway: fatal startup error: %v", err)
	}
	defer a.Close()

	entry := a.Log.WithField("component", "cmd/gateway")

	srv := httpapi.New(httpapi.Config{
		Registry: a.Registry,
		KV:       a.KV,
		Ledger:   a.Ledger,
		Hub:      a.Hub,
		Log:      a.Log,
		Addr:     a.Config.HTTPAddr,
	})

	errCh := srv.Start()

	select {
	case <-ctx.Done():
		entry.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			entry.WithError(err).Fatal("http server error")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("graceful shutdown failed")
	}
	entry.Info("shutdown complete")
}
