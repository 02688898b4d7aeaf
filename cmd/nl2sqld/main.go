// Command nl2sqld runs the engine behind its HTTP surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nl2sql "github.com/nadeem4/nl2sql-sub001"
	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/server"
	"github.com/nadeem4/nl2sql-sub001/telemetry"
)

func main() {
	settings := core.LoadSettings()
	logger := telemetry.NewLogger(telemetry.LoggerConfig{
		Level:     telemetry.ParseLogLevel(settings.LogLevel),
		Component: "nl2sqld",
		Format:    settings.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := nl2sql.NewEngine(ctx, settings)
	if err != nil {
		logger.Error("Engine startup failed", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
		os.Exit(1)
	}

	srv := server.New(engine, logger, server.Config{
		Addr:         settings.HTTPAddr,
		APIKey:       core.GetEnvStr("NL2SQL_API_KEY", ""),
		RateLimitRPS: core.GetEnvFloat("NL2SQL_RATE_LIMIT_RPS", 0),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", map[string]interface{}{"operation": "shutdown"})
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", map[string]interface{}{
				"operation": "http_listen",
				"error":     err.Error(),
			})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Warn("Engine shutdown incomplete", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
}
