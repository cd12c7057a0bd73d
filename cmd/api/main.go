package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/courier/internal/bootstrap"
	"github.com/cassiomorais/courier/internal/controller"
	"github.com/cassiomorais/courier/internal/service"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "courier-api", "courier")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	// --- Services ---
	eventWriter := app.EventWriter()
	adminService := service.NewAdminService(app.OutboxRepo, app.InboxRepo, app.Logger).
		WithInboxStaleAfter(app.Config.Inbox.StaleAfter)
	idempotencyService := app.IdempotencyService()

	// --- Build router ---
	router := controller.NewRouter(controller.RouterDeps{
		EventWriter:        eventWriter,
		AdminService:       adminService,
		IdempotencyService: idempotencyService,
		HealthChecks: map[string]controller.Pinger{
			"database": app.Pool,
			"redis": controller.PingFunc(func(ctx context.Context) error {
				return app.Redis.Ping(ctx).Err()
			}),
		},
		Metrics:      app.Metrics,
		Logger:       app.Logger,
		ServerConfig: app.Config.Server,
	})

	// --- HTTP server ---
	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	go func() {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	app.Logger.Info().Msg("Server exited")
}
