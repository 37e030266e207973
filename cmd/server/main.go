package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tipline-service/internal/factory"
	"tipline-service/internal/handler"
	"tipline-service/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	router := setupRouter(f)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		util.Info("Starting HTTP server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("HTTP server failed", util.ErrorField(err))
		}
	}()

	waitForShutdown(f, server)
}

// setupRouter wires the HTTP handlers onto the Chi router.
func setupRouter(f *factory.Factory) http.Handler {
	submissionHandler := handler.NewSubmissionHandler(
		f.SubmissionService(),
		f.Arbiter(),
		f.AuditRecorder(),
		f.Hasher(),
		util.Get(),
	)
	tenantHandler := handler.NewTenantHandler(f.TenantService(), f.SessionStore(), util.Get())
	authHandler := handler.NewAuthHandler(f.OTPService(), f.AuditRecorder(), f.Hasher(), util.Get())

	return handler.NewRouter(submissionHandler, tenantHandler, authHandler, util.Get())
}

// waitForShutdown blocks until SIGINT/SIGTERM, then drains in-flight requests
// before closing the factory.
func waitForShutdown(f *factory.Factory, server *http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	util.Info("Shutdown signal received", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Server forced to shutdown", util.ErrorField(err))
	}

	f.Close()
	util.Info("Server exited")
}
