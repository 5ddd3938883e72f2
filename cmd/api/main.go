package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anushkaabajpaiii/auth-vault/internal/app"
	"github.com/anushkaabajpaiii/auth-vault/internal/observability"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	runtime, err := app.Build(app.Options{LoadDotEnv: true})
	if err != nil {
		observability.NewLogger().Error("bootstrap_failed", map[string]any{"error": err.Error()})
		return err
	}
	defer func() {
		if err := runtime.Close(); err != nil {
			runtime.Logger.Error("runtime_close_failed", map[string]any{"error": err.Error()})
		}
	}()

	listener, err := net.Listen("tcp", runtime.Addr)
	if err != nil {
		runtime.Logger.Error("server_failed", map[string]any{"error": err.Error()})
		return err
	}

	server := &http.Server{
		Handler:           runtime.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime.Logger.Info("server_start", map[string]any{"addr": listener.Addr().String()})
	if err := serve(ctx, server, listener, runtime.Logger); err != nil {
		runtime.Logger.Error("server_failed", map[string]any{"error": err.Error()})
		return err
	}
	runtime.Logger.Info("server_stopped", nil)
	return nil
}

// serve runs server until ctx is cancelled and returns once in-flight
// requests have drained or shutdownTimeout has passed.
func serve(ctx context.Context, server *http.Server, listener net.Listener, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server_shutdown_failed", map[string]any{"error": err.Error()})
		}
	}()

	err := server.Serve(listener)
	cancel()
	<-shutdownDone
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
