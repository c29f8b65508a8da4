package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// ShutdownHook releases a dependency once the HTTP server has stopped
// accepting requests. Hooks run in registration order and share the
// shutdown deadline.
type ShutdownHook struct {
	Name string
	Fn   func(context.Context) error
}

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// Ready is called with the bound address once the listener is open.
	Ready      func(net.Addr)
	OnShutdown []ShutdownHook
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run starts the provided HTTP server and blocks until it stops. If TLS
// certificate and key files are provided, the server will listen with TLS.
// When the context is cancelled, Run attempts a graceful shutdown bounded by
// ShutdownTimeout, then runs the shutdown hooks.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}

	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}

	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			ln.Close()
			return err
		}

		tlsCfg := cfg.Server.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			tlsCfg = tlsCfg.Clone()
		}
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		cfg.Server.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	logger.Info("server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")
	if cfg.Ready != nil {
		cfg.Ready(ln.Addr())
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		hookCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		hookErr := runHooks(hookCtx, logger, cfg.OnShutdown)
		if errors.Is(err, http.ErrServerClosed) {
			return hookErr
		}
		return errors.Join(err, hookErr)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	case <-shutdownCtx.Done():
		if shutdownErr == nil {
			shutdownErr = shutdownCtx.Err()
		}
	}

	return errors.Join(shutdownErr, runHooks(shutdownCtx, logger, cfg.OnShutdown))
}

func runHooks(ctx context.Context, logger *slog.Logger, hooks []ShutdownHook) error {
	var errs []error
	for _, hook := range hooks {
		if hook.Fn == nil {
			continue
		}
		if err := hook.Fn(ctx); err != nil {
			logger.Warn("shutdown hook failed", "hook", hook.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
		}
	}
	return errors.Join(errs...)
}
