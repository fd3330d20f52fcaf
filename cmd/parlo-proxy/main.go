// parlo-proxy is the call-creation proxy. It keeps the voice backend API
// key server-side: clients post call requests here and receive join URLs
// without ever seeing the key.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/parlo-go/parlo/internal/dotenv"
	"github.com/parlo-go/parlo/pkg/proxy"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (yaml/json)")
	upstream := flag.String("upstream", "", "Upstream voice API base URL (overrides config)")
	port := flag.Int("port", 0, "Listen port (overrides config)")
	flag.Parse()

	if err := dotenv.Load(); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := proxy.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *upstream != "" {
		cfg.UpstreamBaseURL = *upstream
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	options := []proxy.ConfigOption{
		proxy.WithHost(cfg.Host),
		proxy.WithPort(cfg.Port),
		proxy.WithLogger(logger),
		proxy.WithUpstream(cfg.UpstreamBaseURL),
		proxy.WithUpstreamAPIKey(cfg.UpstreamAPIKey),
		proxy.WithAuthMode(cfg.AuthMode),
		proxy.WithAPIKeys(cfg.APIKeys),
		proxy.WithRateLimitConfig(cfg.RateLimit),
		proxy.WithObservability(cfg.Observability),
		proxy.WithAllowedOrigins(cfg.AllowedOrigins),
		proxy.WithRequestBodyLimit(cfg.MaxRequestBodyBytes),
		proxy.WithTimeouts(cfg.ReadTimeout, cfg.WriteTimeout, cfg.ShutdownTimeout),
	}
	if cfg.TLSEnabled {
		options = append(options, proxy.WithTLS(cfg.TLSCertFile, cfg.TLSKeyFile))
	}

	server, err := proxy.NewServer(options...)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := server.Start(); err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func setupLogger(cfg *proxy.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Observability.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Observability.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
