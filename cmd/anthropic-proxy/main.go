package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/delorenj/anthropic-max-proxy/internal/metrics"
	"github.com/delorenj/anthropic-max-proxy/internal/proxyconfig"
	"github.com/delorenj/anthropic-max-proxy/internal/proxyserver"
	"github.com/delorenj/anthropic-max-proxy/internal/tokenstore"
	"github.com/delorenj/anthropic-max-proxy/internal/version"
)

// cli corresponds to the top-level `anthropic-proxy` command.
type cli struct {
	proxyconfig.Config

	Run         cmdRun         `cmd:"" default:"1" help:"Start the proxy HTTP server."`
	Logout      cmdLogout      `cmd:"" help:"Clear any stored OAuth tokens."`
	Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command: GET /health and exit 0/1."`
	Version     struct{}       `cmd:"" help:"Show version."`
}

type cmdRun struct{}

type cmdLogout struct{}

type cmdHealthcheck struct{}

func main() {
	doMain(signalContext(), os.Stdout, os.Stderr, os.Args[1:], os.Exit)
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int)) {
	var c cli
	parser, err := kong.New(&c,
		kong.Name("anthropic-proxy"),
		kong.Description("OAuth-authenticated OpenAI-to-Anthropic protocol translation proxy."),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("error creating CLI parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	if err := c.Config.ResolveTokenFile(); err != nil {
		log.Fatalf("error resolving token file path: %v", err)
	}

	logger := newLogger(c.Config.LogLevel, stderr)

	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "anthropic-proxy %s\n", version.Parse())
	case "run":
		if err := runServer(ctx, &c.Config, logger); err != nil {
			logger.Error("server exited", "error", err)
			exitFn(1)
		}
	case "logout":
		if err := runLogout(&c.Config, logger); err != nil {
			logger.Error("logout failed", "error", err)
			exitFn(1)
		}
	case "healthcheck":
		if err := runHealthcheck(ctx, &c.Config, stdout); err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			exitFn(1)
		}
	default:
		panic("unreachable: " + parsed.Command())
	}
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

func runServer(ctx context.Context, cfg *proxyconfig.Config, logger *slog.Logger) error {
	m := metrics.New()

	tokens, err := tokenstore.NewManager(cfg, logger, m)
	if err != nil {
		return fmt.Errorf("initializing token store: %w", err)
	}
	defer tokens.Close()

	// Startup authentication banner, carried over from the original
	// service's boot-time log line.
	if tokens.IsAuthenticated() {
		logger.Info("Anthropic MAX OAuth tokens loaded")
	} else {
		logger.Warn("no OAuth tokens found; visit /auth/start to authenticate")
	}

	srv := proxyserver.New(cfg, tokens, m, logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", "addr", cfg.Addr(), "version", version.Parse())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runLogout(cfg *proxyconfig.Config, logger *slog.Logger) error {
	tokens, err := tokenstore.NewManager(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer tokens.Close()
	if err := tokens.Clear(); err != nil {
		return err
	}
	logger.Info("OAuth tokens cleared")
	return nil
}

func runHealthcheck(ctx context.Context, cfg *proxyconfig.Config, stdout io.Writer) error {
	url := fmt.Sprintf("http://localhost:%d/health", cfg.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building healthcheck request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to proxy: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d, body: %s", resp.StatusCode, body)
	}
	_, _ = fmt.Fprintf(stdout, "%s", body)
	return nil
}
