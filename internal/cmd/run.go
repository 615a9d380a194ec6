package cmd

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

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-http-bridge/auth"
	"github.com/ggoodman/mcp-http-bridge/backend"
	"github.com/ggoodman/mcp-http-bridge/bridge"
	"github.com/ggoodman/mcp-http-bridge/broker"
	"github.com/ggoodman/mcp-http-bridge/broker/memorybroker"
	"github.com/ggoodman/mcp-http-bridge/broker/redisbroker"
	"github.com/ggoodman/mcp-http-bridge/internal/config"
	"github.com/ggoodman/mcp-http-bridge/internal/logctx"
	"github.com/ggoodman/mcp-http-bridge/streaminghttp"
)

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch cfg.LogFormat {
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

// newAuthenticator combines every configured credential source. It returns a
// nil Authenticator when none is configured.
func newAuthenticator(ctx context.Context, cfg config.Config, log *slog.Logger) (auth.Authenticator, error) {
	var authenticators []auth.Authenticator

	if cfg.APIKey != "" || cfg.APIKeyFile != "" {
		opts := []auth.APIKeyOption{auth.WithAPIKeyLogger(log)}
		if cfg.APIKey != "" {
			opts = append(opts, auth.WithAPIKeys(cfg.APIKey))
		}
		if cfg.APIKeyFile != "" {
			opts = append(opts, auth.WithAPIKeyFile(cfg.APIKeyFile))
		}
		keys, err := auth.NewAPIKeyAuthenticator(opts...)
		if err != nil {
			return nil, fmt.Errorf("api keys: %w", err)
		}
		if cfg.APIKeyFile != "" {
			go func() {
				if err := keys.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("auth.apikey.watch.fail", slog.String("err", err.Error()))
				}
			}()
		}
		authenticators = append(authenticators, keys)
	}

	if cfg.OIDCIssuer != "" {
		tokens, err := auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, cfg.OIDCAudience, oidcOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("oidc: %w", err)
		}
		authenticators = append(authenticators, tokens)
	}

	switch len(authenticators) {
	case 0:
		return nil, nil
	case 1:
		return authenticators[0], nil
	default:
		return auth.AnyOf(authenticators...), nil
	}
}

// oidcOptions maps the OIDC_* settings onto the token authenticator. Unset
// settings keep the authenticator's defaults.
func oidcOptions(cfg config.Config) []auth.AccessTokenAuthOption {
	var opts []auth.AccessTokenAuthOption
	if scopes := cfg.RequiredScopes(); len(scopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(scopes...))
	}
	if algs := cfg.AllowedAlgs(); len(algs) > 0 {
		opts = append(opts, auth.WithAllowedAlgs(algs...))
	}
	if cfg.OIDCLeeway > 0 {
		opts = append(opts, auth.WithLeeway(cfg.OIDCLeeway))
	}
	if cfg.OIDCRequireATJWT {
		opts = append(opts, auth.WithAccessTokenType())
	}
	return opts
}

// newBroker stages outbound messages in Redis when an address is configured
// and in process memory otherwise. The returned func releases the broker.
func newBroker(ctx context.Context, cfg config.Config) (broker.Broker, func() error, error) {
	if cfg.RedisAddr == "" {
		return memorybroker.New(), func() error { return nil }, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	b, err := redisbroker.New(redisbroker.Config{Client: client, KeyPrefix: cfg.RedisPrefix})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return b, b.Close, nil
}

func run(ctx context.Context, cfg config.Config, command string, argv []string, version string) error {
	log, err := newLogger(cfg, os.Stdout)
	if err != nil {
		return err
	}
	policy, err := bridge.ParseNotificationPolicy(cfg.Notifications)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	authn, err := newAuthenticator(ctx, cfg, log.With(slog.String("component", "auth")))
	if err != nil {
		return err
	}

	brk, closeBroker, err := newBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBroker(); err != nil {
			log.Warn("broker.close.fail", slog.String("err", err.Error()))
		}
	}()

	proc, err := backend.Start(ctx, command, argv, nil, backend.WithProcessLogger(log.With(slog.String("component", "backend"))))
	if err != nil {
		return err
	}

	eng := bridge.New(proc.Link(),
		bridge.WithLogger(log.With(slog.String("component", "bridge"))),
		bridge.WithServerInfo(bridge.ServerInfo{Name: cfg.ServerName, Version: cfg.ServerVersion}),
		bridge.WithNotificationPolicy(policy),
	)
	go func() {
		if err := eng.Run(ctx); err != nil {
			log.Error("bridge.run.fail", slog.String("err", err.Error()))
		}
	}()

	h, err := streaminghttp.New(eng, brk,
		streaminghttp.WithLogger(log.With(slog.String("component", "http"))),
		streaminghttp.WithAuthenticator(authn),
		streaminghttp.WithHeartbeat(cfg.HeartbeatInterval),
		streaminghttp.WithBackendAlive(proc.Alive),
	)
	if err != nil {
		_ = proc.Stop(cfg.ShutdownTimeout)
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Open streams only end when their sessions do.
	srv.RegisterOnShutdown(func() { _ = eng.Close() })

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logBanner(log, cfg, command, argv, version, authn != nil)

	var result error
	select {
	case sig := <-sigCh:
		log.Info("shutdown.signal", slog.String("signal", sig.String()))
	case <-proc.Done():
		code, _ := proc.Wait()
		log.Error("backend.exited", slog.Int("code", code))
		result = backendExitError(code)
	case err, ok := <-serveErr:
		if ok && err != nil {
			result = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
		_ = srv.Close()
	}

	if err := proc.Stop(cfg.ShutdownTimeout); err != nil {
		log.Warn("backend.stop.fail", slog.String("err", err.Error()))
	}
	cancel()

	log.Info("shutdown.complete")
	return result
}

// backendExitError converts the backend's exit status into the bridge's own.
// Statuses a process cannot exit with become 1.
func backendExitError(code int) error {
	switch {
	case code == 0:
		return nil
	case code < 0 || code > 255:
		return &ExitError{Code: 1}
	default:
		return &ExitError{Code: code}
	}
}

func logBanner(log *slog.Logger, cfg config.Config, command string, argv []string, version string, authEnabled bool) {
	base := fmt.Sprintf("http://localhost:%d", cfg.Port)
	log.Info("server.start",
		slog.String("version", version),
		slog.Int("port", cfg.Port),
		slog.String("backend", command),
		slog.Any("backend_args", argv),
		slog.Bool("auth", authEnabled),
		slog.String("notifications", cfg.Notifications),
		slog.Bool("redis", cfg.RedisAddr != ""),
	)
	log.Info("server.endpoints",
		slog.String("sse", base+"/sse"),
		slog.String("message", base+"/message"),
		slog.String("stream", base+"/stream"),
		slog.String("health", base+"/health"),
	)
	if !authEnabled {
		log.Warn("server.auth.disabled")
	}
}
