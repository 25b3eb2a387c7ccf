// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the codechat bridge.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"codechat/config"
	"codechat/internal/cache"
	"codechat/internal/chat"
	"codechat/internal/completion"
	"codechat/internal/httpclient"
	"codechat/internal/observability"
	"codechat/internal/riskrules"
	"codechat/internal/server"
	"codechat/internal/storage"
	"codechat/internal/stream"
	"codechat/internal/transcript"
	"codechat/internal/upstream"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config     *config.Config
	transcript *transcript.Result
	cache      cache.Cache
	metrics    *observability.Metrics
	client     *upstream.Client
	session    *chat.Service
	rules      *riskrules.Service
	completer  *completion.Service
	server     *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Options overrides pieces of the wiring, mostly for tests.
type Options struct {
	// HTTPClient replaces the streaming client used for the assistant backend.
	HTTPClient *http.Client
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, result *config.LoadResult, opts Options) (*App, error) {
	if result == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if result.Config == nil {
		return nil, fmt.Errorf("app config contains nil Config")
	}
	appCfg := result.Config
	if appCfg.Upstream.BaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required (set CODECHAT_UPSTREAM_URL)")
	}

	app := &App{config: appCfg}

	transcriptResult, err := transcript.New(ctx, appCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize transcript store: %w", err)
	}
	app.transcript = transcriptResult

	if appCfg.Metrics.Enabled {
		app.metrics = observability.NewMetrics()
	}

	// Assistant client. Streams are never retried; MaxRetries covers buffered calls.
	clientCfg := upstream.DefaultConfig(appCfg.Upstream.Name, appCfg.Upstream.BaseURL)
	clientCfg.MaxRetries = appCfg.Upstream.MaxRetries
	clientCfg.StreamOptions = streamOptions(appCfg.Stream, app.metrics)

	timeouts := httpclient.Seconds(appCfg.HTTP.Timeout, appCfg.HTTP.ResponseHeaderTimeout)
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = httpclient.New(timeouts, httpclient.Streaming())
	}
	app.client = upstream.NewWithHTTPClient(httpClient, clientCfg, upstream.BearerToken(appCfg.Upstream.AccessToken))

	chatCfg := chat.Config{
		SessionID:    appCfg.Chat.SessionID,
		UpstreamName: appCfg.Upstream.Name,
		ChatPath:     appCfg.Upstream.ChatPath,
		ContextLines: appCfg.Chat.ContextLines,
		Store:        transcriptResult.Store,
	}
	if app.metrics != nil {
		chatCfg.Recorder = app.metrics
	}
	app.session = chat.NewService(app.client, chatCfg)
	if err := app.session.Load(ctx); err != nil {
		closeErr := app.transcript.Close()
		return nil, errors.Join(fmt.Errorf("failed to load transcript: %w", err), closeErr)
	}

	if appCfg.RiskRules.BaseURL != "" {
		c, err := cache.New(appCfg.Cache)
		if err != nil {
			closeErr := app.transcript.Close()
			return nil, errors.Join(fmt.Errorf("failed to initialize cache: %w", err), closeErr)
		}
		app.cache = c

		rulesCfg := upstream.DefaultConfig("risk-rules", appCfg.RiskRules.BaseURL)
		rulesClient := upstream.NewWithHTTPClient(
			httpclient.New(timeouts),
			rulesCfg,
			upstream.BearerToken(appCfg.Upstream.AccessToken),
		)
		maxAge := time.Duration(appCfg.RiskRules.RefreshInterval) * time.Second
		app.rules = riskrules.NewService(rulesClient, appCfg.RiskRules.Path, c, maxAge)
	}

	if appCfg.Completion.BaseURL != "" {
		completionClient := upstream.NewWithHTTPClient(
			httpclient.New(timeouts),
			upstream.DefaultConfig("completion", appCfg.Completion.BaseURL),
			upstream.BearerToken(appCfg.Upstream.AccessToken),
		)
		app.completer = completion.NewService(completionClient, completionConfig(appCfg.Completion))
	}

	bodySizeLimit, err := config.ParseBodySizeLimit(appCfg.Server.BodySizeLimit)
	if err != nil {
		return nil, errors.Join(err, app.closeResources())
	}
	serverCfg := &server.Config{
		MasterKey:       appCfg.Server.MasterKey,
		MetricsEnabled:  app.metrics != nil,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   bodySizeLimit,
		HealthCheck:     app.healthCheck,
	}
	if app.metrics != nil {
		serverCfg.MetricsHandler = app.metrics.Handler()
	}
	if app.completer != nil {
		serverCfg.Completer = app.completer
	}

	var rules server.RuleSource
	if app.rules != nil {
		rules = app.rules
	}
	app.server = server.New(app.session, rules, serverCfg)

	app.logStartupInfo(result.ConfigFile)
	return app, nil
}

// streamOptions maps stream settings to decoder options.
func streamOptions(cfg config.StreamConfig, metrics *observability.Metrics) []stream.Option {
	var opts []stream.Option
	if cfg.LegacyFraming {
		opts = append(opts, stream.WithLegacyFraming())
	}
	if cfg.ReadBufferSize > 0 {
		opts = append(opts, stream.WithReadBufferSize(cfg.ReadBufferSize))
	}
	if cfg.MaxLineSize > 0 {
		opts = append(opts, stream.WithMaxLineSize(cfg.MaxLineSize))
	}
	if metrics != nil {
		opts = append(opts, stream.WithObserver(metrics))
	}
	return opts
}

func completionConfig(cfg config.CompletionConfig) completion.Config {
	return completion.Config{
		Path:      cfg.Path,
		CharLimit: cfg.CharLimit,
		Tokens: completion.Tokens{
			Prefix: cfg.PrefixToken,
			Suffix: cfg.SuffixToken,
			Middle: cfg.MiddleToken,
			Stop:   cfg.StopToken,
		},
		MaxNewTokens: cfg.MaxNewTokens,
		Temperature:  cfg.Temperature,
		TopP:         cfg.TopP,
		DoSample:     cfg.DoSample,
	}
}

// Session returns the chat session served by the app.
func (a *App) Session() *chat.Service {
	return a.session
}

// Completer returns the inline completion service, or nil when no
// completion backend is configured.
func (a *App) Completer() *completion.Service {
	return a.completer
}

// Handler returns the HTTP handler, for embedding in tests.
func (a *App) Handler() http.Handler {
	return a.server
}

func (a *App) healthCheck(ctx context.Context) error {
	if a.transcript == nil {
		return nil
	}
	return a.transcript.Ping(ctx)
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server, then any reply still streaming, then the cache and the
// transcript store.
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
// It attempts every step and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.session != nil {
		a.session.Abort()
	}

	if err := a.closeResources(); err != nil {
		slog.Error("resource close error", "error", err)
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

func (a *App) closeResources() error {
	var errs []error
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if a.transcript != nil {
		if err := a.transcript.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transcript close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo(configFile string) {
	cfg := a.config

	if configFile != "" {
		slog.Info("config file loaded", "path", configFile)
	}

	if cfg.Server.MasterKey == "" {
		slog.Warn("SECURITY WARNING: CODECHAT_MASTER_KEY not set - server running in UNSAFE MODE",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set CODECHAT_MASTER_KEY to secure the bridge")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	slog.Info("upstream configured",
		"name", cfg.Upstream.Name,
		"base_url", cfg.Upstream.BaseURL,
		"chat_path", cfg.Upstream.ChatPath,
		"legacy_framing", cfg.Stream.LegacyFraming,
	)

	storageAttrs := []any{"type", cfg.Storage.Type, "session_id", a.session.SessionID()}
	switch cfg.Storage.Type {
	case storage.TypeSQLite:
		storageAttrs = append(storageAttrs, "path", cfg.Storage.SQLite.Path)
	case storage.TypePostgreSQL:
		storageAttrs = append(storageAttrs, "url", storage.Redact(cfg.Storage.PostgreSQL.URL))
	case storage.TypeMongoDB:
		storageAttrs = append(storageAttrs, "url", storage.Redact(cfg.Storage.MongoDB.URL), "database", cfg.Storage.MongoDB.Database)
	}
	slog.Info("transcript storage configured", storageAttrs...)

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	if a.rules != nil {
		slog.Info("risk rules enabled",
			"base_url", cfg.RiskRules.BaseURL,
			"cache", cfg.Cache.Type,
			"refresh_interval", cfg.RiskRules.RefreshInterval,
		)
	} else {
		slog.Info("risk rules disabled")
	}

	if a.completer != nil {
		slog.Info("inline completion enabled",
			"base_url", cfg.Completion.BaseURL,
			"path", cfg.Completion.Path,
			"char_limit", cfg.Completion.CharLimit,
		)
	}
}
