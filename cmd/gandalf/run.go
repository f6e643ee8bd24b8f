package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/arcwell/relaygate/internal"
	"github.com/arcwell/relaygate/internal/app"
	"github.com/arcwell/relaygate/internal/auth"
	"github.com/arcwell/relaygate/internal/cache"
	"github.com/arcwell/relaygate/internal/cacherouter"
	"github.com/arcwell/relaygate/internal/cloudauth"
	"github.com/arcwell/relaygate/internal/config"
	"github.com/arcwell/relaygate/internal/credpool"
	"github.com/arcwell/relaygate/internal/pipeline"
	"github.com/arcwell/relaygate/internal/provider"
	"github.com/arcwell/relaygate/internal/provider/anthropic"
	"github.com/arcwell/relaygate/internal/provider/gemini"
	"github.com/arcwell/relaygate/internal/provider/mistral"
	"github.com/arcwell/relaygate/internal/provider/ollama"
	"github.com/arcwell/relaygate/internal/provider/openai"
	"github.com/arcwell/relaygate/internal/queue"
	"github.com/arcwell/relaygate/internal/ratelimit"
	"github.com/arcwell/relaygate/internal/registry"
	"github.com/arcwell/relaygate/internal/responsehandler"
	"github.com/arcwell/relaygate/internal/server"
	"github.com/arcwell/relaygate/internal/storage/sqlite"
	"github.com/arcwell/relaygate/internal/telemetry"
	"github.com/arcwell/relaygate/internal/tokencount"
	"github.com/arcwell/relaygate/internal/userstore"
	"github.com/arcwell/relaygate/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting gandalf", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Log seeded API keys (names only, never log key material).
	for _, k := range cfg.Keys {
		if k.Key == "" {
			slog.Warn("api key empty, skipped", "name", k.Name)
			continue
		}
		valid := strings.HasPrefix(k.Key, gateway.APIKeyPrefix)
		slog.Info("api key configured", "name", k.Name, "valid_prefix", valid)
	}

	// Shared DNS cache for all provider HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Model Registry: family classification and pricing, shared by the
	// credential pool (family membership) and the pipeline (Stage A
	// classification).
	modelRegistry := registry.New()

	// Credential Pool: every enabled provider enrolls at least one
	// credential (its top-level api_key), so the pool and its cache
	// affinity/provider-boost/LRU Select logic front every upstream call,
	// per spec.md §4.2 -- not just explicitly multi-keyed providers.
	pool := credpool.New()
	providerByHash := make(map[string]gateway.Provider)

	reg := provider.NewRegistry()
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			slog.Info("provider skipped (disabled)", "name", p.Name)
			continue
		}

		service, ok := serviceForProviderType(p.ResolvedType())
		if !ok {
			slog.Warn("unknown provider type, skipping", "name", p.Name, "type", p.ResolvedType())
			continue
		}

		creds := p.Credentials
		if len(creds) == 0 {
			creds = []config.CredentialEntry{{APIKey: p.ResolvedAPIKey()}}
		}

		families := familiesForModels(modelRegistry, service, p.Models)

		for i, ce := range creds {
			client, err := buildProviderClient(ctx, p, dnsResolver, ce.APIKey)
			if err != nil {
				return fmt.Errorf("provider %q credential %d: %w", p.Name, i, err)
			}

			instanceName := p.Name
			if len(creds) > 1 {
				instanceName = fmt.Sprintf("%s-%d", p.Name, i)
			}

			prov, err := buildProvider(p, instanceName, client)
			if err != nil {
				return fmt.Errorf("provider %q: %w", p.Name, err)
			}
			_, hasNative := prov.(gateway.NativeProxy)
			reg.Register(instanceName, prov)

			hash := gateway.HashKey(instanceName + "|" + ce.APIKey)[:8]
			cred := gateway.Credential{
				Hash:                   hash,
				Secret:                 ce.APIKey,
				Service:                service,
				Kind:                   gateway.KindAPIKey,
				ModelFamilies:          families,
				OpenRouterIsFreeTier:   ce.OpenRouterIsFreeTier,
				AWSInferenceProfileIDs: ce.AWSInferenceProfileIDs,
			}
			pool.Add(cred, ce.Lockout, ce.ReuseDelay)
			providerByHash[hash] = prov

			slog.Info("provider registered",
				"name", instanceName,
				"type", p.ResolvedType(),
				"hosting", p.ResolvedHosting(),
				"auth", p.ResolvedAuthType(),
				"native_proxy", hasNative,
				"credential_hash", hash,
			)
		}
	}

	for _, r := range cfg.Routes {
		targets := make([]string, len(r.Targets))
		for i, t := range r.Targets {
			targets[i] = t.Provider + "/" + t.Model
		}
		slog.Info("route configured", "alias", r.ModelAlias, "targets", targets)
	}
	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	// Wire services
	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	routerSvc := app.NewRouterService(store)
	proxySvc := app.NewProxyService(reg, routerSvc, nil, nil)
	keys := app.NewKeyManager(store)

	// Usage recorder (async batch flush to DB).
	usageRecorder := worker.NewUsageRecorder(store)

	// Rate limiter.
	rateLimiter := ratelimit.NewRegistry()
	slog.Info("rate limits configured",
		"default_rpm", cfg.RateLimits.DefaultRPM,
		"default_tpm", cfg.RateLimits.DefaultTPM,
	)

	// Token counter.
	tokenCounter := tokencount.NewCounter()

	// Response cache.
	var responseCache server.Cache
	if cfg.Cache.Enabled {
		mc, cacheErr := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if cacheErr != nil {
			return cacheErr
		}
		responseCache = mc
		slog.Info("response cache enabled",
			"max_size", cfg.Cache.MaxSize,
			"default_ttl", cfg.Cache.DefaultTTL,
		)
	}

	// Quota tracker.
	quotaTracker := ratelimit.NewQuotaTracker()

	// User Store: per-token quota/IP/expiry state for the pipeline's Stage A
	// admission check, distinct from the sqlite-backed API key store above
	// (which authenticates the client-facing key; the user store tracks the
	// per-family token budget spec.md §4.4 describes).
	userStoreOpts := []userstore.Option{
		userstore.WithAutoBanOnIPLimit(cfg.Users.AutoBanOnIPLimit),
	}
	if cfg.Users.PurgeWindow > 0 {
		userStoreOpts = append(userStoreOpts, userstore.WithPurgeWindow(cfg.Users.PurgeWindow))
	}
	users, err := userstore.New(userStoreOpts...)
	if err != nil {
		return fmt.Errorf("user store: %w", err)
	}

	// Cache-Affinity Router: prompt-prefix fingerprint to sticky-credential
	// routing, per spec.md §4.3.
	cacheRouter, err := cacherouter.New(cfg.Cache.AffinityMaxSize)
	if err != nil {
		return fmt.Errorf("cache router: %w", err)
	}

	// Queue: one FIFO per model family, gated on the credential pool's
	// lockout state.
	queueManager := queue.NewManager(pool)

	// Request Pipeline: wires the Model Registry, Credential Pool, Queue,
	// User Store, and Cache-Affinity Router into the two-stage admit/dispatch
	// flow described in spec.md §4.6.
	providerResolver := pipeline.ProviderResolverFunc(func(cred gateway.Credential) (gateway.Provider, error) {
		prov, ok := providerByHash[cred.Hash]
		if !ok {
			return nil, fmt.Errorf("no provider registered for credential %s", cred.Hash)
		}
		return prov, nil
	})
	reqPipeline := pipeline.New(modelRegistry, pool, queueManager, users, cacheRouter, providerResolver, cfg.Queue.MaxAttempts)
	respHandler := responsehandler.New(pool, users, modelRegistry)

	// Workers.
	workers := []worker.Worker{usageRecorder}
	workers = append(workers, worker.NewQuotaSyncWorker(quotaTracker, store))
	workers = append(workers, worker.NewUsageRollupWorker(store))
	workers = append(workers, userstore.NewRefreshQuotaWorker(users))
	workers = append(workers, userstore.NewCleanupExpiredWorker(users))
	workers = append(workers, cacheRouter)
	workers = append(workers, reqPipeline.Workers()...)

	runner := worker.NewRunner(workers...)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("gandalf/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:         apiKeyAuth,
		Proxy:        proxySvc,
		Providers:    reg,
		Router:       routerSvc,
		Keys:         keys,
		Store:        store,
		ReadyCheck:   store.Ping,
		Usage:        usageRecorder,
		RateLimiter:  rateLimiter,
		TokenCounter: tokenCounter,
		Cache:          responseCache,
		Quota:          quotaTracker,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		Pipeline:       reqPipeline,
		ResponseHandler: respHandler,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic eviction of stale rate limiters.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := rateLimiter.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("universal API enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/embeddings",
			"GET  /v1/models",
		},
	)
	slog.Info("gandalf ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish recording).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	// Cancel workers and wait for drain.
	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	// Shutdown tracing exporter.
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("gandalf stopped")
	return nil
}

// buildProviderClient assembles an *http.Client with the auth transport chain
// for a provider entry. The base transport includes DNS caching and HTTP/2
// (except Ollama which uses HTTP/1.1). keyOverride, when non-empty, wins over
// p's own configured key -- used to give each pooled credential (see
// config.ProviderEntry.Credentials) its own authenticated client.
func buildProviderClient(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver, keyOverride string) (*http.Client, error) {
	useHTTP2 := p.ResolvedType() != "ollama"
	base := provider.NewTransport(resolver, useHTTP2)

	var transport http.RoundTripper = base

	switch p.ResolvedAuthType() {
	case "gcp_oauth":
		gcpTransport, err := cloudauth.NewGCPOAuthTransport(ctx, base,
			"https://www.googleapis.com/auth/cloud-platform",
		)
		if err != nil {
			return nil, fmt.Errorf("gcp oauth: %w", err)
		}
		transport = gcpTransport
	case "api_key":
		apiKey := p.ResolvedAPIKey()
		if keyOverride != "" {
			apiKey = keyOverride
		}
		if apiKey != "" {
			headerName, prefix := authHeaderForType(p.ResolvedType(), p.ResolvedHosting())
			transport = &cloudauth.APIKeyTransport{
				Key:        apiKey,
				HeaderName: headerName,
				Prefix:     prefix,
				Base:       base,
			}
		}
		// Empty API key: no auth transport (e.g. local Ollama).
	default:
		return nil, fmt.Errorf("unsupported auth type: %q", p.ResolvedAuthType())
	}

	client := &http.Client{Transport: transport}
	if p.TimeoutMs > 0 {
		client.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return client, nil
}

// authHeaderForType returns the (headerName, prefix) for API key auth
// based on provider type and hosting mode.
func authHeaderForType(provType, hosting string) (string, string) {
	switch {
	case provType == "openai" && hosting == "azure":
		return "api-key", ""
	case provType == "openai":
		return "Authorization", "Bearer "
	case provType == "anthropic":
		return "x-api-key", ""
	case provType == "gemini":
		return "x-goog-api-key", ""
	case provType == "ollama":
		return "Authorization", "Bearer "
	case provType == "mistral":
		return "Authorization", "Bearer "
	default:
		return "Authorization", "Bearer "
	}
}

// serviceForProviderType maps a config provider type string to the
// gateway.Service enum the credential pool and queue partition by.
func serviceForProviderType(provType string) (gateway.Service, bool) {
	switch provType {
	case "openai":
		return gateway.ServiceOpenAI, true
	case "anthropic":
		return gateway.ServiceAnthropic, true
	case "gemini":
		return gateway.ServiceGoogle, true
	case "mistral":
		return gateway.ServiceMistral, true
	case "ollama":
		return gateway.ServiceOllama, true
	default:
		return "", false
	}
}

// familiesForModels builds the ModelFamilies membership set a pooled
// credential is eligible to serve. An empty Models list means the
// credential serves every family the Model Registry classifies under this
// service, matching the teacher's "no allowlist configured means no
// allowlist enforced" convention elsewhere in config.go (e.g. KeyEntry's
// AllowedModels).
func familiesForModels(reg *registry.Registry, service gateway.Service, models []string) map[gateway.ModelFamily]bool {
	families := make(map[gateway.ModelFamily]bool)
	if len(models) == 0 {
		for _, f := range reg.AllFamilies() {
			if familyServiceOf(reg, f) == service {
				families[f] = true
			}
		}
		return families
	}
	for _, m := range models {
		families[reg.Family(service, m)] = true
	}
	return families
}

// familyServiceOf classifies a family back to its owning service. Mirrors
// internal/pipeline's unexported familyService table (duplicated rather than
// exported since the registry's tables are keyed the other way by design:
// first-match regex per service, not family).
func familyServiceOf(reg *registry.Registry, family gateway.ModelFamily) gateway.Service {
	switch family {
	case registry.FamilyGPT4o, registry.FamilyGPTReasoning, registry.FamilyGPTLegacy,
		registry.FamilyGPTImage, registry.FamilyDallE:
		return gateway.ServiceOpenAI
	case registry.FamilyClaudeOpus, registry.FamilyClaudeSonnet, registry.FamilyClaudeHaiku, registry.FamilyClaudeLegacy:
		return gateway.ServiceAnthropic
	case registry.FamilyGeminiPro, registry.FamilyGeminiFlash:
		return gateway.ServiceGoogle
	case registry.FamilyMistralLarge, registry.FamilyMistralSmall:
		return gateway.ServiceMistral
	case registry.FamilyOllamaDefault:
		return gateway.ServiceOllama
	default:
		return ""
	}
}

// buildProvider constructs the gateway.Provider instance for one credential
// of a configured provider entry, using instanceName as its registry key
// (distinct from p.Name when the entry pools more than one credential).
func buildProvider(p config.ProviderEntry, instanceName string, client *http.Client) (gateway.Provider, error) {
	switch p.ResolvedType() {
	case "openai":
		return openai.New(instanceName, p.BaseURL, client), nil
	case "anthropic":
		if p.ResolvedHosting() == "vertex" {
			return anthropic.NewWithHosting(instanceName, p.BaseURL, client, p.Hosting, p.Region, p.Project), nil
		}
		return anthropic.New(instanceName, p.BaseURL, client), nil
	case "gemini":
		if p.ResolvedHosting() == "vertex" {
			return gemini.NewWithHosting(instanceName, p.BaseURL, client, p.Hosting, p.Region, p.Project), nil
		}
		return gemini.New(instanceName, p.BaseURL, client), nil
	case "ollama":
		return ollama.New(instanceName, p.BaseURL, client), nil
	case "mistral":
		return mistral.New(instanceName, p.BaseURL, client), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", p.ResolvedType())
	}
}
