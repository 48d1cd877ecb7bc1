// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (KVS; ClickHouse via reqlog)
//  2. initProviders — shared genai client, provider state loader
//  3. initServices  — metrics registry, rate limiter, health tracker, judge
//  4. initGateway   — HTTP server wiring
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/neural-home/router/internal/config"
	"github.com/neural-home/router/internal/health"
	"github.com/neural-home/router/internal/httpapi"
	"github.com/neural-home/router/internal/judge"
	"github.com/neural-home/router/internal/kvs"
	"github.com/neural-home/router/internal/metrics"
	"github.com/neural-home/router/internal/providers"
	"github.com/neural-home/router/internal/providers/googlenative"
	"github.com/neural-home/router/internal/providers/openaicompat"
	"github.com/neural-home/router/internal/ratelimit"
	"github.com/neural-home/router/internal/reqlog"
	routerpkg "github.com/neural-home/router/internal/router"
	"github.com/neural-home/router/internal/state"
	"github.com/neural-home/router/internal/waterfall"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// External connections — present once initInfra has run.
	kv          *kvs.Client
	genaiClient *genai.Client
	reqLogger   *reqlog.Logger

	prom        *metrics.Registry
	limiter     *ratelimit.Limiter
	tracker     *health.Tracker
	judgeClient *judge.Client
	routerState *routerpkg.State
	loader      *state.Loader

	adaptersMu sync.Mutex
	adapters   map[string]providers.Adapter

	waterfallExec *waterfall.Executor
	srv           *httpapi.Server
}

// New initialises all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{
		cfg:      cfg,
		version:  version,
		baseCtx:  ctx,
		log:      log,
		adapters: make(map[string]providers.Adapter),
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting router",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("clickhouse", a.cfg.ClickHouseDSN != ""),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call
// multiple times in sequence; concurrent calls are not synchronized.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("request logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.log.Error("kvs close error", slog.String("error", err.Error()))
		}
		a.kv = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────

// adapterFor resolves a provider descriptor to its Adapter, building and
// caching one instance per provider id. Every google_native descriptor
// shares a.genaiClient — the router authenticates to Gemini with one API
// key regardless of how many google_native provider ids are configured.
func (a *App) adapterFor(d state.Descriptor) (providers.Adapter, error) {
	a.adaptersMu.Lock()
	defer a.adaptersMu.Unlock()

	if ad, ok := a.adapters[d.ID]; ok {
		return ad, nil
	}

	var ad providers.Adapter
	switch d.Kind {
	case state.KindOpenAICompat:
		ad = openaicompat.New(d.ID, d.APIKey, d.URL)
	case state.KindGoogleNative:
		if a.genaiClient == nil {
			return nil, fmt.Errorf("app: provider %s is google_native but no GOOGLE_API_KEY was configured", d.ID)
		}
		ad = googlenative.New(d.ID, a.genaiClient)
	default:
		return nil, fmt.Errorf("app: provider %s has unknown kind %q", d.ID, d.Kind)
	}

	a.adapters[d.ID] = ad
	return ad, nil
}

// reqLoggerAdapter bridges internal/httpapi.RequestLogEntry to
// internal/reqlog.Entry so internal/reqlog need not import internal/httpapi.
type reqLoggerAdapter struct {
	l *reqlog.Logger
}

func (r reqLoggerAdapter) Log(e httpapi.RequestLogEntry) {
	r.l.Log(reqlog.Entry{
		RequestID:    e.RequestID,
		Provider:     e.Provider,
		Model:        e.Model,
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		LatencyMs:    e.LatencyMs,
		Status:       e.Status,
		CreatedAt:    e.CreatedAt,
	})
}

// connectKVS parses url, builds a client, and verifies connectivity with a
// PING. Returns an error — callers decide whether a failure here is fatal.
func connectKVS(ctx context.Context, url string) (*kvs.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return kvs.Connect(connectCtx, url)
}
