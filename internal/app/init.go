package app

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/neural-home/router/internal/health"
	"github.com/neural-home/router/internal/httpapi"
	"github.com/neural-home/router/internal/judge"
	"github.com/neural-home/router/internal/metrics"
	"github.com/neural-home/router/internal/ratelimit"
	"github.com/neural-home/router/internal/reqlog"
	routerpkg "github.com/neural-home/router/internal/router"
	"github.com/neural-home/router/internal/state"
	"github.com/neural-home/router/internal/waterfall"
)

// initInfra establishes the required KVS connection and the optional
// ClickHouse-backed request logger.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to kvs", slog.String("url", redactURL(a.cfg.RedisURL)))

	kv, err := connectKVS(ctx, a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("kvs: %w", err)
	}
	a.kv = kv
	a.log.Info("kvs connected")

	reqLogger, err := reqlog.New(a.baseCtx, a.cfg.ClickHouseDSN, a.log)
	if err != nil {
		return fmt.Errorf("reqlog: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initProviders builds the shared genai client (when a Google API key is
// configured) and the provider state loader.
func (a *App) initProviders(ctx context.Context) error {
	if a.cfg.GoogleAPIKey != "" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  a.cfg.GoogleAPIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return fmt.Errorf("genai client: %w", err)
		}
		a.genaiClient = client
		a.log.Info("genai client configured")
	}

	a.loader = state.New(a.cfg.StateFile, a.cfg.ChecksumFile, state.EnvKeys{
		QwenProviderID: a.cfg.CloudCodingProviderID,
		GroqProviderID: a.cfg.FastSimpleProviderID,
	}, state.WithLogger(a.log))
	a.loader.Refresh(true)

	a.log.Info("provider registry loaded", slog.Int("providers", a.loader.Snapshot().Len()))

	return nil
}

// initServices builds the metrics registry, rate limiter, health tracker,
// judge client and router state — every subsystem that only needs the KVS
// connection and configuration, no HTTP wiring.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()

	a.limiter = ratelimit.New(a.kv.Raw())
	a.tracker = health.New(a.kv)
	a.routerState = routerpkg.NewState()

	if a.genaiClient != nil {
		a.judgeClient = judge.New(a.genaiClient)
	} else {
		a.log.Warn("no GOOGLE_API_KEY configured; judge classification will always fall back to judge.Default")
	}

	return nil
}

// initGateway wires the waterfall executor and the HTTP server together.
func (a *App) initGateway(_ context.Context) error {
	a.waterfallExec = waterfall.New(a.loader.Snapshot, a.tracker, a.adapterFor)

	routerCfg := routerpkg.Config{
		LocalGPUProviderID:    a.cfg.LocalGPUProviderID,
		CloudCodingProviderID: a.cfg.CloudCodingProviderID,
		FastSimpleProviderID:  a.cfg.FastSimpleProviderID,
		FlashSimpleProviderID: a.cfg.FlashSimpleProviderID,
	}

	a.srv = httpapi.New(
		routerCfg,
		a.kv,
		a.limiter,
		a.tracker,
		a.judgeClient,
		a.routerState,
		a.loader,
		a.waterfallExec,
		a.prom,
		reqLoggerAdapter{l: a.reqLogger},
		a.cfg.CORSOrigins,
		a.log,
	)

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. "redis://:secret@localhost:6379" -> "redis://***@localhost:6379".
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
