// Package httpapi is the HTTP frontend: fasthttp + fasthttp/router,
// grounded on the teacher's internal/proxy/router.go and middleware.go.
// A request moves through a fixed lifecycle —
//
//	Received -> RateChecked -> JudgeDecided -> ProviderChosen ->
//	[Attempting -> Failed]* -> Succeeded | Exhausted
//
// — the same SLA-constraint-at-the-top-of-the-file documentation style the
// teacher uses atop gateway.go.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/neural-home/router/internal/health"
	"github.com/neural-home/router/internal/judge"
	"github.com/neural-home/router/internal/kvs"
	"github.com/neural-home/router/internal/metrics"
	"github.com/neural-home/router/internal/providers"
	"github.com/neural-home/router/internal/ratelimit"
	routerpkg "github.com/neural-home/router/internal/router"
	"github.com/neural-home/router/internal/state"
	"github.com/neural-home/router/internal/tokencount"
	"github.com/neural-home/router/internal/waterfall"
	"github.com/neural-home/router/pkg/apierr"
)

const gpuStatusKey = "gpu_status"
const gpuStatusReady = "VERDE"

// Server wires every request-time dependency together and exposes the
// public HTTP surface.
type Server struct {
	cfg         routerpkg.Config
	kv          *kvs.Client
	limiter     *ratelimit.Limiter
	tracker     *health.Tracker
	judgeClient *judge.Client
	routerState *routerpkg.State
	loader      *state.Loader
	waterfall   *waterfall.Executor
	metrics     *metrics.Registry
	reqLogger   RequestLogger
	corsOrigins []string
	log         *slog.Logger
}

// RequestLogger records one completed request. internal/reqlog implements
// this; nil disables request logging entirely.
type RequestLogger interface {
	Log(entry RequestLogEntry)
}

// RequestLogEntry mirrors the teacher's logger.RequestLog shape, trimmed to
// the fields this router actually produces.
type RequestLogEntry struct {
	RequestID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	Status       int
	CreatedAt    time.Time
}

// New creates a Server. Every dependency is constructed and owned by
// internal/app; Server only orchestrates calls against them.
func New(
	cfg routerpkg.Config,
	kv *kvs.Client,
	limiter *ratelimit.Limiter,
	tracker *health.Tracker,
	judgeClient *judge.Client,
	routerState *routerpkg.State,
	loader *state.Loader,
	waterfallExec *waterfall.Executor,
	metricsReg *metrics.Registry,
	reqLogger RequestLogger,
	corsOrigins []string,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		kv:          kv,
		limiter:     limiter,
		tracker:     tracker,
		judgeClient: judgeClient,
		routerState: routerState,
		loader:      loader,
		waterfall:   waterfallExec,
		metrics:     metricsReg,
		reqLogger:   reqLogger,
		corsOrigins: corsOrigins,
		log:         log,
	}
}

// Handler builds the full fasthttp handler chain: routes wrapped in the
// teacher's middleware stack (recovery, request-id, timing, CORS, security
// headers).
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.GET("/v1/models", s.handleModels)
	if s.metrics != nil {
		r.GET("/metrics", s.handleMetrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start runs the HTTP server on addr (e.g. ":8080") and blocks until it
// stops or errors, same shape as the teacher's Gateway.StartWithRoutes.
func (s *Server) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"data": []map[string]string{
			{"id": "qwen-max", "object": "model"},
		},
	})
}

// handleMetrics updates the GPU gauge and rate-limit gauges from current KVS
// state on every scrape of this path specifically, then serves the
// registry's promhttp handler.
func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	if status, ok, err := s.kv.Get(ctx, gpuStatusKey); err == nil && ok {
		s.metrics.SetGPUStatus(status == gpuStatusReady)
	}

	for _, class := range []ratelimit.Class{ratelimit.ClassGlobal, ratelimit.ClassExpensive, ratelimit.ClassCheap} {
		remaining := s.limiter.Remaining(ctx, ratelimit.Subject, class)
		s.metrics.SetRateLimitRemaining(ratelimit.Subject, string(class), remaining)
	}

	s.metrics.Handler()(ctx)
}

type inboundMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type inboundRequest struct {
	Model       string           `json:"model"`
	Messages    []inboundMessage `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

type (
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}
	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// handleChatCompletions implements the request lifecycle: rate check,
// extract + clean the last user message, refresh the registry, classify,
// read GPU readiness, compute the sane set, route, and execute the
// waterfall.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	if s.metrics != nil {
		s.metrics.IncInFlight()
		defer func() {
			s.metrics.DecInFlight()
			s.metrics.ObserveHTTP("chat_completions", ctx.Response.StatusCode(), time.Since(start))
		}()
	}

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		apierr.WriteInvalidRequest(ctx, "field 'model' is required")
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.AllowRequest(ctx, req.Model, 1)
		if err != nil {
			s.log.WarnContext(ctx, "rate_limit_check_failed", slog.String("error", err.Error()))
		}
		if !allowed {
			apierr.WriteRateLimit(ctx)
			return
		}
	}

	rawQuery := lastUserMessage(req.Messages)
	cleaned := judge.Clean(rawQuery)

	s.loader.Refresh(false)
	reg := s.loader.Snapshot()
	if reg.Len() == 0 {
		apierr.WriteConfigMissing(ctx)
		return
	}

	result := judge.Default
	if s.judgeClient != nil {
		result = s.judgeClient.Classify(ctx, cleaned)
	}

	gpuReady := false
	if status, ok, err := s.kv.Get(ctx, gpuStatusKey); err == nil && ok {
		gpuReady = status == gpuStatusReady
	}
	if s.metrics != nil {
		s.metrics.SetGPUStatus(gpuReady)
	}

	candidates := reg.IDs()
	if !gpuReady {
		candidates = removeID(candidates, s.cfg.LocalGPUProviderID)
	}
	sane := s.tracker.SaneIDs(ctx, candidates)
	if len(sane) == 0 {
		apierr.WriteAllProvidersFailed(ctx)
		return
	}

	preferred := s.routerState.CurrentTarget(s.cfg, result.Category, gpuReady, sane)

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	provCtx, cancel := context.WithTimeout(ctx, providers.RequestTimeout)
	defer cancel()

	proxyReq := &providers.Request{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
	}

	resp, usedID, err := s.waterfall.Execute(provCtx, proxyReq, result.Language, preferred, sane)
	if err != nil {
		s.log.ErrorContext(ctx, "waterfall_exhausted",
			slog.String("request_id", reqID), slog.String("error", err.Error()))
		apierr.WriteAllProvidersFailed(ctx)
		s.logRequest(reqID, preferred, req.Model, 0, 0, time.Since(start), fasthttp.StatusServiceUnavailable)
		return
	}

	if req.Stream && resp.Stream != nil {
		s.writeSSE(ctx, resp, reqID, usedID, req.Model, start)
		return
	}

	// The client-facing body mirrors the upstream's own reported usage
	// verbatim; tokencount only estimates for the request log below, since
	// not every upstream reports usage consistently enough to trust for
	// accounting (the local GPU server in particular).
	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{Index: 0, Message: outboundMessage{Role: "assistant", Content: resp.Content}, FinishReason: "stop"},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to serialize response", apierr.TypeProviderError, apierr.CodeAllProvidersFailed)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)

	inputTokens := tokencount.Count(rawQuery)
	outputTokens := tokencount.Count(resp.Content)
	s.logRequest(reqID, usedID, resp.Model, inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK)
}

// writeSSE streams response chunks as Server-Sent Events, same pattern as
// the teacher's writeSSE: text/event-stream, SetBodyStreamWriter, a
// recovered inner closure, data: [DONE]\n\n terminal frame.
func (s *Server) writeSSE(ctx *fasthttp.RequestCtx, resp *providers.Response, reqID, usedID, clientModel string, start time.Time) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }()

		var content strings.Builder
		for chunk := range resp.Stream {
			content.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      "chatcmpl-" + uuid.NewString(),
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   clientModel,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush()
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()

		outputTokens := tokencount.Count(content.String())
		s.logRequest(reqID, usedID, clientModel, 0, outputTokens, time.Since(start), fasthttp.StatusOK)
	})
}

func (s *Server) logRequest(requestID, provider, model string, inputTokens, outputTokens int, latency time.Duration, status int) {
	if s.reqLogger == nil {
		return
	}
	s.reqLogger.Log(RequestLogEntry{
		RequestID:    requestID,
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMs:    latency.Milliseconds(),
		Status:       status,
		CreatedAt:    time.Now(),
	})
}

func lastUserMessage(msgs []inboundMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func removeID(ids []string, target string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
