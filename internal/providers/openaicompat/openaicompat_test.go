package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/neural-home/router/internal/providers"
)

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New("gpu_local", "mock-api-key", srv.URL)
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:     "qwen2.5-7b",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestAdapterName(t *testing.T) {
	a := New("gpu_local", "key", "http://example.invalid")
	if a.Name() != "gpu_local" {
		t.Fatalf("expected 'gpu_local', got %q", a.Name())
	}
}

func TestCompleteBuffered(t *testing.T) {
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "qwen2.5-7b",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Ciao!",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     8,
			"completion_tokens": 3,
			"total_tokens":      11,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("expected bearer auth header, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Ciao!" {
		t.Fatalf("expected 'Ciao!', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 8 || resp.Usage.OutputTokens != 3 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestCompleteSurfacesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limit exceeded", "type": "rate_limit_error"},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatalf("expected an error")
	}
	perr, ok := err.(*providers.Error)
	if !ok {
		t.Fatalf("expected *providers.Error, got %T", err)
	}
	if !perr.Quota {
		t.Fatalf("expected a 429 to be classified as a quota error")
	}
}
