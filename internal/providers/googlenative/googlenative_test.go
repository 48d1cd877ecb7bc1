package googlenative

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/genai"

	"github.com/neural-home/router/internal/providers"
)

func TestLastMessageContentReturnsFinalMessage(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second"},
		{Role: "user", Content: "third"},
	}
	if got := lastMessageContent(msgs); got != "third" {
		t.Fatalf("expected 'third', got %q", got)
	}
}

func TestLastMessageContentEmpty(t *testing.T) {
	if got := lastMessageContent(nil); got != "" {
		t.Fatalf("expected empty string for no messages, got %q", got)
	}
}

func TestNameIsGoogleNative(t *testing.T) {
	a := New("gemini_cloud", nil)
	if a.Name() != "google_native" {
		t.Fatalf("expected dialect name 'google_native', got %q", a.Name())
	}
}

// newTestGenaiClient builds a real genai.Client pointed at srv, the same
// seam internal/judge's tests use against the Gemini API.
func newTestGenaiClient(t *testing.T, srv *httptest.Server) *genai.Client {
	t.Helper()
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      "mock-key",
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  srv.Client(),
		HTTPOptions: genai.HTTPOptions{BaseURL: srv.URL, APIVersion: "v1beta"},
	})
	if err != nil {
		t.Fatalf("build genai client: %v", err)
	}
	return client
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:     "gemini-1.5-pro",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func successBody(text string) map[string]any {
	return map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": text}},
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     10,
			"candidatesTokenCount": 5,
		},
		"responseId": "resp-mock-1",
	}
}

func TestCompleteBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(successBody("Ciao!"))
	}))
	defer srv.Close()

	a := New("gemini_cloud", newTestGenaiClient(t, srv))
	resp, err := a.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Ciao!" {
		t.Fatalf("expected 'Ciao!', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if resp.ID != "resp-mock-1" {
		t.Fatalf("expected response id from upstream, got %q", resp.ID)
	}
}

func TestCompleteGeneratesIDWhenUpstreamOmitsOne(t *testing.T) {
	body := successBody("Hi")
	delete(body, "responseId")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	a := New("gemini_cloud", newTestGenaiClient(t, srv))
	resp, err := a.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("expected a generated ID when the upstream omits responseId")
	}
}

func TestCompleteOnlySendsLastMessage(t *testing.T) {
	var captured struct {
		Contents []struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(successBody("ok"))
	}))
	defer srv.Close()

	req := &providers.Request{
		Model: "gemini-1.5-pro",
		Messages: []providers.Message{
			{Role: "user", Content: "first turn"},
			{Role: "assistant", Content: "reply"},
			{Role: "user", Content: "second turn"},
		},
	}

	a := New("gemini_cloud", newTestGenaiClient(t, srv))
	if _, err := a.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(captured.Contents) != 1 {
		t.Fatalf("expected exactly one content turn sent upstream, got %d", len(captured.Contents))
	}
	if len(captured.Contents[0].Parts) == 0 || captured.Contents[0].Parts[0].Text != "second turn" {
		t.Fatalf("expected only the last message's content upstream, got %+v", captured.Contents[0].Parts)
	}
}

func TestCompleteClassifiesRateLimitAsQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"code":429,"message":"Resource has been exhausted.","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	a := New("gemini_cloud", newTestGenaiClient(t, srv))
	_, err := a.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected an error for a 429 response")
	}

	perr, ok := err.(*providers.Error)
	if !ok {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if !perr.Quota {
		t.Fatalf("expected a 429 to be classified as a quota error")
	}
	if perr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", perr.StatusCode)
	}
}

func TestCompleteServerErrorIsNotQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"error":{"code":500,"message":"Internal error.","status":"INTERNAL"}}`)
	}))
	defer srv.Close()

	a := New("gemini_cloud", newTestGenaiClient(t, srv))
	_, err := a.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}

	perr, ok := err.(*providers.Error)
	if !ok {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if perr.Quota {
		t.Fatalf("expected a 500 to not be classified as a quota error")
	}
	if perr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", perr.StatusCode)
	}
}

func TestCompleteStreaming(t *testing.T) {
	chunks := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]},"finishReason":""}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" world"}]},"finishReason":""}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":""}]},"finishReason":"STOP"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	a := New("gemini_cloud", newTestGenaiClient(t, srv))
	resp, err := a.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("expected a non-nil Stream channel")
	}

	var content string
	for chunk := range resp.Stream {
		content += chunk.Content
	}
	if content != "Hello world" {
		t.Fatalf("expected 'Hello world', got %q", content)
	}
}
