// Package googlenative implements the google_native wire dialect: the
// official genai SDK against the Gemini API. Unlike the teacher's gemini
// provider, which forwards the full message history as turn-by-turn
// Contents, this adapter only ever sends the last message's content as a
// single-turn prompt — the router's judge has already classified the
// request and the conversational history is not forwarded upstream for
// this dialect.
package googlenative

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/neural-home/router/internal/providers"
)

const dialectName = "google_native"

// Adapter speaks the google_native dialect for one provider id.
type Adapter struct {
	providerID string
	client     *genai.Client
}

// New wraps an already-constructed genai client. Construction (API key,
// backend selection) is the caller's responsibility so every
// google_native provider can share a single client when they use the
// same key.
func New(providerID string, client *genai.Client) *Adapter {
	return &Adapter{providerID: providerID, client: client}
}

func (a *Adapter) Name() string { return dialectName }

func (a *Adapter) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	prompt := lastMessageContent(req.Messages)
	content := genai.NewContentFromText(prompt, genai.RoleUser)

	var cfg *genai.GenerateContentConfig
	if req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if req.Temperature > 0 {
			cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
	}

	if req.Stream {
		return a.handleStreaming(ctx, req.Model, content, cfg)
	}
	return a.handleResponse(ctx, req.Model, content, cfg)
}

func (a *Adapter) handleResponse(ctx context.Context, model string, content *genai.Content, cfg *genai.GenerateContentConfig) (*providers.Response, error) {
	resp, err := a.client.Models.GenerateContent(ctx, model, []*genai.Content{content}, cfg)
	if err != nil {
		return nil, a.toProviderError(err)
	}

	id := uuid.NewString()
	if resp != nil && resp.ResponseID != "" {
		id = resp.ResponseID
	}

	text := ""
	if resp != nil {
		text = resp.Text()
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.Response{
		ID:      id,
		Model:   model,
		Content: text,
		Usage:   providers.Usage{InputTokens: inTok, OutputTokens: outTok},
	}, nil
}

func (a *Adapter) handleStreaming(ctx context.Context, model string, content *genai.Content, cfg *genai.GenerateContentConfig) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range a.client.Models.GenerateContentStream(ctx, model, []*genai.Content{content}, cfg) {
			if err != nil {
				ch <- providers.StreamChunk{
					Content:      fmt.Sprintf("[stream error] %v", err),
					FinishReason: "error",
				}
				return
			}
			if resp == nil {
				continue
			}
			text := resp.Text()
			if text != "" {
				ch <- providers.StreamChunk{Content: text}
			}
		}
	}()

	return &providers.Response{Stream: ch}, nil
}

func (a *Adapter) toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Provider:   a.providerID,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Quota:      apiErr.Code == 429,
		}
	}
	return err
}

// lastMessageContent returns the content of the final message in msgs, or
// an empty string if msgs is empty.
func lastMessageContent(msgs []providers.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}
