// Package openaicompat implements the openai_compat wire dialect: any
// upstream that speaks the OpenAI chat completions API, whether that's
// the local GPU inference server, Alibaba Dashscope (Qwen), or Groq. One
// Adapter instance is bound to a single base URL/key at construction time;
// internal/app caches one instance per configured provider id.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/neural-home/router/internal/providers"
)

// Adapter speaks the openai_compat dialect against one base URL.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates an Adapter. name identifies the provider for logs and
// errors (it is the provider id, not a fixed vendor name). baseURL may be
// empty to use the SDK's default (api.openai.com) — in practice every
// provider this router talks to supplies one.
func New(name, apiKey, baseURL string) *Adapter {
	a := &Adapter{name: name, apiKey: apiKey, baseURL: baseURL}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.RequestTimeout}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	a.client = openaiSDK.NewClient(opts...)
	return a
}

func (a *Adapter) Name() string { return a.name }

// Complete sends req to the upstream, buffered or streamed per req.Stream.
func (a *Adapter) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	params := a.buildParams(req)
	if req.Stream {
		return a.handleStreaming(ctx, params)
	}
	return a.handleResponse(ctx, params)
}

func (a *Adapter) buildParams(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func (a *Adapter) handleResponse(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.Response, error) {
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.toProviderError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (a *Adapter) handleStreaming(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				ch <- providers.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}
				continue
			}
			if c.FinishReason != "" {
				ch <- providers.StreamChunk{FinishReason: c.FinishReason}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &providers.Response{Stream: ch}, nil
}

func (a *Adapter) toProviderError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Provider:   a.name,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Quota:      apiErr.StatusCode == http.StatusTooManyRequests,
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
