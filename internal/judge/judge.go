// Package judge classifies an incoming user prompt into a routing
// category and a response language, using a small, disposable model — not
// the model that will ultimately serve the request. Classification is
// advisory: a judge failure never fails the outer request, it just falls
// back to a fixed default.
package judge

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/genai"
)

// Category is the routing intent derived from a prompt.
type Category string

const (
	CategoryCoding Category = "CODING"
	CategorySimple Category = "SIMPLE"
)

// Result is the judge's classification of one prompt.
type Result struct {
	Category Category
	Language string
}

// Default is returned whenever classification cannot be completed. It is
// not a neutral default — it is tuned for this deployment's primary
// userbase (Italian-speaking), matching the original service's behavior.
var Default = Result{Category: CategorySimple, Language: "Italian"}

// Models is the ordered fallback chain of judge models. Each is tried in
// turn until one produces a parseable result.
var Models = []string{
	"models/gemma-3-4b-it",
	"models/gemini-2.0-flash-lite",
}

const maxCleanLength = 500

// cutMarkers are substrings that, when present, mark the start of
// boilerplate appended by upstream tooling (suggestion footers, language
// reminders) that should never reach the judge prompt.
var cutMarkers = []string{"To suggest changes", "Reply in English"}

// Clean strips trailing boilerplate from raw, trims whitespace, and caps
// the result at maxCleanLength characters.
func Clean(raw string) string {
	cut := len(raw)
	for _, marker := range cutMarkers {
		if i := strings.Index(raw, marker); i >= 0 && i < cut {
			cut = i
		}
	}
	cleaned := strings.TrimSpace(raw[:cut])
	if runes := []rune(cleaned); len(runes) > maxCleanLength {
		cleaned = string(runes[:maxCleanLength])
	}
	return cleaned
}

// Client classifies prompts using the shared genai client.
type Client struct {
	genai  *genai.Client
	models []string
}

// New creates a Client. models overrides the default fallback chain when
// non-empty (tests only).
func New(g *genai.Client, models ...string) *Client {
	c := &Client{genai: g, models: Models}
	if len(models) > 0 {
		c.models = models
	}
	return c
}

type rawResult struct {
	Cat  string `json:"cat"`
	Lang string `json:"lang"`
}

// Classify cleans content and asks each judge model in turn for a
// classification, returning Default if every model fails or produces
// unparseable output.
func (c *Client) Classify(ctx context.Context, content string) Result {
	cleaned := Clean(content)
	prompt := buildPrompt(cleaned)

	for _, model := range c.models {
		resp, err := c.genai.Models.GenerateContent(ctx, model,
			[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, nil)
		if err != nil || resp == nil {
			continue
		}

		text := stripFences(resp.Text())

		var raw rawResult
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			continue
		}

		cat := Category(strings.ToUpper(strings.TrimSpace(raw.Cat)))
		if cat != CategoryCoding && cat != CategorySimple {
			continue
		}
		lang := strings.TrimSpace(raw.Lang)
		if lang == "" {
			continue
		}

		return Result{Category: cat, Language: lang}
	}

	return Default
}

func buildPrompt(content string) string {
	var b strings.Builder
	b.WriteString("Classify the following user message. Respond with ONLY a minimal JSON object of the form ")
	b.WriteString(`{"cat": "CODING"|"SIMPLE", "lang": "<language name>"}`)
	b.WriteString(" — no other text.\n\nMessage:\n")
	b.WriteString(content)
	return b.String()
}

// stripFences removes a leading/trailing ``` or ```json fence, if present,
// so the remainder can be parsed as plain JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
