// Package tokencount estimates token usage for the router's own request
// log. The client-facing response always mirrors the upstream provider's
// payload verbatim, so this estimate never reaches a client — it only
// replaces the chars/4 heuristic the teacher's writeSSE used for streaming
// responses, giving internal/reqlog real numbers instead of a guess.
//
// Grounded on the tiktoken-go adapter in the example pack's agentflow repo
// (llm/tokenizer/tiktoken.go), trimmed to a single lazily-initialized
// cl100k_base encoder since every model this router talks to (Qwen, Groq's
// Llama variants, Gemini) is close enough in tokenization to OpenAI's
// cl100k_base family for an estimate, and the router has no per-model
// encoding table to maintain.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
)

func encoder() (*tiktoken.Tiktoken, error) {
	once.Do(func() {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	})
	return enc, err
}

// Count estimates the number of tokens in text. If the encoder fails to
// initialize (e.g. no network access to fetch the BPE ranks on first use),
// it falls back to the chars/4 heuristic rather than erroring — this is an
// accounting estimate for logs, not something a request can fail over.
func Count(text string) int {
	e, err := encoder()
	if err != nil {
		return fallback(text)
	}
	return len(e.Encode(text, nil, nil))
}

func fallback(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
