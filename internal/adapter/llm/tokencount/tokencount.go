// Package tokencount estimates token usage for LLM calls whose vendor
// response omits usage numbers.
//
// It uses tiktoken-go, a Go port of OpenAI's official tiktoken library.
// Non-OpenAI models are approximated with cl100k_base, which is close enough
// for cost accounting.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting for LLM models.
type Counter struct {
	mu            sync.RWMutex
	encodingCache map[string]*tiktoken.Tiktoken
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

// DefaultCounter is a global token counter instance.
var DefaultCounter = NewCounter()

func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName maps vendor model IDs onto tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// Gemini and Claude tokenize differently; cl100k_base via the
		// gpt-4 encoding is a reasonable approximation.
		return "gpt-4"
	}
}

// CountTokens counts the number of tokens in text for a given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// EstimateChat estimates prompt and completion tokens for one chat call.
// Counting failures degrade to the rough 4-chars-per-token estimate rather
// than erroring, since usage accounting must never fail a request.
func (c *Counter) EstimateChat(systemPrompt, userPrompt, completion, model string) (in int, out int) {
	promptTokens, err := c.CountTokens(systemPrompt+"\n"+userPrompt, model)
	if err != nil {
		slog.Warn("failed to count prompt tokens, using estimate",
			slog.String("model", model),
			slog.Any("error", err))
		promptTokens = (len(systemPrompt) + len(userPrompt)) / 4
	}
	// Per-message framing overhead for OpenAI-compatible chat payloads.
	promptTokens += 11

	completionTokens, err := c.CountTokens(completion, model)
	if err != nil {
		slog.Warn("failed to count completion tokens, using estimate",
			slog.String("model", model),
			slog.Any("error", err))
		completionTokens = len(completion) / 4
	}
	return promptTokens, completionTokens
}

// EstimateChatDefault uses the default counter.
func EstimateChatDefault(systemPrompt, userPrompt, completion, model string) (int, int) {
	return DefaultCounter.EstimateChat(systemPrompt, userPrompt, completion, model)
}
