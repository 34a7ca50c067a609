// Package openai implements the provider adapter for the OpenAI chat
// completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/collabiq/collabiq/internal/adapter/llm/llmhttp"
	"github.com/collabiq/collabiq/internal/adapter/llm/tokencount"
	"github.com/collabiq/collabiq/internal/config"
	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/llm"
)

const apiKeySecret = "OPENAI_API_KEY"

// Client calls the OpenAI chat completions endpoint. It is stateless and
// never retries.
type Client struct {
	cfg     config.Config
	secrets domain.SecretSource
	hc      *http.Client
}

// New constructs an OpenAI client with a bounded request timeout.
func New(cfg config.Config, secrets domain.SecretSource) *Client {
	return &Client{
		cfg:     cfg,
		secrets: secrets,
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Name returns the provider name used in routing and tracking.
func (c *Client) Name() string { return "openai" }

// Extract runs one extraction call.
func (c *Client) Extract(ctx context.Context, in domain.ExtractInput) (domain.ExtractResult, error) {
	raw, usage, err := c.chat(ctx, llm.ExtractionSystemPrompt, llm.ExtractionUserPrompt(in))
	if err != nil {
		return domain.ExtractResult{}, err
	}
	entities, err := llm.ParseExtraction(c.Name(), in.EmailID, raw)
	if err != nil {
		return domain.ExtractResult{}, err
	}
	return domain.ExtractResult{Entities: entities, Usage: usage}, nil
}

// Classify runs one classification call.
func (c *Client) Classify(ctx context.Context, in domain.ClassifyInput) (domain.ClassifyResult, error) {
	raw, usage, err := c.chat(ctx, llm.ClassificationSystemPrompt, llm.ClassificationUserPrompt(in))
	if err != nil {
		return domain.ClassifyResult{}, err
	}
	res, err := llm.ParseClassification(c.Name(), raw)
	if err != nil {
		return domain.ClassifyResult{}, err
	}
	res.Usage = usage
	return res, nil
}

type chatRequest struct {
	Model          string         `json:"model"`
	Temperature    float64        `json:"temperature"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) chat(ctx context.Context, systemPrompt, userPrompt string) (string, domain.Usage, error) {
	key, err := c.secrets.Get(ctx, apiKeySecret)
	if err != nil {
		return "", domain.Usage{}, domain.Critical(fmt.Errorf("op=openai.chat: %w", err))
	}

	reqBody := chatRequest{
		Model:       c.cfg.OpenAIModel,
		Temperature: 0.2,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	}
	b, _ := json.Marshal(reqBody)

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenAIBaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", domain.Usage{}, domain.Permanent(fmt.Errorf("op=openai.chat: %w", err))
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.hc.Do(r)
	if err != nil {
		return "", domain.Usage{}, domain.Transient(fmt.Errorf("op=openai.chat: %w", err))
	}
	body, err := llmhttp.ReadBody(resp)
	if err != nil {
		return "", domain.Usage{}, domain.Transient(fmt.Errorf("op=openai.chat read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("openai request failed",
			slog.Int("status", resp.StatusCode),
			slog.String("body", llmhttp.Snippet(body)))
		return "", domain.Usage{}, llmhttp.ClassifyStatus(c.Name(), resp, body)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", domain.Usage{}, domain.Permanent(fmt.Errorf("op=openai.chat decode: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", domain.Usage{}, domain.Permanent(fmt.Errorf("op=openai.chat: empty choices"))
	}
	text := out.Choices[0].Message.Content

	usage := domain.Usage{InTokens: out.Usage.PromptTokens, OutTokens: out.Usage.CompletionTokens}
	if usage.InTokens == 0 && usage.OutTokens == 0 {
		usage.InTokens, usage.OutTokens = tokencount.EstimateChatDefault(systemPrompt, userPrompt, text, c.cfg.OpenAIModel)
	}
	return text, usage, nil
}
