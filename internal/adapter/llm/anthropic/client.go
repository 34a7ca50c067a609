// Package anthropic implements the provider adapter for the Anthropic
// Messages API.
package anthropic

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

const (
	apiKeySecret = "ANTHROPIC_API_KEY"
	apiVersion   = "2023-06-01"
	maxTokens    = 1024
)

// Client calls the Anthropic Messages endpoint. It is stateless and never
// retries.
type Client struct {
	cfg     config.Config
	secrets domain.SecretSource
	hc      *http.Client
}

// New constructs an Anthropic client with a bounded request timeout.
func New(cfg config.Config, secrets domain.SecretSource) *Client {
	return &Client{
		cfg:     cfg,
		secrets: secrets,
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Name returns the provider name used in routing and tracking. The priority
// list and pricing table key this provider as "claude".
func (c *Client) Name() string { return "claude" }

// Extract runs one extraction call.
func (c *Client) Extract(ctx context.Context, in domain.ExtractInput) (domain.ExtractResult, error) {
	raw, usage, err := c.message(ctx, llm.ExtractionSystemPrompt, llm.ExtractionUserPrompt(in))
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
	raw, usage, err := c.message(ctx, llm.ClassificationSystemPrompt, llm.ClassificationUserPrompt(in))
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

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) message(ctx context.Context, systemPrompt, userPrompt string) (string, domain.Usage, error) {
	key, err := c.secrets.Get(ctx, apiKeySecret)
	if err != nil {
		return "", domain.Usage{}, domain.Critical(fmt.Errorf("op=anthropic.message: %w", err))
	}

	reqBody := messagesRequest{
		Model:     c.cfg.AnthropicModel,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages:  []message{{Role: "user", Content: userPrompt}},
	}
	b, _ := json.Marshal(reqBody)

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AnthropicBaseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return "", domain.Usage{}, domain.Permanent(fmt.Errorf("op=anthropic.message: %w", err))
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-api-key", key)
	r.Header.Set("anthropic-version", apiVersion)

	resp, err := c.hc.Do(r)
	if err != nil {
		return "", domain.Usage{}, domain.Transient(fmt.Errorf("op=anthropic.message: %w", err))
	}
	body, err := llmhttp.ReadBody(resp)
	if err != nil {
		return "", domain.Usage{}, domain.Transient(fmt.Errorf("op=anthropic.message read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("anthropic request failed",
			slog.Int("status", resp.StatusCode),
			slog.String("body", llmhttp.Snippet(body)))
		return "", domain.Usage{}, llmhttp.ClassifyStatus(c.Name(), resp, body)
	}

	var out messagesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", domain.Usage{}, domain.Permanent(fmt.Errorf("op=anthropic.message decode: %w", err))
	}
	var text string
	for _, block := range out.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", domain.Usage{}, domain.Permanent(fmt.Errorf("op=anthropic.message: no text content"))
	}

	usage := domain.Usage{InTokens: out.Usage.InputTokens, OutTokens: out.Usage.OutputTokens}
	if usage.InTokens == 0 && usage.OutTokens == 0 {
		usage.InTokens, usage.OutTokens = tokencount.EstimateChatDefault(systemPrompt, userPrompt, text, c.cfg.AnthropicModel)
	}
	return text, usage, nil
}
