// Package gemini implements the provider adapter for Google's Gemini
// generateContent API.
package gemini

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

const apiKeySecret = "GEMINI_API_KEY"

// Client calls the Gemini generateContent endpoint. It is stateless and never
// retries; classification of failures is the orchestrator's input.
type Client struct {
	cfg     config.Config
	secrets domain.SecretSource
	hc      *http.Client
}

// New constructs a Gemini client with a bounded request timeout.
func New(cfg config.Config, secrets domain.SecretSource) *Client {
	return &Client{
		cfg:     cfg,
		secrets: secrets,
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Name returns the provider name used in routing and tracking.
func (c *Client) Name() string { return "gemini" }

// Extract runs one extraction call.
func (c *Client) Extract(ctx context.Context, in domain.ExtractInput) (domain.ExtractResult, error) {
	raw, usage, err := c.generate(ctx, llm.ExtractionSystemPrompt, llm.ExtractionUserPrompt(in))
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
	raw, usage, err := c.generate(ctx, llm.ClassificationSystemPrompt, llm.ClassificationUserPrompt(in))
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

type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMIMEType string  `json:"responseMimeType"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Client) generate(ctx context.Context, systemPrompt, userPrompt string) (string, domain.Usage, error) {
	key, err := c.secrets.Get(ctx, apiKeySecret)
	if err != nil {
		return "", domain.Usage{}, domain.Critical(fmt.Errorf("op=gemini.generate: %w", err))
	}

	reqBody := generateRequest{
		SystemInstruction: &content{Parts: []part{{Text: systemPrompt}}},
		Contents:          []content{{Role: "user", Parts: []part{{Text: userPrompt}}}},
		GenerationConfig:  generationConfig{Temperature: 0.2, ResponseMIMEType: "application/json"},
	}
	b, _ := json.Marshal(reqBody)

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.cfg.GeminiBaseURL, c.cfg.GeminiModel)
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", domain.Usage{}, domain.Permanent(fmt.Errorf("op=gemini.generate: %w", err))
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-goog-api-key", key)

	resp, err := c.hc.Do(r)
	if err != nil {
		return "", domain.Usage{}, domain.Transient(fmt.Errorf("op=gemini.generate: %w", err))
	}
	body, err := llmhttp.ReadBody(resp)
	if err != nil {
		return "", domain.Usage{}, domain.Transient(fmt.Errorf("op=gemini.generate read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("gemini request failed",
			slog.Int("status", resp.StatusCode),
			slog.String("body", llmhttp.Snippet(body)))
		return "", domain.Usage{}, llmhttp.ClassifyStatus(c.Name(), resp, body)
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", domain.Usage{}, domain.Permanent(fmt.Errorf("op=gemini.generate decode: %w", err))
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", domain.Usage{}, domain.Permanent(fmt.Errorf("op=gemini.generate: empty candidates"))
	}
	text := out.Candidates[0].Content.Parts[0].Text

	usage := domain.Usage{
		InTokens:  out.UsageMetadata.PromptTokenCount,
		OutTokens: out.UsageMetadata.CandidatesTokenCount,
	}
	if usage.InTokens == 0 && usage.OutTokens == 0 {
		usage.InTokens, usage.OutTokens = tokencount.EstimateChatDefault(systemPrompt, userPrompt, text, c.cfg.GeminiModel)
	}
	return text, usage, nil
}
