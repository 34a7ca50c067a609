// Package gmail implements the mail source port against the Gmail REST API.
// Token acquisition is out of scope; the bearer token comes from the secret
// source.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/collabiq/collabiq/internal/config"
	"github.com/collabiq/collabiq/internal/domain"
)

const (
	tokenSecret  = "GMAIL_ACCESS_TOKEN"
	maxBodyBytes = 8 << 20
)

// Client lists and fetches messages for the authenticated user.
type Client struct {
	cfg     config.Config
	secrets domain.SecretSource
	hc      *http.Client
}

// New constructs a Gmail client.
func New(cfg config.Config, secrets domain.SecretSource) *Client {
	return &Client{
		cfg:     cfg,
		secrets: secrets,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

// ListNew returns up to limit messages matching query, newest first per the
// API's default ordering. Messages that fail to fetch individually are
// skipped with a warning rather than failing the whole batch.
func (c *Client) ListNew(ctx context.Context, query string, limit int) ([]domain.RawMessage, error) {
	if limit <= 0 {
		limit = c.cfg.FetchLimit
	}
	listURL := fmt.Sprintf("%s/gmail/v1/users/me/messages?q=%s&maxResults=%d",
		c.cfg.GmailBaseURL, url.QueryEscape(query), limit)

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := c.get(ctx, listURL, &list); err != nil {
		return nil, fmt.Errorf("op=gmail.ListNew: %w", err)
	}

	msgs := make([]domain.RawMessage, 0, len(list.Messages))
	for _, m := range list.Messages {
		raw, err := c.fetch(ctx, m.ID)
		if err != nil {
			if domain.Classify(err) == domain.ClassCritical {
				return nil, fmt.Errorf("op=gmail.ListNew fetch %s: %w", m.ID, err)
			}
			slog.Warn("skipping unfetchable message",
				slog.String("message_id", m.ID),
				slog.Any("error", err))
			continue
		}
		msgs = append(msgs, raw)
	}
	return msgs, nil
}

// messagePart mirrors the Gmail payload tree.
type messagePart struct {
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Size int64  `json:"size"`
		Data string `json:"data"`
	} `json:"body"`
	Parts []messagePart `json:"parts"`
}

func (c *Client) fetch(ctx context.Context, id string) (domain.RawMessage, error) {
	var out struct {
		ID           string      `json:"id"`
		InternalDate string      `json:"internalDate"`
		Payload      messagePart `json:"payload"`
	}
	getURL := fmt.Sprintf("%s/gmail/v1/users/me/messages/%s?format=full", c.cfg.GmailBaseURL, id)
	if err := c.get(ctx, getURL, &out); err != nil {
		return domain.RawMessage{}, err
	}

	msg := domain.RawMessage{ID: out.ID}
	if ms, err := strconv.ParseInt(out.InternalDate, 10, 64); err == nil {
		msg.ReceivedAt = time.UnixMilli(ms).UTC()
	}
	for _, h := range out.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			msg.Sender = h.Value
		case "subject":
			msg.Subject = h.Value
		}
	}
	msg.Body = extractBody(out.Payload)
	if msg.Body == "" {
		return domain.RawMessage{}, domain.Permanent(fmt.Errorf("message %s: %w", id, domain.ErrEmptyBody))
	}
	msg.Attachments = collectAttachments(out.Payload)
	return msg, nil
}

// extractBody walks the part tree and returns the first text/plain body,
// falling back to text/html.
func extractBody(p messagePart) string {
	if body := findBody(p, "text/plain"); body != "" {
		return body
	}
	return findBody(p, "text/html")
}

func findBody(p messagePart, mime string) string {
	if p.Filename == "" && strings.HasPrefix(p.MimeType, mime) && p.Body.Data != "" {
		if decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(p.Body.Data); err == nil {
			return string(decoded)
		}
	}
	for _, child := range p.Parts {
		if body := findBody(child, mime); body != "" {
			return body
		}
	}
	return ""
}

// collectAttachments gathers attachment metadata. Bodies are never
// downloaded; the MIME type is sniffed from the filename when the declared
// type is missing or generic.
func collectAttachments(p messagePart) []domain.Attachment {
	var out []domain.Attachment
	var walk func(part messagePart)
	walk = func(part messagePart) {
		if part.Filename != "" {
			mime := part.MimeType
			// Canonicalize the declared type; fall back to the extension when
			// the sender declared nothing useful.
			if m := mimetype.Lookup(mime); m != nil {
				mime = m.String()
			}
			if mime == "" || mime == "application/octet-stream" {
				mime = mimeFromExt(part.Filename)
			}
			out = append(out, domain.Attachment{
				Filename: part.Filename,
				MIME:     mime,
				Size:     part.Body.Size,
			})
		}
		for _, child := range part.Parts {
			walk(child)
		}
	}
	walk(p)
	return out
}

// mimeFromExt maps a filename extension to a MIME type.
func mimeFromExt(filename string) string {
	ext := strings.ToLower(filename[strings.LastIndex(filename, ".")+1:])
	switch ext {
	case "pdf":
		return "application/pdf"
	case "doc", "docx":
		return "application/msword"
	case "xls", "xlsx":
		return "application/vnd.ms-excel"
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func (c *Client) get(ctx context.Context, rawURL string, out any) error {
	token, err := c.secrets.Get(ctx, tokenSecret)
	if err != nil {
		return domain.Critical(fmt.Errorf("secret: %w", err))
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.Permanent(err)
	}
	r.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.hc.Do(r)
	if err != nil {
		return domain.Transient(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.Transient(err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		base := fmt.Errorf("gmail status=%d: %s", resp.StatusCode, snippet)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return &domain.Classified{Class: domain.ClassTransient, HTTPStatus: resp.StatusCode, Err: base}
		case resp.StatusCode == http.StatusUnauthorized:
			return &domain.Classified{Class: domain.ClassCritical, HTTPStatus: resp.StatusCode, Err: base}
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return &domain.Classified{Class: domain.ClassPermanent, HTTPStatus: resp.StatusCode, Err: base}
		default:
			return &domain.Classified{Class: domain.ClassTransient, HTTPStatus: resp.StatusCode, Err: base}
		}
	}
	return json.Unmarshal(body, out)
}
