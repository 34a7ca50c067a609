package gmail_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabiq/collabiq/internal/adapter/mail/gmail"
	"github.com/collabiq/collabiq/internal/config"
	"github.com/collabiq/collabiq/internal/domain"
)

type staticSecrets struct{}

func (staticSecrets) Get(context.Context, string) (string, error) { return "test-token", nil }

func b64url(s string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(s))
}

func newClient(t *testing.T, handler http.Handler) *gmail.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return gmail.New(config.Config{GmailBaseURL: srv.URL, FetchLimit: 50}, staticSecrets{})
}

func TestListNew_FetchesAndDecodesMessages(t *testing.T) {
	message := fmt.Sprintf(`{
		"id": "m1",
		"internalDate": "1772409600000",
		"payload": {
			"mimeType": "multipart/mixed",
			"headers": [
				{"name": "From", "value": "partner@example.com"},
				{"name": "Subject", "value": "협업 업데이트"}
			],
			"parts": [
				{"mimeType": "text/plain", "body": {"data": "%s"}},
				{"mimeType": "application/octet-stream", "filename": "deck.pdf", "body": {"size": 2048}}
			]
		}
	}`, b64url("Kim Minsu from Acme Robotics discussed a pilot."))

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/gmail/v1/users/me/messages":
			assert.Equal(t, "to:collab@example.com", r.URL.Query().Get("q"))
			assert.Equal(t, "10", r.URL.Query().Get("maxResults"))
			_, _ = w.Write([]byte(`{"messages": [{"id": "m1"}]}`))
		case "/gmail/v1/users/me/messages/m1":
			assert.Equal(t, "full", r.URL.Query().Get("format"))
			_, _ = w.Write([]byte(message))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	msgs, err := c.ListNew(context.Background(), "to:collab@example.com", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "partner@example.com", m.Sender)
	assert.Equal(t, "협업 업데이트", m.Subject)
	assert.Equal(t, "Kim Minsu from Acme Robotics discussed a pilot.", m.Body)
	assert.Equal(t, time.UnixMilli(1772409600000).UTC(), m.ReceivedAt)

	require.Len(t, m.Attachments, 1)
	assert.Equal(t, "deck.pdf", m.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", m.Attachments[0].MIME, "generic declared type falls back to the extension")
	assert.Equal(t, int64(2048), m.Attachments[0].Size)
}

func TestListNew_HTMLFallback(t *testing.T) {
	message := fmt.Sprintf(`{
		"id": "m1",
		"payload": {
			"mimeType": "text/html",
			"body": {"data": "%s"}
		}
	}`, b64url("<p>pilot agreed</p>"))

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gmail/v1/users/me/messages" {
			_, _ = w.Write([]byte(`{"messages": [{"id": "m1"}]}`))
			return
		}
		_, _ = w.Write([]byte(message))
	}))

	msgs, err := c.ListNew(context.Background(), "q", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "<p>pilot agreed</p>", msgs[0].Body)
}

func TestListNew_SkipsUnfetchableMessages(t *testing.T) {
	good := fmt.Sprintf(`{"id": "m2", "payload": {"mimeType": "text/plain", "body": {"data": "%s"}}}`,
		b64url("usable content"))

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gmail/v1/users/me/messages":
			_, _ = w.Write([]byte(`{"messages": [{"id": "m1"}, {"id": "m2"}]}`))
		case "/gmail/v1/users/me/messages/m1":
			// No body anywhere in the part tree.
			_, _ = w.Write([]byte(`{"id": "m1", "payload": {"mimeType": "multipart/mixed"}}`))
		default:
			_, _ = w.Write([]byte(good))
		}
	}))

	msgs, err := c.ListNew(context.Background(), "q", 10)
	require.NoError(t, err, "one bad message does not fail the batch")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)
}

func TestListNew_CredentialFailureAbortsBatch(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gmail/v1/users/me/messages" {
			_, _ = w.Write([]byte(`{"messages": [{"id": "m1"}]}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.ListNew(context.Background(), "q", 10)
	require.Error(t, err)
	assert.Equal(t, domain.ClassCritical, domain.Classify(err))
}

func TestListNew_ListErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   domain.ErrorClass
	}{
		{"rate limited", http.StatusTooManyRequests, domain.ClassTransient},
		{"bad query", http.StatusBadRequest, domain.ClassPermanent},
		{"server error", http.StatusServiceUnavailable, domain.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			_, err := c.ListNew(context.Background(), "q", 10)
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.Classify(err))
		})
	}
}

func TestListNew_EmptyInbox(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	msgs, err := c.ListNew(context.Background(), "q", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
