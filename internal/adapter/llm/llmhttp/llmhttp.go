// Package llmhttp holds the HTTP plumbing shared by the provider adapters:
// response reading, status classification, and Retry-After parsing.
package llmhttp

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/collabiq/collabiq/internal/domain"
)

// maxBodyBytes bounds how much of a vendor response is read.
const maxBodyBytes = 1 << 20

// snippetBytes bounds how much of an error body lands in logs and errors.
const snippetBytes = 512

// ReadBody drains up to maxBodyBytes of resp.Body.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// Snippet truncates b for inclusion in errors and logs.
func Snippet(b []byte) string {
	if len(b) > snippetBytes {
		b = b[:snippetBytes]
	}
	return string(b)
}

// ClassifyStatus maps a non-2xx vendor status onto the retry taxonomy:
// 429 is Transient carrying the Retry-After hint, 401 is Critical because it
// means a bad credential, remaining 4xx are Permanent, 5xx are Transient.
func ClassifyStatus(provider string, resp *http.Response, body []byte) error {
	status := resp.StatusCode
	base := fmt.Errorf("provider=%s status=%d: %s", provider, status, Snippet(body))
	switch {
	case status == http.StatusTooManyRequests:
		return &domain.Classified{
			Class:      domain.ClassTransient,
			HTTPStatus: status,
			RetryAfter: ParseRetryAfter(resp.Header),
			Err:        base,
		}
	case status == http.StatusUnauthorized:
		return &domain.Classified{Class: domain.ClassCritical, HTTPStatus: status, Err: base}
	case status >= 400 && status < 500:
		return &domain.Classified{Class: domain.ClassPermanent, HTTPStatus: status, Err: base}
	default:
		return &domain.Classified{Class: domain.ClassTransient, HTTPStatus: status, Err: base}
	}
}

// ParseRetryAfter reads the Retry-After header in either seconds or HTTP-date
// form. Zero means no usable hint.
func ParseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
