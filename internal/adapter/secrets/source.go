// Package secrets resolves API keys and tokens through three tiers: a secret
// service, an in-process TTL cache, and a local env file fallback.
package secrets

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/collabiq/collabiq/internal/config"
	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/resilience"
)

const (
	minCacheTTL = 0
	maxCacheTTL = time.Hour
)

// Source implements domain.SecretSource. Lookup order is cache, service, env
// file; a Critical service failure (or open breaker) falls back to the env
// file with a warning rather than halting the caller.
type Source struct {
	cfg     config.Config
	hc      *http.Client
	breaker *resilience.Breaker
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedSecret
	env   map[string]string
}

type cachedSecret struct {
	value   string
	expires time.Time
}

// New constructs a Source over the caller's breaker, usually the manager's
// "secret-service" entry so the breaker state is visible alongside the other
// services.
func New(cfg config.Config, breaker *resilience.Breaker) *Source {
	ttl := cfg.SecretCacheTTL
	if ttl < minCacheTTL {
		ttl = minCacheTTL
	}
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	s := &Source{
		cfg:     cfg,
		hc:      &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		ttl:     ttl,
		cache:   make(map[string]cachedSecret),
	}
	s.env = loadEnvFile(cfg.SecretEnvFile)
	return s
}

// Get resolves one secret. Missing keys return ErrSecretNotFound.
func (s *Source) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	if c, ok := s.cache[key]; ok && time.Now().Before(c.expires) {
		s.mu.Unlock()
		return c.value, nil
	}
	s.mu.Unlock()

	if s.cfg.SecretServiceURL != "" && s.breaker.Allow() {
		value, err := s.fetch(ctx, key)
		switch {
		case err == nil:
			s.breaker.RecordSuccess()
			s.put(key, value)
			return value, nil
		case domain.Classify(err) == domain.ClassCritical:
			s.breaker.ForceOpen()
			slog.Warn("secret service credential failure, falling back to env file",
				slog.String("key", key),
				slog.Any("error", err))
		default:
			s.breaker.RecordFailure()
			slog.Warn("secret service unavailable, falling back to env file",
				slog.String("key", key),
				slog.Any("error", err))
		}
	}

	if v, ok := s.env[key]; ok && v != "" {
		return v, nil
	}
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("op=secrets.Get key=%s: %w", key, domain.ErrSecretNotFound)
}

func (s *Source) put(key, value string) {
	if s.ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.cache[key] = cachedSecret{value: value, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
}

// Invalidate drops a cached secret, forcing the next Get to refetch.
func (s *Source) Invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

func (s *Source) fetch(ctx context.Context, key string) (string, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.SecretServiceURL+"/v1/secrets/"+key, nil)
	if err != nil {
		return "", domain.Permanent(err)
	}
	resp, err := s.hc.Do(r)
	if err != nil {
		return "", domain.Transient(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", domain.Transient(err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return "", domain.Permanent(fmt.Errorf("key %s: %w", key, domain.ErrSecretNotFound))
	case resp.StatusCode == http.StatusUnauthorized:
		return "", domain.Critical(fmt.Errorf("secret service status=%d", resp.StatusCode))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", domain.Permanent(fmt.Errorf("secret service status=%d", resp.StatusCode))
	default:
		return "", domain.Transient(fmt.Errorf("secret service status=%d", resp.StatusCode))
	}

	var out struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", domain.Permanent(fmt.Errorf("decode: %w", err))
	}
	if out.Value == "" {
		return "", domain.Permanent(fmt.Errorf("key %s: %w", key, domain.ErrSecretNotFound))
	}
	return out.Value, nil
}

// loadEnvFile parses KEY=VALUE lines, ignoring comments and blanks. A missing
// file is not an error; the env-file tier is optional.
func loadEnvFile(path string) map[string]string {
	out := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if k != "" {
			out[k] = v
		}
	}
	return out
}
