// Package dlq persists failed pipeline payloads for later replay and tracks
// which emails have already been written, so reprocessing is idempotent.
package dlq

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/collabiq/collabiq/internal/adapter/observability"
	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/persist"
)

const archivedDir = "archived"

// Store keeps DLQ entries as one JSON file per (email_id, stage) key under
// dlq/<severity>/. Repeat failures for the same key overwrite the entry,
// preserving dlq_id, first_failed_at, and the running retry count.
type Store struct {
	mu   sync.Mutex
	root string
}

// NewStore opens (creating if needed) the DLQ rooted at dir.
func NewStore(dir string) (*Store, error) {
	for _, sev := range []domain.Severity{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow} {
		if err := os.MkdirAll(filepath.Join(dir, string(sev)), 0o755); err != nil {
			return nil, fmt.Errorf("op=dlq.NewStore: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, archivedDir), 0o755); err != nil {
		return nil, fmt.Errorf("op=dlq.NewStore: %w", err)
	}
	return &Store{root: dir}, nil
}

func entryFile(emailID string, stage domain.Stage) string {
	return fmt.Sprintf("%s_%s.json", sanitize(emailID), stage)
}

// sanitize keeps file names safe for arbitrary mail IDs.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// Add records a failure. An existing entry for the same (email_id, stage) is
// overwritten with the new payload and error while keeping its identity and
// bumping retry_count.
func (s *Store) Add(emailID string, stage domain.Stage, severity domain.Severity, payload []byte, dlqErr domain.DLQError) (domain.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	entry := domain.DLQEntry{
		DLQID:         ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		EmailID:       emailID,
		Stage:         stage,
		Severity:      severity,
		Payload:       payload,
		Error:         dlqErr,
		FirstFailedAt: now,
		LastAttemptAt: now,
	}

	if prev, path, err := s.find(emailID, stage); err == nil {
		entry.DLQID = prev.DLQID
		entry.FirstFailedAt = prev.FirstFailedAt
		entry.Error.RetryCount = prev.Error.RetryCount + 1
		// Severity may change between failures; drop the old location.
		if filepath.Dir(path) != filepath.Join(s.root, string(severity)) {
			_ = os.Remove(path)
		}
	}

	dst := filepath.Join(s.root, string(severity), entryFile(emailID, stage))
	if err := persist.WriteJSON(dst, entry); err != nil {
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.Add: %w", err)
	}
	s.updateDepthGauge()
	return entry, nil
}

// find locates the current entry for (email_id, stage) across severities.
func (s *Store) find(emailID string, stage domain.Stage) (domain.DLQEntry, string, error) {
	name := entryFile(emailID, stage)
	for _, sev := range []domain.Severity{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow} {
		path := filepath.Join(s.root, string(sev), name)
		var entry domain.DLQEntry
		if err := persist.ReadJSON(path, &entry); err == nil {
			return entry, path, nil
		}
	}
	return domain.DLQEntry{}, "", domain.ErrNotFound
}

// List returns all live entries, optionally filtered by severity, ordered by
// last attempt time ascending.
func (s *Store) List(severity domain.Severity) ([]domain.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(severity)
}

func (s *Store) listLocked(severity domain.Severity) ([]domain.DLQEntry, error) {
	sevs := []domain.Severity{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow}
	if severity != "" {
		sevs = []domain.Severity{severity}
	}
	var out []domain.DLQEntry
	for _, sev := range sevs {
		dir := filepath.Join(s.root, string(sev))
		names, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("op=dlq.List: %w", err)
		}
		for _, de := range names {
			if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
				continue
			}
			var entry domain.DLQEntry
			path := filepath.Join(dir, de.Name())
			if err := persist.ReadJSON(path, &entry); err != nil {
				slog.Warn("skipping unreadable dlq entry",
					slog.String("path", path),
					slog.Any("error", err))
				continue
			}
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAttemptAt.Before(out[j].LastAttemptAt)
	})
	return out, nil
}

// ReplayFunc re-executes the failed operation for one entry.
type ReplayFunc func(ctx context.Context, entry domain.DLQEntry) error

// Replay re-invokes fn for every live entry. Successful entries move to the
// archive; failed entries stay with retry_count bumped and last_attempt_at
// refreshed. Returns (replayed, failed).
func (s *Store) Replay(ctx context.Context, severity domain.Severity, fn ReplayFunc) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.listLocked(severity)
	if err != nil {
		return 0, 0, err
	}
	replayed, failed := 0, 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return replayed, failed, ctx.Err()
		}
		if err := fn(ctx, entry); err != nil {
			failed++
			entry.Error.RetryCount++
			entry.Error.Message = err.Error()
			entry.LastAttemptAt = time.Now().UTC()
			dst := filepath.Join(s.root, string(entry.Severity), entryFile(entry.EmailID, entry.Stage))
			if werr := persist.WriteJSON(dst, entry); werr != nil {
				slog.Error("dlq replay bookkeeping failed",
					slog.String("email_id", entry.EmailID),
					slog.Any("error", werr))
			}
			slog.Warn("dlq replay failed",
				slog.String("email_id", entry.EmailID),
				slog.String("stage", string(entry.Stage)),
				slog.Any("error", err))
			continue
		}
		replayed++
		if err := s.archiveLocked(entry); err != nil {
			slog.Error("dlq archive failed",
				slog.String("email_id", entry.EmailID),
				slog.Any("error", err))
		}
	}
	s.updateDepthGauge()
	return replayed, failed, nil
}

// archiveLocked moves a successfully replayed entry to dlq/archived/.
func (s *Store) archiveLocked(entry domain.DLQEntry) error {
	src := filepath.Join(s.root, string(entry.Severity), entryFile(entry.EmailID, entry.Stage))
	dst := filepath.Join(s.root, archivedDir, fmt.Sprintf("%s_%s", entry.DLQID, entryFile(entry.EmailID, entry.Stage)))
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("op=dlq.archive: %w", err)
	}
	return nil
}

// Remove deletes the live entry for (email_id, stage).
func (s *Store) Remove(emailID string, stage domain.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, path, err := s.find(emailID, stage)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("op=dlq.Remove: %w", err)
	}
	s.updateDepthGauge()
	return nil
}

// Cleanup deletes live entries older than maxAge (by last attempt) and
// returns how many were removed.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.listLocked("")
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.LastAttemptAt.After(cutoff) {
			continue
		}
		path := filepath.Join(s.root, string(entry.Severity), entryFile(entry.EmailID, entry.Stage))
		if err := os.Remove(path); err != nil {
			slog.Warn("dlq cleanup remove failed",
				slog.String("path", path),
				slog.Any("error", err))
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("dlq cleanup complete", slog.Int("removed", removed))
	}
	s.updateDepthGauge()
	return removed, nil
}

// Depth returns live entry counts per severity.
func (s *Store) Depth() map[domain.Severity]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthLocked()
}

func (s *Store) depthLocked() map[domain.Severity]int {
	out := make(map[domain.Severity]int)
	entries, err := s.listLocked("")
	if err != nil {
		return out
	}
	for _, e := range entries {
		out[e.Severity]++
	}
	return out
}

func (s *Store) updateDepthGauge() {
	for sev, n := range s.depthLocked() {
		observability.DLQDepth.WithLabelValues(string(sev)).Set(float64(n))
	}
}
