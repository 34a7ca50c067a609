package notion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/collabiq/collabiq/internal/adapter/observability"
	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/persist"
)

// fileCache stores schema and query results as JSON under notion_cache/.
// Entries past their TTL are refetched; when the refetch fails the stale copy
// is served with a warning, so a knowledge-base outage degrades instead of
// halting the pipeline.
type fileCache struct {
	dir       string
	schemaTTL time.Duration
	dataTTL   time.Duration
}

func newFileCache(dir string, schemaTTL, dataTTL time.Duration) (*fileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=notion.newFileCache: %w", err)
	}
	return &fileCache{dir: dir, schemaTTL: schemaTTL, dataTTL: dataTTL}, nil
}

type cachedRecords struct {
	Records   []domain.Record `json:"records"`
	FetchedAt time.Time       `json:"fetched_at"`
}

type cachedUsers struct {
	Users     []domain.WorkspaceUser `json:"users"`
	FetchedAt time.Time              `json:"fetched_at"`
}

func (c *fileCache) schemaPath(dbID string) string {
	return filepath.Join(c.dir, "schema_"+sanitizeID(dbID)+".json")
}

func (c *fileCache) dataPath(dbID string, filter *domain.RecordFilter) string {
	key := dbID
	if filter != nil && filter.Property != "" {
		sum := sha256.Sum256([]byte(filter.Property + "\x00" + filter.Equals))
		key += "_" + hex.EncodeToString(sum[:8])
	}
	return filepath.Join(c.dir, "data_"+sanitizeID(key)+".json")
}

func (c *fileCache) usersPath() string {
	return filepath.Join(c.dir, "users.json")
}

// loadSchema returns the cached schema and whether it is still fresh.
func (c *fileCache) loadSchema(dbID string) (domain.Schema, bool, bool) {
	var s domain.Schema
	if err := persist.ReadJSON(c.schemaPath(dbID), &s); err != nil {
		observability.KBCacheHitsTotal.WithLabelValues("schema", "miss").Inc()
		return domain.Schema{}, false, false
	}
	fresh := time.Since(s.FetchedAt) < c.schemaTTL
	result := "stale"
	if fresh {
		result = "hit"
	}
	observability.KBCacheHitsTotal.WithLabelValues("schema", result).Inc()
	return s, true, fresh
}

func (c *fileCache) storeSchema(s domain.Schema) {
	if err := persist.WriteJSON(c.schemaPath(s.DatabaseID), s); err != nil {
		slog.Warn("schema cache write failed",
			slog.String("db_id", s.DatabaseID),
			slog.Any("error", err))
	}
}

// loadData returns cached records and whether they are still fresh.
func (c *fileCache) loadData(dbID string, filter *domain.RecordFilter) ([]domain.Record, bool, bool) {
	var cached cachedRecords
	if err := persist.ReadJSON(c.dataPath(dbID, filter), &cached); err != nil {
		observability.KBCacheHitsTotal.WithLabelValues("data", "miss").Inc()
		return nil, false, false
	}
	fresh := time.Since(cached.FetchedAt) < c.dataTTL
	result := "stale"
	if fresh {
		result = "hit"
	}
	observability.KBCacheHitsTotal.WithLabelValues("data", result).Inc()
	return cached.Records, true, fresh
}

func (c *fileCache) storeData(dbID string, filter *domain.RecordFilter, records []domain.Record) {
	cached := cachedRecords{Records: records, FetchedAt: time.Now().UTC()}
	if err := persist.WriteJSON(c.dataPath(dbID, filter), cached); err != nil {
		slog.Warn("data cache write failed",
			slog.String("db_id", dbID),
			slog.Any("error", err))
	}
}

func (c *fileCache) loadUsers() ([]domain.WorkspaceUser, bool, bool) {
	var cached cachedUsers
	if err := persist.ReadJSON(c.usersPath(), &cached); err != nil {
		return nil, false, false
	}
	return cached.Users, true, time.Since(cached.FetchedAt) < c.dataTTL
}

func (c *fileCache) storeUsers(users []domain.WorkspaceUser) {
	cached := cachedUsers{Users: users, FetchedAt: time.Now().UTC()}
	if err := persist.WriteJSON(c.usersPath(), cached); err != nil {
		slog.Warn("users cache write failed", slog.Any("error", err))
	}
}

// invalidateData drops all cached query results for dbID after a write.
func (c *fileCache) invalidateData(dbID string) {
	matches, err := filepath.Glob(filepath.Join(c.dir, "data_"+sanitizeID(dbID)+"*.json"))
	if err != nil {
		return
	}
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

func sanitizeID(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
