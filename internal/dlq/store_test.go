package dlq_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabiq/collabiq/internal/dlq"
	"github.com/collabiq/collabiq/internal/domain"
)

func newStore(t *testing.T) (*dlq.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := dlq.NewStore(dir)
	require.NoError(t, err)
	return s, dir
}

func addEntry(t *testing.T, s *dlq.Store, emailID string, stage domain.Stage, sev domain.Severity) domain.DLQEntry {
	t.Helper()
	entry, err := s.Add(emailID, stage, sev, []byte(`{"body":"x"}`), domain.DLQError{
		Type:    "transient",
		Message: "upstream down",
	})
	require.NoError(t, err)
	return entry
}

func TestStore_AddAndList(t *testing.T) {
	s, dir := newStore(t)

	entry := addEntry(t, s, "msg/1", domain.StageExtract, domain.SeverityMedium)
	assert.NotEmpty(t, entry.DLQID)
	assert.False(t, entry.FirstFailedAt.IsZero())

	// Unsafe ID characters must not leak into the file name.
	names, err := os.ReadDir(filepath.Join(dir, "medium"))
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "msg_1_extract.json", names[0].Name())

	entries, err := s.List("")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "msg/1", entries[0].EmailID)
}

func TestStore_OverwritePreservesIdentity(t *testing.T) {
	s, _ := newStore(t)

	first := addEntry(t, s, "m1", domain.StageExtract, domain.SeverityMedium)
	second := addEntry(t, s, "m1", domain.StageExtract, domain.SeverityMedium)

	assert.Equal(t, first.DLQID, second.DLQID)
	assert.Equal(t, first.FirstFailedAt, second.FirstFailedAt)
	assert.Equal(t, 1, second.Error.RetryCount)

	entries, err := s.List("")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "same (email, stage) key overwrites")
}

func TestStore_SeverityChangeMovesEntry(t *testing.T) {
	s, dir := newStore(t)

	addEntry(t, s, "m1", domain.StageWrite, domain.SeverityMedium)
	addEntry(t, s, "m1", domain.StageWrite, domain.SeverityCritical)

	_, err := os.Stat(filepath.Join(dir, "medium", "m1_write.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(filepath.Join(dir, "critical", "m1_write.json"))
	assert.NoError(t, err)
}

func TestStore_DistinctStagesCoexist(t *testing.T) {
	s, _ := newStore(t)

	addEntry(t, s, "m1", domain.StageExtract, domain.SeverityMedium)
	addEntry(t, s, "m1", domain.StageWrite, domain.SeverityMedium)

	depth := s.Depth()
	assert.Equal(t, 2, depth[domain.SeverityMedium])
}

func TestStore_ReplayArchivesSuccesses(t *testing.T) {
	s, dir := newStore(t)

	ok := addEntry(t, s, "good", domain.StageExtract, domain.SeverityMedium)
	addEntry(t, s, "bad", domain.StageExtract, domain.SeverityMedium)

	replayed, failed, err := s.Replay(context.Background(), "", func(_ context.Context, e domain.DLQEntry) error {
		if e.EmailID == "bad" {
			return errors.New("still failing")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	assert.Equal(t, 1, failed)

	entries, err := s.List("")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bad", entries[0].EmailID)
	assert.Equal(t, 1, entries[0].Error.RetryCount)
	assert.Equal(t, "still failing", entries[0].Error.Message)

	archived, err := os.ReadDir(filepath.Join(dir, "archived"))
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Contains(t, archived[0].Name(), ok.DLQID)
}

func TestStore_ReplayFiltersBySeverity(t *testing.T) {
	s, _ := newStore(t)

	addEntry(t, s, "crit", domain.StageWrite, domain.SeverityCritical)
	addEntry(t, s, "med", domain.StageWrite, domain.SeverityMedium)

	var seen []string
	_, _, err := s.Replay(context.Background(), domain.SeverityCritical, func(_ context.Context, e domain.DLQEntry) error {
		seen = append(seen, e.EmailID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"crit"}, seen)
}

func TestStore_CleanupRemovesOldEntries(t *testing.T) {
	s, _ := newStore(t)

	addEntry(t, s, "m1", domain.StageExtract, domain.SeverityMedium)

	removed, err := s.Cleanup(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed, "fresh entries survive")

	removed, err = s.Cleanup(0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := s.List("")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_Remove(t *testing.T) {
	s, _ := newStore(t)
	addEntry(t, s, "m1", domain.StageExtract, domain.SeverityMedium)

	require.NoError(t, s.Remove("m1", domain.StageExtract))
	assert.ErrorIs(t, s.Remove("m1", domain.StageExtract), domain.ErrNotFound)
}

func TestProcessedIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed_ids.json")
	idx := dlq.NewProcessedIndex(path)

	_, seen := idx.Seen("m1")
	assert.False(t, seen)

	require.NoError(t, idx.Mark("m1", "rec-1", "run-1"))
	rec, seen := idx.Seen("m1")
	assert.True(t, seen)
	assert.Equal(t, "rec-1", rec.RecordID)
	assert.Equal(t, 1, idx.Len())

	// Survives restart.
	reloaded := dlq.NewProcessedIndex(path)
	rec, seen = reloaded.Seen("m1")
	assert.True(t, seen)
	assert.Equal(t, "run-1", rec.RunID)

	require.NoError(t, reloaded.Forget("m1"))
	_, seen = reloaded.Seen("m1")
	assert.False(t, seen)
	require.NoError(t, reloaded.Forget("m1"), "forgetting an absent id is a no-op")
}
