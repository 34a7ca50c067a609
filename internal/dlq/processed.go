package dlq

import (
	"fmt"
	"sync"
	"time"

	"github.com/collabiq/collabiq/internal/persist"
)

// ProcessedRecord marks one email as written to the knowledge base.
type ProcessedRecord struct {
	EmailID     string    `json:"email_id"`
	RecordID    string    `json:"record_id"`
	ProcessedAt time.Time `json:"processed_at"`
	RunID       string    `json:"run_id"`
}

// ProcessedIndex is the idempotency ledger consulted before every write.
// It maps email_id to the knowledge-base record it produced.
type ProcessedIndex struct {
	mu   sync.Mutex
	path string
	ids  map[string]ProcessedRecord
}

// NewProcessedIndex loads the index from path, starting empty when the file
// is missing or corrupt.
func NewProcessedIndex(path string) *ProcessedIndex {
	idx := &ProcessedIndex{
		path: path,
		ids:  make(map[string]ProcessedRecord),
	}
	persist.LoadOrInit(path, &idx.ids)
	return idx
}

// Seen reports whether emailID was already written, and the record it made.
func (i *ProcessedIndex) Seen(emailID string) (ProcessedRecord, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.ids[emailID]
	return rec, ok
}

// Mark records a completed write and persists the index.
func (i *ProcessedIndex) Mark(emailID, recordID, runID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ids[emailID] = ProcessedRecord{
		EmailID:     emailID,
		RecordID:    recordID,
		ProcessedAt: time.Now().UTC(),
		RunID:       runID,
	}
	if err := persist.WriteJSON(i.path, i.ids); err != nil {
		return fmt.Errorf("op=dlq.ProcessedIndex.Mark: %w", err)
	}
	return nil
}

// Forget removes emailID from the index, forcing the next run to rewrite it.
func (i *ProcessedIndex) Forget(emailID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.ids[emailID]; !ok {
		return nil
	}
	delete(i.ids, emailID)
	if err := persist.WriteJSON(i.path, i.ids); err != nil {
		return fmt.Errorf("op=dlq.ProcessedIndex.Forget: %w", err)
	}
	return nil
}

// Len returns the number of processed emails.
func (i *ProcessedIndex) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.ids)
}
