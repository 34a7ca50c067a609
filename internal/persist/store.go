// Package persist implements atomic JSON file persistence for tracker, DLQ,
// and pipeline state. Every write goes to a temp file in the target directory
// followed by a rename, so concurrent readers always parse a complete
// document.
package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// WriteJSON atomically writes v as UTF-8 JSON (no ASCII escaping) to path,
// creating parent directories as needed.
func WriteJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("op=persist.WriteJSON mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("op=persist.WriteJSON temp: %w", err)
	}
	tmpName := tmp.Name()
	enc := json.NewEncoder(tmp)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("op=persist.WriteJSON encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("op=persist.WriteJSON sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("op=persist.WriteJSON close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("op=persist.WriteJSON rename: %w", err)
	}
	return nil
}

// ReadJSON decodes the JSON document at path into v. A missing file returns
// os.ErrNotExist unwrapped-able via errors.Is.
func ReadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("op=persist.ReadJSON decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadOrInit reads path into v; missing or corrupt files leave v at its
// initial value and log a warning so a damaged store never blocks startup.
func LoadOrInit(path string, v any) {
	if err := ReadJSON(path, v); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("state file unreadable, initializing defaults",
				slog.String("path", path),
				slog.Any("error", err))
		}
	}
}
