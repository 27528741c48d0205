// Package schedule persists per-unit last-successful-run timestamps: one
// small file per unit under a state directory, named by the unit's id and
// holding a decimal Unix timestamp.
package schedule

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Store reads and writes schedule records. Records are never proactively
// deleted; stale entries for removed units are harmless and simply unread.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. The directory is created on the
// first write, not here, so a read-only invocation never touches the disk.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the recorded last run for a unit id. A missing or malformed
// record reads as absent: schedule history fails open.
func (s *Store) Get(unitID string) (time.Time, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, unitID))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read schedule record: %w", err)
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(sec, 0).UTC(), true, nil
}

// Set overwrites the record for a unit id with t. The write goes through a
// temp file and rename so a kill mid-write never leaves a truncated record.
func (s *Store) Set(unitID string, t time.Time) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	content := strconv.FormatInt(t.Unix(), 10) + "\n"
	return atomicWrite(filepath.Join(s.dir, unitID), []byte(content))
}

func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".unitrun-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Record pairs a unit id with its last recorded run, for reporting.
type Record struct {
	UnitID  string
	LastRun time.Time
}

// List returns every readable record in the store, sorted by unit id.
// Malformed entries and the temp files of interrupted writes are skipped.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		t, ok, err := s.Get(entry.Name())
		if err != nil || !ok {
			continue
		}
		records = append(records, Record{UnitID: entry.Name(), LastRun: t})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UnitID < records[j].UnitID
	})
	return records, nil
}
