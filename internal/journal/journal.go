// Package journal keeps an append-only JSONL record of every unit event in
// a run. Journal writes are best-effort: a failure is reported to the caller
// for logging but never affects unit execution.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// DefaultMaxSize is the rotation threshold (10MB). Unit runs are short
	// lines; this covers years of nightly batches.
	DefaultMaxSize = 10 * 1024 * 1024

	fileExtension = ".jsonl"
	archiveDir    = "archive"
)

// Event names the journal entry types.
const (
	EventUnitStart = "unit_start"
	EventUnitSkip  = "unit_skip"
	EventUnitOK    = "unit_ok"
	EventUnitFail  = "unit_fail"
	EventBatchDone = "batch_done"
)

// Entry is one journal line. Timestamp and RunID are stamped by Record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Event     string    `json:"event"`
	Category  string    `json:"category,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

// Journal appends entries to a JSONL file, rotating into an archive
// directory when the file exceeds maxSize.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	size    int64
	maxSize int64
	path    string
	runID   string
}

// Open creates or appends to the journal at path. Every invocation gets a
// fresh ULID run id stamped on its entries.
func Open(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &Journal{
		path:    path,
		maxSize: maxSize,
		runID:   ulid.Make().String(),
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.size = stat.Size()
	return nil
}

// RunID returns this invocation's run id.
func (j *Journal) RunID() string {
	return j.runID
}

// Record appends one entry, stamping the timestamp and run id.
func (j *Journal) Record(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e.Timestamp = time.Now().UTC()
	e.RunID = j.runID

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.size+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.size += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}

	dir := filepath.Join(filepath.Dir(j.path), archiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	base := filepath.Base(j.path)
	stamp := time.Now().UTC().Format("20060102_150405")
	name := fmt.Sprintf("%s.%s%s", base[:len(base)-len(fileExtension)], stamp, fileExtension)
	if err := os.Rename(j.path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}

	return j.open()
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	err := j.file.Close()
	j.file = nil
	return err
}
