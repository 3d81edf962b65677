// CLAUDE:SUMMARY Append-only JSONL warning journal: one aggregated record per job that finished with warnings.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/mdwb/tiler"
)

// WarningEntry is one aggregated warning inside a journal record.
type WarningEntry struct {
	Code      string `json:"code"`
	Count     int    `json:"count"`
	Threshold int    `json:"threshold,omitempty"`
	Message   string `json:"message"`
}

// Record is one journal line: the warning summary of a finished job. Jobs
// without warnings are not journaled.
type Record struct {
	Timestamp          time.Time      `json:"timestamp"`
	JobID              string         `json:"job_id"`
	URL                string         `json:"url"`
	Warnings           []WarningEntry `json:"warnings"`
	BlocklistHits      map[string]int `json:"blocklist_hits,omitempty"`
	SweepStats         tiler.Stats    `json:"sweep_stats"`
	ValidationFailures []string       `json:"validation_failures,omitempty"`
}

// Journal is an append-only JSONL file for long-term warning triage,
// independent of the per-job transient event stream. Lines are flushed per
// append and never rewritten.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
	now  func() time.Time
}

// OpenJournal opens (creating if needed) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open journal: %w", err)
	}
	return &Journal{path: path, f: f, now: time.Now}, nil
}

// Append writes one record. The timestamp is set here when zero.
func (j *Journal) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = j.now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("eventlog: journal write: %w", err)
	}
	return j.f.Sync()
}

// Read returns all journal records, oldest first.
func (j *Journal) Read() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue // tolerate a torn final line
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
