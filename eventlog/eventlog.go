// CLAUDE:SUMMARY Per-job event log in SQLite: monotonic sequence, cursor resume, poll-based tailing.
// Package eventlog records per-job pipeline events with a monotonic
// sequence number, so clients can resume a stream from any cursor without
// missing or duplicating events. The stored history is never pruned: a
// cursor stays valid for the life of the database.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_events (
	job_id  TEXT NOT NULL,
	seq     INTEGER NOT NULL,
	ts      INTEGER NOT NULL,
	type    TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (job_id, seq)
);
`

// Event is one pipeline occurrence: a state transition, a warning, a
// progress marker.
type Event struct {
	JobID   string          `json:"job_id"`
	Seq     int64           `json:"sequence"`
	Time    time.Time       `json:"time"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Log appends and reads job events.
type Log struct {
	db  *sql.DB
	mu  sync.Mutex // serialises seq allocation per append
	now func() time.Time
}

// New creates the log, applying its schema.
func New(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("eventlog: apply schema: %w", err)
	}
	return &Log{db: db, now: time.Now}, nil
}

// Append records an event and returns it with its assigned sequence.
// Sequences are strictly increasing per job, without gaps at append time.
func (l *Log) Append(ctx context.Context, jobID, typ string, payload any) (Event, error) {
	raw := json.RawMessage("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("eventlog: marshal payload: %w", err)
		}
		raw = b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM job_events WHERE job_id = ?`, jobID).Scan(&seq); err != nil {
		return Event{}, err
	}

	ev := Event{JobID: jobID, Seq: seq, Time: l.now().UTC(), Type: typ, Payload: raw}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, seq, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.JobID, ev.Seq, ev.Time.UnixMilli(), ev.Type, string(raw)); err != nil {
		return Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Since returns events with seq > after, oldest first.
func (l *Log) Since(ctx context.Context, jobID string, after int64) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, ts, type, payload FROM job_events
		WHERE job_id = ? AND seq > ? ORDER BY seq`, jobID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev := Event{JobID: jobID}
		var ts int64
		var payload string
		if err := rows.Scan(&ev.Seq, &ts, &ev.Type, &payload); err != nil {
			return nil, err
		}
		ev.Time = time.UnixMilli(ts).UTC()
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Tail streams events with seq > after until ctx is cancelled, polling the
// log. The channel is closed on cancellation.
func (l *Log) Tail(ctx context.Context, jobID string, after int64, poll time.Duration) <-chan Event {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		cursor := after
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			events, err := l.Since(ctx, jobID, cursor)
			if err == nil {
				for _, ev := range events {
					select {
					case out <- ev:
						cursor = ev.Seq
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
