// CLAUDE:SUMMARY Webhook subscription CRUD backed by the store's SQLite handle; global or scoped to one job.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Webhook is one delivery subscription. An empty JobID subscribes to every
// job; otherwise deliveries are limited to that job. Secret signs every
// delivery; it is returned only on creation.
type Webhook struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id,omitempty"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultWebhookEvents is the subscription used when none is given:
// terminal states only.
var DefaultWebhookEvents = []string{"DONE", "FAILED"}

// CreateWebhook registers a subscription. jobID may be empty for a global
// one.
func (s *Store) CreateWebhook(ctx context.Context, id, jobID, url, secret string, events []string) (*Webhook, error) {
	if len(events) == 0 {
		events = DefaultWebhookEvents
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, job_id, url, secret, events, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, jobID, url, secret, string(eventsJSON), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: create webhook: %w", err)
	}
	return &Webhook{ID: id, JobID: jobID, URL: url, Secret: secret, Events: events, CreatedAt: now}, nil
}

// ListWebhooks returns all subscriptions, secrets included (callers decide
// what to expose). A non-empty jobID filters to that job's subscriptions.
func (s *Store) ListWebhooks(ctx context.Context, jobID string) ([]*Webhook, error) {
	q := `SELECT id, job_id, url, secret, events, created_at FROM webhooks`
	args := []any{}
	if jobID != "" {
		q += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// MatchingWebhooks returns the subscriptions a delivery for jobID should
// reach: global ones plus those scoped to that job.
func (s *Store) MatchingWebhooks(ctx context.Context, jobID string) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, url, secret, events, created_at FROM webhooks
		WHERE job_id = '' OR job_id = ? ORDER BY created_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetWebhook returns one subscription.
func (s *Store) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	w, err := scanWebhook(s.db.QueryRowContext(ctx,
		`SELECT id, job_id, url, secret, events, created_at FROM webhooks WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// DeleteWebhook removes a subscription.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWebhooksByURL removes every subscription pointed at the given URL
// and returns how many were removed.
func (s *Store) DeleteWebhooksByURL(ctx context.Context, url string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE url = ?`, url)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, ErrNotFound
	}
	return int(n), nil
}

func scanWebhook(scan func(...any) error) (*Webhook, error) {
	var w Webhook
	var eventsJSON string
	var created int64
	if err := scan(&w.ID, &w.JobID, &w.URL, &w.Secret, &eventsJSON, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventsJSON), &w.Events); err != nil {
		return nil, fmt.Errorf("store: decode webhook %s events: %w", w.ID, err)
	}
	w.CreatedAt = time.UnixMilli(created).UTC()
	return &w, nil
}
