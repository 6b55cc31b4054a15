/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/quaestorhq/quaestor/internal/events"
)

// InboxEntry is one stored in-app notification.
type InboxEntry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	Event     string         `json:"event,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// InAppChannel persists notifications to a SQLite inbox and mirrors each
// one onto the event bus as a system:alert so live subscribers see it.
type InAppChannel struct {
	db  *sql.DB
	bus *events.Bus
}

// NewInAppChannel opens (or creates) the inbox database.
func NewInAppChannel(dbPath string, bus *events.Bus) (*InAppChannel, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open inbox db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS inbox (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL DEFAULT '',
		event      TEXT NOT NULL DEFAULT '',
		severity   TEXT NOT NULL DEFAULT '',
		title      TEXT NOT NULL,
		message    TEXT NOT NULL,
		metadata   TEXT,
		read       INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create inbox table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_inbox_user ON inbox(user_id, read, created_at)`)

	return &InAppChannel{db: db, bus: bus}, nil
}

// Close closes the inbox database.
func (c *InAppChannel) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *InAppChannel) Name() string { return "in-app" }

func (c *InAppChannel) Send(ctx context.Context, n Notification) error {
	var meta []byte
	if len(n.Metadata) > 0 {
		meta, _ = json.Marshal(n.Metadata)
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO inbox
		(id, user_id, event, severity, title, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		n.UserID,
		n.Event,
		n.Severity,
		n.Title,
		n.Message,
		nullable(meta),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert inbox entry: %w", err)
	}

	if c.bus != nil {
		evt := events.NewAlert(n.Severity, n.Title, n.Message, n.Metadata)
		evt.UserID = n.UserID
		c.bus.Publish(evt)
	}
	return nil
}

// List returns a user's newest entries, unread first.
func (c *InAppChannel) List(userID string, limit int) ([]InboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.Query(`SELECT id, user_id, event, severity, title, message, metadata, read, created_at
		FROM inbox WHERE user_id = ?
		ORDER BY read ASC, created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]InboxEntry, 0)
	for rows.Next() {
		var (
			e         InboxEntry
			meta      sql.NullString
			createdAt string
			read      int
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Event, &e.Severity, &e.Title, &e.Message, &meta, &read, &createdAt); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		e.Read = read != 0
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkRead flags one entry as read.
func (c *InAppChannel) MarkRead(id string) error {
	res, err := c.db.Exec(`UPDATE inbox SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Unread counts a user's unread entries.
func (c *InAppChannel) Unread(userID string) (int, error) {
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM inbox WHERE user_id = ? AND read = 0`, userID).Scan(&n)
	return n, err
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
