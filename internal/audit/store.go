package audit

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store is the durable side of the audit log: every entry recorded on the
// in-memory ring is written through to SQLite, where it survives restarts
// and can be queried, exported, and purged on a retention schedule.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens (or creates) the audit database.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		id            TEXT PRIMARY KEY,
		ts            TEXT NOT NULL,
		event_type    TEXT NOT NULL DEFAULT '',
		event_code    TEXT NOT NULL,
		action        TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL DEFAULT '',
		resource_id   TEXT NOT NULL DEFAULT '',
		actor         TEXT NOT NULL DEFAULT '',
		success       INTEGER NOT NULL DEFAULT 1,
		metadata      TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_log(resource_type, resource_id)`)

	return &Store{db: db, logger: logger.Named("auditstore")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Attach installs this store as the log's write-through sink.
func (s *Store) Attach(l *Log) {
	l.SetSink(func(e Entry) {
		if err := s.Append(e); err != nil {
			s.logger.Error("audit write-through failed",
				zap.String("event_code", e.EventCode),
				zap.Error(err))
		}
	})
}

// Append persists one entry.
func (s *Store) Append(e Entry) error {
	enrich(&e)

	var meta []byte
	if len(e.Metadata) > 0 {
		meta, _ = json.Marshal(e.Metadata)
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO audit_log
		(id, ts, event_type, event_code, action, resource_type, resource_id, actor, success, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.EventType,
		e.EventCode,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		e.Actor,
		boolInt(e.Success),
		nullable(meta),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns matching entries, newest first.
func (s *Store) Query(f Filter) ([]Entry, error) {
	stmt := `SELECT id, ts, event_type, event_code, action, resource_type, resource_id, actor, success, metadata FROM audit_log`
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.EventCode != "" {
		add("event_code = ?", f.EventCode)
	}
	if f.ResourceType != "" {
		add("resource_type = ?", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = ?", f.ResourceID)
	}
	if f.Actor != "" {
		add("actor = ?", f.Actor)
	}
	if f.Success != nil {
		add("success = ?", boolInt(*f.Success))
	}
	if !f.Since.IsZero() {
		add("ts >= ?", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		add("ts <= ?", f.Until.UTC().Format(time.RFC3339Nano))
	}
	for i, cond := range where {
		if i == 0 {
			stmt += " WHERE " + cond
		} else {
			stmt += " AND " + cond
		}
	}
	stmt += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		stmt += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Count returns the number of persisted entries.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit log: %w", err)
	}
	return n, nil
}

// Purge deletes entries older than the cutoff and returns how many went.
func (s *Store) Purge(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM audit_log WHERE ts < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExportJSONL streams matching entries as one JSON object per line,
// oldest first so the file reads chronologically.
func (s *Store) ExportJSONL(w io.Writer, f Filter) error {
	entries, err := s.Query(f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for i := len(entries) - 1; i >= 0; i-- {
		if err := enc.Encode(entries[i]); err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
	}
	return nil
}

// ExportCSV streams matching entries as CSV with a header row, oldest
// first. Metadata is serialized as a JSON column.
func (s *Store) ExportCSV(w io.Writer, f Filter) error {
	entries, err := s.Query(f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "timestamp", "event_type", "event_code", "action", "resource_type", "resource_id", "actor", "success", "metadata"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		var meta string
		if len(e.Metadata) > 0 {
			raw, _ := json.Marshal(e.Metadata)
			meta = string(raw)
		}
		record := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.EventType,
			e.EventCode,
			e.Action,
			e.ResourceType,
			e.ResourceID,
			e.Actor,
			strconv.FormatBool(e.Success),
			meta,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// StartRetention purges entries older than keep on the given interval.
func (s *Store) StartRetention(done <-chan struct{}, interval, keep time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				n, err := s.Purge(time.Now().UTC().Add(-keep))
				if err != nil {
					s.logger.Warn("audit retention purge failed", zap.Error(err))
				} else if n > 0 {
					s.logger.Info("audit entries purged", zap.Int64("count", n))
				}
			}
		}
	}()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e       Entry
		ts      string
		success int
		meta    sql.NullString
	)
	if err := row.Scan(&e.ID, &ts, &e.EventType, &e.EventCode, &e.Action, &e.ResourceType, &e.ResourceID, &e.Actor, &success, &meta); err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		e.Timestamp = t
	}
	e.Success = success != 0
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
	}
	return &e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
