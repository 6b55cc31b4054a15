package approval

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const autoExpiredResolution = "Auto-expired"

// Store persists approval requests in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the approvals database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open approvals db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS approvals (
		id             TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL UNIQUE,
		risk_score     REAL NOT NULL,
		risk_level     TEXT NOT NULL,
		priority       TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'PENDING',
		requested_by   TEXT NOT NULL DEFAULT '',
		user_id        TEXT NOT NULL DEFAULT '',
		agent_id       TEXT NOT NULL DEFAULT '',
		plan_id        TEXT NOT NULL DEFAULT '',
		requested_at   TEXT NOT NULL,
		expires_at     TEXT NOT NULL,
		resolved_at    TEXT,
		resolved_by    TEXT NOT NULL DEFAULT '',
		resolution     TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create approvals table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, expires_at)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a new pending approval.
func (s *Store) Create(a Approval) (*Approval, error) {
	if strings.TrimSpace(a.TransactionID) == "" {
		return nil, fmt.Errorf("transaction id required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.RequestedAt.IsZero() {
		a.RequestedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`INSERT INTO approvals
		(id, transaction_id, risk_score, risk_level, priority, status, requested_by, user_id, agent_id, plan_id, requested_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.TransactionID,
		a.RiskScore,
		a.RiskLevel,
		a.Priority,
		string(a.Status),
		a.RequestedBy,
		a.UserID,
		a.AgentID,
		a.PlanID,
		a.RequestedAt.Format(time.RFC3339Nano),
		a.ExpiresAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	out := a
	return &out, nil
}

// Get returns one approval by id.
func (s *Store) Get(id string) (*Approval, error) {
	row := s.db.QueryRow(`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

// GetByTransaction returns the approval linked to a transaction.
func (s *Store) GetByTransaction(txID string) (*Approval, error) {
	row := s.db.QueryRow(`SELECT `+approvalColumns+` FROM approvals WHERE transaction_id = ?`, txID)
	return scanApproval(row)
}

// Resolve moves a PENDING approval to a terminal status. Returns
// ErrAlreadyResolved when the row was not pending anymore.
func (s *Store) Resolve(id string, to Status, resolvedBy, resolution string) error {
	if to == StatusPending {
		return fmt.Errorf("cannot resolve to PENDING")
	}
	res, err := s.db.Exec(`UPDATE approvals
		SET status = ?, resolved_at = ?, resolved_by = ?, resolution = ?
		WHERE id = ? AND status = ?`,
		string(to),
		time.Now().UTC().Format(time.RFC3339Nano),
		resolvedBy,
		resolution,
		id,
		string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, getErr := s.Get(id); getErr != nil {
			return getErr
		}
		return ErrAlreadyResolved
	}
	return nil
}

// ExpireDue flips pending approvals whose TTL lapsed to EXPIRED and
// returns them. Calling it again with no intervening change is a no-op.
func (s *Store) ExpireDue(now time.Time) ([]Approval, error) {
	rows, err := s.db.Query(`SELECT `+approvalColumns+` FROM approvals
		WHERE status = ? AND expires_at <= ?`,
		string(StatusPending), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("select due approvals: %w", err)
	}
	due := make([]Approval, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			continue
		}
		due = append(due, *a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	expired := make([]Approval, 0, len(due))
	ts := now.UTC()
	for _, a := range due {
		res, err := s.db.Exec(`UPDATE approvals
			SET status = ?, resolved_at = ?, resolution = ?
			WHERE id = ? AND status = ?`,
			string(StatusExpired),
			ts.Format(time.RFC3339Nano),
			autoExpiredResolution,
			a.ID,
			string(StatusPending),
		)
		if err != nil {
			return expired, fmt.Errorf("expire approval %s: %w", a.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			a.Status = StatusExpired
			a.ResolvedAt = &ts
			a.Resolution = autoExpiredResolution
			expired = append(expired, a)
		}
	}
	return expired, nil
}

// ListPending returns pending approvals, most urgent first within request
// order. Callers wanting a stale-free view go through Manager.ListPending,
// which sweeps first.
func (s *Store) ListPending() ([]Approval, error) {
	rows, err := s.db.Query(`SELECT ` + approvalColumns + ` FROM approvals
		WHERE status = 'PENDING'
		ORDER BY CASE priority
			WHEN 'URGENT' THEN 0
			WHEN 'HIGH' THEN 1
			WHEN 'NORMAL' THEN 2
			ELSE 3 END, requested_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Approval, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			continue
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Counts returns approval totals per status.
func (s *Store) Counts() (Counts, error) {
	var c Counts
	err := s.db.QueryRow(`SELECT
		COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'APPROVED' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'REJECTED' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'EXPIRED' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'CANCELLED' THEN 1 ELSE 0 END), 0)
		FROM approvals`).
		Scan(&c.Pending, &c.Approved, &c.Rejected, &c.Expired, &c.Cancelled)
	if err != nil {
		return Counts{}, fmt.Errorf("count approvals: %w", err)
	}
	return c, nil
}

const approvalColumns = `id, transaction_id, risk_score, risk_level, priority, status, requested_by,
	user_id, agent_id, plan_id, requested_at, expires_at, resolved_at, resolved_by, resolution`

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(s scanner) (*Approval, error) {
	var (
		a                       Approval
		requestedAt, expiresAt  string
		resolvedAt              sql.NullString
	)

	if err := s.Scan(
		&a.ID,
		&a.TransactionID,
		&a.RiskScore,
		&a.RiskLevel,
		&a.Priority,
		&a.Status,
		&a.RequestedBy,
		&a.UserID,
		&a.AgentID,
		&a.PlanID,
		&requestedAt,
		&expiresAt,
		&resolvedAt,
		&a.ResolvedBy,
		&a.Resolution,
	); err != nil {
		return nil, err
	}

	a.RequestedAt, _ = time.Parse(time.RFC3339Nano, requestedAt)
	a.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	if resolvedAt.Valid && resolvedAt.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
			a.ResolvedAt = &ts
		}
	}
	return &a, nil
}

// ErrAlreadyResolved means a transition found the approval outside PENDING.
var ErrAlreadyResolved = errors.New("approval already resolved")

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
