package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store persists transactions and plans.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the ledger database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
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

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS transactions (
		id                TEXT PRIMARY KEY,
		chain_id          INTEGER NOT NULL,
		sender            TEXT NOT NULL,
		recipient         TEXT NOT NULL DEFAULT '',
		value             TEXT NOT NULL DEFAULT '0',
		call_data         BLOB,
		gas_limit         INTEGER NOT NULL DEFAULT 0,
		max_fee           TEXT NOT NULL DEFAULT '',
		priority_fee      TEXT NOT NULL DEFAULT '',
		nonce             INTEGER,
		user_id           TEXT NOT NULL DEFAULT '',
		agent_id          TEXT NOT NULL DEFAULT '',
		plan_id           TEXT NOT NULL DEFAULT '',
		step_id           TEXT NOT NULL DEFAULT '',
		risk_score        REAL NOT NULL DEFAULT 0,
		risk_level        TEXT NOT NULL DEFAULT '',
		requires_approval INTEGER NOT NULL DEFAULT 0,
		status            TEXT NOT NULL,
		hash              TEXT UNIQUE,
		block_number      INTEGER NOT NULL DEFAULT 0,
		block_hash        TEXT NOT NULL DEFAULT '',
		gas_used          INTEGER NOT NULL DEFAULT 0,
		confirmed_at      TEXT,
		memo              TEXT NOT NULL DEFAULT '',
		simulation        BLOB,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create transactions table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS plans (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL DEFAULT '',
		agent_id       TEXT NOT NULL DEFAULT '',
		description    TEXT NOT NULL DEFAULT '',
		cross_chain    INTEGER NOT NULL DEFAULT 0,
		estimated_gas  TEXT NOT NULL DEFAULT '',
		estimated_time TEXT NOT NULL DEFAULT '',
		steps          BLOB NOT NULL,
		status         TEXT NOT NULL,
		error          TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		completed_at   TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create plans table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_transactions_plan ON transactions(plan_id, step_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateTransaction inserts a new transaction record. An empty From is
// allowed; the broadcast pipeline resolves it from the signer account.
func (s *Store) CreateTransaction(tx Transaction) (*Transaction, error) {
	if tx.ChainID == 0 {
		return nil, fmt.Errorf("chain id required")
	}

	now := time.Now().UTC()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = TxDraft
	}
	if tx.Value == "" {
		tx.Value = "0"
	}
	tx.CreatedAt = now
	tx.UpdatedAt = now

	_, err := s.db.Exec(`INSERT INTO transactions
		(id, chain_id, sender, recipient, value, call_data, gas_limit, max_fee, priority_fee, nonce,
		 user_id, agent_id, plan_id, step_id, risk_score, risk_level, requires_approval, status,
		 hash, memo, simulation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.ChainID,
		tx.From,
		tx.To,
		tx.Value,
		tx.Data,
		tx.GasLimit,
		tx.MaxFee,
		tx.PriorityFee,
		nullableUint(tx.Nonce),
		tx.UserID,
		tx.AgentID,
		tx.PlanID,
		tx.StepID,
		tx.RiskScore,
		tx.RiskLevel,
		boolToInt(tx.RequiresApproval),
		string(tx.Status),
		nullableString(tx.Hash),
		tx.Memo,
		tx.Simulation,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	out := tx
	return &out, nil
}

// GetTransaction returns one transaction by id.
func (s *Store) GetTransaction(id string) (*Transaction, error) {
	row := s.db.QueryRow(`SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

// GetTransactionByHash returns one transaction by chain hash.
func (s *Store) GetTransactionByHash(hash string) (*Transaction, error) {
	row := s.db.QueryRow(`SELECT `+txColumns+` FROM transactions WHERE hash = ?`, hash)
	return scanTransaction(row)
}

// TransitionStatus moves a transaction from one of the expected statuses
// to the next. Returns ErrConflict if the row is not in an expected status,
// which callers treat as "someone else got there first".
func (s *Store) TransitionStatus(id string, from []TxStatus, to TxStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("expected statuses required")
	}
	placeholders := make([]string, len(from))
	args := make([]any, 0, len(from)+3)
	args = append(args, string(to), time.Now().UTC().Format(time.RFC3339Nano), id)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	res, err := s.db.Exec(`UPDATE transactions SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+
		strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, getErr := s.GetTransaction(id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// MarkBroadcasted records the chain hash. Only BROADCASTING transactions
// accept a hash: this is the single place hash gets set.
func (s *Store) MarkBroadcasted(id, hash string) error {
	if strings.TrimSpace(hash) == "" {
		return fmt.Errorf("hash required")
	}
	res, err := s.db.Exec(`UPDATE transactions SET status = ?, hash = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(TxBroadcasted),
		hash,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		string(TxBroadcasting),
	)
	if err != nil {
		return fmt.Errorf("mark broadcasted: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, getErr := s.GetTransaction(id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// MarkConfirmed records the receipt and finalizes the transaction.
func (s *Store) MarkConfirmed(id string, blockNumber uint64, blockHash string, gasUsed uint64) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE transactions
		SET status = ?, block_number = ?, block_hash = ?, gas_used = ?, confirmed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(TxConfirmed),
		blockNumber,
		blockHash,
		gasUsed,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
		string(TxBroadcasted),
	)
	if err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, getErr := s.GetTransaction(id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// MarkFailed moves a non-terminal transaction to FAILED with a memo.
// An already-assigned hash is kept so reconciliation can re-check it.
func (s *Store) MarkFailed(id, memo string) error {
	res, err := s.db.Exec(`UPDATE transactions SET status = ?, memo = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		string(TxFailed),
		memo,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		string(TxConfirmed), string(TxFailed), string(TxRejected), string(TxCancelled),
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, getErr := s.GetTransaction(id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// SetMemo replaces a transaction's memo.
func (s *Store) SetMemo(id, memo string) error {
	res, err := s.db.Exec(`UPDATE transactions SET memo = ?, updated_at = ? WHERE id = ?`,
		memo, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set memo: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetSimulation attaches a simulation result (JSON) to a transaction.
func (s *Store) SetSimulation(id string, result []byte) error {
	res, err := s.db.Exec(`UPDATE transactions SET simulation = ?, updated_at = ? WHERE id = ?`,
		result, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set simulation: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetGasFields persists resolved gas parameters after estimation.
// SetSender records the sender resolved for a transaction submitted
// without one.
func (s *Store) SetSender(id, from string) error {
	res, err := s.db.Exec(`UPDATE transactions SET sender = ?, updated_at = ? WHERE id = ?`,
		from, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) SetGasFields(id string, gasLimit uint64, maxFee, priorityFee string, nonce *uint64) error {
	res, err := s.db.Exec(`UPDATE transactions SET gas_limit = ?, max_fee = ?, priority_fee = ?, nonce = ?, updated_at = ?
		WHERE id = ?`,
		gasLimit, maxFee, priorityFee, nullableUint(nonce),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set gas fields: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TxQuery controls transaction listing.
type TxQuery struct {
	UserID  string
	AgentID string
	PlanID  string
	Status  TxStatus
	Limit   int
}

// ListTransactions returns recent transactions using optional filters.
func (s *Store) ListTransactions(q TxQuery) ([]Transaction, error) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if q.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.PlanID != "" {
		clauses = append(clauses, "plan_id = ?")
		args = append(args, q.PlanID)
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}

	stmt := `SELECT ` + txColumns + ` FROM transactions`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, normalizeLimit(q.Limit))

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			continue
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

// ListPlanTransactions returns all transactions belonging to a plan in
// step order.
func (s *Store) ListPlanTransactions(planID string) ([]Transaction, error) {
	rows, err := s.db.Query(`SELECT `+txColumns+` FROM transactions WHERE plan_id = ? ORDER BY created_at ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			continue
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

// CreatePlan inserts a new plan.
func (s *Store) CreatePlan(plan Plan) (*Plan, error) {
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan requires at least one step")
	}

	now := time.Now().UTC()
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.Status == "" {
		plan.Status = PlanPending
	}
	plan.CreatedAt = now
	plan.UpdatedAt = now

	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO plans
		(id, user_id, agent_id, description, cross_chain, estimated_gas, estimated_time, steps, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID,
		plan.UserID,
		plan.AgentID,
		plan.Description,
		boolToInt(plan.CrossChain),
		plan.EstimatedGas,
		plan.EstimatedTime,
		steps,
		string(plan.Status),
		plan.Error,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert plan: %w", err)
	}
	out := plan
	return &out, nil
}

// GetPlan returns one plan by id.
func (s *Store) GetPlan(id string) (*Plan, error) {
	row := s.db.QueryRow(`SELECT id, user_id, agent_id, description, cross_chain, estimated_gas, estimated_time,
		steps, status, error, created_at, updated_at, completed_at FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

// TransitionPlan moves a plan between statuses with the same CAS contract
// as TransitionStatus. Terminal moves record completed_at; a failure also
// records the reason.
func (s *Store) TransitionPlan(id string, from PlanStatus, to PlanStatus, reason string) error {
	now := time.Now().UTC()
	var completedAt sql.NullString
	if to == PlanCompleted || to == PlanFailed {
		completedAt = sql.NullString{String: now.Format(time.RFC3339Nano), Valid: true}
	}

	res, err := s.db.Exec(`UPDATE plans SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to),
		reason,
		completedAt,
		now.Format(time.RFC3339Nano),
		id,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("transition plan: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, getErr := s.GetPlan(id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// ListPlans returns recent plans, optionally filtered by status.
func (s *Store) ListPlans(status PlanStatus, limit int) ([]Plan, error) {
	stmt := `SELECT id, user_id, agent_id, description, cross_chain, estimated_gas, estimated_time,
		steps, status, error, created_at, updated_at, completed_at FROM plans`
	args := make([]any, 0, 2)
	if status != "" {
		stmt += ` WHERE status = ?`
		args = append(args, string(status))
	}
	stmt += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Plan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			continue
		}
		out = append(out, *plan)
	}
	return out, rows.Err()
}

// ErrConflict means a compare-and-swap update found the row in an
// unexpected status.
var ErrConflict = errors.New("status conflict")

const txColumns = `id, chain_id, sender, recipient, value, call_data, gas_limit, max_fee, priority_fee, nonce,
	user_id, agent_id, plan_id, step_id, risk_score, risk_level, requires_approval, status,
	hash, block_number, block_hash, gas_used, confirmed_at, memo, simulation, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	var (
		tx                   Transaction
		nonce                sql.NullInt64
		requiresApproval     int
		hash                 sql.NullString
		confirmedAt          sql.NullString
		createdAt, updatedAt string
	)

	if err := s.Scan(
		&tx.ID,
		&tx.ChainID,
		&tx.From,
		&tx.To,
		&tx.Value,
		&tx.Data,
		&tx.GasLimit,
		&tx.MaxFee,
		&tx.PriorityFee,
		&nonce,
		&tx.UserID,
		&tx.AgentID,
		&tx.PlanID,
		&tx.StepID,
		&tx.RiskScore,
		&tx.RiskLevel,
		&requiresApproval,
		&tx.Status,
		&hash,
		&tx.BlockNumber,
		&tx.BlockHash,
		&tx.GasUsed,
		&confirmedAt,
		&tx.Memo,
		&tx.Simulation,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if nonce.Valid {
		v := uint64(nonce.Int64)
		tx.Nonce = &v
	}
	tx.RequiresApproval = requiresApproval == 1
	if hash.Valid {
		tx.Hash = hash.String
	}
	if confirmedAt.Valid && confirmedAt.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, confirmedAt.String); err == nil {
			tx.ConfirmedAt = &ts
		}
	}
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	tx.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &tx, nil
}

func scanPlan(s scanner) (*Plan, error) {
	var (
		plan                 Plan
		crossChain           int
		steps                []byte
		createdAt, updatedAt string
		completedAt          sql.NullString
	)

	if err := s.Scan(
		&plan.ID,
		&plan.UserID,
		&plan.AgentID,
		&plan.Description,
		&crossChain,
		&plan.EstimatedGas,
		&plan.EstimatedTime,
		&steps,
		&plan.Status,
		&plan.Error,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	plan.CrossChain = crossChain == 1
	if err := json.Unmarshal(steps, &plan.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	plan.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	plan.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if completedAt.Valid && completedAt.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			plan.CompletedAt = &ts
		}
	}
	return &plan, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func nullableUint(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
