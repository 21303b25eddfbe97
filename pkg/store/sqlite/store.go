// Package sqlite is the embedded store backend: checkpoints and invocation
// records in a single SQLite file with WAL enabled. It is the default durable
// driver for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vango-go/convoctl/pkg/checkpoint"
	"github.com/vango-go/convoctl/pkg/toolgw"
)

// DefaultRetention is how long invocation records are kept for idempotent
// replay before Prune removes them.
const DefaultRetention = 30 * 24 * time.Hour

// Store implements checkpoint.Store; its Invocations view implements
// toolgw.InvocationStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ checkpoint.Store = (*Store)(nil)

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT PRIMARY KEY,
			state_path TEXT NOT NULL,
			context_snapshot TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_invocations (
			idempotency_key TEXT PRIMARY KEY,
			invocation_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			version TEXT NOT NULL,
			session_id TEXT,
			tenant_id TEXT,
			parameters TEXT,
			parameters_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error_kind TEXT,
			authorization_decision TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_session ON tool_invocations(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_created ON tool_invocations(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put writes a checkpoint, conditionally on a strictly newer sequence number.
func (s *Store) Put(ctx context.Context, cp checkpoint.Checkpoint) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, state_path, context_snapshot, sequence_number, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state_path = excluded.state_path,
			context_snapshot = excluded.context_snapshot,
			sequence_number = excluded.sequence_number,
			created_at = excluded.created_at
		WHERE checkpoints.sequence_number < excluded.sequence_number`,
		cp.SessionID, cp.StatePath, string(cp.Context), cp.Seq, cp.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return checkpoint.ErrStaleSequence
	}
	return nil
}

func (s *Store) GetLatest(ctx context.Context, sessionID string) (checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state_path, context_snapshot, sequence_number, created_at
		FROM checkpoints WHERE session_id = ?`, sessionID)

	var cp checkpoint.Checkpoint
	var snapshot string
	cp.SessionID = sessionID
	if err := row.Scan(&cp.StatePath, &snapshot, &cp.Seq, &cp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
		}
		return checkpoint.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.Context = json.RawMessage(snapshot)
	return cp, nil
}

// Invocations returns the toolgw.InvocationStore view.
func (s *Store) Invocations() toolgw.InvocationStore { return invocationView{s} }

type invocationView struct{ s *Store }

func (v invocationView) Put(ctx context.Context, rec toolgw.Invocation) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return err
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return err
	}

	tx, err := v.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var priorHash, priorStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT parameters_hash, status FROM tool_invocations WHERE idempotency_key = ?`,
		rec.IdempotencyKey).Scan(&priorHash, &priorStatus)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("lookup invocation: %w", err)
	default:
		if priorHash != rec.ParamsHash {
			return toolgw.ErrHashMismatch
		}
		if toolgw.Status(priorStatus) == toolgw.StatusSucceeded && rec.Status != toolgw.StatusSucceeded {
			return tx.Commit()
		}
	}

	var completed any
	if !rec.CompletedAt.IsZero() {
		completed = rec.CompletedAt.UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tool_invocations (
			idempotency_key, invocation_id, tool_name, version, session_id, tenant_id,
			parameters, parameters_hash, status, result, error_kind,
			authorization_decision, attempts, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error_kind = excluded.error_kind,
			attempts = excluded.attempts,
			completed_at = excluded.completed_at`,
		rec.IdempotencyKey, rec.ID, rec.Tool, rec.Version, rec.SessionID, rec.TenantID,
		string(params), rec.ParamsHash, string(rec.Status), string(result), string(rec.ErrorKind),
		rec.AuthzDecision, rec.Attempts, rec.CreatedAt.UTC(), completed,
	)
	if err != nil {
		return fmt.Errorf("put invocation: %w", err)
	}
	return tx.Commit()
}

func (v invocationView) Get(ctx context.Context, idempotencyKey string) (toolgw.Invocation, error) {
	row := v.s.db.QueryRowContext(ctx, `
		SELECT invocation_id, tool_name, version, session_id, tenant_id,
			parameters, parameters_hash, status, result, error_kind,
			authorization_decision, attempts, created_at, completed_at
		FROM tool_invocations WHERE idempotency_key = ?`, idempotencyKey)

	var (
		rec              toolgw.Invocation
		params, result   string
		status, errKind  string
		completed        sql.NullTime
		sessionID, tenID sql.NullString
	)
	rec.IdempotencyKey = idempotencyKey
	err := row.Scan(&rec.ID, &rec.Tool, &rec.Version, &sessionID, &tenID,
		&params, &rec.ParamsHash, &status, &result, &errKind,
		&rec.AuthzDecision, &rec.Attempts, &rec.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return toolgw.Invocation{}, toolgw.ErrRecordNotFound
	}
	if err != nil {
		return toolgw.Invocation{}, fmt.Errorf("get invocation: %w", err)
	}
	rec.SessionID = sessionID.String
	rec.TenantID = tenID.String
	rec.Status = toolgw.Status(status)
	rec.ErrorKind = toolgw.ErrorKind(errKind)
	if completed.Valid {
		rec.CompletedAt = completed.Time
	}
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
			return toolgw.Invocation{}, err
		}
	}
	if result != "" && result != "null" {
		if err := json.Unmarshal([]byte(result), &rec.Result); err != nil {
			return toolgw.Invocation{}, err
		}
	}
	return rec, nil
}

// Prune deletes invocation records older than the retention window.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_invocations WHERE created_at < ?`,
		s.now().Add(-retention).UTC())
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	return res.RowsAffected()
}
