// Package postgres is the shared durable store backend: checkpoints and
// invocation records in Postgres, with goose-managed migrations. Use it when
// more than one node may resume the same session.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/convoctl/pkg/checkpoint"
	"github.com/vango-go/convoctl/pkg/toolgw"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements checkpoint.Store; its Invocations view implements
// toolgw.InvocationStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ checkpoint.Store = (*Store)(nil)

// New connects, runs migrations, and returns the store.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := migrate(cfg); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func migrate(cfg *pgxpool.Config) error {
	db := stdlib.OpenDB(*cfg.ConnConfig)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }

// Put writes a checkpoint, conditionally on a strictly newer sequence number.
func (s *Store) Put(ctx context.Context, cp checkpoint.Checkpoint) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (session_id, state_path, context_snapshot, sequence_number, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			state_path = excluded.state_path,
			context_snapshot = excluded.context_snapshot,
			sequence_number = excluded.sequence_number,
			created_at = excluded.created_at
		WHERE checkpoints.sequence_number < excluded.sequence_number`,
		cp.SessionID, cp.StatePath, []byte(cp.Context), int64(cp.Seq), cp.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return checkpoint.ErrStaleSequence
	}
	return nil
}

func (s *Store) GetLatest(ctx context.Context, sessionID string) (checkpoint.Checkpoint, error) {
	var (
		cp       checkpoint.Checkpoint
		snapshot []byte
		seq      int64
	)
	cp.SessionID = sessionID
	err := s.pool.QueryRow(ctx, `
		SELECT state_path, context_snapshot, sequence_number, created_at
		FROM checkpoints WHERE session_id = $1`, sessionID,
	).Scan(&cp.StatePath, &snapshot, &seq, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.Context = json.RawMessage(snapshot)
	cp.Seq = uint64(seq)
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

	tx, err := v.s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var priorHash, priorStatus string
	err = tx.QueryRow(ctx,
		`SELECT parameters_hash, status FROM tool_invocations WHERE idempotency_key = $1 FOR UPDATE`,
		rec.IdempotencyKey).Scan(&priorHash, &priorStatus)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("lookup invocation: %w", err)
	default:
		if priorHash != rec.ParamsHash {
			return toolgw.ErrHashMismatch
		}
		if toolgw.Status(priorStatus) == toolgw.StatusSucceeded && rec.Status != toolgw.StatusSucceeded {
			return tx.Commit(ctx)
		}
	}

	var completed any
	if !rec.CompletedAt.IsZero() {
		completed = rec.CompletedAt.UTC()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tool_invocations (
			idempotency_key, invocation_id, tool_name, version, session_id, tenant_id,
			parameters, parameters_hash, status, result, error_kind,
			authorization_decision, attempts, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error_kind = excluded.error_kind,
			attempts = excluded.attempts,
			completed_at = excluded.completed_at`,
		rec.IdempotencyKey, rec.ID, rec.Tool, rec.Version, rec.SessionID, rec.TenantID,
		params, rec.ParamsHash, string(rec.Status), result, string(rec.ErrorKind),
		rec.AuthzDecision, rec.Attempts, rec.CreatedAt.UTC(), completed,
	)
	if err != nil {
		return fmt.Errorf("put invocation: %w", err)
	}
	return tx.Commit(ctx)
}

func (v invocationView) Get(ctx context.Context, idempotencyKey string) (toolgw.Invocation, error) {
	var (
		rec             toolgw.Invocation
		params, result  []byte
		status, errKind string
		completed       *time.Time
	)
	rec.IdempotencyKey = idempotencyKey
	err := v.s.pool.QueryRow(ctx, `
		SELECT invocation_id, tool_name, version, session_id, tenant_id,
			parameters, parameters_hash, status, result, error_kind,
			authorization_decision, attempts, created_at, completed_at
		FROM tool_invocations WHERE idempotency_key = $1`, idempotencyKey,
	).Scan(&rec.ID, &rec.Tool, &rec.Version, &rec.SessionID, &rec.TenantID,
		&params, &rec.ParamsHash, &status, &result, &errKind,
		&rec.AuthzDecision, &rec.Attempts, &rec.CreatedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return toolgw.Invocation{}, toolgw.ErrRecordNotFound
	}
	if err != nil {
		return toolgw.Invocation{}, fmt.Errorf("get invocation: %w", err)
	}
	rec.Status = toolgw.Status(status)
	rec.ErrorKind = toolgw.ErrorKind(errKind)
	if completed != nil {
		rec.CompletedAt = *completed
	}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &rec.Params); err != nil {
			return toolgw.Invocation{}, err
		}
	}
	if len(result) > 0 && string(result) != "null" {
		if err := json.Unmarshal(result, &rec.Result); err != nil {
			return toolgw.Invocation{}, err
		}
	}
	return rec, nil
}

// Prune deletes invocation records older than the retention window.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tool_invocations WHERE created_at < $1`,
		time.Now().Add(-retention).UTC())
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	return tag.RowsAffected(), nil
}
