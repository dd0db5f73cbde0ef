package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/sosdispatch/internal/sos/domain"
)

// Schema creates the tables used by PostgresRepository and the outbox worker.
const Schema = `
CREATE TABLE IF NOT EXISTS sos_requests (
	id UUID PRIMARY KEY,
	status TEXT NOT NULL,
	snapshot JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	version BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS sos_requests_status_idx ON sos_requests (status);
CREATE TABLE IF NOT EXISTS sos_events (
	id UUID PRIMARY KEY,
	request_id UUID NOT NULL,
	type TEXT NOT NULL,
	message TEXT NOT NULL,
	payload JSONB,
	ts TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox (
	id BIGSERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	payload BYTEA NOT NULL,
	published BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresRepository persists snapshots and the event log. Every event is
// also queued in the outbox table for the NATS relay.
type PostgresRepository struct {
	db    *sql.DB
	topic string
}

// NewPostgresRepository wraps an open database handle (driver "pgx").
func NewPostgresRepository(db *sql.DB, topic string) *PostgresRepository {
	if topic == "" {
		topic = "sos.events"
	}
	return &PostgresRepository{db: db, topic: topic}
}

// Migrate applies Schema.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveRequest upserts the snapshot on its own.
func (p *PostgresRepository) SaveRequest(ctx context.Context, req domain.SOSRequest) error {
	return upsertSnapshot(ctx, p.db, req)
}

// AppendEvent writes an event and its outbox row in one transaction.
func (p *PostgresRepository) AppendEvent(ctx context.Context, event domain.EventLog) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return p.insertEvent(ctx, tx, event)
	})
}

// SaveTransition upserts the snapshot and writes the event and its outbox row
// in one transaction, so a failed transition leaves no trace.
func (p *PostgresRepository) SaveTransition(ctx context.Context, req domain.SOSRequest, event domain.EventLog) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertSnapshot(ctx, tx, req); err != nil {
			return err
		}
		return p.insertEvent(ctx, tx, event)
	})
}

func (p *PostgresRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertSnapshot(ctx context.Context, db execer, req domain.SOSRequest) error {
	snapshot, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO sos_requests (id, status, snapshot, created_at, version)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, snapshot = EXCLUDED.snapshot, version = EXCLUDED.version`,
		req.ID, string(req.Status), snapshot, req.CreatedAt, req.Version)
	if err != nil {
		return fmt.Errorf("upsert sos request: %w", err)
	}
	return nil
}

func (p *PostgresRepository) insertEvent(ctx context.Context, db execer, event domain.EventLog) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO sos_events (id, request_id, type, message, payload, ts) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.RequestID, string(event.Type), event.Message, payload, event.Timestamp); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO outbox (topic, payload, published) VALUES ($1, $2, false)`, p.topic, message); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (p *PostgresRepository) GetRequest(ctx context.Context, id uuid.UUID) (domain.SOSRequest, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT snapshot FROM sos_requests WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SOSRequest{}, fmt.Errorf("%w: sos request %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.SOSRequest{}, fmt.Errorf("select sos request: %w", err)
	}
	var req domain.SOSRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return domain.SOSRequest{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return req, nil
}

func (p *PostgresRepository) ListActive(ctx context.Context) ([]domain.SOSRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT snapshot FROM sos_requests WHERE status NOT IN ($1, $2) ORDER BY created_at`,
		string(domain.StatusCompleted), string(domain.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("select active: %w", err)
	}
	defer rows.Close()
	var out []domain.SOSRequest
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var req domain.SOSRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active: %w", err)
	}
	return out, nil
}
