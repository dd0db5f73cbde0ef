package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	relayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sos_outbox_publish_total",
		Help: "Outbox rows relayed to NATS, by event type.",
	}, []string{"type"})
	relayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sos_outbox_fail_total",
		Help: "Outbox publish failures after exhausting retries.",
	})
	relayLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sos_outbox_lag_seconds",
		Help: "Age of the oldest row relayed in the last batch.",
	})
)

const (
	selectPending = `SELECT id, topic, payload, created_at FROM outbox
WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`
	markPublished = `UPDATE outbox SET published = true WHERE id = ANY($1)`
)

// WorkerConfig defines tunables for the relay.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker relays rows written by the Postgres repository to NATS in id order.
// A row whose payload is an SOS event goes to <topic>.<event type>.
type Worker struct {
	db     *sql.DB
	nc     natsPublisher
	logger *zap.Logger
	cfg    WorkerConfig
	tracer trace.Tracer
}

// NewWorker constructs the relay.
func NewWorker(db *sql.DB, conn natsPublisher, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{db: db, nc: conn, logger: logger, cfg: cfg, tracer: otel.Tracer("sosdispatch/outbox")}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// the next one so a backlog drains without waiting for the ticker.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.nc == nil {
		return errors.New("outbox worker requires database and NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := w.Flush(ctx)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			w.logger.Error("outbox batch failed", zap.Int("relayed", n), zap.Error(err))
		case err == nil && n == w.cfg.BatchSize:
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type record struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// Flush relays one batch. Rows are published in order; the first row that
// cannot be published stops the batch, and everything before it is still
// marked. It returns how many rows were marked.
func (w *Worker) Flush(ctx context.Context) (n int, err error) {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil && n == 0 {
			_ = tx.Rollback()
		}
	}()

	batch, err := pending(ctx, tx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	done := make([]int64, 0, len(batch))
	var relayErr error
	oldest := 0.0
	for _, rec := range batch {
		typ, perr := w.publish(ctx, rec)
		if perr != nil {
			relayErr = perr
			break
		}
		done = append(done, rec.ID)
		relayedTotal.WithLabelValues(typ).Inc()
		if age := time.Since(rec.CreatedAt).Seconds(); age > oldest {
			oldest = age
		}
	}
	relayLag.Set(oldest)
	if len(done) == 0 {
		if relayErr != nil {
			return 0, relayErr
		}
		return 0, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, markPublished, done); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("mark published: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox: %w", err)
	}
	return len(done), relayErr
}

func pending(ctx context.Context, tx *sql.Tx, limit int) ([]record, error) {
	rows, err := tx.QueryContext(ctx, selectPending, limit)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()
	var out []record
	for rows.Next() {
		var rec record
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// buildMsg routes a row. Payloads that are not SOS events keep the bare topic.
func buildMsg(rec record) (*nats.Msg, string) {
	var ev struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(rec.Payload, &ev)

	msg := nats.NewMsg(rec.Topic)
	msg.Data = rec.Payload
	msg.Header.Set(nats.MsgIdHdr, "outbox-"+strconv.FormatInt(rec.ID, 10))
	if ev.Type == "" {
		return msg, "unknown"
	}
	msg.Subject = rec.Topic + "." + ev.Type
	msg.Header.Set("x-event-type", ev.Type)
	if ev.RequestID != "" {
		msg.Header.Set("x-request-id", ev.RequestID)
	}
	return msg, ev.Type
}

// publish sends one row, retrying with quadratic backoff up to RetryMax
// attempts.
func (w *Worker) publish(ctx context.Context, rec record) (string, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.publish")
	defer span.End()
	if rec.Topic == "" {
		return "", fmt.Errorf("outbox %d: missing topic", rec.ID)
	}
	msg, typ := buildMsg(rec)
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", "00-"+sc.TraceID().String()+"-"+sc.SpanID().String()+"-01")
	}
	for attempt := 1; ; attempt++ {
		err := w.nc.PublishMsg(msg)
		if err == nil {
			return typ, nil
		}
		w.logger.Warn("publish failed", zap.Int64("outbox_id", rec.ID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt >= w.cfg.RetryMax {
			relayFailures.Inc()
			return "", fmt.Errorf("publish outbox %d: %w", rec.ID, err)
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * 100 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
