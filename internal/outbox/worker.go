// Package outbox relays reservation events written transactionally to the
// outbox table onto NATS.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	outboxPublishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_publish_total",
		Help: "Total number of successfully published outbox messages.",
	})
	outboxFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_fail_total",
		Help: "Total number of outbox publish failures after exhausting retries.",
	})
	outboxLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_lag_seconds",
		Help: "Age of the oldest processed outbox event in seconds.",
	})
)

// Dialect selects the SQL flavour of the outbox table.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// WorkerConfig defines tunables for the dispatcher worker.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	// RetryBackoff is scaled by attempt² between publish attempts.
	RetryBackoff time.Duration
	Dialect      Dialect
}

// MsgPublisher is the part of *nats.Conn the worker needs.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker loads unpublished events from the database and publishes them.
type Worker struct {
	db        *sql.DB
	publisher MsgPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
}

// NewWorker constructs a dispatcher worker.
func NewWorker(db *sql.DB, publisher MsgPublisher, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Dialect == "" {
		cfg.Dialect = Postgres
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		db:        db,
		publisher: publisher,
		logger:    logger.Named("outbox"),
		cfg:       cfg,
		tracer:    otel.Tracer("reservation.outbox.worker"),
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox worker requires database and NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.processOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Error(err))
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
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// processOnce publishes one batch and reports how many records were relayed.
// On Postgres a record that still fails after RetryMax attempts rolls the
// batch back so it is retried on the next tick in order. On SQLite the read
// transaction is committed before publishing, because the repository shares
// the single connection; records published before a failure are marked in
// their own short transaction.
func (w *Worker) processOnce(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer span.End()
	records, tx, err := w.loadPending(ctx)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, tx.Commit()
	}
	if w.cfg.Dialect == SQLite {
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit outbox read: %w", err)
		}
		tx = nil
	}
	span.SetAttributes(attribute.Int("outbox.batch_size", len(records)))
	ids := make([]int64, 0, len(records))
	maxLag := 0.0
	for _, rec := range records {
		if err := w.publishWithRetry(ctx, rec); err != nil {
			if tx != nil {
				_ = tx.Rollback()
				return 0, err
			}
			if len(ids) > 0 {
				if markErr := w.markInNewTx(ctx, ids); markErr != nil {
					return 0, errors.Join(err, markErr)
				}
			}
			return len(ids), err
		}
		ids = append(ids, rec.ID)
		outboxPublishTotal.Inc()
		lag := time.Since(rec.CreatedAt).Seconds()
		if lag > maxLag {
			maxLag = lag
		}
	}
	outboxLagSeconds.Set(maxLag)
	if tx == nil {
		if err := w.markInNewTx(ctx, ids); err != nil {
			return 0, err
		}
		return len(ids), nil
	}
	if err := w.markPublished(ctx, tx, ids); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	return len(ids), nil
}

func (w *Worker) markInNewTx(ctx context.Context, ids []int64) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark tx: %w", err)
	}
	if err := w.markPublished(ctx, tx, ids); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox marks: %w", err)
	}
	return nil
}

func (w *Worker) placeholder(n int) string {
	if w.cfg.Dialect == SQLite {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

func (w *Worker) loadPending(ctx context.Context) ([]record, *sql.Tx, error) {
	var opts *sql.TxOptions
	lock := ""
	if w.cfg.Dialect == Postgres {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
		lock = " FOR UPDATE SKIP LOCKED"
	}
	tx, err := w.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	query := `SELECT id, topic, event_type, payload, created_at FROM outbox WHERE published = false ORDER BY id LIMIT ` + w.placeholder(1) + lock
	rows, err := tx.QueryContext(ctx, query, w.cfg.BatchSize)
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()
	var records []record
	for rows.Next() {
		var (
			rec     record
			created any
		)
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.EventType, &rec.Payload, &created); err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return nil, nil, fmt.Errorf("scan outbox: %w", err)
		}
		rec.CreatedAt = toTime(created)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return records, tx, nil
}

// SQLite stores created_at as unix nanoseconds, Postgres as timestamptz.
func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case int64:
		return time.Unix(0, t)
	default:
		return time.Now()
	}
}

func (w *Worker) markPublished(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = w.placeholder(i + 1)
		args[i] = id
	}
	query := fmt.Sprintf("UPDATE outbox SET published = true WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (w *Worker) publishWithRetry(ctx context.Context, rec record) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish")
	defer span.End()
	if rec.Topic == "" {
		return errors.New("outbox record missing topic")
	}
	msg := nats.NewMsg(rec.Topic)
	msg.Data = rec.Payload
	msg.Header.Set(nats.MsgIdHdr, "outbox-"+strconv.FormatInt(rec.ID, 10))
	if rec.EventType != "" {
		msg.Header.Set("x-event-type", rec.EventType)
	}
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}
	var attempt int
	for {
		attempt++
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", rec.ID))
		if attempt >= w.cfg.RetryMax {
			outboxFailTotal.Inc()
			return fmt.Errorf("publish outbox %d: %w", rec.ID, err)
		}
		backoff := time.Duration(attempt*attempt) * w.cfg.RetryBackoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
