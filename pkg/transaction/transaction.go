// Package transaction commits several persistence participants in one
// database transaction and retries the whole unit on transient failures.
package transaction

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/config"
)

// ErrConflict marks a lost race (unique violation, stale version). Always retryable.
var ErrConflict = errors.New("concurrent modification conflict")

// Participant persists its pending changes on the shared transaction.
type Participant interface {
	Save(ctx context.Context, tx *gorm.DB) error
}

type ParticipantFunc func(ctx context.Context, tx *gorm.DB) error

func (f ParticipantFunc) Save(ctx context.Context, tx *gorm.DB) error { return f(ctx, tx) }

type options struct {
	preCommit func(ctx context.Context) error
	name      string
}

type Option func(*options)

// WithPreCommit runs fn after every participant saved and before commit.
// A failing callback rolls the attempt back.
func WithPreCommit(fn func(ctx context.Context) error) Option {
	return func(o *options) { o.preCommit = fn }
}

// WithName labels the transaction in retry logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// ResilientTransaction wraps gorm transactions in a bounded exponential retry.
type ResilientTransaction struct {
	db     *gorm.DB
	cfg    config.TransactionConfig
	logger *zap.Logger
}

func New(db *gorm.DB, cfg config.TransactionConfig, logger *zap.Logger) *ResilientTransaction {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	return &ResilientTransaction{db: db, cfg: cfg, logger: logger}
}

// SaveChanges commits all participants atomically.
func (t *ResilientTransaction) SaveChanges(ctx context.Context, participants []Participant, opts ...Option) error {
	return t.Execute(ctx, func(ctx context.Context, tx *gorm.DB) error {
		for _, p := range participants {
			if err := p.Save(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	}, opts...)
}

// Execute runs fn inside a transaction. Each retry starts over from scratch,
// so fn must rebuild its state from tx rather than reuse earlier reads.
func (t *ResilientTransaction) Execute(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error, opts ...Option) error {
	o := options{name: "transaction"}
	for _, opt := range opts {
		opt(&o)
	}

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := fn(ctx, tx); err != nil {
				return err
			}
			if o.preCommit != nil {
				return o.preCommit(ctx)
			}
			return nil
		})
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(t.newBackOff()),
		backoff.WithMaxTries(t.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.logger.Warn("transaction attempt failed, retrying",
				zap.String("name", o.name),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	}
	if t.cfg.MaxElapsedTime > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(t.cfg.MaxElapsedTime))
	}

	_, err := backoff.Retry(ctx, operation, retryOpts...)
	return err
}

func (t *ResilientTransaction) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if t.cfg.InitialInterval > 0 {
		b.InitialInterval = t.cfg.InitialInterval
	}
	if t.cfg.MaxInterval > 0 {
		b.MaxInterval = t.cfg.MaxInterval
	}
	return b
}

// IsTransient reports whether a failed attempt may succeed when retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "53300":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
