/*
service.go - Public entry point of the ledger

PURPOSE:
  Service exposes every ledger operation. It owns the cross-cutting
  concerns so the domain files stay focused on the rules:
    - each mutation runs inside TxStore.WithTx, retried on contention
    - link/settle operations on one task are serialized by a Locker
    - the acting user is read from the context for the audit trail
    - each operation gets a span, a log line and an Observer sample

ACTOR:
  ctx = ledger.WithActor(ctx, "u-42")
  svc.Reserve(ctx, ...)   // Reservation.UpdatedBy == "u-42"

SEE ALSO:
  - retry.go: transaction retry loop
  - locker.go: per-task serialization
  - metrics/prometheus.go: Observer implementation
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/warp/lot-ledger/ledger")

// SystemUser is recorded when the context carries no actor.
const SystemUser UserID = "system"

// =============================================================================
// ACTOR
// =============================================================================

type actorKey struct{}

// WithActor attaches the acting user to ctx.
func WithActor(ctx context.Context, user UserID) context.Context {
	return context.WithValue(ctx, actorKey{}, user)
}

// ActorFrom returns the acting user, or SystemUser.
func ActorFrom(ctx context.Context) UserID {
	if u, ok := ctx.Value(actorKey{}).(UserID); ok && u != "" {
		return u
	}
	return SystemUser
}

// =============================================================================
// OBSERVER
// =============================================================================

// Outcome labels passed to Observer.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeRetryable = "retryable"
	OutcomeError     = "error"
)

// Observer receives one sample per operation and one per retried attempt.
type Observer interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	ObserveRetry(op string)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, time.Duration) {}
func (nopObserver) ObserveRetry(string) {}

// Outcome classifies an operation error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case IsRetryable(err):
		return OutcomeRetryable
	case IsClientError(err), IsNotFound(err):
		return OutcomeRejected
	}
	return OutcomeError
}

// =============================================================================
// SERVICE
// =============================================================================

type Config struct {
	MaxRetries   int           // retries after the first attempt
	RetryBackoff time.Duration // multiplied by the attempt number
	LockWait     time.Duration // bound on waiting for a task lock
}

// RetryBudget is the longest total backoff one operation can sleep.
func (c Config) RetryBudget() time.Duration {
	n := time.Duration(c.MaxRetries)
	return c.RetryBackoff * n * (n + 1) / 2
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   5,
		RetryBackoff: 10 * time.Millisecond,
		LockWait:     5 * time.Second,
	}
}

type Service struct {
	store    TxStore
	catalog  BatchCatalog
	locker   Locker
	observer Observer
	log      logrus.FieldLogger
	cfg      Config
	now      func() time.Time
	newID    func() string
}

type Option func(*Service)

// WithCatalog sets the catalog PlanAllocation reads batches from. Commits
// always read the store. A catalog implementing CatalogInvalidator is told
// about every receipt and settlement.
func WithCatalog(c BatchCatalog) Option { return func(s *Service) { s.catalog = c } }

func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

func WithObserver(o Observer) Option { return func(s *Service) { s.observer = o } }

func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(gen func() string) Option { return func(s *Service) { s.newID = gen } }

func NewService(store TxStore, cfg Config, opts ...Option) *Service {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultConfig().LockWait
	}
	s := &Service{
		store:    store,
		catalog:  store,
		locker:   NewLocalLocker(),
		observer: nopObserver{},
		log:      logrus.StandardLogger(),
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// INSTRUMENTATION
// =============================================================================

// run wraps a mutating operation.
func (s *Service) run(ctx context.Context, op string, taskID TaskID, fn func(context.Context) error) error {
	return s.instrument(ctx, op, taskID, logrus.InfoLevel, fn)
}

// query wraps a read-only operation.
func (s *Service) query(ctx context.Context, op string, taskID TaskID, fn func(context.Context) error) error {
	return s.instrument(ctx, op, taskID, logrus.DebugLevel, fn)
}

func (s *Service) instrument(ctx context.Context, op string, taskID TaskID, okLevel logrus.Level, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "ledger."+op)
	defer span.End()
	actor := ActorFrom(ctx)
	span.SetAttributes(
		attribute.String("ledger.task_id", string(taskID)),
		attribute.String("ledger.actor", string(actor)),
	)

	start := time.Now()
	err := fn(ctx)
	outcome := Outcome(err)
	s.observer.ObserveOperation(op, outcome, time.Since(start))

	entry := s.log.WithFields(logrus.Fields{
		"module":  "ledger",
		"op":      op,
		"task_id": taskID,
		"actor":   actor,
	})
	switch outcome {
	case OutcomeOK:
		entry.Log(okLevel, "operation completed")
	case OutcomeRejected:
		entry.WithError(err).Warn("operation rejected")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.WithError(err).Error("operation failed")
	}
	return err
}

// lockTask serializes link and settlement work on one task.
func (s *Service) lockTask(ctx context.Context, taskID TaskID) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	defer cancel()
	return s.locker.Lock(ctx, "task:"+string(taskID))
}

func (s *Service) withTaskLock(ctx context.Context, taskID TaskID, fn func() error) error {
	unlock, err := s.lockTask(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// invalidate drops cached batches after a committed stock change. A failed
// invalidation is logged; the cache entry then lives until its TTL.
func (s *Service) invalidate(ctx context.Context, itemID ItemID, batchIDs ...BatchID) {
	inv, ok := s.catalog.(CatalogInvalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(ctx, itemID, batchIDs...); err != nil {
		s.log.WithFields(logrus.Fields{
			"module":  "ledger",
			"item_id": itemID,
		}).WithError(err).Warn("batch catalog invalidation failed")
	}
}

// getTask maps a missing task to a not-found error naming it.
func getTask(ctx context.Context, st Store, id TaskID) (Task, error) {
	t, err := st.GetTask(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Task{}, NewNotFound("task", string(id))
	}
	return t, err
}
