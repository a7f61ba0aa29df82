/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the boundary between the ledger logic and storage. Batches,
  tasks, reservations, links and consumption events are independent
  records keyed by explicit ids; nothing is embedded in a parent record.

KEY INTERFACES:
  BatchCatalog:   Read access to batches (the consumed catalog)
  CatalogInvalidator: Optional hook on caching catalogs
  InventoryStore: Items, batch receipt, transactional decrement
  TaskStore:      Task definitions and status
  Store:          Everything above plus reservations, links, events
  TxStore:        Store with atomic multi-record operations

VERSIONED WRITES:
  SaveReservation, SaveLink and SaveTask insert when Version is zero and
  otherwise update only if the stored version still matches. On success
  the record's Version is incremented in place. A lost race returns
  ErrConcurrentModification.

APPEND-ONLY EVENTS:
  ConsumptionEvents are never updated or deleted. An event whose
  idempotency key already exists is rejected with
  ErrDuplicateIdempotencyKey.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and dev
  - store/sqlstore: SQLite and PostgreSQL
  - store/redis: read-through BatchCatalog cache (planning only)

SEE ALSO:
  - service.go: runs every mutation inside WithTx
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// CATALOG - Consumed read interface
// =============================================================================

// BatchCatalog is a consistent snapshot of batches at call time. No lock is
// held across calls.
type BatchCatalog interface {
	// ListBatches returns the item's batches ordered by ReceivedAt, then ID.
	ListBatches(ctx context.Context, itemID ItemID) ([]Batch, error)

	// GetBatch returns ErrNotFound for unknown ids.
	GetBatch(ctx context.Context, batchID BatchID) (Batch, error)
}

// CatalogInvalidator is implemented by catalogs that cache batches. The
// service calls it after every committed change to a batch's OnHand.
type CatalogInvalidator interface {
	Invalidate(ctx context.Context, itemID ItemID, batchIDs ...BatchID) error
}

// =============================================================================
// INVENTORY AND TASKS
// =============================================================================

type InventoryStore interface {
	BatchCatalog

	SaveItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, id ItemID) (Item, error)

	// SaveBatch records a receipt. Receiving an existing id replaces it.
	SaveBatch(ctx context.Context, batch Batch) error

	// DecrementBatchQuantity lowers OnHand by amount. It fails with
	// ErrInsufficientAvailability rather than go below zero.
	DecrementBatchQuantity(ctx context.Context, batchID BatchID, amount Quantity) error
}

type TaskStore interface {
	GetTask(ctx context.Context, id TaskID) (Task, error)
	SaveTask(ctx context.Context, task *Task) error
	// SetTaskStatus also stamps UpdatedAt and UpdatedBy.
	SetTaskStatus(ctx context.Context, id TaskID, status TaskStatus, by UserID, at time.Time) error
}

// =============================================================================
// STORE - Full ledger persistence
// =============================================================================

type Store interface {
	InventoryStore
	TaskStore

	GetReservation(ctx context.Context, id ReservationID) (Reservation, error)
	// FindReservation returns the reservation for the (task, batch) pair.
	FindReservation(ctx context.Context, taskID TaskID, batchID BatchID) (Reservation, error)
	ListReservationsByBatch(ctx context.Context, batchID BatchID) ([]Reservation, error)
	// ListReservationsByTask orders by batch ReceivedAt, then batch ID.
	ListReservationsByTask(ctx context.Context, taskID TaskID) ([]Reservation, error)
	SaveReservation(ctx context.Context, r *Reservation) error
	DeleteReservation(ctx context.Context, id ReservationID) error

	GetLink(ctx context.Context, id LinkID) (IngredientLink, error)
	// FindLink returns the link for the (task, line, reservation) triple.
	FindLink(ctx context.Context, taskID TaskID, lineID LineID, reservationID ReservationID) (IngredientLink, error)
	// ListLinksByTask orders by Seq.
	ListLinksByTask(ctx context.Context, taskID TaskID) ([]IngredientLink, error)
	ListLinksByReservation(ctx context.Context, reservationID ReservationID) ([]IngredientLink, error)
	// SaveLink assigns Seq on insert. Seq only orders links within a task.
	SaveLink(ctx context.Context, l *IngredientLink) error
	DeleteLink(ctx context.Context, id LinkID) error

	AppendEvent(ctx context.Context, e ConsumptionEvent) error
	// ListEventsByTask and ListEventsByLink return events in append order.
	ListEventsByTask(ctx context.Context, taskID TaskID) ([]ConsumptionEvent, error)
	ListEventsByLink(ctx context.Context, linkID LinkID) ([]ConsumptionEvent, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
