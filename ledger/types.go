/*
Package ledger provides the batch reservation and consumption engine.

PURPOSE:
  Production tasks claim finite quantities of lot-tracked batches. The
  ledger plans those claims (allocation strategies), commits them as
  Reservations, sub-allocates reservations to the task's requirement
  lines (IngredientLinks) and finally settles actual usage against them,
  decrementing on-hand stock.

KEY CONCEPTS IN THIS FILE (types.go):
  - Item / Batch: what is stocked and the lots it is stocked in
  - Task / RequirementLine: who consumes, and what each line needs
  - Reservation: a task's claim on part of one batch
  - IngredientLink: part of a reservation assigned to one requirement line
  - ConsumptionEvent: append-only record of actual usage

DESIGN PRINCIPLES:
  1. Precision: every quantity is a Quantity (3 fixed decimals)
  2. Normalized records: reservations and links are independent rows
     keyed by explicit ids, never maps embedded in the task
  3. Versioned writes: reservations, links and tasks carry a Version
     bumped on every save, checked by the store
  4. Auditability: every mutation records the acting user

SEE ALSO:
  - quantity.go: fixed-precision arithmetic
  - store.go: persistence interfaces
  - service.go: the public operations
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string
type BatchID string
type TaskID string
type LineID string
type ReservationID string
type LinkID string
type EventID string
type UserID string

// =============================================================================
// INVENTORY
// =============================================================================

// Item is a stocked material.
type Item struct {
	ID   ItemID
	Name string
	Unit string // unit of measure, e.g. "kg"
}

// Batch is one received lot of an item.
type Batch struct {
	ID         BatchID
	ItemID     ItemID
	LotNumber  string
	OnHand     Quantity
	ExpiresAt  *time.Time // nil = does not expire
	Location   string
	UnitCost   decimal.Decimal
	ReceivedAt time.Time
	Version    int64
}

// IsExpired reports whether the batch expired strictly before at.
func (b Batch) IsExpired(at time.Time) bool {
	return b.ExpiresAt != nil && b.ExpiresAt.Before(at)
}

// =============================================================================
// TASKS
// =============================================================================

// RequirementLine is one thing a task needs. The line-to-item mapping is
// fixed when the task is defined.
type RequirementLine struct {
	ID       LineID
	ItemID   ItemID
	Name     string
	Required Quantity
}

// Task is the consumer of reservations.
type Task struct {
	ID           TaskID
	Name         string
	Status       TaskStatus
	Requirements []RequirementLine

	// Actual usage per item recorded before confirmation.
	ActualUsage   map[ItemID]Quantity
	UsageRevision int

	ConfirmedAt *time.Time
	ConfirmedBy UserID

	CreatedAt time.Time
	UpdatedAt time.Time
	UpdatedBy UserID
	Version   int64
}

// Line returns the requirement line with the given id.
func (t Task) Line(id LineID) (RequirementLine, bool) {
	for _, l := range t.Requirements {
		if l.ID == id {
			return l, true
		}
	}
	return RequirementLine{}, false
}

// =============================================================================
// RESERVATION - A task's claim on part of one batch
// =============================================================================

// Reservation is unique per (TaskID, ItemID, BatchID).
type Reservation struct {
	ID        ReservationID
	TaskID    TaskID
	ItemID    ItemID
	BatchID   BatchID
	Quantity  Quantity
	CreatedAt time.Time
	UpdatedAt time.Time
	UpdatedBy UserID
	Version   int64
}

// =============================================================================
// INGREDIENT LINK - Part of a reservation assigned to a requirement line
// =============================================================================

// BatchSnapshot is captured when a link is created and never changes, so
// historical reports show the batch as it was when it was linked.
type BatchSnapshot struct {
	ItemID     ItemID
	ItemName   string
	Unit       string
	BatchID    BatchID
	LotNumber  string
	Location   string
	ExpiresAt  *time.Time
	UnitCost   decimal.Decimal
	CapturedAt time.Time
}

// IngredientLink ties one requirement line to one reservation.
type IngredientLink struct {
	ID            LinkID
	TaskID        TaskID
	LineID        LineID
	ReservationID ReservationID
	ItemID        ItemID
	BatchID       BatchID

	Linked   Quantity
	Consumed Quantity

	Snapshot BatchSnapshot

	// Seq orders links by creation; settlement drains links in Seq order.
	Seq       int64
	CreatedAt time.Time
	UpdatedAt time.Time
	UpdatedBy UserID
	Version   int64
}

// Remaining is Linked-Consumed, never below zero.
func (l IngredientLink) Remaining() Quantity {
	return l.Linked.Sub(l.Consumed).ClampZero()
}

// IsFullyConsumed is true exactly when nothing remains.
func (l IngredientLink) IsFullyConsumed() bool {
	return l.Remaining().IsZero()
}

// =============================================================================
// CONSUMPTION EVENT - Immutable record of actual usage
// =============================================================================

type ConsumptionEvent struct {
	ID            EventID
	TaskID        TaskID
	ItemID        ItemID
	BatchID       BatchID
	LinkID        LinkID        // empty when not consumed through a link
	ReservationID ReservationID // empty when drawn from unreserved stock
	Quantity      Quantity
	At            time.Time

	RecordedBy     UserID
	IdempotencyKey string
}
