/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Validation - malformed input, unknown references, illegal transitions
  2. Business rules - insufficient availability, over-allocation,
     reservation in use, already consumed
  3. Storage - concurrent modification (internal), retryable (surfaced)
  4. Arithmetic - invalid operand

USAGE:
  Callers match categories with errors.Is and read details with errors.As:

    var short *ledger.InsufficientAvailabilityError
    if errors.As(err, &short) {
        fmt.Println(short.Available)
    }

SEE ALSO:
  - retry.go: turns ErrConcurrentModification into RetryableError
  - api/handlers.go: maps categories to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidationFailed is returned for malformed input and unknown references.
	ErrValidationFailed = errors.New("validation failed")

	// ErrInsufficientAvailability is returned when a batch cannot cover a claim.
	ErrInsufficientAvailability = errors.New("insufficient availability")

	// ErrOverAllocation is returned when a link exceeds the linkable amount.
	ErrOverAllocation = errors.New("over allocation")

	// ErrReservationInUse is returned when cancelling a reservation that
	// still backs unconsumed links.
	ErrReservationInUse = errors.New("reservation in use")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyConsumed is returned when confirming a task twice.
	ErrAlreadyConsumed = errors.New("already consumed")

	// ErrRetryable is returned after internal retries on contention ran out.
	ErrRetryable = errors.New("retryable: storage contention")

	// ErrInvalidOperand is returned for non-numeric arithmetic input.
	ErrInvalidOperand = errors.New("invalid operand")

	// ErrConcurrentModification is returned by stores when a versioned write
	// lost a race or the database aborted a serializable transaction.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned by stores when an event with the
	// same idempotency key was already appended.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrLockTimeout is returned when a per-task lock could not be acquired.
	ErrLockTimeout = errors.New("task lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound is used by store implementations.
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// InsufficientAvailabilityError describes a claim a batch (or an item's
// batches) could not cover.
type InsufficientAvailabilityError struct {
	BatchID   BatchID // empty when the shortfall is across an item's batches
	ItemID    ItemID
	Requested Quantity
	Available Quantity
	Shortfall Quantity
}

func (e *InsufficientAvailabilityError) Error() string {
	target := string(e.ItemID)
	if e.BatchID != "" {
		target = "batch " + string(e.BatchID)
	}
	return fmt.Sprintf("insufficient availability for %s: available %s, requested %s, shortfall %s",
		target, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientAvailabilityError) Unwrap() error { return ErrInsufficientAvailability }

// OverAllocationError describes a link larger than its reservation allows.
type OverAllocationError struct {
	ReservationID ReservationID
	Requested     Quantity
	Linkable      Quantity
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("over allocation on reservation %s: linkable %s, requested %s",
		e.ReservationID, e.Linkable, e.Requested)
}

func (e *OverAllocationError) Unwrap() error { return ErrOverAllocation }

// ShortfallError reports a quantity that could not be covered where a
// complete cover is mandatory (manual plans, settlement).
type ShortfallError struct {
	ItemID    ItemID
	Required  Quantity
	Covered   Quantity
	Shortfall Quantity
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("validation failed: item %s short by %s (required %s, covered %s)",
		e.ItemID, e.Shortfall, e.Required, e.Covered)
}

func (e *ShortfallError) Unwrap() error { return ErrValidationFailed }

// RetryableError is surfaced after the retry budget for an operation ran out.
type RetryableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryableError) Unwrap() []error { return []error{ErrRetryable, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true for business-rule and input failures.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrInsufficientAvailability) ||
		errors.Is(err, ErrOverAllocation) ||
		errors.Is(err, ErrReservationInUse) ||
		errors.Is(err, ErrAlreadyConsumed) ||
		errors.Is(err, ErrInvalidOperand)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
