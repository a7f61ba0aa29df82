/*
reservation.go - Reservation ledger

PURPOSE:
  A Reservation is a task's claim on part of one batch, unique per
  (task, item, batch). Reserving again on the same batch raises the
  quantity of the existing reservation.

INVARIANTS:
  1. Σ reservations on a batch ≤ batch.OnHand
  3. effectiveAvailable(batch, excluding) = OnHand - Σ reservations of
     other tasks

COMMIT-TIME VALIDATION:
  Plans are previews. Reserve re-reads the batch and its reservations
  inside the writing transaction, so a stale plan can never oversell.
  Each intent that no longer fits fails on its own with an
  InsufficientAvailabilityError; the others still commit.

  Reserve never changes Batch.OnHand. Only settlement does.

SEE ALSO:
  - allocation.go: produces the intents
  - link.go: sub-allocates reservations to requirement lines
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ReserveFailure is one intent that could not be committed.
type ReserveFailure struct {
	Intent AllocationIntent
	Err    error
}

// ReserveResult enumerates what Reserve committed and what it did not.
type ReserveResult struct {
	TaskID   TaskID
	ItemID   ItemID
	Reserved []Reservation
	Failed   []ReserveFailure
}

// Err joins the per-intent failures, or returns nil.
func (r ReserveResult) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// ReservationView is a reservation annotated with live availability.
type ReservationView struct {
	Reservation
	LotNumber string
	// EffectiveAvailable is what this task could hold on the batch.
	EffectiveAvailable Quantity
	// Claimable is what the task could still add to this reservation.
	Claimable Quantity
}

// effectiveAvailable is invariant 3, clamped at zero.
func effectiveAvailable(ctx context.Context, st Store, batch Batch, excluding TaskID) (Quantity, error) {
	rs, err := st.ListReservationsByBatch(ctx, batch.ID)
	if err != nil {
		return Zero, err
	}
	reserved := Zero
	for _, r := range rs {
		if r.TaskID != excluding {
			reserved = reserved.Add(r.Quantity)
		}
	}
	return batch.OnHand.Sub(reserved).ClampZero(), nil
}

// ownReservation returns the task's quantity on the batch, Zero if none.
func ownReservation(ctx context.Context, st Store, taskID TaskID, batchID BatchID) (Reservation, bool, error) {
	r, err := st.FindReservation(ctx, taskID, batchID)
	if errors.Is(err, ErrNotFound) {
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, err
	}
	return r, true, nil
}

// =============================================================================
// RESERVE
// =============================================================================

// Reserve commits intents for one item of a task.
func (s *Service) Reserve(ctx context.Context, taskID TaskID, itemID ItemID, intents []AllocationIntent) (ReserveResult, error) {
	var result ReserveResult
	err := s.run(ctx, "reserve", taskID, func(ctx context.Context) error {
		if len(intents) == 0 {
			return invalid("intents", "at least one intent is required")
		}
		for i, in := range intents {
			if in.BatchID == "" {
				return invalid(fmt.Sprintf("intents[%d].batch_id", i), "required")
			}
			if !in.Quantity.IsPositive() {
				return invalid(fmt.Sprintf("intents[%d].quantity", i), "must be positive")
			}
		}
		actor := ActorFrom(ctx)

		return s.inTx(ctx, "reserve", func(st Store) error {
			result = ReserveResult{TaskID: taskID, ItemID: itemID}

			task, err := getTask(ctx, st, taskID)
			if err != nil {
				return err
			}
			if task.Status.IsTerminal() {
				return invalid("task", "task %s is %s", taskID, task.Status)
			}
			if !task.hasItem(itemID) {
				return invalid("item_id", "task %s does not require item %s", taskID, itemID)
			}

			for _, in := range intents {
				r, err := s.reserveOne(ctx, st, task.ID, itemID, in, actor)
				var short *InsufficientAvailabilityError
				switch {
				case errors.As(err, &short):
					result.Failed = append(result.Failed, ReserveFailure{Intent: in, Err: err})
				case err != nil:
					return err
				default:
					result.Reserved = append(result.Reserved, r)
				}
			}

			if task.Status == TaskPlanned && len(result.Reserved) > 0 {
				task.Status = TaskReserved
				task.UpdatedAt = s.now()
				task.UpdatedBy = actor
				return st.SaveTask(ctx, &task)
			}
			return nil
		})
	})
	return result, err
}

func (s *Service) reserveOne(ctx context.Context, st Store, taskID TaskID, itemID ItemID, in AllocationIntent, actor UserID) (Reservation, error) {
	batch, err := st.GetBatch(ctx, in.BatchID)
	if errors.Is(err, ErrNotFound) {
		return Reservation{}, invalid("batch_id", "unknown batch %s", in.BatchID)
	}
	if err != nil {
		return Reservation{}, err
	}
	if batch.ItemID != itemID {
		return Reservation{}, invalid("batch_id", "batch %s holds item %s, not %s", batch.ID, batch.ItemID, itemID)
	}

	avail, err := effectiveAvailable(ctx, st, batch, taskID)
	if err != nil {
		return Reservation{}, err
	}
	r, exists, err := ownReservation(ctx, st, taskID, batch.ID)
	if err != nil {
		return Reservation{}, err
	}
	held := Zero
	if exists {
		held = r.Quantity
	}
	claimable := avail.Sub(held).ClampZero()
	if in.Quantity.GreaterThan(claimable) {
		return Reservation{}, &InsufficientAvailabilityError{
			BatchID:   batch.ID,
			ItemID:    itemID,
			Requested: in.Quantity,
			Available: claimable,
			Shortfall: in.Quantity.Sub(claimable),
		}
	}

	now := s.now()
	if !exists {
		r = Reservation{
			ID:        ReservationID(s.newID()),
			TaskID:    taskID,
			ItemID:    itemID,
			BatchID:   batch.ID,
			Quantity:  Zero,
			CreatedAt: now,
		}
	}
	r.Quantity = r.Quantity.Add(in.Quantity)
	r.UpdatedAt = now
	r.UpdatedBy = actor
	if err := st.SaveReservation(ctx, &r); err != nil {
		return Reservation{}, err
	}
	return r, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel removes a reservation that no unconsumed link depends on.
func (s *Service) Cancel(ctx context.Context, id ReservationID) error {
	return s.run(ctx, "cancel_reservation", "", func(ctx context.Context) error {
		return s.inTx(ctx, "cancel_reservation", func(st Store) error {
			r, err := st.GetReservation(ctx, id)
			if err != nil {
				return err
			}
			return releaseReservation(ctx, st, r)
		})
	})
}

func releaseReservation(ctx context.Context, st Store, r Reservation) error {
	links, err := st.ListLinksByReservation(ctx, r.ID)
	if err != nil {
		return err
	}
	for _, l := range links {
		if l.Remaining().IsPositive() {
			return fmt.Errorf("%w: reservation %s backs link %s with %s remaining",
				ErrReservationInUse, r.ID, l.ID, l.Remaining())
		}
	}
	return st.DeleteReservation(ctx, r.ID)
}

// =============================================================================
// QUERIES
// =============================================================================

// GetAvailability returns effectiveAvailable(batch, excluding). An empty
// excluding counts every reservation.
func (s *Service) GetAvailability(ctx context.Context, batchID BatchID, excluding TaskID) (Quantity, error) {
	var avail Quantity
	err := s.query(ctx, "get_availability", excluding, func(ctx context.Context) error {
		batch, err := s.store.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		avail, err = effectiveAvailable(ctx, s.store, batch, excluding)
		return err
	})
	return avail, err
}

// ListReservations returns the task's reservations ordered by batch
// received date.
func (s *Service) ListReservations(ctx context.Context, taskID TaskID) ([]ReservationView, error) {
	var views []ReservationView
	err := s.query(ctx, "list_reservations", taskID, func(ctx context.Context) error {
		if _, err := getTask(ctx, s.store, taskID); err != nil {
			return err
		}
		rs, err := s.store.ListReservationsByTask(ctx, taskID)
		if err != nil {
			return err
		}
		views = make([]ReservationView, 0, len(rs))
		for _, r := range rs {
			batch, err := s.store.GetBatch(ctx, r.BatchID)
			if err != nil {
				return err
			}
			avail, err := effectiveAvailable(ctx, s.store, batch, taskID)
			if err != nil {
				return err
			}
			views = append(views, ReservationView{
				Reservation:        r,
				LotNumber:          batch.LotNumber,
				EffectiveAvailable: avail,
				Claimable:          avail.Sub(r.Quantity).ClampZero(),
			})
		}
		return nil
	})
	return views, err
}

// =============================================================================
// PLAN
// =============================================================================

// PlanAllocation previews a strategy for one item of a task. A zero
// Required plans whatever the task's lines still need beyond what it
// already holds for the item.
func (s *Service) PlanAllocation(ctx context.Context, req PlanRequest) (AllocationPlan, error) {
	var plan AllocationPlan
	err := s.query(ctx, "plan_allocation", req.TaskID, func(ctx context.Context) error {
		task, err := getTask(ctx, s.store, req.TaskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return invalid("task", "task %s is %s", task.ID, task.Status)
		}
		if !task.hasItem(req.ItemID) {
			return invalid("item_id", "task %s does not require item %s", task.ID, req.ItemID)
		}
		if !req.Strategy.Valid() {
			return invalid("strategy", "unknown strategy %q", req.Strategy)
		}
		if req.At.IsZero() {
			req.At = s.now()
		}

		batches, err := s.catalog.ListBatches(ctx, req.ItemID)
		if err != nil {
			return err
		}
		candidates := make([]Candidate, 0, len(batches))
		held := Zero
		for _, b := range batches {
			avail, err := effectiveAvailable(ctx, s.store, b, task.ID)
			if err != nil {
				return err
			}
			own, _, err := ownReservation(ctx, s.store, task.ID, b.ID)
			if err != nil {
				return err
			}
			held = held.Add(own.Quantity)
			candidates = append(candidates, Candidate{Batch: b, Claimable: avail.Sub(own.Quantity)})
		}

		if req.Required.IsZero() {
			req.Required = task.requiredFor(req.ItemID).Sub(held).ClampZero()
			if req.Required.IsZero() {
				plan = AllocationPlan{
					TaskID: task.ID, ItemID: req.ItemID, Strategy: req.Strategy,
					Allocated: Zero, Required: Zero, Shortfall: Zero,
				}
				return nil
			}
		}

		plan, err = Allocate(req, candidates)
		return err
	})
	return plan, err
}
