/*
settlement.go - Consumption settlement and the task lifecycle

PURPOSE:
  Converts reserved quantity into used quantity. Confirming a task's
  actual usage permanently lowers Batch.OnHand and the reservations that
  covered the usage.

STATE MACHINE:
  Planned -> Reserved -> InProgress -> AwaitingConsumptionConfirmation -> Consumed
  Cancelled is reachable from every non-terminal state.

DRAIN ORDER (per item):
  1. The task's links with remaining > 0, in link creation order. Each
     slice is bounded by the link's remaining and its reservation.
  2. The task's reservations for the item, FIFO by batch received date.
  3. Unreserved stock: effectiveAvailable excluding the task, FIFO,
     skipping expired batches.
  If usage is still not covered, confirmation fails with a ShortfallError
  and nothing is written.

EXAMPLE:
  Links L1=30, L2=30 on one reservation of 60, actual usage 45:
    L1 consumes 30 (remaining 0), L2 consumes 15 (remaining 15),
    reservation 60 -> 15, batch on hand -45.

REVISIONS:
  ReviseBeforeConfirmation replaces the recorded usage and bumps
  UsageRevision. Confirmation uses the latest revision; event idempotency
  keys include the revision so a revised usage settles afresh.

SEE ALSO:
  - link.go: recordConsumption
  - task.go: transition edges
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// SettlementSource says where a settled slice was drawn from.
type SettlementSource string

const (
	SourceLink        SettlementSource = "link"
	SourceReservation SettlementSource = "reservation"
	SourceUnreserved  SettlementSource = "unreserved"
)

// SettledSlice is one (batch, quantity) drawn during confirmation.
type SettledSlice struct {
	ItemID        ItemID
	BatchID       BatchID
	ReservationID ReservationID
	LinkID        LinkID
	Quantity      Quantity
	Source        SettlementSource
}

// Settlement is the result of a successful confirmation.
type Settlement struct {
	TaskID      TaskID
	Revision    int
	Slices      []SettledSlice
	ConfirmedAt time.Time
	ConfirmedBy UserID
}

// =============================================================================
// REVISE
// =============================================================================

// ReviseBeforeConfirmation replaces the recorded actual usage of a task
// that is not yet terminal.
func (s *Service) ReviseBeforeConfirmation(ctx context.Context, taskID TaskID, actuals map[ItemID]Quantity) (Task, error) {
	var task Task
	err := s.run(ctx, "revise_usage", taskID, func(ctx context.Context) error {
		actor := ActorFrom(ctx)
		return s.withTaskLock(ctx, taskID, func() error {
			return s.inTx(ctx, "revise_usage", func(st Store) error {
				var err error
				task, err = getTask(ctx, st, taskID)
				if err != nil {
					return err
				}
				if task.Status == TaskConsumed {
					return fmt.Errorf("%w: task %s", ErrAlreadyConsumed, taskID)
				}
				if task.Status.IsTerminal() {
					return invalid("task", "task %s is %s", taskID, task.Status)
				}
				if err := s.recordUsage(&task, actuals, actor); err != nil {
					return err
				}
				if task.Status == TaskInProgress {
					task.Status = TaskAwaitingConfirmation
				}
				return st.SaveTask(ctx, &task)
			})
		})
	})
	return task, err
}

func (s *Service) recordUsage(task *Task, actuals map[ItemID]Quantity, actor UserID) error {
	if len(actuals) == 0 {
		return invalid("actuals", "no usage given")
	}
	usage := make(map[ItemID]Quantity, len(actuals))
	for item, q := range actuals {
		if !task.hasItem(item) {
			return invalid("actuals", "task %s does not require item %s", task.ID, item)
		}
		if q.IsNegative() {
			return invalid("actuals", "usage of %s must not be negative", item)
		}
		usage[item] = q
	}
	task.ActualUsage = usage
	task.UsageRevision++
	task.UpdatedAt = s.now()
	task.UpdatedBy = actor
	return nil
}

// =============================================================================
// CONFIRM
// =============================================================================

// ConfirmConsumption settles the task's actual usage. A nil actuals map
// settles the figures recorded by ReviseBeforeConfirmation.
func (s *Service) ConfirmConsumption(ctx context.Context, taskID TaskID, actuals map[ItemID]Quantity) (Settlement, error) {
	var result Settlement
	err := s.run(ctx, "confirm_consumption", taskID, func(ctx context.Context) error {
		actor := ActorFrom(ctx)
		return s.withTaskLock(ctx, taskID, func() error {
			return s.inTx(ctx, "confirm_consumption", func(st Store) error {
				var err error
				result, err = s.confirm(ctx, st, taskID, actuals, actor)
				return err
			})
		})
	})
	if err == nil {
		for item, batches := range result.batchesByItem() {
			s.invalidate(ctx, item, batches...)
		}
	}
	return result, err
}

// batchesByItem groups the settled batches, each listed once.
func (r Settlement) batchesByItem() map[ItemID][]BatchID {
	out := map[ItemID][]BatchID{}
	seen := map[BatchID]bool{}
	for _, sl := range r.Slices {
		if seen[sl.BatchID] {
			continue
		}
		seen[sl.BatchID] = true
		out[sl.ItemID] = append(out[sl.ItemID], sl.BatchID)
	}
	return out
}

// drain is the mutable working state of one confirmation.
type drain struct {
	reservations map[ReservationID]*Reservation
	order        []ReservationID // FIFO by batch received date
	batches      map[BatchID]Batch
	drawn        map[BatchID]Quantity // taken from OnHand so far
	slices       []SettledSlice
}

func (s *Service) confirm(ctx context.Context, st Store, taskID TaskID, actuals map[ItemID]Quantity, actor UserID) (Settlement, error) {
	task, err := getTask(ctx, st, taskID)
	if err != nil {
		return Settlement{}, err
	}
	switch task.Status {
	case TaskConsumed:
		return Settlement{}, fmt.Errorf("%w: task %s confirmed at %s", ErrAlreadyConsumed, taskID, task.ConfirmedAt)
	case TaskCancelled:
		return Settlement{}, invalid("task", "task %s is cancelled", taskID)
	}
	if actuals != nil {
		if err := s.recordUsage(&task, actuals, actor); err != nil {
			return Settlement{}, err
		}
	} else if task.ActualUsage == nil {
		return Settlement{}, invalid("actuals", "no usage recorded for task %s", taskID)
	}

	d, err := loadDrain(ctx, st, taskID)
	if err != nil {
		return Settlement{}, err
	}
	links, err := st.ListLinksByTask(ctx, taskID)
	if err != nil {
		return Settlement{}, err
	}

	items := task.items()
	for _, item := range items {
		used, ok := task.ActualUsage[item]
		if !ok || !used.IsPositive() {
			continue
		}
		left := used
		left = d.fromLinks(item, links, left)
		left = d.fromReservations(item, left)
		left, err = d.fromUnreserved(ctx, st, taskID, item, left, s.now())
		if err != nil {
			return Settlement{}, err
		}
		if left.IsPositive() {
			return Settlement{}, &ShortfallError{
				ItemID:    item,
				Required:  used,
				Covered:   used.Sub(left),
				Shortfall: left,
			}
		}
	}

	if err := s.applyDrain(ctx, st, task, d, links, actor); err != nil {
		return Settlement{}, err
	}

	now := s.now()
	task.Status = TaskConsumed
	task.ConfirmedAt = &now
	task.ConfirmedBy = actor
	task.UpdatedAt = now
	task.UpdatedBy = actor
	if err := st.SaveTask(ctx, &task); err != nil {
		return Settlement{}, err
	}
	return Settlement{
		TaskID:      taskID,
		Revision:    task.UsageRevision,
		Slices:      d.slices,
		ConfirmedAt: now,
		ConfirmedBy: actor,
	}, nil
}

func loadDrain(ctx context.Context, st Store, taskID TaskID) (*drain, error) {
	rs, err := st.ListReservationsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	d := &drain{
		reservations: make(map[ReservationID]*Reservation, len(rs)),
		batches:      map[BatchID]Batch{},
		drawn:        map[BatchID]Quantity{},
	}
	for i := range rs {
		r := rs[i]
		d.reservations[r.ID] = &r
		d.order = append(d.order, r.ID)
	}
	return d, nil
}

func (d *drain) take(slice SettledSlice) {
	d.slices = append(d.slices, slice)
	d.drawn[slice.BatchID] = d.drawn[slice.BatchID].Add(slice.Quantity)
	if r, ok := d.reservations[slice.ReservationID]; ok {
		r.Quantity = r.Quantity.Sub(slice.Quantity)
	}
}

func (d *drain) fromLinks(item ItemID, links []IngredientLink, left Quantity) Quantity {
	linkTaken := map[LinkID]Quantity{}
	for _, l := range links {
		if !left.IsPositive() {
			break
		}
		if l.ItemID != item {
			continue
		}
		r, ok := d.reservations[l.ReservationID]
		if !ok {
			continue
		}
		q := left.Min(l.Remaining().Sub(linkTaken[l.ID])).Min(r.Quantity)
		if !q.IsPositive() {
			continue
		}
		linkTaken[l.ID] = linkTaken[l.ID].Add(q)
		d.take(SettledSlice{
			ItemID: item, BatchID: r.BatchID, ReservationID: r.ID, LinkID: l.ID,
			Quantity: q, Source: SourceLink,
		})
		left = left.Sub(q)
	}
	return left
}

func (d *drain) fromReservations(item ItemID, left Quantity) Quantity {
	for _, id := range d.order {
		if !left.IsPositive() {
			break
		}
		r := d.reservations[id]
		if r.ItemID != item || !r.Quantity.IsPositive() {
			continue
		}
		q := left.Min(r.Quantity)
		d.take(SettledSlice{
			ItemID: item, BatchID: r.BatchID, ReservationID: r.ID,
			Quantity: q, Source: SourceReservation,
		})
		left = left.Sub(q)
	}
	return left
}

func (d *drain) fromUnreserved(ctx context.Context, st Store, taskID TaskID, item ItemID, left Quantity, at time.Time) (Quantity, error) {
	if !left.IsPositive() {
		return left, nil
	}
	batches, err := st.ListBatches(ctx, item)
	if err != nil {
		return left, err
	}
	sort.SliceStable(batches, func(i, j int) bool { return byReceived(batches[i], batches[j]) })
	for _, b := range batches {
		if !left.IsPositive() {
			break
		}
		if b.IsExpired(at) {
			continue
		}
		avail, err := effectiveAvailable(ctx, st, b, taskID)
		if err != nil {
			return left, err
		}
		// avail still counts this task's own reservations and what was
		// already drawn from the batch in this settlement.
		free := avail.Sub(d.drawn[b.ID]).Sub(d.heldOn(b.ID))
		q := left.Min(free)
		if !q.IsPositive() {
			continue
		}
		d.take(SettledSlice{ItemID: item, BatchID: b.ID, Quantity: q, Source: SourceUnreserved})
		left = left.Sub(q)
	}
	return left, nil
}

// heldOn is the task's reservation left on a batch after earlier slices.
func (d *drain) heldOn(batchID BatchID) Quantity {
	held := Zero
	for _, r := range d.reservations {
		if r.BatchID == batchID {
			held = held.Add(r.Quantity)
		}
	}
	return held
}

func (s *Service) applyDrain(ctx context.Context, st Store, task Task, d *drain, links []IngredientLink, actor UserID) error {
	byID := make(map[LinkID]IngredientLink, len(links))
	for _, l := range links {
		byID[l.ID] = l
	}

	for i, slice := range d.slices {
		if err := st.DecrementBatchQuantity(ctx, slice.BatchID, slice.Quantity); err != nil {
			return fmt.Errorf("settle batch %s: %w", slice.BatchID, err)
		}
		key := fmt.Sprintf("settle:%s:r%d:%d", task.ID, task.UsageRevision, i)
		if slice.LinkID != "" {
			l, err := s.recordConsumption(ctx, st, byID[slice.LinkID], slice.Quantity, actor, key)
			if err != nil {
				return err
			}
			byID[l.ID] = l
			continue
		}
		err := st.AppendEvent(ctx, ConsumptionEvent{
			ID:             EventID(s.newID()),
			TaskID:         task.ID,
			ItemID:         slice.ItemID,
			BatchID:        slice.BatchID,
			ReservationID:  slice.ReservationID,
			Quantity:       slice.Quantity,
			At:             s.now(),
			RecordedBy:     actor,
			IdempotencyKey: key,
		})
		if err != nil && !errors.Is(err, ErrDuplicateIdempotencyKey) {
			return fmt.Errorf("append consumption event: %w", err)
		}
	}

	now := s.now()
	for _, id := range d.order {
		r := d.reservations[id]
		if !touched(d.slices, id) {
			continue
		}
		if !r.Quantity.IsPositive() {
			if err := st.DeleteReservation(ctx, id); err != nil {
				return err
			}
			continue
		}
		r.UpdatedAt = now
		r.UpdatedBy = actor
		if err := st.SaveReservation(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func touched(slices []SettledSlice, id ReservationID) bool {
	for _, sl := range slices {
		if sl.ReservationID == id {
			return true
		}
	}
	return false
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Transition moves a task along one edge of the state machine. Moving to
// Cancelled releases the task's holdings as CancelTask does; Consumed is
// reached only through ConfirmConsumption.
func (s *Service) Transition(ctx context.Context, taskID TaskID, to TaskStatus) (Task, error) {
	if to == TaskCancelled {
		return s.CancelTask(ctx, taskID)
	}
	var task Task
	err := s.run(ctx, "transition", taskID, func(ctx context.Context) error {
		if to == TaskConsumed {
			return invalid("status", "tasks are consumed by confirming usage")
		}
		actor := ActorFrom(ctx)
		return s.inTx(ctx, "transition", func(st Store) error {
			var err error
			task, err = getTask(ctx, st, taskID)
			if err != nil {
				return err
			}
			if err := checkTransition(task.Status, to); err != nil {
				return err
			}
			if err := st.SetTaskStatus(ctx, taskID, to, actor, s.now()); err != nil {
				return err
			}
			task, err = st.GetTask(ctx, taskID)
			return err
		})
	})
	return task, err
}

// CancelTask releases the task's reservations and moves it to Cancelled.
// Links never consumed from are removed. Links with consumption stay as
// history, closed at what they consumed.
func (s *Service) CancelTask(ctx context.Context, taskID TaskID) (Task, error) {
	var task Task
	err := s.run(ctx, "cancel_task", taskID, func(ctx context.Context) error {
		actor := ActorFrom(ctx)
		return s.withTaskLock(ctx, taskID, func() error {
			return s.inTx(ctx, "cancel_task", func(st Store) error {
				var err error
				task, err = getTask(ctx, st, taskID)
				if err != nil {
					return err
				}
				if err := checkTransition(task.Status, TaskCancelled); err != nil {
					return err
				}
				links, err := st.ListLinksByTask(ctx, taskID)
				if err != nil {
					return err
				}
				now := s.now()
				for _, l := range links {
					switch {
					case !l.Remaining().IsPositive():
					case l.Consumed.IsPositive():
						l.Linked = l.Consumed
						l.UpdatedAt = now
						l.UpdatedBy = actor
						if err := st.SaveLink(ctx, &l); err != nil {
							return err
						}
					default:
						if err := st.DeleteLink(ctx, l.ID); err != nil {
							return err
						}
					}
				}
				rs, err := st.ListReservationsByTask(ctx, taskID)
				if err != nil {
					return err
				}
				for _, r := range rs {
					if err := releaseReservation(ctx, st, r); err != nil {
						return err
					}
				}
				task.Status = TaskCancelled
				task.UpdatedAt = now
				task.UpdatedBy = actor
				return st.SaveTask(ctx, &task)
			})
		})
	})
	return task, err
}
