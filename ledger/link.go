/*
link.go - Ingredient link ledger

PURPOSE:
  An IngredientLink assigns part of one reservation to one requirement
  line of the same task. A line may draw from several reservations
  (fan-out across batches) and a reservation may back several lines
  (fan-in), bounded by the reservation's quantity.

LINKABLE AMOUNT:
  For link X on reservation R:

    linkable(X) = R.Quantity - Σ_{other links}(Linked - Consumed) + X.Consumed

  Consumed quantity is released for re-linking. Before any consumption
  this is R.Quantity - Σ other links' Linked.

  Linking the same (line, reservation) again updates the existing link:
  Linked is set to the new quantity, Consumed and the event history are
  kept. The BatchSnapshot is captured once, at creation, and never changes.

SERIALIZATION:
  Link, Unlink, UnlinkAll and RecordConsumption hold the task lock, so
  work on one task's lines is serialized while other tasks run freely.

SEE ALSO:
  - settlement.go: drains links first when confirming usage
  - types.go: IngredientLink, BatchSnapshot
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// linkable computes the linkable amount for (line) on r, excluding the
// line's existing link if any.
func linkable(r Reservation, links []IngredientLink, existing *IngredientLink) Quantity {
	othersOutstanding := Zero
	for _, l := range links {
		if existing != nil && l.ID == existing.ID {
			continue
		}
		othersOutstanding = othersOutstanding.Add(l.Remaining())
	}
	amount := r.Quantity.Sub(othersOutstanding)
	if existing != nil {
		amount = amount.Add(existing.Consumed)
	}
	return amount.ClampZero()
}

// =============================================================================
// LINK / UNLINK
// =============================================================================

// Link assigns quantity of a reservation to a requirement line.
func (s *Service) Link(ctx context.Context, taskID TaskID, lineID LineID, reservationID ReservationID, quantity Quantity) (IngredientLink, error) {
	var link IngredientLink
	err := s.run(ctx, "link", taskID, func(ctx context.Context) error {
		if !quantity.IsPositive() {
			return invalid("quantity", "must be positive")
		}
		actor := ActorFrom(ctx)
		return s.withTaskLock(ctx, taskID, func() error {
			return s.inTx(ctx, "link", func(st Store) error {
				var err error
				link, err = s.link(ctx, st, taskID, lineID, reservationID, quantity, actor)
				return err
			})
		})
	})
	return link, err
}

func (s *Service) link(ctx context.Context, st Store, taskID TaskID, lineID LineID, reservationID ReservationID, quantity Quantity, actor UserID) (IngredientLink, error) {
	task, err := getTask(ctx, st, taskID)
	if err != nil {
		return IngredientLink{}, err
	}
	if task.Status.IsTerminal() {
		return IngredientLink{}, invalid("task", "task %s is %s", taskID, task.Status)
	}
	line, ok := task.Line(lineID)
	if !ok {
		return IngredientLink{}, invalid("line_id", "task %s has no line %s", taskID, lineID)
	}
	res, err := st.GetReservation(ctx, reservationID)
	if errors.Is(err, ErrNotFound) {
		return IngredientLink{}, invalid("reservation_id", "unknown reservation %s", reservationID)
	}
	if err != nil {
		return IngredientLink{}, err
	}
	if res.TaskID != taskID {
		return IngredientLink{}, invalid("reservation_id", "reservation %s belongs to task %s", res.ID, res.TaskID)
	}
	if res.ItemID != line.ItemID {
		return IngredientLink{}, invalid("reservation_id", "reservation %s holds item %s, line %s needs %s",
			res.ID, res.ItemID, line.ID, line.ItemID)
	}

	links, err := st.ListLinksByReservation(ctx, res.ID)
	if err != nil {
		return IngredientLink{}, err
	}
	var existing *IngredientLink
	found, err := st.FindLink(ctx, taskID, lineID, res.ID)
	switch {
	case err == nil:
		existing = &found
	case !errors.Is(err, ErrNotFound):
		return IngredientLink{}, err
	}

	limit := linkable(res, links, existing)
	if quantity.GreaterThan(limit) {
		return IngredientLink{}, &OverAllocationError{
			ReservationID: res.ID,
			Requested:     quantity,
			Linkable:      limit,
		}
	}

	now := s.now()
	if existing != nil {
		if quantity.LessThan(existing.Consumed) {
			return IngredientLink{}, invalid("quantity", "link %s already consumed %s", existing.ID, existing.Consumed)
		}
		if quantity.Equal(existing.Linked) {
			return *existing, nil
		}
		l := *existing
		l.Linked = quantity
		l.UpdatedAt = now
		l.UpdatedBy = actor
		if err := st.SaveLink(ctx, &l); err != nil {
			return IngredientLink{}, err
		}
		return l, nil
	}

	snap, err := s.snapshot(ctx, st, res)
	if err != nil {
		return IngredientLink{}, err
	}
	l := IngredientLink{
		ID:            LinkID(s.newID()),
		TaskID:        taskID,
		LineID:        lineID,
		ReservationID: res.ID,
		ItemID:        res.ItemID,
		BatchID:       res.BatchID,
		Linked:        quantity,
		Consumed:      Zero,
		Snapshot:      snap,
		CreatedAt:     now,
		UpdatedAt:     now,
		UpdatedBy:     actor,
	}
	if err := st.SaveLink(ctx, &l); err != nil {
		return IngredientLink{}, err
	}
	return l, nil
}

func (s *Service) snapshot(ctx context.Context, st Store, res Reservation) (BatchSnapshot, error) {
	batch, err := st.GetBatch(ctx, res.BatchID)
	if err != nil {
		return BatchSnapshot{}, err
	}
	item, err := st.GetItem(ctx, res.ItemID)
	if err != nil {
		return BatchSnapshot{}, err
	}
	return BatchSnapshot{
		ItemID:     item.ID,
		ItemName:   item.Name,
		Unit:       item.Unit,
		BatchID:    batch.ID,
		LotNumber:  batch.LotNumber,
		Location:   batch.Location,
		ExpiresAt:  batch.ExpiresAt,
		UnitCost:   batch.UnitCost,
		CapturedAt: s.now(),
	}, nil
}

// Unlink removes exactly one link. Sibling links on the same line are
// untouched.
func (s *Service) Unlink(ctx context.Context, id LinkID) error {
	return s.run(ctx, "unlink", "", func(ctx context.Context) error {
		l, err := s.store.GetLink(ctx, id)
		if err != nil {
			return err
		}
		return s.withTaskLock(ctx, l.TaskID, func() error {
			return s.inTx(ctx, "unlink", func(st Store) error {
				if _, err := st.GetLink(ctx, id); err != nil {
					return err
				}
				return st.DeleteLink(ctx, id)
			})
		})
	})
}

// UnlinkAll removes every link of the task and returns how many went.
func (s *Service) UnlinkAll(ctx context.Context, taskID TaskID) (int, error) {
	var n int
	err := s.run(ctx, "unlink_all", taskID, func(ctx context.Context) error {
		return s.withTaskLock(ctx, taskID, func() error {
			return s.inTx(ctx, "unlink_all", func(st Store) error {
				if _, err := getTask(ctx, st, taskID); err != nil {
					return err
				}
				links, err := st.ListLinksByTask(ctx, taskID)
				if err != nil {
					return err
				}
				for _, l := range links {
					if err := st.DeleteLink(ctx, l.ID); err != nil {
						return err
					}
				}
				n = len(links)
				return nil
			})
		})
	})
	return n, err
}

// =============================================================================
// CONSUMPTION
// =============================================================================

// RecordConsumption adds delta to a link's consumed quantity and appends a
// ConsumptionEvent. A non-empty idempotencyKey makes a repeated call a
// no-op that returns the link unchanged.
func (s *Service) RecordConsumption(ctx context.Context, id LinkID, delta Quantity, idempotencyKey string) (IngredientLink, error) {
	var link IngredientLink
	err := s.run(ctx, "record_consumption", "", func(ctx context.Context) error {
		if delta.IsNegative() {
			return invalid("quantity", "must not be negative")
		}
		l, err := s.store.GetLink(ctx, id)
		if err != nil {
			return err
		}
		actor := ActorFrom(ctx)
		return s.withTaskLock(ctx, l.TaskID, func() error {
			return s.inTx(ctx, "record_consumption", func(st Store) error {
				cur, err := st.GetLink(ctx, id)
				if err != nil {
					return err
				}
				task, err := getTask(ctx, st, cur.TaskID)
				if err != nil {
					return err
				}
				if task.Status.IsTerminal() {
					return invalid("task", "task %s is %s", task.ID, task.Status)
				}
				link, err = s.recordConsumption(ctx, st, cur, delta, actor, idempotencyKey)
				return err
			})
		})
	})
	return link, err
}

func (s *Service) recordConsumption(ctx context.Context, st Store, l IngredientLink, delta Quantity, actor UserID, key string) (IngredientLink, error) {
	if delta.IsZero() {
		return l, nil
	}
	now := s.now()
	err := st.AppendEvent(ctx, ConsumptionEvent{
		ID:             EventID(s.newID()),
		TaskID:         l.TaskID,
		ItemID:         l.ItemID,
		BatchID:        l.BatchID,
		LinkID:         l.ID,
		ReservationID:  l.ReservationID,
		Quantity:       delta,
		At:             now,
		RecordedBy:     actor,
		IdempotencyKey: key,
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return l, nil
	}
	if err != nil {
		return IngredientLink{}, fmt.Errorf("append consumption event: %w", err)
	}
	l.Consumed = l.Consumed.Add(delta)
	l.UpdatedAt = now
	l.UpdatedBy = actor
	if err := st.SaveLink(ctx, &l); err != nil {
		return IngredientLink{}, err
	}
	return l, nil
}
