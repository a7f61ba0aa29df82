package ledger

import (
	"context"
	"errors"
)

// =============================================================================
// RECEIPTS AND DEFINITIONS
// =============================================================================

// DefineItem creates or renames an item.
func (s *Service) DefineItem(ctx context.Context, item Item) error {
	return s.run(ctx, "define_item", "", func(ctx context.Context) error {
		if item.ID == "" {
			return invalid("id", "required")
		}
		if item.Unit == "" {
			return invalid("unit", "required")
		}
		return s.inTx(ctx, "define_item", func(st Store) error {
			return st.SaveItem(ctx, item)
		})
	})
}

// ReceiveBatch records a receipt. Re-receiving an existing batch replaces
// its attributes; the new on-hand quantity must still cover the batch's
// reservations.
func (s *Service) ReceiveBatch(ctx context.Context, b Batch) (Batch, error) {
	err := s.run(ctx, "receive_batch", "", func(ctx context.Context) error {
		if b.ItemID == "" {
			return invalid("item_id", "required")
		}
		if b.OnHand.IsNegative() {
			return invalid("on_hand", "must not be negative")
		}
		if b.UnitCost.IsNegative() {
			return invalid("unit_cost", "must not be negative")
		}
		if b.ID == "" {
			b.ID = BatchID(s.newID())
		}
		if b.ReceivedAt.IsZero() {
			b.ReceivedAt = s.now()
		}
		return s.inTx(ctx, "receive_batch", func(st Store) error {
			if _, err := st.GetItem(ctx, b.ItemID); err != nil {
				if IsNotFound(err) {
					return invalid("item_id", "unknown item %s", b.ItemID)
				}
				return err
			}
			prev, err := st.GetBatch(ctx, b.ID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return err
			default:
				if prev.ItemID != b.ItemID {
					return invalid("item_id", "batch %s holds item %s", b.ID, prev.ItemID)
				}
				rs, err := st.ListReservationsByBatch(ctx, b.ID)
				if err != nil {
					return err
				}
				total := Zero
				for _, r := range rs {
					total = total.Add(r.Quantity)
				}
				if b.OnHand.LessThan(total) {
					return invalid("on_hand", "batch %s has %s reserved", b.ID, total)
				}
				b.Version = prev.Version
			}
			return st.SaveBatch(ctx, b)
		})
	})
	if err == nil {
		s.invalidate(ctx, b.ItemID, b.ID)
	}
	return b, err
}

// ListBatches returns the item's batches from the store.
func (s *Service) ListBatches(ctx context.Context, itemID ItemID) ([]Batch, error) {
	var out []Batch
	err := s.query(ctx, "list_batches", "", func(ctx context.Context) error {
		var err error
		out, err = s.store.ListBatches(ctx, itemID)
		return err
	})
	return out, err
}

// DefineTask stores a new task in Planned.
func (s *Service) DefineTask(ctx context.Context, t Task) (Task, error) {
	err := s.run(ctx, "define_task", t.ID, func(ctx context.Context) error {
		actor := ActorFrom(ctx)
		return s.inTx(ctx, "define_task", func(st Store) error {
			if err := validateTask(ctx, st, t); err != nil {
				return err
			}
			if _, err := st.GetTask(ctx, t.ID); err == nil {
				return invalid("id", "task %s already exists", t.ID)
			} else if !IsNotFound(err) {
				return err
			}
			now := s.now()
			t.Status = TaskPlanned
			t.ActualUsage = nil
			t.UsageRevision = 0
			t.ConfirmedAt = nil
			t.ConfirmedBy = ""
			t.CreatedAt = now
			t.UpdatedAt = now
			t.UpdatedBy = actor
			t.Version = 0
			return st.SaveTask(ctx, &t)
		})
	})
	return t, err
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, id TaskID) (Task, error) {
	var t Task
	err := s.query(ctx, "get_task", id, func(ctx context.Context) error {
		var err error
		t, err = getTask(ctx, s.store, id)
		return err
	})
	return t, err
}
