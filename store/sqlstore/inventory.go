package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/lot-ledger/ledger"
)

// =============================================================================
// ITEMS
// =============================================================================

func (c *conn) SaveItem(ctx context.Context, item ledger.Item) error {
	_, err := c.exec(ctx, "save item", `
		INSERT INTO items (id, name, unit) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, unit = excluded.unit
	`, string(item.ID), item.Name, item.Unit)
	return err
}

func (c *conn) GetItem(ctx context.Context, id ledger.ItemID) (ledger.Item, error) {
	var item ledger.Item
	err := c.queryRow(ctx, `SELECT id, name, unit FROM items WHERE id = ?`, string(id)).
		Scan(&item.ID, &item.Name, &item.Unit)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Item{}, ledger.NewNotFound("item", string(id))
	}
	if err != nil {
		return ledger.Item{}, classify("get item", err)
	}
	return item, nil
}

// =============================================================================
// BATCHES
// =============================================================================

const batchColumns = `id, item_id, lot_number, on_hand, expires_at, location, unit_cost, received_at, version`

func (c *conn) SaveBatch(ctx context.Context, b ledger.Batch) error {
	_, err := c.exec(ctx, "save batch", `
		INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (id) DO UPDATE SET
			item_id = excluded.item_id,
			lot_number = excluded.lot_number,
			on_hand = excluded.on_hand,
			expires_at = excluded.expires_at,
			location = excluded.location,
			unit_cost = excluded.unit_cost,
			received_at = excluded.received_at,
			version = batches.version + 1
	`,
		string(b.ID), string(b.ItemID), b.LotNumber, qty(b.OnHand),
		fmtTimePtr(b.ExpiresAt), b.Location, b.UnitCost.String(), fmtTime(b.ReceivedAt),
	)
	return err
}

func (c *conn) GetBatch(ctx context.Context, id ledger.BatchID) (ledger.Batch, error) {
	b, err := scanBatch(c.queryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Batch{}, ledger.NewNotFound("batch", string(id))
	}
	if err != nil {
		return ledger.Batch{}, classify("get batch", err)
	}
	return b, nil
}

func (c *conn) ListBatches(ctx context.Context, itemID ledger.ItemID) ([]ledger.Batch, error) {
	rows, err := c.query(ctx, "list batches", `
		SELECT `+batchColumns+` FROM batches
		WHERE item_id = ?
		ORDER BY received_at, id
	`, string(itemID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("list batches: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (c *conn) DecrementBatchQuantity(ctx context.Context, id ledger.BatchID, amount ledger.Quantity) error {
	b, err := c.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if amount.GreaterThan(b.OnHand) {
		return &ledger.InsufficientAvailabilityError{
			BatchID:   id,
			ItemID:    b.ItemID,
			Requested: amount,
			Available: b.OnHand,
			Shortfall: amount.Sub(b.OnHand),
		}
	}
	return c.execVersioned(ctx, "decrement batch", `
		UPDATE batches SET on_hand = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, qty(b.OnHand.Sub(amount)), string(id), b.Version)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (ledger.Batch, error) {
	var (
		b          ledger.Batch
		expiresAt  sql.NullString
		receivedAt string
	)
	err := row.Scan(&b.ID, &b.ItemID, &b.LotNumber, &b.OnHand, &expiresAt,
		&b.Location, &b.UnitCost, &receivedAt, &b.Version)
	if err != nil {
		return ledger.Batch{}, err
	}
	if b.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return ledger.Batch{}, err
	}
	if b.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return ledger.Batch{}, err
	}
	return b, nil
}

// =============================================================================
// TASKS
// =============================================================================

func (c *conn) GetTask(ctx context.Context, id ledger.TaskID) (ledger.Task, error) {
	var (
		t           ledger.Task
		confirmedAt sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := c.queryRow(ctx, `
		SELECT id, name, status, usage_revision, confirmed_at, confirmed_by,
		       created_at, updated_at, updated_by, version
		FROM tasks WHERE id = ?
	`, string(id)).Scan(&t.ID, &t.Name, &t.Status, &t.UsageRevision, &confirmedAt, &t.ConfirmedBy,
		&createdAt, &updatedAt, &t.UpdatedBy, &t.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Task{}, ledger.NewNotFound("task", string(id))
	}
	if err != nil {
		return ledger.Task{}, classify("get task", err)
	}
	if t.ConfirmedAt, err = parseTimePtr(confirmedAt); err != nil {
		return ledger.Task{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Task{}, err
	}

	if t.Requirements, err = c.taskLines(ctx, id); err != nil {
		return ledger.Task{}, err
	}
	if t.ActualUsage, err = c.taskUsage(ctx, id); err != nil {
		return ledger.Task{}, err
	}
	return t, nil
}

func (c *conn) taskLines(ctx context.Context, id ledger.TaskID) ([]ledger.RequirementLine, error) {
	rows, err := c.query(ctx, "list task lines", `
		SELECT line_id, item_id, name, required FROM task_lines
		WHERE task_id = ?
		ORDER BY position
	`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.RequirementLine
	for rows.Next() {
		var l ledger.RequirementLine
		if err := rows.Scan(&l.ID, &l.ItemID, &l.Name, &l.Required); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (c *conn) taskUsage(ctx context.Context, id ledger.TaskID) (map[ledger.ItemID]ledger.Quantity, error) {
	rows, err := c.query(ctx, "list task usage", `
		SELECT item_id, quantity FROM task_usage WHERE task_id = ?
	`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out map[ledger.ItemID]ledger.Quantity
	for rows.Next() {
		var (
			item ledger.ItemID
			q    ledger.Quantity
		)
		if err := rows.Scan(&item, &q); err != nil {
			return nil, err
		}
		if out == nil {
			out = make(map[ledger.ItemID]ledger.Quantity)
		}
		out[item] = q
	}
	return out, rows.Err()
}

// SaveTask writes the header with a version check, then replaces the
// task's lines and recorded usage.
func (c *conn) SaveTask(ctx context.Context, t *ledger.Task) error {
	if t.Version == 0 {
		_, err := c.exec(ctx, "insert task", `
			INSERT INTO tasks (id, name, status, usage_revision, confirmed_at, confirmed_by,
			                   created_at, updated_at, updated_by, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, string(t.ID), t.Name, string(t.Status), t.UsageRevision, fmtTimePtr(t.ConfirmedAt),
			string(t.ConfirmedBy), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt), string(t.UpdatedBy))
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: task %s already exists", ledger.ErrConcurrentModification, t.ID)
		}
		if err != nil {
			return err
		}
	} else {
		err := c.execVersioned(ctx, "update task", `
			UPDATE tasks SET name = ?, status = ?, usage_revision = ?, confirmed_at = ?,
			       confirmed_by = ?, updated_at = ?, updated_by = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, t.Name, string(t.Status), t.UsageRevision, fmtTimePtr(t.ConfirmedAt),
			string(t.ConfirmedBy), fmtTime(t.UpdatedAt), string(t.UpdatedBy),
			string(t.ID), t.Version)
		if err != nil {
			return err
		}
	}

	if _, err := c.exec(ctx, "clear task lines", `DELETE FROM task_lines WHERE task_id = ?`, string(t.ID)); err != nil {
		return err
	}
	for i, l := range t.Requirements {
		_, err := c.exec(ctx, "insert task line", `
			INSERT INTO task_lines (task_id, line_id, position, item_id, name, required)
			VALUES (?, ?, ?, ?, ?, ?)
		`, string(t.ID), string(l.ID), i, string(l.ItemID), l.Name, qty(l.Required))
		if err != nil {
			return err
		}
	}

	if _, err := c.exec(ctx, "clear task usage", `DELETE FROM task_usage WHERE task_id = ?`, string(t.ID)); err != nil {
		return err
	}
	for item, q := range t.ActualUsage {
		_, err := c.exec(ctx, "insert task usage", `
			INSERT INTO task_usage (task_id, item_id, quantity) VALUES (?, ?, ?)
		`, string(t.ID), string(item), qty(q))
		if err != nil {
			return err
		}
	}

	t.Version++
	return nil
}

func (c *conn) SetTaskStatus(ctx context.Context, id ledger.TaskID, status ledger.TaskStatus, by ledger.UserID, at time.Time) error {
	res, err := c.exec(ctx, "set task status", `
		UPDATE tasks SET status = ?, updated_at = ?, updated_by = ?, version = version + 1 WHERE id = ?
	`, string(status), fmtTime(at), string(by), string(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.NewNotFound("task", string(id))
	}
	return nil
}
