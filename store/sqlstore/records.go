package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/lot-ledger/ledger"
)

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `r.id, r.task_id, r.item_id, r.batch_id, r.quantity,
	r.created_at, r.updated_at, r.updated_by, r.version`

func scanReservation(row rowScanner) (ledger.Reservation, error) {
	var (
		r                    ledger.Reservation
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.TaskID, &r.ItemID, &r.BatchID, &r.Quantity,
		&createdAt, &updatedAt, &r.UpdatedBy, &r.Version)
	if err != nil {
		return ledger.Reservation{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Reservation{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Reservation{}, err
	}
	return r, nil
}

func (c *conn) getReservation(ctx context.Context, what string, where string, args ...any) (ledger.Reservation, error) {
	r, err := scanReservation(c.queryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations r WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Reservation{}, ledger.NewNotFound("reservation", what)
	}
	if err != nil {
		return ledger.Reservation{}, classify("get reservation", err)
	}
	return r, nil
}

func (c *conn) GetReservation(ctx context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	return c.getReservation(ctx, string(id), `r.id = ?`, string(id))
}

func (c *conn) FindReservation(ctx context.Context, taskID ledger.TaskID, batchID ledger.BatchID) (ledger.Reservation, error) {
	return c.getReservation(ctx, string(taskID)+"/"+string(batchID),
		`r.task_id = ? AND r.batch_id = ?`, string(taskID), string(batchID))
}

func (c *conn) listReservations(ctx context.Context, query string, args ...any) ([]ledger.Reservation, error) {
	rows, err := c.query(ctx, "list reservations", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("list reservations: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *conn) ListReservationsByBatch(ctx context.Context, batchID ledger.BatchID) ([]ledger.Reservation, error) {
	return c.listReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations r
		WHERE r.batch_id = ?
		ORDER BY r.id
	`, string(batchID))
}

func (c *conn) ListReservationsByTask(ctx context.Context, taskID ledger.TaskID) ([]ledger.Reservation, error) {
	return c.listReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations r
		JOIN batches b ON b.id = r.batch_id
		WHERE r.task_id = ?
		ORDER BY b.received_at, b.id
	`, string(taskID))
}

func (c *conn) SaveReservation(ctx context.Context, r *ledger.Reservation) error {
	if r.Version == 0 {
		_, err := c.exec(ctx, "insert reservation", `
			INSERT INTO reservations (id, task_id, item_id, batch_id, quantity,
			                          created_at, updated_at, updated_by, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, string(r.ID), string(r.TaskID), string(r.ItemID), string(r.BatchID), qty(r.Quantity),
			fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt), string(r.UpdatedBy))
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: reservation %s/%s", ledger.ErrConcurrentModification, r.TaskID, r.BatchID)
		}
		if err != nil {
			return err
		}
	} else {
		err := c.execVersioned(ctx, "update reservation", `
			UPDATE reservations SET quantity = ?, updated_at = ?, updated_by = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, qty(r.Quantity), fmtTime(r.UpdatedAt), string(r.UpdatedBy), string(r.ID), r.Version)
		if err != nil {
			return err
		}
	}
	r.Version++
	return nil
}

func (c *conn) DeleteReservation(ctx context.Context, id ledger.ReservationID) error {
	return c.deleteByID(ctx, "reservation", `DELETE FROM reservations WHERE id = ?`, string(id))
}

func (c *conn) deleteByID(ctx context.Context, kind, query, id string) error {
	res, err := c.exec(ctx, "delete "+kind, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.NewNotFound(kind, id)
	}
	return nil
}

// =============================================================================
// LINKS
// =============================================================================

const linkColumns = `id, seq, task_id, line_id, reservation_id, item_id, batch_id, linked, consumed,
	snap_item_name, snap_unit, snap_lot_number, snap_location, snap_expires_at, snap_unit_cost,
	snap_captured_at, created_at, updated_at, updated_by, version`

func scanLink(row rowScanner) (ledger.IngredientLink, error) {
	var (
		l                                ledger.IngredientLink
		snapExpires                      sql.NullString
		capturedAt, createdAt, updatedAt string
	)
	err := row.Scan(&l.ID, &l.Seq, &l.TaskID, &l.LineID, &l.ReservationID, &l.ItemID, &l.BatchID,
		&l.Linked, &l.Consumed,
		&l.Snapshot.ItemName, &l.Snapshot.Unit, &l.Snapshot.LotNumber, &l.Snapshot.Location,
		&snapExpires, &l.Snapshot.UnitCost,
		&capturedAt, &createdAt, &updatedAt, &l.UpdatedBy, &l.Version)
	if err != nil {
		return ledger.IngredientLink{}, err
	}
	l.Snapshot.ItemID = l.ItemID
	l.Snapshot.BatchID = l.BatchID
	if l.Snapshot.ExpiresAt, err = parseTimePtr(snapExpires); err != nil {
		return ledger.IngredientLink{}, err
	}
	if l.Snapshot.CapturedAt, err = parseTime(capturedAt); err != nil {
		return ledger.IngredientLink{}, err
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.IngredientLink{}, err
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.IngredientLink{}, err
	}
	return l, nil
}

func (c *conn) getLink(ctx context.Context, what, where string, args ...any) (ledger.IngredientLink, error) {
	l, err := scanLink(c.queryRow(ctx, `SELECT `+linkColumns+` FROM ingredient_links WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.IngredientLink{}, ledger.NewNotFound("link", what)
	}
	if err != nil {
		return ledger.IngredientLink{}, classify("get link", err)
	}
	return l, nil
}

func (c *conn) GetLink(ctx context.Context, id ledger.LinkID) (ledger.IngredientLink, error) {
	return c.getLink(ctx, string(id), `id = ?`, string(id))
}

func (c *conn) FindLink(ctx context.Context, taskID ledger.TaskID, lineID ledger.LineID, reservationID ledger.ReservationID) (ledger.IngredientLink, error) {
	return c.getLink(ctx, string(lineID)+"/"+string(reservationID),
		`task_id = ? AND line_id = ? AND reservation_id = ?`,
		string(taskID), string(lineID), string(reservationID))
}

func (c *conn) listLinks(ctx context.Context, where string, arg string) ([]ledger.IngredientLink, error) {
	rows, err := c.query(ctx, "list links",
		`SELECT `+linkColumns+` FROM ingredient_links WHERE `+where+` ORDER BY seq`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.IngredientLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("list links: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (c *conn) ListLinksByTask(ctx context.Context, taskID ledger.TaskID) ([]ledger.IngredientLink, error) {
	return c.listLinks(ctx, `task_id = ?`, string(taskID))
}

func (c *conn) ListLinksByReservation(ctx context.Context, reservationID ledger.ReservationID) ([]ledger.IngredientLink, error) {
	return c.listLinks(ctx, `reservation_id = ?`, string(reservationID))
}

func (c *conn) SaveLink(ctx context.Context, l *ledger.IngredientLink) error {
	if l.Version != 0 {
		err := c.execVersioned(ctx, "update link", `
			UPDATE ingredient_links SET linked = ?, consumed = ?, updated_at = ?, updated_by = ?,
			       version = version + 1
			WHERE id = ? AND version = ?
		`, qty(l.Linked), qty(l.Consumed), fmtTime(l.UpdatedAt), string(l.UpdatedBy), string(l.ID), l.Version)
		if err != nil {
			return err
		}
		l.Version++
		return nil
	}

	var seq int64
	err := c.queryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM ingredient_links WHERE task_id = ?`,
		string(l.TaskID)).Scan(&seq)
	if err != nil {
		return classify("next link seq", err)
	}
	s := l.Snapshot
	_, err = c.exec(ctx, "insert link", `
		INSERT INTO ingredient_links (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, string(l.ID), seq, string(l.TaskID), string(l.LineID), string(l.ReservationID),
		string(l.ItemID), string(l.BatchID), qty(l.Linked), qty(l.Consumed),
		s.ItemName, s.Unit, s.LotNumber, s.Location, fmtTimePtr(s.ExpiresAt), s.UnitCost.String(),
		fmtTime(s.CapturedAt), fmtTime(l.CreatedAt), fmtTime(l.UpdatedAt), string(l.UpdatedBy))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: link %s/%s", ledger.ErrConcurrentModification, l.LineID, l.ReservationID)
	}
	if err != nil {
		return err
	}
	l.Seq = seq
	l.Version++
	return nil
}

func (c *conn) DeleteLink(ctx context.Context, id ledger.LinkID) error {
	return c.deleteByID(ctx, "link", `DELETE FROM ingredient_links WHERE id = ?`, string(id))
}

// =============================================================================
// EVENTS - Append-only
// =============================================================================

const eventColumns = `id, task_id, item_id, batch_id, link_id, reservation_id, quantity, at,
	recorded_by, idempotency_key`

func (c *conn) AppendEvent(ctx context.Context, e ledger.ConsumptionEvent) error {
	res, err := c.exec(ctx, "append event", `
		INSERT INTO consumption_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, string(e.ID), string(e.TaskID), string(e.ItemID), string(e.BatchID),
		nullString(string(e.LinkID)), nullString(string(e.ReservationID)),
		qty(e.Quantity), fmtTime(e.At), string(e.RecordedBy), nullString(e.IdempotencyKey))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrDuplicateIdempotencyKey
	}
	return nil
}

func (c *conn) listEvents(ctx context.Context, where, arg string) ([]ledger.ConsumptionEvent, error) {
	rows, err := c.query(ctx, "list events",
		`SELECT `+eventColumns+` FROM consumption_events WHERE `+where+` ORDER BY seq`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.ConsumptionEvent
	for rows.Next() {
		var (
			e                   ledger.ConsumptionEvent
			linkID, resID, ikey sql.NullString
			at                  string
		)
		err := rows.Scan(&e.ID, &e.TaskID, &e.ItemID, &e.BatchID, &linkID, &resID,
			&e.Quantity, &at, &e.RecordedBy, &ikey)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		e.LinkID = ledger.LinkID(linkID.String)
		e.ReservationID = ledger.ReservationID(resID.String)
		e.IdempotencyKey = ikey.String
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *conn) ListEventsByTask(ctx context.Context, taskID ledger.TaskID) ([]ledger.ConsumptionEvent, error) {
	return c.listEvents(ctx, `task_id = ?`, string(taskID))
}

func (c *conn) ListEventsByLink(ctx context.Context, linkID ledger.LinkID) ([]ledger.ConsumptionEvent, error) {
	return c.listEvents(ctx, `link_id = ?`, string(linkID))
}
