// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/lot-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one RWMutex.
type Memory struct {
	mu *sync.RWMutex // nil for the view handed to WithTx, which holds the lock
	d  *data
}

type resKey struct {
	TaskID  ledger.TaskID
	BatchID ledger.BatchID
}

type linkKey struct {
	TaskID        ledger.TaskID
	LineID        ledger.LineID
	ReservationID ledger.ReservationID
}

type data struct {
	items        map[ledger.ItemID]ledger.Item
	batches      map[ledger.BatchID]ledger.Batch
	tasks        map[ledger.TaskID]ledger.Task
	reservations map[ledger.ReservationID]ledger.Reservation
	resByKey     map[resKey]ledger.ReservationID
	links        map[ledger.LinkID]ledger.IngredientLink
	linkByKey    map[linkKey]ledger.LinkID
	events       []ledger.ConsumptionEvent
	idempotency  map[string]bool
	linkSeq      int64
}

func newData() *data {
	return &data{
		items:        make(map[ledger.ItemID]ledger.Item),
		batches:      make(map[ledger.BatchID]ledger.Batch),
		tasks:        make(map[ledger.TaskID]ledger.Task),
		reservations: make(map[ledger.ReservationID]ledger.Reservation),
		resByKey:     make(map[resKey]ledger.ReservationID),
		links:        make(map[ledger.LinkID]ledger.IngredientLink),
		linkByKey:    make(map[linkKey]ledger.LinkID),
		idempotency:  make(map[string]bool),
	}
}

func NewMemory() *Memory {
	return &Memory{mu: &sync.RWMutex{}, d: newData()}
}

func (m *Memory) rlock() func() {
	if m.mu == nil {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

func (m *Memory) lock() func() {
	if m.mu == nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if m.mu == nil {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	view := &Memory{d: m.d}
	if err := fn(view); err != nil {
		*m.d = *snapshot
		return err
	}
	return nil
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.items {
		c.items[k] = v
	}
	for k, v := range d.batches {
		c.batches[k] = v
	}
	for k, v := range d.tasks {
		c.tasks[k] = copyTask(v)
	}
	for k, v := range d.reservations {
		c.reservations[k] = v
	}
	for k, v := range d.resByKey {
		c.resByKey[k] = v
	}
	for k, v := range d.links {
		c.links[k] = v
	}
	for k, v := range d.linkByKey {
		c.linkByKey[k] = v
	}
	c.events = append([]ledger.ConsumptionEvent(nil), d.events...)
	for k, v := range d.idempotency {
		c.idempotency[k] = v
	}
	c.linkSeq = d.linkSeq
	return c
}

func copyTask(t ledger.Task) ledger.Task {
	t.Requirements = append([]ledger.RequirementLine(nil), t.Requirements...)
	if t.ActualUsage != nil {
		usage := make(map[ledger.ItemID]ledger.Quantity, len(t.ActualUsage))
		for k, v := range t.ActualUsage {
			usage[k] = v
		}
		t.ActualUsage = usage
	}
	if t.ConfirmedAt != nil {
		at := *t.ConfirmedAt
		t.ConfirmedAt = &at
	}
	return t
}

// =============================================================================
// INVENTORY
// =============================================================================

func (m *Memory) SaveItem(_ context.Context, item ledger.Item) error {
	defer m.lock()()
	m.d.items[item.ID] = item
	return nil
}

func (m *Memory) GetItem(_ context.Context, id ledger.ItemID) (ledger.Item, error) {
	defer m.rlock()()
	item, ok := m.d.items[id]
	if !ok {
		return ledger.Item{}, ledger.NewNotFound("item", string(id))
	}
	return item, nil
}

func (m *Memory) SaveBatch(_ context.Context, b ledger.Batch) error {
	defer m.lock()()
	if prev, ok := m.d.batches[b.ID]; ok {
		b.Version = prev.Version
	}
	b.Version++
	m.d.batches[b.ID] = b
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id ledger.BatchID) (ledger.Batch, error) {
	defer m.rlock()()
	b, ok := m.d.batches[id]
	if !ok {
		return ledger.Batch{}, ledger.NewNotFound("batch", string(id))
	}
	return b, nil
}

func (m *Memory) ListBatches(_ context.Context, itemID ledger.ItemID) ([]ledger.Batch, error) {
	defer m.rlock()()
	var out []ledger.Batch
	for _, b := range m.d.batches {
		if b.ItemID == itemID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return receivedBefore(out[i], out[j]) })
	return out, nil
}

func receivedBefore(a, b ledger.Batch) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.ID < b.ID
}

func (m *Memory) DecrementBatchQuantity(_ context.Context, id ledger.BatchID, amount ledger.Quantity) error {
	defer m.lock()()
	b, ok := m.d.batches[id]
	if !ok {
		return ledger.NewNotFound("batch", string(id))
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
	b.OnHand = b.OnHand.Sub(amount)
	b.Version++
	m.d.batches[id] = b
	return nil
}

// =============================================================================
// TASKS
// =============================================================================

func (m *Memory) GetTask(_ context.Context, id ledger.TaskID) (ledger.Task, error) {
	defer m.rlock()()
	t, ok := m.d.tasks[id]
	if !ok {
		return ledger.Task{}, ledger.NewNotFound("task", string(id))
	}
	return copyTask(t), nil
}

func (m *Memory) SaveTask(_ context.Context, t *ledger.Task) error {
	defer m.lock()()
	prev, exists := m.d.tasks[t.ID]
	if exists != (t.Version != 0) || (exists && prev.Version != t.Version) {
		return ledger.ErrConcurrentModification
	}
	t.Version++
	m.d.tasks[t.ID] = copyTask(*t)
	return nil
}

func (m *Memory) SetTaskStatus(_ context.Context, id ledger.TaskID, status ledger.TaskStatus, by ledger.UserID, at time.Time) error {
	defer m.lock()()
	t, ok := m.d.tasks[id]
	if !ok {
		return ledger.NewNotFound("task", string(id))
	}
	t.Status = status
	t.UpdatedAt = at
	t.UpdatedBy = by
	t.Version++
	m.d.tasks[id] = t
	return nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (m *Memory) GetReservation(_ context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	defer m.rlock()()
	r, ok := m.d.reservations[id]
	if !ok {
		return ledger.Reservation{}, ledger.NewNotFound("reservation", string(id))
	}
	return r, nil
}

func (m *Memory) FindReservation(_ context.Context, taskID ledger.TaskID, batchID ledger.BatchID) (ledger.Reservation, error) {
	defer m.rlock()()
	id, ok := m.d.resByKey[resKey{taskID, batchID}]
	if !ok {
		return ledger.Reservation{}, ledger.NewNotFound("reservation", string(taskID)+"/"+string(batchID))
	}
	return m.d.reservations[id], nil
}

func (m *Memory) ListReservationsByBatch(_ context.Context, batchID ledger.BatchID) ([]ledger.Reservation, error) {
	defer m.rlock()()
	var out []ledger.Reservation
	for _, r := range m.d.reservations {
		if r.BatchID == batchID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListReservationsByTask(_ context.Context, taskID ledger.TaskID) ([]ledger.Reservation, error) {
	defer m.rlock()()
	var out []ledger.Reservation
	for _, r := range m.d.reservations {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return receivedBefore(m.d.batches[out[i].BatchID], m.d.batches[out[j].BatchID])
	})
	return out, nil
}

func (m *Memory) SaveReservation(_ context.Context, r *ledger.Reservation) error {
	defer m.lock()()
	prev, exists := m.d.reservations[r.ID]
	if exists != (r.Version != 0) || (exists && prev.Version != r.Version) {
		return ledger.ErrConcurrentModification
	}
	k := resKey{r.TaskID, r.BatchID}
	if other, ok := m.d.resByKey[k]; ok && other != r.ID {
		return ledger.ErrConcurrentModification
	}
	r.Version++
	m.d.reservations[r.ID] = *r
	m.d.resByKey[k] = r.ID
	return nil
}

func (m *Memory) DeleteReservation(_ context.Context, id ledger.ReservationID) error {
	defer m.lock()()
	r, ok := m.d.reservations[id]
	if !ok {
		return ledger.NewNotFound("reservation", string(id))
	}
	delete(m.d.reservations, id)
	delete(m.d.resByKey, resKey{r.TaskID, r.BatchID})
	return nil
}

// =============================================================================
// LINKS
// =============================================================================

func (m *Memory) GetLink(_ context.Context, id ledger.LinkID) (ledger.IngredientLink, error) {
	defer m.rlock()()
	l, ok := m.d.links[id]
	if !ok {
		return ledger.IngredientLink{}, ledger.NewNotFound("link", string(id))
	}
	return l, nil
}

func (m *Memory) FindLink(_ context.Context, taskID ledger.TaskID, lineID ledger.LineID, reservationID ledger.ReservationID) (ledger.IngredientLink, error) {
	defer m.rlock()()
	id, ok := m.d.linkByKey[linkKey{taskID, lineID, reservationID}]
	if !ok {
		return ledger.IngredientLink{}, ledger.NewNotFound("link", string(lineID)+"/"+string(reservationID))
	}
	return m.d.links[id], nil
}

func (m *Memory) ListLinksByTask(_ context.Context, taskID ledger.TaskID) ([]ledger.IngredientLink, error) {
	defer m.rlock()()
	return m.linksWhere(func(l ledger.IngredientLink) bool { return l.TaskID == taskID }), nil
}

func (m *Memory) ListLinksByReservation(_ context.Context, reservationID ledger.ReservationID) ([]ledger.IngredientLink, error) {
	defer m.rlock()()
	return m.linksWhere(func(l ledger.IngredientLink) bool { return l.ReservationID == reservationID }), nil
}

func (m *Memory) linksWhere(match func(ledger.IngredientLink) bool) []ledger.IngredientLink {
	var out []ledger.IngredientLink
	for _, l := range m.d.links {
		if match(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *Memory) SaveLink(_ context.Context, l *ledger.IngredientLink) error {
	defer m.lock()()
	prev, exists := m.d.links[l.ID]
	if exists != (l.Version != 0) || (exists && prev.Version != l.Version) {
		return ledger.ErrConcurrentModification
	}
	k := linkKey{l.TaskID, l.LineID, l.ReservationID}
	if other, ok := m.d.linkByKey[k]; ok && other != l.ID {
		return ledger.ErrConcurrentModification
	}
	if !exists {
		m.d.linkSeq++
		l.Seq = m.d.linkSeq
	}
	l.Version++
	m.d.links[l.ID] = *l
	m.d.linkByKey[k] = l.ID
	return nil
}

func (m *Memory) DeleteLink(_ context.Context, id ledger.LinkID) error {
	defer m.lock()()
	l, ok := m.d.links[id]
	if !ok {
		return ledger.NewNotFound("link", string(id))
	}
	delete(m.d.links, id)
	delete(m.d.linkByKey, linkKey{l.TaskID, l.LineID, l.ReservationID})
	return nil
}

// =============================================================================
// EVENTS - Append-only
// =============================================================================

func (m *Memory) AppendEvent(_ context.Context, e ledger.ConsumptionEvent) error {
	defer m.lock()()
	if e.IdempotencyKey != "" {
		if m.d.idempotency[e.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		m.d.idempotency[e.IdempotencyKey] = true
	}
	m.d.events = append(m.d.events, e)
	return nil
}

func (m *Memory) ListEventsByTask(_ context.Context, taskID ledger.TaskID) ([]ledger.ConsumptionEvent, error) {
	defer m.rlock()()
	var out []ledger.ConsumptionEvent
	for _, e := range m.d.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) ListEventsByLink(_ context.Context, linkID ledger.LinkID) ([]ledger.ConsumptionEvent, error) {
	defer m.rlock()()
	var out []ledger.ConsumptionEvent
	for _, e := range m.d.events {
		if e.LinkID == linkID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ ledger.TxStore = (*Memory)(nil)
