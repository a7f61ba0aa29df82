package ledger_test

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/warp/lot-ledger/ledger"
	"github.com/warp/lot-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *ledger.Service
	store *store.Memory
	ctx   context.Context
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%04d", n.Add(1)) }
}

func newFixture(t testing.TB, opts ...ledger.Option) *fixture {
	t.Helper()
	st := store.NewMemory()
	return newFixtureWith(t, st, st, opts...)
}

func newFixtureWith(t testing.TB, mem *store.Memory, st ledger.TxStore, opts ...ledger.Option) *fixture {
	t.Helper()
	base := []ledger.Option{
		ledger.WithClock(func() time.Time { return t0 }),
		ledger.WithIDGenerator(sequentialIDs()),
		ledger.WithLogger(quietLogger()),
	}
	svc := ledger.NewService(st, ledger.Config{MaxRetries: 2, LockWait: time.Second}, append(base, opts...)...)
	return &fixture{
		svc:   svc,
		store: mem,
		ctx:   ledger.WithActor(context.Background(), "tester"),
	}
}

func q(s string) ledger.Quantity { return ledger.MustQuantity(s) }

func milli(n int64) string { return decimal.New(n, -3).String() }

func (f *fixture) item(t testing.TB, id ledger.ItemID) {
	t.Helper()
	require.NoError(t, f.svc.DefineItem(f.ctx, ledger.Item{ID: id, Name: string(id), Unit: "kg"}))
}

// batch receives a batch; day orders batches by received date.
func (f *fixture) batch(t testing.TB, id ledger.BatchID, item ledger.ItemID, onHand string, day int) ledger.Batch {
	t.Helper()
	b, err := f.svc.ReceiveBatch(f.ctx, ledger.Batch{
		ID:         id,
		ItemID:     item,
		LotNumber:  "LOT-" + string(id),
		OnHand:     q(onHand),
		Location:   "A1",
		UnitCost:   decimal.RequireFromString("2.50"),
		ReceivedAt: t0.AddDate(0, 0, -30+day),
	})
	require.NoError(t, err)
	return b
}

type line struct {
	id       ledger.LineID
	item     ledger.ItemID
	required string
}

func (f *fixture) task(t testing.TB, id ledger.TaskID, lines ...line) ledger.Task {
	t.Helper()
	task := ledger.Task{ID: id, Name: "task " + string(id)}
	for _, l := range lines {
		task.Requirements = append(task.Requirements, ledger.RequirementLine{
			ID: l.id, ItemID: l.item, Name: string(l.id), Required: q(l.required),
		})
	}
	out, err := f.svc.DefineTask(f.ctx, task)
	require.NoError(t, err)
	return out
}

func (f *fixture) reserve(t testing.TB, task ledger.TaskID, item ledger.ItemID, batch ledger.BatchID, qty string) ledger.Reservation {
	t.Helper()
	res, err := f.svc.Reserve(f.ctx, task, item, []ledger.AllocationIntent{{BatchID: batch, Quantity: q(qty)}})
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	require.Len(t, res.Reserved, 1)
	return res.Reserved[0]
}

func (f *fixture) onHand(t testing.TB, id ledger.BatchID) ledger.Quantity {
	t.Helper()
	b, err := f.store.GetBatch(f.ctx, id)
	require.NoError(t, err)
	return b.OnHand
}

func assertQty(t testing.TB, want string, got ledger.Quantity, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, q(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}
