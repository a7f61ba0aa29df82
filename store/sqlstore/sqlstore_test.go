package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lot-ledger/ledger"
	"github.com/warp/lot-ledger/store/sqlstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

func q(s string) ledger.Quantity { return ledger.MustQuantity(s) }

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	st, err := sqlstore.Open(context.Background(), "sqlite3", ":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestService(t *testing.T, st *sqlstore.Store) (*ledger.Service, context.Context) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	svc := ledger.NewService(st, ledger.Config{MaxRetries: 2, LockWait: time.Second},
		ledger.WithClock(func() time.Time { return t0 }),
		ledger.WithLogger(log),
	)
	return svc, ledger.WithActor(context.Background(), "tester")
}

func seed(t *testing.T, svc *ledger.Service, ctx context.Context) {
	t.Helper()
	require.NoError(t, svc.DefineItem(ctx, ledger.Item{ID: "X", Name: "Flour", Unit: "kg"}))
	expires := t0.AddDate(0, 2, 0)
	_, err := svc.ReceiveBatch(ctx, ledger.Batch{
		ID: "B1", ItemID: "X", LotNumber: "LOT-1", OnHand: q("100"),
		ExpiresAt: &expires, Location: "A1", UnitCost: decimal.RequireFromString("2.50"),
		ReceivedAt: t0.AddDate(0, 0, -10),
	})
	require.NoError(t, err)
	_, err = svc.ReceiveBatch(ctx, ledger.Batch{
		ID: "B2", ItemID: "X", LotNumber: "LOT-2", OnHand: q("50"),
		ReceivedAt: t0.AddDate(0, 0, -5),
	})
	require.NoError(t, err)
}

// =============================================================================
// SERVICE ROUND TRIP
// =============================================================================

func TestSQLStore_FullLifecycle(t *testing.T) {
	// GIVEN: two batches and a task with two lines on the same item
	st := newTestStore(t)
	svc, ctx := newTestService(t, st)
	seed(t, svc, ctx)

	_, err := svc.DefineTask(ctx, ledger.Task{ID: "T1", Name: "bread", Requirements: []ledger.RequirementLine{
		{ID: "L1", ItemID: "X", Required: q("30")},
		{ID: "L2", ItemID: "X", Required: q("30")},
	}})
	require.NoError(t, err)

	// WHEN: reserving 60, linking 30+30 and confirming 45
	res, err := svc.Reserve(ctx, "T1", "X", []ledger.AllocationIntent{{BatchID: "B1", Quantity: q("60")}})
	require.NoError(t, err)
	require.Len(t, res.Reserved, 1)
	rid := res.Reserved[0].ID

	l1, err := svc.Link(ctx, "T1", "L1", rid, q("30"))
	require.NoError(t, err)
	l2, err := svc.Link(ctx, "T1", "L2", rid, q("30"))
	require.NoError(t, err)
	assert.Less(t, l1.Seq, l2.Seq)
	assert.Equal(t, "LOT-1", l1.Snapshot.LotNumber)
	require.NotNil(t, l1.Snapshot.ExpiresAt)

	_, err = svc.Link(ctx, "T1", "L1", rid, q("31"))
	require.ErrorIs(t, err, ledger.ErrOverAllocation)

	settlement, err := svc.ConfirmConsumption(ctx, "T1", map[ledger.ItemID]ledger.Quantity{"X": q("45")})
	require.NoError(t, err)
	require.Len(t, settlement.Slices, 2)

	// THEN: links drain in creation order and stock drops by 45
	l1, err = st.GetLink(ctx, l1.ID)
	require.NoError(t, err)
	l2, err = st.GetLink(ctx, l2.ID)
	require.NoError(t, err)
	assert.True(t, l1.IsFullyConsumed())
	assert.True(t, l2.Remaining().Equal(q("15")))

	r, err := st.GetReservation(ctx, rid)
	require.NoError(t, err)
	assert.True(t, r.Quantity.Equal(q("15")))

	b, err := st.GetBatch(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "55.000", b.OnHand.StringFixed())

	task, err := svc.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskConsumed, task.Status)
	require.NotNil(t, task.ConfirmedAt)
	assert.True(t, task.ConfirmedAt.Equal(t0))
	assert.Equal(t, ledger.UserID("tester"), task.ConfirmedBy)
	assert.True(t, task.ActualUsage["X"].Equal(q("45")))

	events, err := st.ListEventsByTask(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, l1.ID, events[0].LinkID)
	assert.NotEmpty(t, events[0].IdempotencyKey)

	report, err := svc.Report(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, report.Lines, 2)
	assert.Equal(t, "100.00", report.Lines[0].Percent.Value.StringFixed(2))
}

func TestSQLStore_ListBatchesOrderedByReceipt(t *testing.T) {
	st := newTestStore(t)
	svc, ctx := newTestService(t, st)
	seed(t, svc, ctx)

	batches, err := st.ListBatches(ctx, "X")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, ledger.BatchID("B1"), batches[0].ID)
	assert.Equal(t, ledger.BatchID("B2"), batches[1].ID)
	assert.Nil(t, batches[1].ExpiresAt)
	assert.True(t, batches[0].UnitCost.Equal(decimal.RequireFromString("2.5")))

	_, err = st.GetBatch(ctx, "missing")
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// STORE CONTRACT
// =============================================================================

func TestSQLStore_VersionedWritesDetectLostRace(t *testing.T) {
	// GIVEN: a reservation read twice
	st := newTestStore(t)
	svc, ctx := newTestService(t, st)
	seed(t, svc, ctx)
	_, err := svc.DefineTask(ctx, ledger.Task{ID: "T1", Requirements: []ledger.RequirementLine{
		{ID: "L1", ItemID: "X", Required: q("10")},
	}})
	require.NoError(t, err)
	res, err := svc.Reserve(ctx, "T1", "X", []ledger.AllocationIntent{{BatchID: "B1", Quantity: q("10")}})
	require.NoError(t, err)

	a, err := st.GetReservation(ctx, res.Reserved[0].ID)
	require.NoError(t, err)
	b := a

	// WHEN: both copies are saved
	a.Quantity = q("12")
	require.NoError(t, st.SaveReservation(ctx, &a))
	b.Quantity = q("8")
	err = st.SaveReservation(ctx, &b)

	// THEN: the stale write loses
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)
	got, err := st.GetReservation(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Quantity.Equal(q("12")))
	assert.Equal(t, a.Version, got.Version)

	// A second insert for the same (task, batch) is also a lost race.
	dup := ledger.Reservation{ID: "other", TaskID: "T1", ItemID: "X", BatchID: "B1", Quantity: q("1"),
		CreatedAt: t0, UpdatedAt: t0}
	require.ErrorIs(t, st.SaveReservation(ctx, &dup), ledger.ErrConcurrentModification)
}

func TestSQLStore_EventIdempotencyKey(t *testing.T) {
	st := newTestStore(t)
	svc, ctx := newTestService(t, st)
	seed(t, svc, ctx)
	_, err := svc.DefineTask(ctx, ledger.Task{ID: "T1", Requirements: []ledger.RequirementLine{
		{ID: "L1", ItemID: "X", Required: q("10")},
	}})
	require.NoError(t, err)

	e := ledger.ConsumptionEvent{ID: "E1", TaskID: "T1", ItemID: "X", BatchID: "B1",
		Quantity: q("1"), At: t0, RecordedBy: "tester", IdempotencyKey: "k-1"}
	require.NoError(t, st.AppendEvent(ctx, e))

	e.ID = "E2"
	require.ErrorIs(t, st.AppendEvent(ctx, e), ledger.ErrDuplicateIdempotencyKey)

	// Events without a key never collide.
	for _, id := range []ledger.EventID{"E3", "E4"} {
		require.NoError(t, st.AppendEvent(ctx, ledger.ConsumptionEvent{
			ID: id, TaskID: "T1", ItemID: "X", BatchID: "B1", Quantity: q("1"), At: t0,
		}))
	}

	events, err := st.ListEventsByTask(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ledger.EventID("E1"), events[0].ID)
	assert.Empty(t, events[1].LinkID)
	assert.Empty(t, events[1].IdempotencyKey)
}

func TestSQLStore_WithTxRollsBack(t *testing.T) {
	st := newTestStore(t)
	svc, ctx := newTestService(t, st)
	seed(t, svc, ctx)

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.DecrementBatchQuantity(ctx, "B1", q("40")))
		b, err := tx.GetBatch(ctx, "B1")
		require.NoError(t, err)
		assert.Equal(t, "60.000", b.OnHand.StringFixed(), "visible inside the transaction")
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := st.GetBatch(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "100.000", b.OnHand.StringFixed())
}

func TestSQLStore_DecrementNeverGoesNegative(t *testing.T) {
	st := newTestStore(t)
	svc, ctx := newTestService(t, st)
	seed(t, svc, ctx)

	err := st.DecrementBatchQuantity(ctx, "B2", q("50.001"))
	var short *ledger.InsufficientAvailabilityError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "0.001", short.Shortfall.StringFixed())

	require.NoError(t, st.DecrementBatchQuantity(ctx, "B2", q("50")))
	b, err := st.GetBatch(ctx, "B2")
	require.NoError(t, err)
	assert.True(t, b.OnHand.IsZero())
}

func TestSQLStore_TaskRoundTrip(t *testing.T) {
	st := newTestStore(t)
	svc, ctx := newTestService(t, st)
	seed(t, svc, ctx)

	_, err := svc.DefineTask(ctx, ledger.Task{ID: "T1", Name: "bread", Requirements: []ledger.RequirementLine{
		{ID: "L2", ItemID: "X", Name: "second", Required: q("1.5")},
		{ID: "L1", ItemID: "X", Name: "first", Required: q("2")},
	}})
	require.NoError(t, err)

	for _, to := range []ledger.TaskStatus{ledger.TaskReserved, ledger.TaskInProgress} {
		_, err = svc.Transition(ctx, "T1", to)
		require.NoError(t, err)
	}
	_, err = svc.ReviseBeforeConfirmation(ctx, "T1", map[ledger.ItemID]ledger.Quantity{"X": q("3.25")})
	require.NoError(t, err)

	task, err := st.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskAwaitingConfirmation, task.Status)
	assert.Equal(t, 1, task.UsageRevision)
	require.Len(t, task.Requirements, 2)
	assert.Equal(t, ledger.LineID("L2"), task.Requirements[0].ID, "definition order is kept")
	assert.True(t, task.ActualUsage["X"].Equal(q("3.25")))

	stale := task
	stale.Version--
	require.ErrorIs(t, st.SaveTask(ctx, &stale), ledger.ErrConcurrentModification)

	later := t0.Add(90 * time.Minute)
	require.NoError(t, st.SetTaskStatus(ctx, "T1", ledger.TaskCancelled, "bob", later))
	task, err = st.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, task.UpdatedAt.Equal(later), "got %s", task.UpdatedAt)
	assert.Equal(t, ledger.UserID("bob"), task.UpdatedBy)

	require.True(t, ledger.IsNotFound(st.SetTaskStatus(ctx, "nope", ledger.TaskCancelled, "tester", t0)))
}

func TestSQLStore_LinkSeqIsPerTask(t *testing.T) {
	st := newTestStore(t)
	svc, ctx := newTestService(t, st)
	seed(t, svc, ctx)

	rids := map[ledger.TaskID]ledger.ReservationID{}
	for _, id := range []ledger.TaskID{"T1", "T2"} {
		_, err := svc.DefineTask(ctx, ledger.Task{ID: id, Requirements: []ledger.RequirementLine{
			{ID: "L1", ItemID: "X", Required: q("5")},
			{ID: "L2", ItemID: "X", Required: q("5")},
		}})
		require.NoError(t, err)
		res, err := svc.Reserve(ctx, id, "X", []ledger.AllocationIntent{{BatchID: "B1", Quantity: q("10")}})
		require.NoError(t, err)
		rids[id] = res.Reserved[0].ID
	}

	a, err := svc.Link(ctx, "T1", "L1", rids["T1"], q("5"))
	require.NoError(t, err)
	b, err := svc.Link(ctx, "T2", "L1", rids["T2"], q("5"))
	require.NoError(t, err)
	c, err := svc.Link(ctx, "T1", "L2", rids["T1"], q("5"))
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 1, 2}, []int64{a.Seq, b.Seq, c.Seq})
	links, err := st.ListLinksByTask(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, a.ID, links[0].ID)
	assert.Equal(t, c.ID, links[1].ID)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestSQLStore_ConfirmRacesReserveOnSharedBatch(t *testing.T) {
	// GIVEN: a file database, T0 holding 60 of B1 with a link of 30, and
	// eight tasks wanting 10 each
	log := logrus.New()
	log.SetOutput(io.Discard)
	st, err := sqlstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	svc, ctx := newTestService(t, st)
	seed(t, svc, ctx)

	for i := 0; i <= 8; i++ {
		required := q("10")
		if i == 0 {
			required = q("60")
		}
		_, err := svc.DefineTask(ctx, ledger.Task{ID: ledger.TaskID(fmt.Sprintf("T%d", i)), Requirements: []ledger.RequirementLine{
			{ID: "L1", ItemID: "X", Required: required},
		}})
		require.NoError(t, err)
	}
	res, err := svc.Reserve(ctx, "T0", "X", []ledger.AllocationIntent{{BatchID: "B1", Quantity: q("60")}})
	require.NoError(t, err)
	require.Len(t, res.Reserved, 1)
	l0, err := svc.Link(ctx, "T0", "L1", res.Reserved[0].ID, q("30"))
	require.NoError(t, err)

	// WHEN: T0 confirms 60 while the others reserve and link on B1
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		reserved  int
		failures  []error
		confirmed error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, confirmed = svc.ConfirmConsumption(ctx, "T0", map[ledger.ItemID]ledger.Quantity{"X": q("60")})
	}()
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(task ledger.TaskID) {
			defer wg.Done()
			res, err := svc.Reserve(ctx, task, "X", []ledger.AllocationIntent{{BatchID: "B1", Quantity: q("10")}})
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return
			}
			for _, f := range res.Failed {
				mu.Lock()
				failures = append(failures, f.Err)
				mu.Unlock()
			}
			for _, r := range res.Reserved {
				_, err := svc.Link(ctx, task, "L1", r.ID, q("10"))
				mu.Lock()
				reserved++
				if err != nil {
					failures = append(failures, err)
				}
				mu.Unlock()
			}
		}(ledger.TaskID(fmt.Sprintf("T%d", i)))
	}
	wg.Wait()

	// THEN: one drain of 60, and reservations never exceed what is on hand
	require.NoError(t, confirmed)
	b1, err := st.GetBatch(ctx, "B1")
	require.NoError(t, err)
	assert.True(t, b1.OnHand.Equal(q("40")), "on hand %s", b1.OnHand)

	rs, err := st.ListReservationsByBatch(ctx, "B1")
	require.NoError(t, err)
	total := ledger.Zero
	for _, r := range rs {
		total = total.Add(r.Quantity)
	}
	assert.False(t, total.GreaterThan(b1.OnHand), "reserved %s > on hand %s", total, b1.OnHand)
	assert.True(t, total.Equal(ledger.NewQuantityFromInt(int64(10*reserved))))
	assert.LessOrEqual(t, reserved, 4)

	events, err := st.ListEventsByTask(ctx, "T0")
	require.NoError(t, err)
	drained := ledger.Zero
	for _, e := range events {
		drained = drained.Add(e.Quantity)
	}
	assert.True(t, drained.Equal(q("60")), "drained %s", drained)
	link, err := st.GetLink(ctx, l0.ID)
	require.NoError(t, err)
	assert.True(t, link.Consumed.Equal(q("30")))

	for _, err := range failures {
		var short *ledger.InsufficientAvailabilityError
		assert.True(t, errors.As(err, &short) || ledger.IsRetryable(err), "unexpected failure: %v", err)
	}
}
