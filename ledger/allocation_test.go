package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lot-ledger/ledger"
)

func cand(id ledger.BatchID, received int, expires *time.Time, claimable string) ledger.Candidate {
	return ledger.Candidate{
		Batch: ledger.Batch{
			ID:         id,
			ItemID:     "X",
			ReceivedAt: t0.AddDate(0, 0, received),
			ExpiresAt:  expires,
		},
		Claimable: q(claimable),
	}
}

func day(n int) *time.Time {
	d := t0.AddDate(0, 0, n)
	return &d
}

func batchOrder(plan ledger.AllocationPlan) []ledger.BatchID {
	var out []ledger.BatchID
	for _, in := range plan.Intents {
		out = append(out, in.BatchID)
	}
	return out
}

func TestAllocate_FIFO_OldestFirst(t *testing.T) {
	candidates := []ledger.Candidate{
		cand("new", -1, nil, "50"),
		cand("old", -10, nil, "20"),
		cand("mid", -5, nil, "20"),
	}
	plan, err := ledger.Allocate(ledger.PlanRequest{
		ItemID: "X", Required: q("30"), Strategy: ledger.StrategyFIFO, At: t0,
	}, candidates)
	require.NoError(t, err)

	assert.Equal(t, []ledger.BatchID{"old", "mid"}, batchOrder(plan))
	assertQty(t, "20", plan.Intents[0].Quantity)
	assertQty(t, "10", plan.Intents[1].Quantity)
	assert.True(t, plan.Complete())
	assert.NoError(t, plan.Err())
}

func TestAllocate_ExpiryFirst_NoExpiryLast(t *testing.T) {
	candidates := []ledger.Candidate{
		cand("forever", -10, nil, "10"),
		cand("late", -9, day(20), "10"),
		cand("soon-b", -3, day(5), "10"),
		cand("soon-a", -8, day(5), "10"),
	}
	plan, err := ledger.Allocate(ledger.PlanRequest{
		ItemID: "X", Required: q("40"), Strategy: ledger.StrategyExpiryFirst, At: t0,
	}, candidates)
	require.NoError(t, err)

	assert.Equal(t, []ledger.BatchID{"soon-a", "soon-b", "late", "forever"}, batchOrder(plan))
}

func TestAllocate_SkipsExpiredAndExhausted(t *testing.T) {
	candidates := []ledger.Candidate{
		cand("expired", -20, day(-1), "100"),
		cand("empty", -15, nil, "0"),
		cand("ok", -1, nil, "5"),
	}
	plan, err := ledger.Allocate(ledger.PlanRequest{
		ItemID: "X", Required: q("8"), Strategy: ledger.StrategyFIFO, At: t0,
	}, candidates)
	require.NoError(t, err, "shortfall is an outcome")

	assert.Equal(t, []ledger.BatchID{"ok"}, batchOrder(plan))
	assertQty(t, "5", plan.Allocated)
	assertQty(t, "3", plan.Shortfall)
	assert.ErrorIs(t, plan.Err(), ledger.ErrInsufficientAvailability)
}

func TestAllocate_Manual(t *testing.T) {
	candidates := []ledger.Candidate{
		cand("B1", -10, nil, "10"),
		cand("B2", -5, nil, "10"),
	}
	req := ledger.PlanRequest{ItemID: "X", Required: q("15"), Strategy: ledger.StrategyManual, At: t0}

	t.Run("covers requirement", func(t *testing.T) {
		req := req
		req.Manual = []ledger.AllocationIntent{{BatchID: "B2", Quantity: q("10")}, {BatchID: "B1", Quantity: q("5")}}
		plan, err := ledger.Allocate(req, candidates)
		require.NoError(t, err)
		assert.Equal(t, []ledger.BatchID{"B2", "B1"}, batchOrder(plan), "caller order is kept")
	})

	t.Run("short returns plan and shortfall error", func(t *testing.T) {
		req := req
		req.Manual = []ledger.AllocationIntent{{BatchID: "B1", Quantity: q("10")}}
		plan, err := ledger.Allocate(req, candidates)
		require.ErrorIs(t, err, ledger.ErrValidationFailed)
		var short *ledger.ShortfallError
		require.ErrorAs(t, err, &short)
		assertQty(t, "5", short.Shortfall)
		assertQty(t, "10", plan.Allocated)
	})

	t.Run("pick above claimable", func(t *testing.T) {
		req := req
		req.Manual = []ledger.AllocationIntent{{BatchID: "B1", Quantity: q("6")}, {BatchID: "B1", Quantity: q("6")}}
		_, err := ledger.Allocate(req, candidates)
		var short *ledger.InsufficientAvailabilityError
		require.ErrorAs(t, err, &short)
		assert.Equal(t, ledger.BatchID("B1"), short.BatchID)
		assertQty(t, "10", short.Available)
	})

	t.Run("batch of another item", func(t *testing.T) {
		req := req
		req.Manual = []ledger.AllocationIntent{{BatchID: "BY", Quantity: q("1")}}
		_, err := ledger.Allocate(req, candidates)
		assert.ErrorIs(t, err, ledger.ErrValidationFailed)
	})
}

func TestAllocate_RejectsBadRequests(t *testing.T) {
	_, err := ledger.Allocate(ledger.PlanRequest{Required: q("1"), Strategy: "random"}, nil)
	assert.ErrorIs(t, err, ledger.ErrValidationFailed)

	_, err = ledger.Allocate(ledger.PlanRequest{Required: ledger.Zero, Strategy: ledger.StrategyFIFO}, nil)
	assert.ErrorIs(t, err, ledger.ErrValidationFailed)
}

func TestPlanAllocation_SubtractsOwnReservation(t *testing.T) {
	// GIVEN: T1 already holds 20 of the 30 it needs on B1
	// WHEN: planning with no explicit amount
	// THEN: only the missing 10 is planned
	f := newFixture(t)
	f.item(t, "X")
	f.batch(t, "B1", "X", "25", 1)
	f.batch(t, "B2", "X", "100", 2)
	f.task(t, "T1", line{"R1", "X", "30"})
	f.reserve(t, "T1", "X", "B1", "20")

	plan, err := f.svc.PlanAllocation(f.ctx, ledger.PlanRequest{TaskID: "T1", ItemID: "X", Strategy: ledger.StrategyFIFO})
	require.NoError(t, err)
	assertQty(t, "10", plan.Required)
	require.Len(t, plan.Intents, 2)
	assertQty(t, "5", plan.Intents[0].Quantity, "B1 minus own reservation")
	assertQty(t, "5", plan.Intents[1].Quantity)
}
