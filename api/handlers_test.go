/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Full task lifecycle over HTTP (plan, reserve, link, confirm)
- Partial reservation status codes
- Error to status mapping and validation bodies
- Actor header, xlsx import/export, catalog invalidation
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/lot-ledger/ledger"
	"github.com/warp/lot-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

type testAPI struct {
	h      *Handler
	router http.Handler
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestAPI(t *testing.T) *testAPI {
	return newTestAPIWith(t, store.NewMemory())
}

func newTestAPIWith(t *testing.T, st ledger.TxStore, opts ...ledger.Option) *testAPI {
	t.Helper()
	log := quietLogger()
	base := []ledger.Option{
		ledger.WithClock(func() time.Time { return t0 }),
		ledger.WithLogger(log),
	}
	svc := ledger.NewService(st, ledger.Config{MaxRetries: 2, LockWait: time.Second}, append(base, opts...)...)
	h := NewHandler(svc, log)
	h.Now = func() time.Time { return t0 }
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics\n"))
	})
	return &testAPI{h: h, router: NewRouter(h, RouterOptions{Metrics: metrics, Scenarios: true})}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seed defines item X with B1 (100, older) and B2 (20).
func (a *testAPI) seed(t *testing.T) {
	t.Helper()
	rec := a.do(t, "POST", "/api/items", map[string]any{"id": "X", "name": "Flour", "unit": "kg"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	for _, b := range []map[string]any{
		{"id": "B1", "item_id": "X", "lot_number": "LOT-1", "on_hand": 100, "received_at": t0.AddDate(0, 0, -10)},
		{"id": "B2", "item_id": "X", "lot_number": "LOT-2", "on_hand": "20", "received_at": t0.AddDate(0, 0, -5)},
	} {
		rec := a.do(t, "POST", "/api/batches", b)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

func (a *testAPI) task(t *testing.T, id string, lines ...map[string]any) {
	t.Helper()
	rec := a.do(t, "POST", "/api/tasks", map[string]any{"id": id, "name": id, "lines": lines})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func line(id string, required any) map[string]any {
	return map[string]any{"id": id, "item_id": "X", "required": required}
}

func (a *testAPI) reserve(t *testing.T, taskID string, intents ...IntentRequest) ReserveResultDTO {
	t.Helper()
	rec := a.do(t, "POST", "/api/tasks/"+taskID+"/reservations", ReserveRequest{ItemID: "X", Intents: intents})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[ReserveResultDTO](t, rec)
}

func intent(batch, qty string) IntentRequest {
	return IntentRequest{BatchID: batch, Quantity: ledger.MustQuantity(qty)}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestAPI_FullLifecycle(t *testing.T) {
	// GIVEN: stock of 100 + 20 and a task with three lines on X
	a := newTestAPI(t)
	a.seed(t)
	a.task(t, "T1", line("R1", 30), line("R2", 30), line("R3", 1))

	// WHEN: planning 60 FIFO
	rec := a.do(t, "POST", "/api/tasks/T1/plan", map[string]any{"item_id": "X", "required": 60})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	plan := decodeAs[PlanDTO](t, rec)

	// THEN: the oldest batch covers it
	assert.True(t, plan.Complete)
	require.Len(t, plan.Intents, 1)
	assert.Equal(t, ledger.BatchID("B1"), plan.Intents[0].BatchID)
	assert.Equal(t, "60.000", plan.Intents[0].Quantity)

	// WHEN: reserving the plan
	res := a.reserve(t, "T1", intent("B1", "60"))
	require.Len(t, res.Reserved, 1)
	rid := res.Reserved[0].ID

	task := decodeAs[TaskDTO](t, a.do(t, "GET", "/api/tasks/T1", nil))
	assert.Equal(t, ledger.TaskReserved, task.Status)

	rec = a.do(t, "GET", "/api/batches/B1/availability", nil)
	assert.Equal(t, "40.000", decodeAs[AvailabilityDTO](t, rec).Available)
	rec = a.do(t, "GET", "/api/batches/B1/availability?excluding_task=T1", nil)
	assert.Equal(t, "100.000", decodeAs[AvailabilityDTO](t, rec).Available)

	// WHEN: linking 30 + 30 and then 1 more
	var links []LinkDTO
	for _, l := range []string{"R1", "R2"} {
		rec := a.do(t, "POST", "/api/tasks/T1/links", map[string]any{"line_id": l, "reservation_id": rid, "quantity": 30})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		links = append(links, decodeAs[LinkDTO](t, rec))
	}
	rec = a.do(t, "POST", "/api/tasks/T1/links", map[string]any{"line_id": "R3", "reservation_id": rid, "quantity": 1})

	// THEN: the third link exceeds the reservation
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeAs[ErrorResponse](t, rec).Details, "over allocation")
	assert.Equal(t, "LOT-1", links[0].Snapshot.LotNumber)

	// WHEN: confirming 45 of X
	rec = a.do(t, "POST", "/api/tasks/T1/confirm", map[string]any{"actuals": map[string]any{"X": 45}}, UserHeader, "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settlement := decodeAs[SettlementDTO](t, rec)

	// THEN: links drain in creation order and stock drops by 45
	require.Len(t, settlement.Slices, 2)
	assert.Equal(t, links[0].ID, settlement.Slices[0].LinkID)
	assert.Equal(t, "30.000", settlement.Slices[0].Quantity)
	assert.Equal(t, links[1].ID, settlement.Slices[1].LinkID)
	assert.Equal(t, "15.000", settlement.Slices[1].Quantity)
	assert.Equal(t, ledger.UserID("alice"), settlement.ConfirmedBy)

	batches := decodeAs[[]BatchDTO](t, a.do(t, "GET", "/api/items/X/batches", nil))
	require.Len(t, batches, 2)
	assert.Equal(t, "55.000", batches[0].OnHand)

	report := decodeAs[ReportDTO](t, a.do(t, "GET", "/api/tasks/T1/report", nil))
	assert.Equal(t, ledger.TaskConsumed, report.Status)
	require.Len(t, report.Lines, 3)
	assert.Equal(t, "100.00", report.Lines[0].Percent)
	assert.Equal(t, "15.000", report.Lines[1].Remaining)

	// Consumed tasks accept no further settlement.
	rec = a.do(t, "POST", "/api/tasks/T1/confirm", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_ReservePartialResults(t *testing.T) {
	// GIVEN: T1 holds 60 of B1
	a := newTestAPI(t)
	a.seed(t)
	a.task(t, "T1", line("R1", 60))
	a.task(t, "T2", line("R1", 60))
	a.reserve(t, "T1", intent("B1", "60"))

	// WHEN: T2 asks for 50 of B1 alone
	rec := a.do(t, "POST", "/api/tasks/T2/reservations", ReserveRequest{ItemID: "X", Intents: []IntentRequest{intent("B1", "50")}})

	// THEN: nothing is reserved and the failure carries what was available
	assert.Equal(t, http.StatusConflict, rec.Code)
	res := decodeAs[ReserveResultDTO](t, rec)
	assert.Empty(t, res.Reserved)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "40.000", res.Failed[0].Available)

	// WHEN: one intent fits and one does not
	rec = a.do(t, "POST", "/api/tasks/T2/reservations", ReserveRequest{ItemID: "X", Intents: []IntentRequest{
		intent("B2", "10"), intent("B1", "50"),
	}})

	// THEN: the fitting one is committed
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	res = decodeAs[ReserveResultDTO](t, rec)
	require.Len(t, res.Reserved, 1)
	assert.Equal(t, ledger.BatchID("B2"), res.Reserved[0].BatchID)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, ledger.BatchID("B1"), res.Failed[0].BatchID)

	views := decodeAs[[]ReservationDTO](t, a.do(t, "GET", "/api/tasks/T2/reservations", nil))
	require.Len(t, views, 1)
	assert.Equal(t, "LOT-2", views[0].LotNumber)
	assert.Equal(t, "10.000", views[0].Claimable)
}

func TestAPI_ConsumptionAndUnlink(t *testing.T) {
	// GIVEN: a linked reservation
	a := newTestAPI(t)
	a.seed(t)
	a.task(t, "T1", line("R1", 30))
	res := a.reserve(t, "T1", intent("B1", "30"))
	rid := res.Reserved[0].ID
	rec := a.do(t, "POST", "/api/tasks/T1/links", map[string]any{"line_id": "R1", "reservation_id": rid, "quantity": 30})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	link := decodeAs[LinkDTO](t, rec)

	// WHEN: cancelling the linked reservation
	rec = a.do(t, "DELETE", "/api/reservations/"+string(rid), nil)

	// THEN: it is in use
	assert.Equal(t, http.StatusConflict, rec.Code)

	// WHEN: recording 12.5, then replaying the same key
	path := "/api/links/" + string(link.ID) + "/consumption"
	rec = a.do(t, "POST", path, map[string]any{"quantity": "12.5"}, "Idempotency-Key", "scan-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "17.500", decodeAs[LinkDTO](t, rec).Remaining)
	rec = a.do(t, "POST", path, map[string]any{"quantity": "12.5", "idempotency_key": "scan-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: the replay is not counted twice
	assert.Equal(t, "17.500", decodeAs[LinkDTO](t, rec).Remaining)

	// WHEN: consuming past the linked quantity
	rec = a.do(t, "POST", path, map[string]any{"quantity": 20})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: remaining clamps at zero and the link can go
	done := decodeAs[LinkDTO](t, rec)
	assert.Equal(t, "0.000", done.Remaining)
	assert.True(t, done.FullyConsumed)

	rec = a.do(t, "DELETE", "/api/links/"+string(link.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(t, "DELETE", "/api/reservations/"+string(rid), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAPI_UnlinkAllThenCancel(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t)
	a.task(t, "T1", line("R1", 10), line("R2", 10))
	rid := a.reserve(t, "T1", intent("B1", "20")).Reserved[0].ID
	for _, l := range []string{"R1", "R2"} {
		rec := a.do(t, "POST", "/api/tasks/T1/links", map[string]any{"line_id": l, "reservation_id": rid, "quantity": 10})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := a.do(t, "DELETE", "/api/tasks/T1/links", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeAs[map[string]int](t, rec)["removed"])

	rec = a.do(t, "DELETE", "/api/reservations/"+string(rid), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(t, "GET", "/api/batches/B1/availability", nil)
	assert.Equal(t, "100.000", decodeAs[AvailabilityDTO](t, rec).Available)
}

func TestAPI_UsageRevisionAndTransition(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t)
	a.task(t, "T1", line("R1", 10))

	rec := a.do(t, "POST", "/api/tasks/T1/transition", map[string]any{"status": "in_progress"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "planned cannot skip to in_progress")

	rec = a.do(t, "PUT", "/api/tasks/T1/usage", map[string]any{"actuals": map[string]any{"X": "8.25"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	task := decodeAs[TaskDTO](t, rec)
	assert.Equal(t, 1, task.UsageRevision)
	assert.Equal(t, "8.250", task.ActualUsage["X"])

	rec = a.do(t, "POST", "/api/tasks/T1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.TaskCancelled, decodeAs[TaskDTO](t, rec).Status)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestAPI_ErrorMapping(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t)
	a.task(t, "T1", line("R1", 10))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		field  string
	}{
		{"missing item id", "POST", "/api/items", map[string]any{"unit": "kg"}, http.StatusBadRequest, "id"},
		{"malformed json", "POST", "/api/items", `{"id":`, http.StatusBadRequest, ""},
		{"bad quantity", "POST", "/api/batches", `{"item_id":"X","on_hand":"lots"}`, http.StatusBadRequest, ""},
		{"unknown item on receipt", "POST", "/api/batches", map[string]any{"item_id": "nope", "on_hand": 1}, http.StatusBadRequest, "item_id"},
		{"task without lines", "POST", "/api/tasks", map[string]any{"id": "T9", "lines": []any{}}, http.StatusBadRequest, "lines"},
		{"duplicate task", "POST", "/api/tasks", map[string]any{"id": "T1", "lines": []any{line("R1", 1)}}, http.StatusBadRequest, "id"},
		{"unknown task", "GET", "/api/tasks/missing", nil, http.StatusNotFound, ""},
		{"unknown batch", "GET", "/api/batches/missing/availability", nil, http.StatusNotFound, ""},
		{"unknown strategy", "POST", "/api/tasks/T1/plan", map[string]any{"item_id": "X", "strategy": "lifo"}, http.StatusBadRequest, "strategy"},
		{"no intents", "POST", "/api/tasks/T1/reservations", map[string]any{"item_id": "X"}, http.StatusBadRequest, "intents"},
		{"zero link", "POST", "/api/tasks/T1/links", map[string]any{"line_id": "R1", "reservation_id": "r", "quantity": 0}, http.StatusBadRequest, "quantity"},
		{"unknown link", "DELETE", "/api/links/missing", nil, http.StatusNotFound, ""},
		{"negative usage", "PUT", "/api/tasks/T1/usage", map[string]any{"actuals": map[string]any{"X": -1}}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decodeAs[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
			if tt.field != "" {
				assert.Contains(t, resp.Fields, tt.field)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{ledger.NewNotFound("task", "t"), http.StatusNotFound},
		{ledger.ErrLockTimeout, http.StatusServiceUnavailable},
		{&ledger.RetryableError{Op: "reserve", Attempts: 3, Err: ledger.ErrConcurrentModification}, http.StatusServiceUnavailable},
		{&ledger.OverAllocationError{}, http.StatusConflict},
		{&ledger.InsufficientAvailabilityError{}, http.StatusConflict},
		{ledger.ErrReservationInUse, http.StatusConflict},
		{ledger.ErrAlreadyConsumed, http.StatusConflict},
		{&ledger.ValidationError{Field: "f", Reason: "r"}, http.StatusBadRequest},
		{&ledger.ShortfallError{}, http.StatusBadRequest},
		{ledger.ErrInvalidOperand, http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), "%v", tt.err)
	}
}

// =============================================================================
// ACTOR, XLSX, CACHE
// =============================================================================

func TestAPI_ActorHeader(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t)
	a.task(t, "T1", line("R1", 10))

	rec := a.do(t, "POST", "/api/tasks/T1/reservations", ReserveRequest{ItemID: "X", Intents: []IntentRequest{intent("B1", "5")}}, UserHeader, "bob")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, ledger.UserID("bob"), decodeAs[ReserveResultDTO](t, rec).Reserved[0].UpdatedBy)

	rec = a.do(t, "POST", "/api/tasks/T1/reservations", ReserveRequest{ItemID: "X", Intents: []IntentRequest{intent("B2", "5")}})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, ledger.SystemUser, decodeAs[ReserveResultDTO](t, rec).Reserved[0].UpdatedBy)
}

func TestAPI_ImportBatchesAndExportReport(t *testing.T) {
	// GIVEN: an item and a receipt spreadsheet
	a := newTestAPI(t)
	rec := a.do(t, "POST", "/api/items", map[string]any{"id": "X", "unit": "kg"})
	require.Equal(t, http.StatusCreated, rec.Code)

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"batch_id", "item_id", "on_hand", "expires_at"},
		{"B1", "X", "25", "2025-02-01"},
		{"B2", "X", "10.5", ""},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf := &bytes.Buffer{}
	require.NoError(t, f.Write(buf))
	f.Close()

	// WHEN: importing it
	rec = a.do(t, "POST", "/api/batches/import", buf.Bytes())

	// THEN: both rows are received; B1 is already expired at t0
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decodeAs[ImportResultDTO](t, rec)
	require.Len(t, out.Received, 2)
	assert.True(t, out.Received[0].Expired)
	assert.Equal(t, "10.500", out.Received[1].OnHand)

	// WHEN: exporting a task report
	a.task(t, "T1", line("R1", 5))
	rec = a.do(t, "GET", "/api/tasks/T1/report?format=xlsx", nil)

	// THEN: a readable workbook comes back
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))
	book, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer book.Close()
	got, err := book.GetRows(book.GetSheetName(0))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "R1", got[1][0])

	rec = a.do(t, "POST", "/api/batches/import", "not a spreadsheet")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// recordingCatalog passes reads through and records invalidated batches.
type recordingCatalog struct {
	ledger.BatchCatalog
	mu    sync.Mutex
	calls []ledger.BatchID
}

func (c *recordingCatalog) Invalidate(_ context.Context, _ ledger.ItemID, ids ...ledger.BatchID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, ids...)
	return nil
}

func TestAPI_StockChangesInvalidateCatalog(t *testing.T) {
	// GIVEN: a service planning through a caching catalog
	st := store.NewMemory()
	cache := &recordingCatalog{BatchCatalog: st}
	a := newTestAPIWith(t, st, ledger.WithCatalog(cache))

	// WHEN: receiving two batches
	a.seed(t)

	// THEN: both receipts are invalidated
	assert.Equal(t, []ledger.BatchID{"B1", "B2"}, cache.calls)

	// WHEN: confirming usage drawn from B1
	a.task(t, "T1", line("R1", 10))
	a.reserve(t, "T1", intent("B1", "10"))
	rec := a.do(t, "POST", "/api/tasks/T1/confirm", map[string]any{"actuals": map[string]any{"X": 10}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: the settled batch is invalidated too
	assert.Equal(t, []ledger.BatchID{"B1", "B2", "B1"}, cache.calls)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = a.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}
