/*
scenarios_test.go - Tests for demo scenario loaders

Each scenario is loaded through the router and its outcome is checked
against the ledger, not just the response body.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lot-ledger/ledger"
)

func loadScenario(t *testing.T, a *testAPI, id string) ScenarioResultDTO {
	t.Helper()
	rec := a.do(t, "POST", "/api/scenarios/load", map[string]string{"scenario_id": id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeAs[ScenarioResultDTO](t, rec)
}

func TestScenario_FIFOShortfall(t *testing.T) {
	// GIVEN/WHEN: the fifo-shortfall scenario is loaded
	a := newTestAPI(t)
	result := loadScenario(t, a, "fifo-shortfall")

	// THEN: T1 holds 60 and T2's plan is short by 10
	require.Len(t, result.Tasks, 2)
	require.Len(t, result.Batches, 1)
	ctx := context.Background()

	avail, err := a.h.Service.GetAvailability(ctx, ledger.BatchID(result.Batches[0]), "")
	require.NoError(t, err)
	assert.Equal(t, "40.000", avail.StringFixed())

	require.Len(t, result.Notes, 2)
	assert.Contains(t, result.Notes[1], "allocates 40.000 with a shortfall of 10.000")
}

func TestScenario_LinksBounded(t *testing.T) {
	a := newTestAPI(t)
	result := loadScenario(t, a, "links-bounded")

	require.Len(t, result.Tasks, 1)
	report, err := a.h.Service.Report(context.Background(), ledger.TaskID(result.Tasks[0]))
	require.NoError(t, err)
	require.Len(t, report.Lines, 3)
	assert.Equal(t, "30.000", report.Lines[0].Linked.StringFixed())
	assert.Equal(t, "30.000", report.Lines[1].Linked.StringFixed())
	assert.True(t, report.Lines[2].Linked.IsZero())
	assert.Contains(t, result.Notes[len(result.Notes)-1], "refused")
}

func TestScenario_PartialConsumption(t *testing.T) {
	a := newTestAPI(t)
	result := loadScenario(t, a, "partial-consumption")

	require.Len(t, result.Tasks, 1)
	ctx := context.Background()
	report, err := a.h.Service.Report(ctx, ledger.TaskID(result.Tasks[0]))
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskConsumed, report.Status)
	assert.Equal(t, "0.000", report.Lines[0].Remaining.StringFixed())
	assert.Equal(t, "15.000", report.Lines[1].Remaining.StringFixed())

	batches, err := a.h.Service.ListBatches(ctx, report.Lines[0].ItemID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "55.000", batches[0].OnHand.StringFixed())
}

func TestScenario_LoadTwiceAndCurrent(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, "GET", "/api/scenarios/current", nil)
	assert.Equal(t, "null\n", rec.Body.String())

	first := loadScenario(t, a, "links-bounded")
	second := loadScenario(t, a, "links-bounded")
	assert.NotEqual(t, first.Tasks, second.Tasks, "each load uses fresh ids")

	current := decodeAs[ScenarioDTO](t, a.do(t, "GET", "/api/scenarios/current", nil))
	assert.Equal(t, "links-bounded", current.ID)

	list := decodeAs[[]ScenarioDTO](t, a.do(t, "GET", "/api/scenarios", nil))
	assert.Len(t, list, len(scenarios))
}

func TestScenario_Unknown(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "POST", "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, "POST", "/api/scenarios/load", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
