/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Each scenario defines an item, receives batches, defines
	tasks and drives them through the service exactly like API clients do.

AVAILABLE SCENARIOS:

	fifo-shortfall:       A task holds 60 of a 100 batch; a second task
	                      asking for 50 is offered a partial plan of 40
	links-bounded:        Two lines link 30 each against a 60 reservation;
	                      a third link is refused as over-allocation
	partial-consumption:  Confirming 45 across two 30 links drains the
	                      first link fully and 15 of the second

HOW SCENARIOS WORK:
 1. Generate a unique suffix so a scenario can be loaded repeatedly
 2. Define the item and receive its batches
 3. Define tasks from JSON via the task factory
 4. Plan, reserve, link and confirm through ledger.Service

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "links-bounded"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to loadScenario

SEE ALSO:
  - handlers.go: handler context
  - factory/task.go: Task JSON definitions
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/warp/lot-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fifo-shortfall",
		Name:        "FIFO Shortfall",
		Description: "One batch of 100; T1 reserves 60, T2 needs 50 and is offered 40",
	},
	{
		ID:          "links-bounded",
		Name:        "Links Bounded by Reservation",
		Description: "Two lines link 30 each to a 60 reservation; a third link of 1 is refused",
	},
	{
		ID:          "partial-consumption",
		Name:        "Partial Consumption",
		Description: "Confirming 45 over links of 30 and 30 drains them in creation order",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.loadScenario(r.Context(), req.ScenarioID)
	if errors.Is(err, errUnknownScenario) {
		writeError(w, http.StatusBadRequest, "Unknown scenario", err)
		return
	}
	if err != nil {
		h.fail(w, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, result)
}

var errUnknownScenario = errors.New("unknown scenario")

func (h *Handler) loadScenario(ctx context.Context, id string) (ScenarioResultDTO, error) {
	sc := &scenario{
		h:      h,
		suffix: strings.SplitN(uuid.NewString(), "-", 2)[0],
		result: ScenarioResultDTO{ScenarioID: id},
	}
	var err error
	switch id {
	case "fifo-shortfall":
		err = sc.loadFIFOShortfall(ctx)
	case "links-bounded":
		err = sc.loadLinksBounded(ctx)
	case "partial-consumption":
		err = sc.loadPartialConsumption(ctx)
	default:
		return ScenarioResultDTO{}, fmt.Errorf("%w: %q", errUnknownScenario, id)
	}
	return sc.result, err
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type scenario struct {
	h      *Handler
	suffix string
	result ScenarioResultDTO
}

func (sc *scenario) id(base string) string { return base + "-" + sc.suffix }

func (sc *scenario) note(format string, args ...any) {
	sc.result.Notes = append(sc.result.Notes, fmt.Sprintf(format, args...))
}

// stock defines item X and receives one batch of 100.
func (sc *scenario) stock(ctx context.Context) (ledger.ItemID, ledger.BatchID, error) {
	svc := sc.h.Service
	item := ledger.Item{ID: ledger.ItemID(sc.id("flour")), Name: "Flour", Unit: "kg"}
	if err := svc.DefineItem(ctx, item); err != nil {
		return "", "", err
	}
	expires := sc.h.Now().AddDate(0, 3, 0)
	b, err := svc.ReceiveBatch(ctx, ledger.Batch{
		ID:        ledger.BatchID(sc.id("B1")),
		ItemID:    item.ID,
		LotNumber: "LOT-" + strings.ToUpper(sc.suffix),
		OnHand:    ledger.NewQuantityFromInt(100),
		ExpiresAt: &expires,
		Location:  "dry-store",
	})
	if err != nil {
		return "", "", err
	}
	sc.result.Batches = append(sc.result.Batches, string(b.ID))
	return item.ID, b.ID, nil
}

// task defines a task whose lines each need the given quantity of item.
func (sc *scenario) task(ctx context.Context, base string, item ledger.ItemID, lines ...int64) (ledger.Task, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `{"id": %q, "name": %q, "lines": [`, sc.id(base), base)
	for i, q := range lines {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"id": "R%d", "item_id": %q, "required": %d}`, i+1, item, q)
	}
	b.WriteString("]}")

	t, err := sc.h.Tasks.ParseTask([]byte(b.String()))
	if err != nil {
		return ledger.Task{}, err
	}
	if t, err = sc.h.Service.DefineTask(ctx, t); err != nil {
		return ledger.Task{}, err
	}
	sc.result.Tasks = append(sc.result.Tasks, string(t.ID))
	return t, nil
}

// reserveFIFO plans and reserves the task's whole requirement for item.
func (sc *scenario) reserveFIFO(ctx context.Context, t ledger.Task, item ledger.ItemID) (ledger.AllocationPlan, []ledger.Reservation, error) {
	svc := sc.h.Service
	plan, err := svc.PlanAllocation(ctx, ledger.PlanRequest{TaskID: t.ID, ItemID: item, Strategy: ledger.StrategyFIFO})
	if err != nil {
		return plan, nil, err
	}
	if len(plan.Intents) == 0 {
		return plan, nil, nil
	}
	res, err := svc.Reserve(ctx, t.ID, item, plan.Intents)
	if err != nil {
		return plan, nil, err
	}
	return plan, res.Reserved, res.Err()
}

// Task T1 reserves 60 of 100; T2 needs 50 and is offered the remaining 40.
func (sc *scenario) loadFIFOShortfall(ctx context.Context) error {
	item, batch, err := sc.stock(ctx)
	if err != nil {
		return err
	}
	t1, err := sc.task(ctx, "T1", item, 60)
	if err != nil {
		return err
	}
	if _, _, err := sc.reserveFIFO(ctx, t1, item); err != nil {
		return err
	}
	avail, err := sc.h.Service.GetAvailability(ctx, batch, "")
	if err != nil {
		return err
	}
	sc.note("T1 reserved 60; %s available to others", avail.StringFixed())

	t2, err := sc.task(ctx, "T2", item, 50)
	if err != nil {
		return err
	}
	plan, err := sc.h.Service.PlanAllocation(ctx, ledger.PlanRequest{TaskID: t2.ID, ItemID: item, Strategy: ledger.StrategyFIFO})
	if err != nil {
		return err
	}
	sc.note("T2 plan allocates %s with a shortfall of %s", plan.Allocated.StringFixed(), plan.Shortfall.StringFixed())
	return nil
}

// A 60 reservation backs links of 30 and 30; a further link of 1 fails.
func (sc *scenario) loadLinksBounded(ctx context.Context) error {
	item, _, err := sc.stock(ctx)
	if err != nil {
		return err
	}
	t1, err := sc.task(ctx, "T1", item, 30, 30, 1)
	if err != nil {
		return err
	}
	res, err := sc.h.Service.Reserve(ctx, t1.ID, item, []ledger.AllocationIntent{
		{BatchID: ledger.BatchID(sc.id("B1")), Quantity: ledger.NewQuantityFromInt(60)},
	})
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}
	rid := res.Reserved[0].ID

	for _, line := range []ledger.LineID{"R1", "R2"} {
		if _, err := sc.h.Service.Link(ctx, t1.ID, line, rid, ledger.NewQuantityFromInt(30)); err != nil {
			return err
		}
		sc.note("linked 30 to %s", line)
	}
	_, err = sc.h.Service.Link(ctx, t1.ID, "R3", rid, ledger.NewQuantityFromInt(1))
	if !errors.Is(err, ledger.ErrOverAllocation) {
		return fmt.Errorf("link R3: expected over-allocation, got %v", err)
	}
	sc.note("link of 1 to R3 refused: %v", err)
	return nil
}

// Two links of 30; confirming 45 drains L1 then 15 of L2.
func (sc *scenario) loadPartialConsumption(ctx context.Context) error {
	item, _, err := sc.stock(ctx)
	if err != nil {
		return err
	}
	t1, err := sc.task(ctx, "T1", item, 30, 30)
	if err != nil {
		return err
	}
	_, reserved, err := sc.reserveFIFO(ctx, t1, item)
	if err != nil {
		return err
	}
	if len(reserved) == 0 {
		return fmt.Errorf("task %s reserved nothing", t1.ID)
	}
	for _, line := range []ledger.LineID{"R1", "R2"} {
		if _, err := sc.h.Service.Link(ctx, t1.ID, line, reserved[0].ID, ledger.NewQuantityFromInt(30)); err != nil {
			return err
		}
	}

	settlement, err := sc.h.Service.ConfirmConsumption(ctx, t1.ID, map[ledger.ItemID]ledger.Quantity{
		item: ledger.NewQuantityFromInt(45),
	})
	if err != nil {
		return err
	}
	for _, s := range settlement.Slices {
		sc.note("settled %s from %s (%s)", s.Quantity.StringFixed(), s.LinkID, s.Source)
	}
	return nil
}
