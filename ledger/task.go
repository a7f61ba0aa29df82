package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// TASK STATE MACHINE
// =============================================================================

type TaskStatus string

const (
	TaskPlanned              TaskStatus = "planned"
	TaskReserved             TaskStatus = "reserved"
	TaskInProgress           TaskStatus = "in_progress"
	TaskAwaitingConfirmation TaskStatus = "awaiting_consumption_confirmation"
	TaskConsumed             TaskStatus = "consumed"
	TaskCancelled            TaskStatus = "cancelled"
)

// forward edges; Cancelled is reachable from every non-terminal state.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPlanned:              {TaskReserved},
	TaskReserved:             {TaskInProgress},
	TaskInProgress:           {TaskAwaitingConfirmation},
	TaskAwaitingConfirmation: {TaskConsumed},
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPlanned, TaskReserved, TaskInProgress, TaskAwaitingConfirmation, TaskConsumed, TaskCancelled:
		return true
	}
	return false
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskConsumed || s == TaskCancelled
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == TaskCancelled {
		return true
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to TaskStatus) error {
	if !to.Valid() {
		return invalid("status", "unknown status %q", to)
	}
	if !CanTransition(from, to) {
		return invalid("status", "cannot move task from %s to %s", from, to)
	}
	return nil
}

// =============================================================================
// TASK DEFINITION
// =============================================================================

// validateTask checks a definition before it is stored. Every line must
// name a known item; line ids are unique within the task.
func validateTask(ctx context.Context, s Store, t Task) error {
	if t.ID == "" {
		return invalid("id", "required")
	}
	if len(t.Requirements) == 0 {
		return invalid("requirements", "task %s has no requirement lines", t.ID)
	}
	seen := make(map[LineID]bool, len(t.Requirements))
	for i, l := range t.Requirements {
		field := fmt.Sprintf("requirements[%d]", i)
		if l.ID == "" {
			return invalid(field+".id", "required")
		}
		if seen[l.ID] {
			return invalid(field+".id", "duplicate line %s", l.ID)
		}
		seen[l.ID] = true
		if !l.Required.IsPositive() {
			return invalid(field+".required", "must be positive")
		}
		if _, err := s.GetItem(ctx, l.ItemID); err != nil {
			if IsNotFound(err) {
				return invalid(field+".item_id", "unknown item %s", l.ItemID)
			}
			return err
		}
	}
	return nil
}

// requiredFor sums the requirement lines for one item.
func (t Task) requiredFor(item ItemID) Quantity {
	total := Zero
	for _, l := range t.Requirements {
		if l.ItemID == item {
			total = total.Add(l.Required)
		}
	}
	return total
}

// items returns the task's distinct items in requirement order.
func (t Task) items() []ItemID {
	var out []ItemID
	seen := map[ItemID]bool{}
	for _, l := range t.Requirements {
		if !seen[l.ItemID] {
			seen[l.ItemID] = true
			out = append(out, l.ItemID)
		}
	}
	return out
}

func (t Task) hasItem(item ItemID) bool {
	for _, l := range t.Requirements {
		if l.ItemID == item {
			return true
		}
	}
	return false
}
