/*
allocation.go - Allocation strategies (dry run)

PURPOSE:
  Decides which batches, and how much of each, satisfy a required amount
  of one item for one task. Nothing is committed here: the plan is a
  preview that Reserve later re-validates inside its transaction.

STRATEGIES:
  FIFO:        oldest ReceivedAt first
  ExpiryFirst: earliest ExpiresAt first, non-expiring batches last,
               ties broken by ReceivedAt
  Manual:      the caller names (batch, quantity) pairs

CLAIMABLE:
  claimable(batch) = effectiveAvailable(batch, task) - task's own
  reservation on the batch. Greedy strategies skip expired batches and
  batches with nothing claimable.

SHORTFALL:
  A shortfall is an outcome, not a failure. Greedy plans return whatever
  was found with Shortfall set; plan.Err() describes it. Manual plans that
  do not cover Required return the plan together with a ShortfallError.

SEE ALSO:
  - reservation.go: effectiveAvailable, Reserve
  - service.go: PlanAllocation builds the candidates
*/
package ledger

import (
	"sort"
	"time"
)

// Strategy selects how a plan picks batches.
type Strategy string

const (
	StrategyFIFO        Strategy = "fifo"
	StrategyExpiryFirst Strategy = "expiry_first"
	StrategyManual      Strategy = "manual"
)

func (s Strategy) Valid() bool {
	return s == StrategyFIFO || s == StrategyExpiryFirst || s == StrategyManual
}

// AllocationIntent is one uncommitted claim on a batch.
type AllocationIntent struct {
	BatchID  BatchID
	Quantity Quantity
}

// Candidate is a batch with the quantity the planning task may still claim.
type Candidate struct {
	Batch     Batch
	Claimable Quantity
}

type PlanRequest struct {
	TaskID   TaskID
	ItemID   ItemID
	Required Quantity
	Strategy Strategy
	Manual   []AllocationIntent // only for StrategyManual
	At       time.Time          // expiry cut-off
}

// AllocationPlan is the ordered result of a strategy.
type AllocationPlan struct {
	TaskID    TaskID
	ItemID    ItemID
	Strategy  Strategy
	Intents   []AllocationIntent
	Allocated Quantity
	Required  Quantity
	Shortfall Quantity
}

// Complete reports whether the plan covers Required.
func (p AllocationPlan) Complete() bool {
	return p.Shortfall.IsZero()
}

// Err returns an *InsufficientAvailabilityError when the plan is short.
func (p AllocationPlan) Err() error {
	if p.Complete() {
		return nil
	}
	return &InsufficientAvailabilityError{
		ItemID:    p.ItemID,
		Requested: p.Required,
		Available: p.Allocated,
		Shortfall: p.Shortfall,
	}
}

// =============================================================================
// ALLOCATE
// =============================================================================

// Allocate runs the requested strategy over the item's candidates.
func Allocate(req PlanRequest, candidates []Candidate) (AllocationPlan, error) {
	if !req.Required.IsPositive() {
		return AllocationPlan{}, invalid("required", "must be positive")
	}

	plan := AllocationPlan{
		TaskID:    req.TaskID,
		ItemID:    req.ItemID,
		Strategy:  req.Strategy,
		Required:  req.Required,
		Allocated: Zero,
	}

	switch req.Strategy {
	case StrategyFIFO:
		sorted := sortCandidates(candidates, byReceived)
		plan.Intents, plan.Allocated = greedy(sorted, req.Required, req.At)
	case StrategyExpiryFirst:
		sorted := sortCandidates(candidates, byExpiry)
		plan.Intents, plan.Allocated = greedy(sorted, req.Required, req.At)
	case StrategyManual:
		intents, allocated, err := manual(req, candidates)
		if err != nil {
			return AllocationPlan{}, err
		}
		plan.Intents, plan.Allocated = intents, allocated
	default:
		return AllocationPlan{}, invalid("strategy", "unknown strategy %q", req.Strategy)
	}

	plan.Shortfall = req.Required.Sub(plan.Allocated).ClampZero()

	if req.Strategy == StrategyManual && !plan.Complete() {
		return plan, &ShortfallError{
			ItemID:    req.ItemID,
			Required:  req.Required,
			Covered:   plan.Allocated,
			Shortfall: plan.Shortfall,
		}
	}
	return plan, nil
}

func greedy(candidates []Candidate, required Quantity, at time.Time) ([]AllocationIntent, Quantity) {
	var intents []AllocationIntent
	allocated := Zero
	for _, c := range candidates {
		outstanding := required.Sub(allocated)
		if !outstanding.IsPositive() {
			break
		}
		if c.Batch.IsExpired(at) || !c.Claimable.IsPositive() {
			continue
		}
		take := outstanding.Min(c.Claimable)
		intents = append(intents, AllocationIntent{BatchID: c.Batch.ID, Quantity: take})
		allocated = allocated.Add(take)
	}
	return intents, allocated
}

func manual(req PlanRequest, candidates []Candidate) ([]AllocationIntent, Quantity, error) {
	if len(req.Manual) == 0 {
		return nil, Zero, invalid("manual", "no batches selected")
	}
	byID := make(map[BatchID]Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.Batch.ID] = c
	}

	picked := map[BatchID]Quantity{}
	allocated := Zero
	for i, pick := range req.Manual {
		c, ok := byID[pick.BatchID]
		if !ok {
			return nil, Zero, invalid("manual", "batch %s is not a batch of item %s", pick.BatchID, req.ItemID)
		}
		if !pick.Quantity.IsPositive() {
			return nil, Zero, invalid("manual", "pick %d: quantity must be positive", i)
		}
		total := picked[pick.BatchID].Add(pick.Quantity)
		if total.GreaterThan(c.Claimable) {
			return nil, Zero, &InsufficientAvailabilityError{
				BatchID:   pick.BatchID,
				ItemID:    req.ItemID,
				Requested: total,
				Available: c.Claimable.ClampZero(),
				Shortfall: total.Sub(c.Claimable.ClampZero()),
			}
		}
		picked[pick.BatchID] = total
		allocated = allocated.Add(pick.Quantity)
	}
	return req.Manual, allocated, nil
}

// =============================================================================
// ORDERING
// =============================================================================

type candidateLess func(a, b Batch) bool

func sortCandidates(in []Candidate, less candidateLess) []Candidate {
	out := make([]Candidate, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i].Batch, out[j].Batch)
	})
	return out
}

func byReceived(a, b Batch) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.ID < b.ID
}

func byExpiry(a, b Batch) bool {
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt == nil:
		return byReceived(a, b)
	case a.ExpiresAt == nil:
		return false
	case b.ExpiresAt == nil:
		return true
	case !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}
	return byReceived(a, b)
}
