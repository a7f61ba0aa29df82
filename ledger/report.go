package ledger

import (
	"context"
	"time"
)

// LinkReport is one link with its snapshot and ordered event history.
type LinkReport struct {
	Link   IngredientLink
	Events []ConsumptionEvent
}

// LineReport aggregates the links of one requirement line.
type LineReport struct {
	LineID    LineID
	ItemID    ItemID
	Name      string
	Required  Quantity
	Linked    Quantity
	Consumed  Quantity
	Remaining Quantity
	// Percent is Consumed/Linked*100 with two decimals, 0 when nothing is linked.
	Percent Quantity
	Links   []LinkReport
}

type TaskReport struct {
	TaskID        TaskID
	Status        TaskStatus
	UsageRevision int
	Lines         []LineReport
	GeneratedAt   time.Time
}

// Report aggregates linked and consumed quantities per requirement line.
func (s *Service) Report(ctx context.Context, taskID TaskID) (TaskReport, error) {
	var report TaskReport
	err := s.query(ctx, "report", taskID, func(ctx context.Context) error {
		task, err := getTask(ctx, s.store, taskID)
		if err != nil {
			return err
		}
		links, err := s.store.ListLinksByTask(ctx, taskID)
		if err != nil {
			return err
		}
		byLine := map[LineID][]IngredientLink{}
		for _, l := range links {
			byLine[l.LineID] = append(byLine[l.LineID], l)
		}

		report = TaskReport{
			TaskID:        task.ID,
			Status:        task.Status,
			UsageRevision: task.UsageRevision,
			GeneratedAt:   s.now(),
		}
		for _, line := range task.Requirements {
			lr := LineReport{
				LineID:    line.ID,
				ItemID:    line.ItemID,
				Name:      line.Name,
				Required:  line.Required,
				Linked:    Zero,
				Consumed:  Zero,
				Remaining: Zero,
			}
			for _, l := range byLine[line.ID] {
				events, err := s.store.ListEventsByLink(ctx, l.ID)
				if err != nil {
					return err
				}
				lr.Linked = lr.Linked.Add(l.Linked)
				lr.Consumed = lr.Consumed.Add(l.Consumed)
				lr.Remaining = lr.Remaining.Add(l.Remaining())
				lr.Links = append(lr.Links, LinkReport{Link: l, Events: events})
			}
			lr.Percent = Percent(lr.Consumed, lr.Linked)
			report.Lines = append(report.Lines, lr)
		}
		return nil
	})
	return report, err
}
