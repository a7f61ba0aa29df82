/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags and are checked by
  decode() before a handler runs. Quantities accept JSON numbers or
  strings and are always returned as fixed three-decimal strings.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/task.go: TaskJSON, the task definition body
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lot-ledger/factory"
	"github.com/warp/lot-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateItemRequest struct {
	ID   string `json:"id" validate:"required,max=128"`
	Name string `json:"name" validate:"max=256"`
	Unit string `json:"unit" validate:"required,max=32"`
}

type ReceiveBatchRequest struct {
	ID         string          `json:"id" validate:"max=128"`
	ItemID     string          `json:"item_id" validate:"required"`
	LotNumber  string          `json:"lot_number"`
	OnHand     ledger.Quantity `json:"on_hand" validate:"gte=0"`
	ExpiresAt  *time.Time      `json:"expires_at"`
	Location   string          `json:"location"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	ReceivedAt *time.Time      `json:"received_at"`
}

// CreateTaskRequest is the task definition schema.
type CreateTaskRequest = factory.TaskJSON

type TransitionRequest struct {
	Status string `json:"status" validate:"required"`
}

type IntentRequest struct {
	BatchID  string          `json:"batch_id" validate:"required"`
	Quantity ledger.Quantity `json:"quantity" validate:"gt=0"`
}

type PlanRequest struct {
	ItemID   string          `json:"item_id" validate:"required"`
	Required ledger.Quantity `json:"required" validate:"gte=0"`
	Strategy string          `json:"strategy" validate:"omitempty,oneof=fifo expiry_first manual"`
	Manual   []IntentRequest `json:"manual" validate:"dive"`
}

type ReserveRequest struct {
	ItemID  string          `json:"item_id" validate:"required"`
	Intents []IntentRequest `json:"intents" validate:"required,min=1,dive"`
}

type LinkRequest struct {
	LineID        string          `json:"line_id" validate:"required"`
	ReservationID string          `json:"reservation_id" validate:"required"`
	Quantity      ledger.Quantity `json:"quantity" validate:"gt=0"`
}

type ConsumptionRequest struct {
	Quantity       ledger.Quantity `json:"quantity" validate:"gte=0"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=256"`
}

type UsageRequest struct {
	Actuals map[string]ledger.Quantity `json:"actuals" validate:"required,dive,keys,required,endkeys,gte=0"`
}

// ConfirmRequest may omit actuals to settle the recorded usage.
type ConfirmRequest struct {
	Actuals map[string]ledger.Quantity `json:"actuals" validate:"omitempty,dive,keys,required,endkeys,gte=0"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

func toIntents(in []IntentRequest) []ledger.AllocationIntent {
	out := make([]ledger.AllocationIntent, len(in))
	for i, it := range in {
		out[i] = ledger.AllocationIntent{BatchID: ledger.BatchID(it.BatchID), Quantity: it.Quantity}
	}
	return out
}

func toActuals(in map[string]ledger.Quantity) map[ledger.ItemID]ledger.Quantity {
	if in == nil {
		return nil
	}
	out := make(map[ledger.ItemID]ledger.Quantity, len(in))
	for k, v := range in {
		out[ledger.ItemID(k)] = v
	}
	return out
}

// =============================================================================
// RESPONSES
// =============================================================================

type ItemDTO struct {
	ID   ledger.ItemID `json:"id"`
	Name string        `json:"name"`
	Unit string        `json:"unit"`
}

type BatchDTO struct {
	ID         ledger.BatchID `json:"id"`
	ItemID     ledger.ItemID  `json:"item_id"`
	LotNumber  string         `json:"lot_number"`
	OnHand     string         `json:"on_hand"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Location   string         `json:"location"`
	UnitCost   string         `json:"unit_cost"`
	ReceivedAt time.Time      `json:"received_at"`
	Expired    bool           `json:"expired"`
}

func toBatchDTO(b ledger.Batch, now time.Time) BatchDTO {
	return BatchDTO{
		ID:         b.ID,
		ItemID:     b.ItemID,
		LotNumber:  b.LotNumber,
		OnHand:     b.OnHand.StringFixed(),
		ExpiresAt:  b.ExpiresAt,
		Location:   b.Location,
		UnitCost:   b.UnitCost.String(),
		ReceivedAt: b.ReceivedAt,
		Expired:    b.IsExpired(now),
	}
}

type AvailabilityDTO struct {
	BatchID       ledger.BatchID `json:"batch_id"`
	ExcludingTask ledger.TaskID  `json:"excluding_task,omitempty"`
	Available     string         `json:"available"`
}

type LineDTO struct {
	ID       ledger.LineID `json:"id"`
	ItemID   ledger.ItemID `json:"item_id"`
	Name     string        `json:"name"`
	Required string        `json:"required"`
}

type TaskDTO struct {
	ID            ledger.TaskID     `json:"id"`
	Name          string            `json:"name"`
	Status        ledger.TaskStatus `json:"status"`
	Lines         []LineDTO         `json:"lines"`
	ActualUsage   map[string]string `json:"actual_usage,omitempty"`
	UsageRevision int               `json:"usage_revision"`
	ConfirmedAt   *time.Time        `json:"confirmed_at,omitempty"`
	ConfirmedBy   ledger.UserID     `json:"confirmed_by,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
	UpdatedBy     ledger.UserID     `json:"updated_by"`
	Version       int64             `json:"version"`
}

func toTaskDTO(t ledger.Task) TaskDTO {
	dto := TaskDTO{
		ID:            t.ID,
		Name:          t.Name,
		Status:        t.Status,
		Lines:         make([]LineDTO, len(t.Requirements)),
		UsageRevision: t.UsageRevision,
		ConfirmedAt:   t.ConfirmedAt,
		ConfirmedBy:   t.ConfirmedBy,
		UpdatedAt:     t.UpdatedAt,
		UpdatedBy:     t.UpdatedBy,
		Version:       t.Version,
	}
	for i, l := range t.Requirements {
		dto.Lines[i] = LineDTO{ID: l.ID, ItemID: l.ItemID, Name: l.Name, Required: l.Required.StringFixed()}
	}
	if len(t.ActualUsage) > 0 {
		dto.ActualUsage = make(map[string]string, len(t.ActualUsage))
		for item, q := range t.ActualUsage {
			dto.ActualUsage[string(item)] = q.StringFixed()
		}
	}
	return dto
}

type ReservationDTO struct {
	ID        ledger.ReservationID `json:"id"`
	TaskID    ledger.TaskID        `json:"task_id"`
	ItemID    ledger.ItemID        `json:"item_id"`
	BatchID   ledger.BatchID       `json:"batch_id"`
	Quantity  string               `json:"quantity"`
	UpdatedAt time.Time            `json:"updated_at"`
	UpdatedBy ledger.UserID        `json:"updated_by"`
	Version   int64                `json:"version"`

	// Set on listings only.
	LotNumber          string `json:"lot_number,omitempty"`
	EffectiveAvailable string `json:"effective_available,omitempty"`
	Claimable          string `json:"claimable,omitempty"`
}

func toReservationDTO(r ledger.Reservation) ReservationDTO {
	return ReservationDTO{
		ID:        r.ID,
		TaskID:    r.TaskID,
		ItemID:    r.ItemID,
		BatchID:   r.BatchID,
		Quantity:  r.Quantity.StringFixed(),
		UpdatedAt: r.UpdatedAt,
		UpdatedBy: r.UpdatedBy,
		Version:   r.Version,
	}
}

func toReservationViewDTO(v ledger.ReservationView) ReservationDTO {
	dto := toReservationDTO(v.Reservation)
	dto.LotNumber = v.LotNumber
	dto.EffectiveAvailable = v.EffectiveAvailable.StringFixed()
	dto.Claimable = v.Claimable.StringFixed()
	return dto
}

type IntentDTO struct {
	BatchID  ledger.BatchID `json:"batch_id"`
	Quantity string         `json:"quantity"`
}

type FailedIntentDTO struct {
	IntentDTO
	Error     string `json:"error"`
	Available string `json:"available,omitempty"`
}

type ReserveResultDTO struct {
	TaskID   ledger.TaskID     `json:"task_id"`
	ItemID   ledger.ItemID     `json:"item_id"`
	Reserved []ReservationDTO  `json:"reserved"`
	Failed   []FailedIntentDTO `json:"failed"`
}

type PlanDTO struct {
	TaskID    ledger.TaskID   `json:"task_id"`
	ItemID    ledger.ItemID   `json:"item_id"`
	Strategy  ledger.Strategy `json:"strategy"`
	Intents   []IntentDTO     `json:"intents"`
	Required  string          `json:"required"`
	Allocated string          `json:"allocated"`
	Shortfall string          `json:"shortfall"`
	Complete  bool            `json:"complete"`
}

func toPlanDTO(p ledger.AllocationPlan) PlanDTO {
	dto := PlanDTO{
		TaskID:    p.TaskID,
		ItemID:    p.ItemID,
		Strategy:  p.Strategy,
		Intents:   make([]IntentDTO, len(p.Intents)),
		Required:  p.Required.StringFixed(),
		Allocated: p.Allocated.StringFixed(),
		Shortfall: p.Shortfall.StringFixed(),
		Complete:  p.Complete(),
	}
	for i, in := range p.Intents {
		dto.Intents[i] = IntentDTO{BatchID: in.BatchID, Quantity: in.Quantity.StringFixed()}
	}
	return dto
}

type SnapshotDTO struct {
	ItemName   string     `json:"item_name"`
	Unit       string     `json:"unit"`
	LotNumber  string     `json:"lot_number"`
	Location   string     `json:"location"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	UnitCost   string     `json:"unit_cost"`
	CapturedAt time.Time  `json:"captured_at"`
}

type LinkDTO struct {
	ID            ledger.LinkID        `json:"id"`
	TaskID        ledger.TaskID        `json:"task_id"`
	LineID        ledger.LineID        `json:"line_id"`
	ReservationID ledger.ReservationID `json:"reservation_id"`
	ItemID        ledger.ItemID        `json:"item_id"`
	BatchID       ledger.BatchID       `json:"batch_id"`
	Linked        string               `json:"linked"`
	Consumed      string               `json:"consumed"`
	Remaining     string               `json:"remaining"`
	FullyConsumed bool                 `json:"fully_consumed"`
	Snapshot      SnapshotDTO          `json:"snapshot"`
	Version       int64                `json:"version"`
}

func toLinkDTO(l ledger.IngredientLink) LinkDTO {
	s := l.Snapshot
	return LinkDTO{
		ID:            l.ID,
		TaskID:        l.TaskID,
		LineID:        l.LineID,
		ReservationID: l.ReservationID,
		ItemID:        l.ItemID,
		BatchID:       l.BatchID,
		Linked:        l.Linked.StringFixed(),
		Consumed:      l.Consumed.StringFixed(),
		Remaining:     l.Remaining().StringFixed(),
		FullyConsumed: l.IsFullyConsumed(),
		Snapshot: SnapshotDTO{
			ItemName:   s.ItemName,
			Unit:       s.Unit,
			LotNumber:  s.LotNumber,
			Location:   s.Location,
			ExpiresAt:  s.ExpiresAt,
			UnitCost:   s.UnitCost.String(),
			CapturedAt: s.CapturedAt,
		},
		Version: l.Version,
	}
}

type EventDTO struct {
	ID         ledger.EventID `json:"id"`
	BatchID    ledger.BatchID `json:"batch_id"`
	Quantity   string         `json:"quantity"`
	At         time.Time      `json:"at"`
	RecordedBy ledger.UserID  `json:"recorded_by"`
}

type LinkReportDTO struct {
	LinkDTO
	Events []EventDTO `json:"events"`
}

type LineReportDTO struct {
	LineID    ledger.LineID   `json:"line_id"`
	ItemID    ledger.ItemID   `json:"item_id"`
	Name      string          `json:"name"`
	Required  string          `json:"required"`
	Linked    string          `json:"linked"`
	Consumed  string          `json:"consumed"`
	Remaining string          `json:"remaining"`
	Percent   string          `json:"percent"`
	Links     []LinkReportDTO `json:"links"`
}

type ReportDTO struct {
	TaskID        ledger.TaskID     `json:"task_id"`
	Status        ledger.TaskStatus `json:"status"`
	UsageRevision int               `json:"usage_revision"`
	Lines         []LineReportDTO   `json:"lines"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

func toReportDTO(r ledger.TaskReport) ReportDTO {
	dto := ReportDTO{
		TaskID:        r.TaskID,
		Status:        r.Status,
		UsageRevision: r.UsageRevision,
		Lines:         make([]LineReportDTO, len(r.Lines)),
		GeneratedAt:   r.GeneratedAt,
	}
	for i, l := range r.Lines {
		lr := LineReportDTO{
			LineID:    l.LineID,
			ItemID:    l.ItemID,
			Name:      l.Name,
			Required:  l.Required.StringFixed(),
			Linked:    l.Linked.StringFixed(),
			Consumed:  l.Consumed.StringFixed(),
			Remaining: l.Remaining.StringFixed(),
			Percent:   l.Percent.Value.StringFixed(2),
			Links:     make([]LinkReportDTO, len(l.Links)),
		}
		for j, link := range l.Links {
			events := make([]EventDTO, len(link.Events))
			for k, e := range link.Events {
				events[k] = EventDTO{ID: e.ID, BatchID: e.BatchID, Quantity: e.Quantity.StringFixed(), At: e.At, RecordedBy: e.RecordedBy}
			}
			lr.Links[j] = LinkReportDTO{LinkDTO: toLinkDTO(link.Link), Events: events}
		}
		dto.Lines[i] = lr
	}
	return dto
}

type SliceDTO struct {
	ItemID        ledger.ItemID           `json:"item_id"`
	BatchID       ledger.BatchID          `json:"batch_id"`
	ReservationID ledger.ReservationID    `json:"reservation_id,omitempty"`
	LinkID        ledger.LinkID           `json:"link_id,omitempty"`
	Quantity      string                  `json:"quantity"`
	Source        ledger.SettlementSource `json:"source"`
}

type SettlementDTO struct {
	TaskID      ledger.TaskID `json:"task_id"`
	Revision    int           `json:"revision"`
	Slices      []SliceDTO    `json:"slices"`
	ConfirmedAt time.Time     `json:"confirmed_at"`
	ConfirmedBy ledger.UserID `json:"confirmed_by"`
}

func toSettlementDTO(s ledger.Settlement) SettlementDTO {
	dto := SettlementDTO{
		TaskID:      s.TaskID,
		Revision:    s.Revision,
		Slices:      make([]SliceDTO, len(s.Slices)),
		ConfirmedAt: s.ConfirmedAt,
		ConfirmedBy: s.ConfirmedBy,
	}
	for i, sl := range s.Slices {
		dto.Slices[i] = SliceDTO{
			ItemID:        sl.ItemID,
			BatchID:       sl.BatchID,
			ReservationID: sl.ReservationID,
			LinkID:        sl.LinkID,
			Quantity:      sl.Quantity.StringFixed(),
			Source:        sl.Source,
		}
	}
	return dto
}

type ImportResultDTO struct {
	Received []BatchDTO `json:"received"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ScenarioResultDTO struct {
	ScenarioID string   `json:"scenario_id"`
	Tasks      []string `json:"tasks"`
	Batches    []string `json:"batches"`
	Notes      []string `json:"notes"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
