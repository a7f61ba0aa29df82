/*
handlers.go - HTTP API handlers for the lot ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to ledger.Service.

ENDPOINTS:
  Inventory:
    POST   /api/items                       Define item
    POST   /api/batches                     Receive batch
    POST   /api/batches/import              Receive batches from an xlsx body
    GET    /api/items/{id}/batches          List an item's batches
    GET    /api/batches/{id}/availability   Effective availability (?excluding_task=)

  Tasks:
    POST   /api/tasks                       Define task from JSON
    GET    /api/tasks/{id}                  Get task
    POST   /api/tasks/{id}/transition       Move along the state machine
    POST   /api/tasks/{id}/cancel           Cancel and release everything

  Reservations:
    POST   /api/tasks/{id}/plan             Preview an allocation
    POST   /api/tasks/{id}/reservations     Reserve intents (partial success)
    GET    /api/tasks/{id}/reservations     List with live availability
    DELETE /api/reservations/{id}           Cancel reservation

  Links and consumption:
    POST   /api/tasks/{id}/links            Link a reservation to a line
    DELETE /api/tasks/{id}/links            Unlink all
    DELETE /api/links/{id}                  Unlink one
    POST   /api/links/{id}/consumption      Record incremental consumption
    GET    /api/tasks/{id}/report           Report (?format=xlsx)

  Settlement:
    PUT    /api/tasks/{id}/usage            Revise actual usage
    POST   /api/tasks/{id}/confirm          Confirm consumption

ACTOR:
  The X-User-ID header names the user recorded on every mutation. Requests
  without it act as ledger.SystemUser.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid operands
  - 404: Record not found
  - 409: Business conflicts (availability, over-allocation, in use, consumed)
  - 503: Contention; the whole request may be retried
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/lot-ledger/factory"
	"github.com/warp/lot-ledger/ledger"
)

const (
	// UserHeader carries the acting user id.
	UserHeader = "X-User-ID"

	maxBodyBytes   = 1 << 20
	maxUploadBytes = 16 << 20

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Tasks   *factory.TaskFactory
	Log     logrus.FieldLogger
	Now     func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the given service.
func NewHandler(svc *ledger.Service, log logrus.FieldLogger) *Handler {
	return &Handler{
		Service: svc,
		Tasks:   factory.NewTaskFactory(),
		Log:     log.WithField("module", "api"),
		Now:     time.Now,
	}
}

// Actor copies the X-User-ID header into the request context.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(UserHeader); id != "" {
			r = r.WithContext(ledger.WithActor(r.Context(), ledger.UserID(id)))
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// INVENTORY HANDLERS
// =============================================================================

// CreateItem defines or renames an item.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	item := ledger.Item{ID: ledger.ItemID(req.ID), Name: req.Name, Unit: req.Unit}
	if err := h.Service.DefineItem(r.Context(), item); err != nil {
		h.fail(w, "Failed to define item", err)
		return
	}
	writeJSON(w, http.StatusCreated, ItemDTO{ID: item.ID, Name: item.Name, Unit: item.Unit})
}

// ReceiveBatch records one receipt.
func (h *Handler) ReceiveBatch(w http.ResponseWriter, r *http.Request) {
	var req ReceiveBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	b := ledger.Batch{
		ID:        ledger.BatchID(req.ID),
		ItemID:    ledger.ItemID(req.ItemID),
		LotNumber: req.LotNumber,
		OnHand:    req.OnHand,
		ExpiresAt: req.ExpiresAt,
		Location:  req.Location,
		UnitCost:  req.UnitCost,
	}
	if req.ReceivedAt != nil {
		b.ReceivedAt = *req.ReceivedAt
	}
	b, err := h.Service.ReceiveBatch(r.Context(), b)
	if err != nil {
		h.fail(w, "Failed to receive batch", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(b, h.Now()))
}

// ImportBatches receives every row of an xlsx body. Rows are received in
// order; the first failing row stops the import and earlier rows stay.
func (h *Handler) ImportBatches(w http.ResponseWriter, r *http.Request) {
	rows, err := factory.ImportBatchesXLSX(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		h.fail(w, "Invalid spreadsheet", err)
		return
	}
	out := ImportResultDTO{Received: make([]BatchDTO, 0, len(rows))}
	for _, row := range rows {
		b, err := h.Service.ReceiveBatch(r.Context(), row.Batch)
		if err != nil {
			h.fail(w, fmt.Sprintf("Failed to receive row %d (%d received)", row.Row, len(out.Received)), err)
			return
		}
		out.Received = append(out.Received, toBatchDTO(b, h.Now()))
	}
	writeJSON(w, http.StatusCreated, out)
}

// ListBatches returns an item's batches in receipt order.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Service.ListBatches(r.Context(), ledger.ItemID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to list batches", err)
		return
	}
	now := h.Now()
	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b, now)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAvailability returns a batch's effective availability.
// GET /api/batches/{id}/availability?excluding_task=
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	batchID := ledger.BatchID(chi.URLParam(r, "id"))
	excluding := ledger.TaskID(r.URL.Query().Get("excluding_task"))
	avail, err := h.Service.GetAvailability(r.Context(), batchID, excluding)
	if err != nil {
		h.fail(w, "Failed to compute availability", err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityDTO{BatchID: batchID, ExcludingTask: excluding, Available: avail.StringFixed()})
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

// CreateTask defines a task from its JSON definition.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	task, err := h.Tasks.ParseTask(body)
	if err != nil {
		h.fail(w, "Invalid task definition", err)
		return
	}
	task, err = h.Service.DefineTask(r.Context(), task)
	if err != nil {
		h.fail(w, "Failed to define task", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(task))
}

// GetTask returns a task.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Service.GetTask(r.Context(), taskID(r))
	if err != nil {
		h.fail(w, "Failed to get task", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task))
}

// TransitionTask moves a task to the requested status.
func (h *Handler) TransitionTask(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	task, err := h.Service.Transition(r.Context(), taskID(r), ledger.TaskStatus(req.Status))
	if err != nil {
		h.fail(w, "Failed to transition task", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task))
}

// CancelTask cancels a task, releasing its links and reservations.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Service.CancelTask(r.Context(), taskID(r))
	if err != nil {
		h.fail(w, "Failed to cancel task", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task))
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// PlanAllocation previews a strategy without reserving.
func (h *Handler) PlanAllocation(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	strategy := ledger.Strategy(req.Strategy)
	if strategy == "" {
		strategy = ledger.StrategyFIFO
	}
	plan, err := h.Service.PlanAllocation(r.Context(), ledger.PlanRequest{
		TaskID:   taskID(r),
		ItemID:   ledger.ItemID(req.ItemID),
		Required: req.Required,
		Strategy: strategy,
		Manual:   toIntents(req.Manual),
	})
	if err != nil {
		h.fail(w, "Failed to plan allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan))
}

// Reserve commits intents one by one. The response lists both the
// committed reservations and the failures; 201 only when nothing failed.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.Reserve(r.Context(), taskID(r), ledger.ItemID(req.ItemID), toIntents(req.Intents))
	if err != nil {
		h.fail(w, "Failed to reserve", err)
		return
	}

	dto := ReserveResultDTO{
		TaskID:   res.TaskID,
		ItemID:   res.ItemID,
		Reserved: make([]ReservationDTO, len(res.Reserved)),
		Failed:   make([]FailedIntentDTO, len(res.Failed)),
	}
	for i, rv := range res.Reserved {
		dto.Reserved[i] = toReservationDTO(rv)
	}
	for i, f := range res.Failed {
		fd := FailedIntentDTO{
			IntentDTO: IntentDTO{BatchID: f.Intent.BatchID, Quantity: f.Intent.Quantity.StringFixed()},
			Error:     f.Err.Error(),
		}
		var ie *ledger.InsufficientAvailabilityError
		if errors.As(f.Err, &ie) {
			fd.Available = ie.Available.StringFixed()
		}
		dto.Failed[i] = fd
	}

	status := http.StatusCreated
	switch {
	case len(res.Failed) > 0 && len(res.Reserved) > 0:
		status = http.StatusMultiStatus
	case len(res.Failed) > 0:
		status = statusFor(res.Err())
	}
	writeJSON(w, status, dto)
}

// ListReservations lists a task's reservations with live availability.
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	views, err := h.Service.ListReservations(r.Context(), taskID(r))
	if err != nil {
		h.fail(w, "Failed to list reservations", err)
		return
	}
	dtos := make([]ReservationDTO, len(views))
	for i, v := range views {
		dtos[i] = toReservationViewDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CancelReservation deletes an unlinked reservation.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id := ledger.ReservationID(chi.URLParam(r, "id"))
	if err := h.Service.Cancel(r.Context(), id); err != nil {
		h.fail(w, "Failed to cancel reservation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// LINK HANDLERS
// =============================================================================

// CreateLink binds reserved stock to a requirement line.
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if !h.decode(w, r, &req) {
		return
	}
	link, err := h.Service.Link(r.Context(), taskID(r), ledger.LineID(req.LineID), ledger.ReservationID(req.ReservationID), req.Quantity)
	if err != nil {
		h.fail(w, "Failed to link reservation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLinkDTO(link))
}

// DeleteLink removes one unconsumed link.
func (h *Handler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Unlink(r.Context(), ledger.LinkID(chi.URLParam(r, "id"))); err != nil {
		h.fail(w, "Failed to unlink", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteTaskLinks removes every link of a task.
func (h *Handler) DeleteTaskLinks(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.UnlinkAll(r.Context(), taskID(r))
	if err != nil {
		h.fail(w, "Failed to unlink task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// RecordConsumption adds to a link's consumed quantity. The Idempotency-Key
// header is used when the body names no key.
func (h *Handler) RecordConsumption(w http.ResponseWriter, r *http.Request) {
	var req ConsumptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	link, err := h.Service.RecordConsumption(r.Context(), ledger.LinkID(chi.URLParam(r, "id")), req.Quantity, key)
	if err != nil {
		h.fail(w, "Failed to record consumption", err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkDTO(link))
}

// GetReport returns the consumption report as JSON, or as a spreadsheet
// with ?format=xlsx.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Report(r.Context(), taskID(r))
	if err != nil {
		h.fail(w, "Failed to build report", err)
		return
	}
	if r.URL.Query().Get("format") == "xlsx" {
		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="report-%s.xlsx"`, report.TaskID))
		if err := factory.ExportReportXLSX(w, report); err != nil {
			h.Log.WithError(err).WithField("task_id", report.TaskID).Error("report export failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// ReviseUsage replaces the task's recorded actual usage.
func (h *Handler) ReviseUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if !h.decode(w, r, &req) {
		return
	}
	task, err := h.Service.ReviseBeforeConfirmation(r.Context(), taskID(r), toActuals(req.Actuals))
	if err != nil {
		h.fail(w, "Failed to revise usage", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task))
}

// ConfirmConsumption settles the task against on-hand stock.
func (h *Handler) ConfirmConsumption(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	settlement, err := h.Service.ConfirmConsumption(r.Context(), taskID(r), toActuals(req.Actuals))
	if err != nil {
		h.fail(w, "Failed to confirm consumption", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(settlement))
}

// =============================================================================
// HELPERS
// =============================================================================

func taskID(r *http.Request) ledger.TaskID {
	return ledger.TaskID(chi.URLParam(r, "id"))
}

// decode reads a JSON body into dst and validates it. An empty body leaves
// dst zero. It writes the error response itself and reports whether the
// handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := factory.Validate(dst); err != nil {
		h.fail(w, "Invalid request", err)
		return false
	}
	return true
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrInsufficientAvailability),
		errors.Is(err, ledger.ErrOverAllocation),
		errors.Is(err, ledger.ErrReservationInUse),
		errors.Is(err, ledger.ErrAlreadyConsumed),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrValidationFailed),
		errors.Is(err, ledger.ErrInvalidOperand):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).Error(message)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	resp := ErrorResponse{Error: message, Details: err.Error()}
	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = map[string]string{verr.Field: verr.Reason}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
