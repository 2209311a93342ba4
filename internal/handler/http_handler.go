package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/platform/logger"
	"github.com/labforge/be-lab-bookings/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service *service.BookingService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service *service.BookingService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log,
	}
}

// RequestBooking handles booking admission HTTP requests
func (h *HTTPHandler) RequestBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.RequestBooking(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.RequiresApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// Approve handles approval HTTP requests
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

// Reject handles rejection HTTP requests
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *HTTPHandler) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		BookingID  string `json:"booking_id"`
		StepID     string `json:"step_id"`
		ApproverID string `json:"approver_id"`
		Comments   string `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	booking, err := h.service.Decide(r.Context(), req.BookingID, req.StepID, req.ApproverID, approve, req.Comments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// MarkNoShow handles no-show HTTP requests
func (h *HTTPHandler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		BookingID string `json:"booking_id"`
		ActorID   string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.MarkNoShow(r.Context(), req.BookingID, req.ActorID, time.Now()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "no_show"})
}

// Cancel handles booking cancellation HTTP requests
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		BookingID string `json:"booking_id"`
		UserID    string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	booking, err := h.service.Cancel(r.Context(), req.BookingID, req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// CheckIn handles session check-in HTTP requests
func (h *HTTPHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.sessionTransition(w, r, h.service.CheckIn)
}

// CheckOut handles session check-out HTTP requests
func (h *HTTPHandler) CheckOut(w http.ResponseWriter, r *http.Request) {
	h.sessionTransition(w, r, h.service.CheckOut)
}

func (h *HTTPHandler) sessionTransition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, bookingID, userID string, at time.Time) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		BookingID string     `json:"booking_id"`
		UserID    string     `json:"user_id"`
		At        *time.Time `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	at := time.Now()
	if req.At != nil {
		at = *req.At
	}
	if err := fn(r.Context(), req.BookingID, req.UserID, at); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Settle handles usage settlement HTTP requests
func (h *HTTPHandler) Settle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		BookingID string `json:"booking_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	record, err := h.service.Settle(r.Context(), req.BookingID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if record == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "settled", "billing": "none"})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// QuotaStatus handles quota status HTTP requests
func (h *HTTPHandler) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	resourceID := r.URL.Query().Get("resource_id") // optional filter
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	at := time.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "at must be RFC 3339", http.StatusBadRequest)
			return
		}
		at = parsed
	}

	statuses, err := h.service.QuotaStatusFor(r.Context(), userID, resourceID, at)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if statuses == nil {
		statuses = []*service.QuotaStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"allocations": statuses, "total": len(statuses)})
}

// ListOverdue handles overdue approval listing HTTP requests
func (h *HTTPHandler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	steps, err := h.service.CheckOverdue(r.Context(), time.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps, "total": len(steps)})
}

// EscalateOverdue handles escalation sweep HTTP requests
func (h *HTTPHandler) EscalateOverdue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	escalated, err := h.service.EscalateOverdue(r.Context(), time.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"escalated": escalated})
}

// AutoCheckOut handles the expired-session sweep HTTP requests
func (h *HTTPHandler) AutoCheckOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	closed, err := h.service.AutoCheckOutExpired(r.Context(), time.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"closed": closed})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperror.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}

	body := map[string]any{
		"code":    string(apperror.CodeOf(err)),
		"message": err.Error(),
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) && appErr.Details != nil {
		body["details"] = appErr.Details
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
