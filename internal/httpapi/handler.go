package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"waitline/queue-service/internal/metrics"
	"waitline/queue-service/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store       store.TurnStore
	joinLimiter *JoinLimiter
	collector   *metrics.Collector
}

type Options struct {
	JoinLimiter *JoinLimiter
	Metrics     *metrics.Collector
}

func NewHandler(st store.TurnStore, options Options) *Handler {
	return &Handler{
		store:       st,
		joinLimiter: options.JoinLimiter,
		collector:   options.Metrics,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	join := http.HandlerFunc(h.handleJoinQueue)
	if h.joinLimiter != nil {
		mux.Handle("/api/queue/join", h.joinLimiter.Limit(join))
	} else {
		mux.Handle("/api/queue/join", join)
	}
	mux.HandleFunc("/api/queue", h.handleSnapshot)
	mux.HandleFunc("/api/turns/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/turns/", h.handleTurnRoutes)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

type joinQueueRequest struct {
	RequestID   string          `json:"request_id"`
	ClinicSlug  string          `json:"clinic_slug"`
	PatientName string          `json:"patient_name"`
	Answers     json.RawMessage `json:"answers"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req joinQueueRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ClinicSlug = strings.TrimSpace(req.ClinicSlug)
	req.PatientName = strings.TrimSpace(req.PatientName)

	if req.ClinicSlug == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "clinic_slug is required")
		return
	}
	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}

	turn, created, err := h.store.JoinQueue(r.Context(), store.JoinQueueInput{
		RequestID:   req.RequestID,
		ClinicSlug:  req.ClinicSlug,
		PatientName: req.PatientName,
		Answers:     req.Answers,
		JoinedAt:    time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	if created && h.collector != nil {
		h.collector.TurnsIssued.WithLabelValues(string(turn.Status)).Inc()
	}
	writeJSON(w, http.StatusOK, turn)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	slug := strings.TrimSpace(r.URL.Query().Get("clinic"))
	if slug == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "clinic is required")
		return
	}

	clinic, err := h.store.GetClinicBySlug(r.Context(), slug)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	turns, err := h.store.SnapshotQueue(r.Context(), clinic.ClinicID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, turns)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	turn, err := h.store.CallNext(r.Context(), store.CallNextInput{
		ClinicID: session.ClinicID,
		CalledAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNoTurn) {
			if h.collector != nil {
				h.collector.CallNextTotal.WithLabelValues("empty").Inc()
			}
			writeError(w, http.StatusConflict, "queue_empty", "no turns eligible")
			return
		}
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	if h.collector != nil {
		h.collector.CallNextTotal.WithLabelValues("promoted").Inc()
	}
	writeJSON(w, http.StatusOK, turn)
}

// handleTurnRoutes serves GET /api/turns/{id} (public status poll) and
// POST /api/turns/{id}/actions/{action} (staff status changes).
func (h *Handler) handleTurnRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/turns/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleTurnStatus(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodPost:
		h.handleTurnAction(w, r, parts[0], parts[2])
	case len(parts) == 1 || (len(parts) == 3 && parts[1] == "actions"):
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleTurnStatus(w http.ResponseWriter, r *http.Request, turnID string) {
	if !isValidUUID(turnID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "turn_id must be a UUID")
		return
	}

	status, err := h.store.GetTurnStatus(r.Context(), turnID)
	if err != nil {
		httpStatus, code, msg := mapError(err)
		writeError(w, httpStatus, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

var turnActions = map[string]bool{
	"cancel": true,
	"delay":  true,
	"urgent": true,
	"resume": true,
	"done":   true,
}

func (h *Handler) handleTurnAction(w http.ResponseWriter, r *http.Request, turnID, action string) {
	if !isValidUUID(turnID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "turn_id must be a UUID")
		return
	}
	if !turnActions[action] {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	turn, err := h.store.ChangeStatus(r.Context(), store.ChangeStatusInput{
		ClinicID:   session.ClinicID,
		TurnID:     turnID,
		Action:     action,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, turn)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), session.ClinicID, after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// mapError converts store errors to HTTP responses. Anything unmapped is
// a generic 500: internal details never reach the caller.
func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrClinicNotFound):
		return http.StatusNotFound, "clinic_not_found", "clinic not found"
	case errors.Is(err, store.ErrTurnNotFound):
		return http.StatusNotFound, "turn_not_found", "turn not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "turn state does not allow this action"
	case errors.Is(err, store.ErrInvalidAction):
		return http.StatusNotFound, "unknown_action", "unknown turn action"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
