package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/carecal/internal/domain"
	"github.com/djlord-it/carecal/internal/schedule"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// UserHeader carries the authenticated owner id. Authentication happens upstream.
const UserHeader = "X-User-Id"

// Service is the schedule lifecycle the API exposes.
type Service interface {
	Create(ctx context.Context, in schedule.CreateInput) (domain.Schedule, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	List(ctx context.Context, q domain.ScheduleQuery) ([]domain.Schedule, error)
	Patch(ctx context.Context, id uuid.UUID, p domain.Patch) (domain.Schedule, error)
	ToggleAlarm(ctx context.Context, id uuid.UUID) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListOccurrences(ctx context.Context, q domain.OccurrenceQuery) ([]domain.Occurrence, error)
	AuditOccurrences(ctx context.Context, scheduleID uuid.UUID) ([]domain.Occurrence, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	svc Service
	db  HealthChecker
	log zerolog.Logger
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc, log: zerolog.Nop()}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) WithLogger(log zerolog.Logger) *Handler {
	h.log = log
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "health":
		h.only(w, r, http.MethodGet, h.health)

	case len(parts) == 1 && parts[0] == "meta":
		h.only(w, r, http.MethodGet, h.meta)

	case len(parts) == 1 && parts[0] == "schedules":
		switch r.Method {
		case http.MethodPost:
			h.withUser(w, r, h.createSchedule)
		case http.MethodGet:
			h.withUser(w, r, h.listSchedules)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}

	case len(parts) == 2 && parts[0] == "schedules":
		switch r.Method {
		case http.MethodGet:
			h.withSchedule(w, r, parts[1], h.getSchedule)
		case http.MethodPatch:
			h.withSchedule(w, r, parts[1], h.patchSchedule)
		case http.MethodDelete:
			h.withSchedule(w, r, parts[1], h.deleteSchedule)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}

	case len(parts) == 3 && parts[0] == "schedules" && parts[2] == "alarm":
		h.only(w, r, http.MethodPatch, func(w http.ResponseWriter, r *http.Request) {
			h.withSchedule(w, r, parts[1], h.toggleAlarm)
		})

	case len(parts) == 3 && parts[0] == "schedules" && parts[2] == "audit":
		h.only(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
			h.auditSchedule(w, r, parts[1])
		})

	case len(parts) == 3 && parts[0] == "pets" && parts[2] == "occurrences":
		h.only(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
			h.withUser(w, r, func(w http.ResponseWriter, r *http.Request, owner int64) {
				h.listOccurrences(w, r, owner, parts[1])
			})
		})

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) only(w http.ResponseWriter, r *http.Request, method string, next http.HandlerFunc) {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	next(w, r)
}

func (h *Handler) withUser(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request, int64)) {
	owner, err := strconv.ParseInt(r.Header.Get(UserHeader), 10, 64)
	if err != nil || owner <= 0 {
		writeError(w, http.StatusUnauthorized, "missing or invalid "+UserHeader+" header")
		return
	}
	next(w, r, owner)
}

// withSchedule resolves the path id to a live schedule owned by the caller.
// Schedules owned by someone else are reported as not found.
func (h *Handler) withSchedule(w http.ResponseWriter, r *http.Request, rawID string, next func(http.ResponseWriter, *http.Request, domain.Schedule)) {
	h.withUser(w, r, func(w http.ResponseWriter, r *http.Request, owner int64) {
		id, err := uuid.Parse(rawID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid schedule id")
			return
		}
		sched, err := h.svc.Get(r.Context(), id)
		if err != nil {
			h.writeServiceError(w, "get schedule", err)
			return
		}
		if sched.OwnerUserID != owner {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		next(w, r, sched)
	})
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) meta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MetaResponse{
		Categories:         domain.Categories(),
		Frequencies:        domain.FrequencyKinds(),
		MaxReminderDays:    domain.MaxLeadDays,
		MaxDurationDays:    domain.MaxDurationDays,
		CustomIntervalForm: "CUSTOM_INTERVAL(n)",
	})
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// decodeBody reads a JSON body into v and runs its validation tags.
// It writes the error response itself and reports whether to continue.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := validateRequest(v); err != nil {
		h.writeServiceError(w, "validate request", err)
		return false
	}
	return true
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request, owner int64) {
	var req CreateScheduleRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	in, err := toCreateInput(owner, req)
	if err != nil {
		h.writeServiceError(w, "create schedule", err)
		return
	}

	sched, err := h.svc.Create(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, "create schedule", err)
		return
	}

	writeJSON(w, http.StatusCreated, newScheduleResponse(sched))
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request, owner int64) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := domain.ScheduleQuery{
		OwnerUserID: owner,
		Main:        domain.MainCategory(r.URL.Query().Get("main_category")),
		Sub:         domain.SubCategory(r.URL.Query().Get("sub_category")),
	}
	if raw := r.URL.Query().Get("pet_id"); raw != "" {
		petID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || petID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid pet_id")
			return
		}
		q.PetID = petID
	}

	schedules, err := h.svc.List(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, "list schedules", err)
		return
	}

	page := paginate(schedules, limit, offset)
	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, len(page))}
	for i, s := range page {
		resp.Schedules[i] = newScheduleResponse(s)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request, sched domain.Schedule) {
	writeJSON(w, http.StatusOK, newScheduleResponse(sched))
}

func (h *Handler) patchSchedule(w http.ResponseWriter, r *http.Request, sched domain.Schedule) {
	var req PatchScheduleRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	patch, err := toPatch(req)
	if err != nil {
		h.writeServiceError(w, "patch schedule", err)
		return
	}

	updated, err := h.svc.Patch(r.Context(), sched.ID, patch)
	if err != nil {
		h.writeServiceError(w, "patch schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, newScheduleResponse(updated))
}

func (h *Handler) toggleAlarm(w http.ResponseWriter, r *http.Request, sched domain.Schedule) {
	enabled, err := h.svc.ToggleAlarm(r.Context(), sched.ID)
	if err != nil {
		h.writeServiceError(w, "toggle alarm", err)
		return
	}
	writeJSON(w, http.StatusOK, newAlarmResponse(sched.ID, enabled))
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request, sched domain.Schedule) {
	if err := h.svc.Delete(r.Context(), sched.ID); err != nil {
		h.writeServiceError(w, "delete schedule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// auditSchedule is an operator endpoint: it returns every row, deleted ones
// included, even after the schedule itself was deleted, so it is not scoped
// to an owner.
func (h *Handler) auditSchedule(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	occs, err := h.svc.AuditOccurrences(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "audit occurrences", err)
		return
	}
	writeJSON(w, http.StatusOK, newOccurrenceList(occs))
}

func (h *Handler) listOccurrences(w http.ResponseWriter, r *http.Request, owner int64, rawPetID string) {
	petID, err := strconv.ParseInt(rawPetID, 10, 64)
	if err != nil || petID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid pet id")
		return
	}

	var errs domain.ValidationErrors
	from := parseDate(&errs, "from", r.URL.Query().Get("from"))
	to := parseDate(&errs, "to", r.URL.Query().Get("to"))
	if err := errs.Err(); err != nil {
		h.writeServiceError(w, "list occurrences", err)
		return
	}

	occs, err := h.svc.ListOccurrences(r.Context(), domain.OccurrenceQuery{
		PetID:       petID,
		OwnerUserID: owner,
		From:        from,
		To:          to,
	})
	if err != nil {
		h.writeServiceError(w, "list occurrences", err)
		return
	}
	writeJSON(w, http.StatusOK, newOccurrenceList(occs))
}

// writeServiceError maps domain errors onto HTTP statuses. Anything
// unrecognized is logged and reported as a 500 without details.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var many domain.ValidationErrors
	var one domain.ValidationError
	switch {
	case errors.As(err, &many):
		writeValidation(w, many)
	case errors.As(err, &one):
		writeValidation(w, domain.ValidationErrors{one})
	case errors.Is(err, domain.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "schedule not found")
	case errors.Is(err, domain.ErrReconciliationConflict):
		writeError(w, http.StatusConflict, "schedule was modified concurrently, retry")
	default:
		h.log.Error().Err(err).Str("op", op).Msg("api: request failed")
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func writeValidation(w http.ResponseWriter, errs domain.ValidationErrors) {
	resp := ErrorResponse{Error: "validation failed", Fields: make([]FieldError, len(errs))}
	for i, e := range errs {
		resp.Fields[i] = FieldError{Field: e.Field, Message: e.Message}
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
