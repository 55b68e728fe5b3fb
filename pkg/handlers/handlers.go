package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"exchange-sla-tracker/pkg/models"
	"exchange-sla-tracker/pkg/monitor"
	"exchange-sla-tracker/pkg/sla"
	"exchange-sla-tracker/pkg/store"
)

type RequestStore interface {
	Get(ctx context.Context, id string) (models.Request, error)
	Create(ctx context.Context, req models.Request) error
	UpdateStatus(ctx context.Context, id string, status models.Status) error
	ActiveCount(ctx context.Context) (int64, error)
}

type DeadlineCalculator interface {
	ComputeDeadline(direction models.Direction, amount decimal.Decimal, currencyCode string, priority models.ClientPriority, createdAt time.Time) (sla.Deadline, error)
}

type JobRunner interface {
	RunJob(ctx context.Context, name string) error
	Status() []monitor.JobStatus
}

type RoleWriter interface {
	Assign(ctx context.Context, role models.Role, userIDs ...string) error
	SetActive(ctx context.Context, userID string, active bool) error
}

type AuditReader interface {
	Recent(ctx context.Context, count int64) ([]models.AuditEntry, error)
}

// Dependencies groups what the HTTP surface talks to
type Dependencies struct {
	Requests   RequestStore
	Calculator DeadlineCalculator
	Jobs       JobRunner
	Roles      RoleWriter
	Audit      AuditReader
}

type Handler struct {
	deps         Dependencies
	logger       *logrus.Logger
	isLeaderFunc func() bool
	now          func() time.Time
}

func NewHandler(deps Dependencies, logger *logrus.Logger, isLeaderFunc func() bool) *Handler {
	return &Handler{
		deps:         deps,
		logger:       logger,
		isLeaderFunc: isLeaderFunc,
		now:          time.Now,
	}
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// RegisterRequest computes the SLA deadline of a new request and stores it
func (h *Handler) RegisterRequest(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	if requestID == "" {
		http.Error(w, "Missing request ID", http.StatusBadRequest)
		return
	}

	var body struct {
		Direction      models.Direction      `json:"direction"`
		Priority       models.ClientPriority `json:"priority"`
		Amount         decimal.Decimal       `json:"amount"`
		CurrencyCode   string                `json:"currency_code"`
		AssignedUserID string                `json:"assigned_user_id"`
		OfficeID       string                `json:"office_id"`
		Status         models.Status         `json:"status,omitempty"`
		CreatedAt      time.Time             `json:"created_at,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.CurrencyCode == "" {
		http.Error(w, "Missing currency_code", http.StatusBadRequest)
		return
	}
	if body.Priority == "" {
		body.Priority = models.PriorityNormal
	}
	if !body.Priority.Valid() {
		http.Error(w, "Invalid priority", http.StatusBadRequest)
		return
	}
	if body.Status == "" {
		body.Status = models.StatusNew
	}
	if !body.Status.Valid() {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}
	if body.CreatedAt.IsZero() {
		body.CreatedAt = h.now()
	}

	log := h.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"direction":  body.Direction,
	})

	deadline, err := h.deps.Calculator.ComputeDeadline(body.Direction, body.Amount, body.CurrencyCode, body.Priority, body.CreatedAt)
	if err != nil {
		var cfgErr *sla.ConfigError
		if errors.As(err, &cfgErr) {
			http.Error(w, "No SLA rule for direction", http.StatusUnprocessableEntity)
			return
		}
		log.WithError(err).Error("Failed to compute SLA deadline")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if deadline.ConversionErr != nil {
		log.WithError(deadline.ConversionErr).Warn("Amount not convertible, request treated as non-urgent")
	}

	at := deadline.At
	req := models.Request{
		ID:             requestID,
		Direction:      body.Direction,
		Priority:       body.Priority,
		CreatedAt:      body.CreatedAt,
		Status:         body.Status,
		Amount:         body.Amount,
		CurrencyCode:   body.CurrencyCode,
		AssignedUserID: body.AssignedUserID,
		OfficeID:       body.OfficeID,
		SLADeadline:    &at,
	}

	if err := h.deps.Requests.Create(r.Context(), req); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			http.Error(w, "Request already registered", http.StatusConflict)
			return
		}
		log.WithError(err).Error("Failed to save request")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":      true,
		"request_id":   requestID,
		"sla_deadline": deadline.At,
		"sla_minutes":  deadline.Minutes,
		"urgent":       deadline.Urgent,
		"adjusted":     deadline.Adjusted,
	})

	log.WithFields(logrus.Fields{
		"sla_deadline": deadline.At,
		"urgent":       deadline.Urgent,
	}).Debug("Registered request")
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]

	req, err := h.deps.Requests.Get(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Request not found", http.StatusNotFound)
			return
		}
		h.logger.WithError(err).WithField("request_id", requestID).Error("Failed to load request")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]

	var body struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !body.Status.Valid() {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}

	if err := h.deps.Requests.UpdateStatus(r.Context(), requestID, body.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Request not found", http.StatusNotFound)
			return
		}
		h.logger.WithError(err).WithField("request_id", requestID).Error("Failed to update status")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"request_id": requestID,
		"status":     body.Status,
		"terminal":   body.Status.IsTerminal(),
	})
}

func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role, userID := models.Role(vars["role"]), vars["user"]

	switch role {
	case models.RoleAdmin, models.RoleSeniorOperator, models.RoleOperator:
	default:
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}

	if err := h.deps.Roles.Assign(r.Context(), role, userID); err != nil {
		h.logger.WithError(err).WithField("target_user_id", userID).Error("Failed to assign role")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"role":    role,
		"user_id": userID,
	})
}

func (h *Handler) SetUserActive(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]

	var body struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Active == nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.deps.Roles.SetActive(r.Context(), userID, *body.Active); err != nil {
		h.logger.WithError(err).WithField("target_user_id", userID).Error("Failed to update user")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user_id": userID,
		"active":  *body.Active,
	})
}

// RunJob triggers a job by name. Overlap and leadership guards still apply.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	err := h.deps.Jobs.RunJob(r.Context(), name)
	switch {
	case errors.Is(err, monitor.ErrUnknownJob):
		http.Error(w, "Unknown job", http.StatusNotFound)
		return
	case errors.Is(err, monitor.ErrJobRunning), errors.Is(err, monitor.ErrNotLeader):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"job":     name,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"job":     name,
	})
}

// RecentAudit lists the newest audit entries, ?limit=N
func (h *Handler) RecentAudit(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultAuditLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if n > maxAuditLimit {
			n = maxAuditLimit
		}
		limit = n
	}

	entries, err := h.deps.Audit.Recent(r.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read audit log")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.deps.Requests.ActiveCount(r.Context())
	if err != nil {
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"is_leader":       h.isLeaderFunc(),
		"active_requests": count,
		"timestamp":       h.now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	count, err := h.deps.Requests.ActiveCount(r.Context())
	if err != nil {
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"is_leader":       h.isLeaderFunc(),
		"active_requests": count,
		"jobs":            h.deps.Jobs.Status(),
		"timestamp":       h.now(),
	})
}
