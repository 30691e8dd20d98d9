package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/auth"
	"github.com/lalithlochan/tbx/internal/catalog"
	"github.com/lalithlochan/tbx/internal/notify"
	"github.com/lalithlochan/tbx/internal/redis"
	"github.com/lalithlochan/tbx/internal/worker"
)

// UserHeader names the demo user a request acts for.
const UserHeader = "X-User"

const idempotencyScope = "confirm"

// Scheduler is the notification service driven by the API.
type Scheduler interface {
	State() notify.State
	Started() bool
	ArmedTasks() []string
	Subscribe(fn func(notify.State)) func()
	StartBackgroundNotifications(ctx context.Context) error
	Remind(ctx context.Context, slot notify.Slot, med catalog.Medication) error
	SweepMissed(ctx context.Context) error
	HandleMedicationConfirm(medicationID string) bool
	Reset(ctx context.Context) error
}

// NotificationCenter exposes the notifications displayed by the background
// worker.
type NotificationCenter interface {
	Notifications() []worker.Displayed
	Click(ctx context.Context, id, action string) (string, error)
	Push(ctx context.Context, n notify.Notification) (bool, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// StateResponse is returned by the state and lifecycle endpoints.
type StateResponse struct {
	State      notify.State `json:"state"`
	Started    bool         `json:"started"`
	ArmedTasks []string     `json:"armedTasks"`
}

// ReminderRequest is the body of POST /v1/reminders.
type ReminderRequest struct {
	Slot         notify.Slot `json:"slot"`
	MedicationID string      `json:"medicationId"`
}

// ConfirmResponse is returned after a confirm request.
type ConfirmResponse struct {
	MedicationID string `json:"medicationId"`
	Confirmed    bool   `json:"confirmed"`
}

// LoginRequest carries mock credentials.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Options holds the optional collaborators of a Handler.
type Options struct {
	Idempotency *redis.IdempotencyService // nil if Redis not configured
	Worker      NotificationCenter        // nil if the worker is disabled
	// Ping is the WebSocket keepalive interval.
	Ping time.Duration
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	svc         Scheduler
	catalog     notify.Catalog
	users       *auth.Directory
	idempotency *redis.IdempotencyService
	worker      NotificationCenter
	upgrader    websocket.Upgrader
	ping        time.Duration
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, svc Scheduler, cat notify.Catalog, users *auth.Directory, opts Options) *Handler {
	if opts.Ping <= 0 {
		opts.Ping = 30 * time.Second
	}
	return &Handler{
		logger:      logger,
		svc:         svc,
		catalog:     cat,
		users:       users,
		idempotency: opts.Idempotency,
		worker:      opts.Worker,
		ping:        opts.Ping,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// GetState handles GET /v1/state
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.stateResponse())
}

// StartNotifications handles POST /v1/notifications/start
func (h *Handler) StartNotifications(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StartBackgroundNotifications(r.Context()); err != nil {
		h.serviceError(w, err, "Failed to start reminders")
		return
	}

	h.logger.Info("reminder sequence started via api")
	h.writeJSON(w, http.StatusAccepted, h.stateResponse())
}

// ResetNotifications handles POST /v1/notifications/reset
func (h *Handler) ResetNotifications(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reset(r.Context()); err != nil {
		h.serviceError(w, err, "Failed to reset notifications")
		return
	}

	h.logger.Info("notification state reset via api")
	h.writeJSON(w, http.StatusOK, h.stateResponse())
}

// SweepMissed handles POST /v1/notifications/sweep
func (h *Handler) SweepMissed(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.SweepMissed(r.Context()); err != nil {
		h.serviceError(w, err, "Failed to sweep missed medications")
		return
	}
	h.writeJSON(w, http.StatusOK, h.stateResponse())
}

// SendReminder handles POST /v1/reminders
func (h *Handler) SendReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.MedicationID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "medicationId is required")
		return
	}
	if !req.Slot.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid slot", "slot must be first, second, or third")
		return
	}

	med, ok, err := h.findMedication(ctx, req.MedicationID)
	if err != nil {
		h.logger.Error("failed to load medication catalog", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "catalog_error", "Failed to load medications", "")
		return
	}
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Medication not found", "")
		return
	}

	if err := h.svc.Remind(ctx, req.Slot, med); err != nil {
		h.serviceError(w, err, "Failed to display reminder")
		return
	}
	h.writeJSON(w, http.StatusOK, h.stateResponse())
}

// ConfirmMedication handles POST /v1/medications/{id}/confirm
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) ConfirmMedication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	medID := chi.URLParam(r, "id")
	idempotencyKey := r.Header.Get("Idempotency-Key")

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, idempotencyScope, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			idempotencyKey = ""
		} else if cached != nil {
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, ConfirmResponse{
				MedicationID: cached.MedicationID,
				Confirmed:    cached.Confirmed,
			})
			return
		}
	}

	confirmed := h.svc.HandleMedicationConfirm(medID)
	resp := ConfirmResponse{MedicationID: medID, Confirmed: confirmed}

	h.logger.Info("medication confirm requested",
		zap.String("medication_id", medID),
		zap.Bool("confirmed", confirmed),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			MedicationID: medID,
			Confirmed:    confirmed,
			StatusCode:   http.StatusOK,
		}
		if err := h.idempotency.Store(ctx, idempotencyScope, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			if err := h.idempotency.Release(ctx, idempotencyScope, idempotencyKey); err != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(err))
			}
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ListMedications handles GET /v1/medications
// The X-User header restricts the list to what that user may view.
func (h *Handler) ListMedications(w http.ResponseWriter, r *http.Request) {
	meds, err := h.catalog.Medications(r.Context())
	if err != nil {
		h.logger.Error("failed to load medication catalog", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "catalog_error", "Failed to load medications", "")
		return
	}

	if username := r.Header.Get(UserHeader); username != "" {
		user, err := h.users.Lookup(username)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "Unknown user", "")
			return
		}
		meds = catalog.VisibleTo(meds, user)
	}

	state := h.svc.State()
	for i := range meds {
		meds[i] = withStatus(meds[i], state)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  meds,
		"count": len(meds),
	})
}

// Login handles POST /v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	user, err := h.users.Authenticate(req.Username, req.Password)
	if err != nil {
		h.logger.Info("login rejected", zap.String("username", req.Username))
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid credentials", "")
		return
	}

	h.logger.Info("user logged in", zap.String("username", user.Username), zap.String("role", string(user.Role)))
	h.writeJSON(w, http.StatusOK, user)
}

// AdminLogin handles POST /v1/admin/login
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.users.AuthenticateAdmin(req.Username, req.Password); err != nil {
		h.logger.Info("admin login rejected", zap.String("username", req.Username))
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid credentials", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"username": req.Username,
		"role":     "admin",
	})
}

// ListWorkerNotifications handles GET /v1/worker/notifications
func (h *Handler) ListWorkerNotifications(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		h.writeError(w, http.StatusServiceUnavailable, "worker_disabled", "Background worker is disabled", "")
		return
	}

	items := h.worker.Notifications()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  items,
		"count": len(items),
	})
}

// ClickWorkerNotification handles POST /v1/worker/notifications/{id}/{action}
func (h *Handler) ClickWorkerNotification(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		h.writeError(w, http.StatusServiceUnavailable, "worker_disabled", "Background worker is disabled", "")
		return
	}

	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")
	if action != worker.ActionConfirm && action != "dismiss" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid action", "action must be confirm or dismiss")
		return
	}

	target, err := h.worker.Click(r.Context(), id, action)
	if err != nil {
		if errors.Is(err, worker.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("notification click failed", zap.Error(err), zap.String("id", id))
		h.writeError(w, http.StatusInternalServerError, "worker_error", "Failed to handle notification click", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":       id,
		"action":   action,
		"navigate": target,
	})
}

// PushWorkerNotification handles POST /v1/worker/push
// Delivers a push-style notification to the background worker, which drops
// repeats of the same type and medication.
func (h *Handler) PushWorkerNotification(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		h.writeError(w, http.StatusServiceUnavailable, "worker_disabled", "Background worker is disabled", "")
		return
	}

	var n notify.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err.Error())
		return
	}
	if n.Title == "" || n.Data.MedicationID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "title and data.medicationId are required")
		return
	}
	if n.Data.Type != notify.KindReminder && n.Data.Type != notify.KindMissed {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification type", "data.type must be reminder or missed")
		return
	}

	displayed, err := h.worker.Push(r.Context(), n)
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrPermissionDenied):
			h.writeError(w, http.StatusForbidden, "permission_denied", "Notification permission denied", "")
		case errors.Is(err, worker.ErrNotActive):
			h.writeError(w, http.StatusServiceUnavailable, "worker_not_active", "Background worker is not active", "")
		default:
			h.logger.Error("push failed", zap.Error(err), zap.String("medication_id", n.Data.MedicationID))
			h.writeError(w, http.StatusInternalServerError, "worker_error", "Failed to display notification", "")
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"displayed": displayed,
		"key":       string(n.Data.Type) + "_" + n.Data.MedicationID,
	})
}

func (h *Handler) findMedication(ctx context.Context, id string) (catalog.Medication, bool, error) {
	meds, err := h.catalog.Medications(ctx)
	if err != nil {
		return catalog.Medication{}, false, err
	}
	m, ok := catalog.FindByID(meds, id)
	return m, ok, nil
}

func (h *Handler) stateResponse() StateResponse {
	return StateResponse{
		State:      h.svc.State(),
		Started:    h.svc.Started(),
		ArmedTasks: h.svc.ArmedTasks(),
	}
}

// withStatus overlays the scheduler's view of med onto the catalog entry.
func withStatus(med catalog.Medication, st notify.State) catalog.Medication {
	lists := []struct {
		status catalog.Status
		meds   []catalog.Medication
	}{
		{catalog.StatusConfirmed, st.ConfirmedMedications},
		{catalog.StatusMissed, st.MissedMedications},
		{catalog.StatusPending, st.PendingMedications},
	}
	for _, l := range lists {
		for _, m := range l.meds {
			if m.ID == med.ID {
				med.Status = l.status
				med.ConfirmationTime = m.ConfirmationTime
				med.Date = m.Date
				return med
			}
		}
	}
	return med
}

func (h *Handler) serviceError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, notify.ErrUnknownSlot):
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
	case errors.Is(err, notify.ErrClosed):
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", title, "notification service is shutting down")
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "display_failed", title, err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
