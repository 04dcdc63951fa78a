package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const (
	defaultListLimit  = 50
	defaultStatsHours = 24
	maxUserIDLen      = 255
)

// ErrUnauthorized is returned by Authorize functions for non-operator callers
var ErrUnauthorized = errors.New("unauthorized")

// errBadRequest wraps query validation failures
var errBadRequest = errors.New("bad request")

// Handler provides HTTP endpoints for operating the webhook pipeline
type Handler struct {
	config   Config
	validate *validator.Validate
}

// listQuery holds the list filters after parsing
type listQuery struct {
	Type       string `validate:"max=128"`
	Status     string `validate:"omitempty,oneof=pending processing completed failed ignored"`
	CustomerID string `validate:"max=255"`
	UserID     string `validate:"max=255"`
	Limit      int    `validate:"gte=0,lte=500"`
	Offset     int    `validate:"gte=0"`
	From       *time.Time
	To         *time.Time
}

type cleanupQuery struct {
	Days int `validate:"required,gte=1,lte=3650"`
}

type statsQuery struct {
	Hours int `validate:"gte=1,lte=8760"`
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// Router returns a gorilla/mux router serving every admin endpoint under /admin
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.Register(r)
	return r
}

// Register adds the admin routes to r
func (h *Handler) Register(r *mux.Router) {
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.authorize)

	admin.HandleFunc("/webhooks", h.ListEvents).Methods(http.MethodGet)
	admin.HandleFunc("/webhooks/stats", h.Stats).Methods(http.MethodGet)
	admin.HandleFunc("/webhooks/cleanup", h.Cleanup).Methods(http.MethodPost)
	admin.HandleFunc("/webhooks/{id}", h.GetEvent).Methods(http.MethodGet)
	admin.HandleFunc("/webhooks/{id}/retry", h.RetryEvent).Methods(http.MethodPost)
	if h.config.Subscriptions != nil {
		admin.HandleFunc("/subscriptions/{userID}", h.GetSubscription).Methods(http.MethodGet)
	}
}

func (h *Handler) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.Authorize != nil {
			if err := h.config.Authorize(r); err != nil {
				h.handleError(w, r, err, http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ListEvents serves GET /admin/webhooks
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q, err := h.parseListQuery(r)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	filter := gobilling.EventFilter{
		Type:       q.Type,
		Status:     gobilling.EventStatus(q.Status),
		CustomerID: q.CustomerID,
		UserID:     q.UserID,
		From:       q.From,
		To:         q.To,
		Limit:      q.Limit,
		Offset:     q.Offset,
	}
	if filter.Limit == 0 {
		filter.Limit = defaultListLimit
	}
	events, total, err := h.config.Admin.ListEvents(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list webhook events: %w", err), http.StatusInternalServerError)
		return
	}

	resp := EventListResponse{
		Events: make([]EventResponse, 0, len(events)),
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, newEventResponse(ev, false))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetEvent serves GET /admin/webhooks/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ev, err := h.config.Admin.GetEvent(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	h.writeJSON(w, http.StatusOK, newEventResponse(ev, true))
}

// RetryEvent serves POST /admin/webhooks/{id}/retry
func (h *Handler) RetryEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	receipt, err := h.config.Admin.Retry(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	resp := RetryResponse{
		EventID: receipt.EventID,
		Outcome: receipt.Result.Outcome.String(),
		Reason:  receipt.Result.Reason,
	}
	if receipt.Result.Err != nil {
		resp.Error = receipt.Result.Err.Error()
	}
	h.config.Logger.Info("admin retry",
		gobilling.Field{Key: "event_id", Value: id},
		gobilling.Field{Key: "outcome", Value: resp.Outcome})
	h.writeJSON(w, http.StatusOK, resp)
}

// Cleanup serves POST /admin/webhooks/cleanup?days=N
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var q cleanupQuery
	var err error
	if q.Days, err = intParam(r, "days", 0); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(q); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: days must be between 1 and 3650", errBadRequest), http.StatusBadRequest)
		return
	}

	deleted, err := h.config.Admin.Cleanup(r.Context(), q.Days)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to clean up webhook events: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, CleanupResponse{Deleted: deleted, Days: q.Days})
}

// Stats serves GET /admin/webhooks/stats?hours=N
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	var q statsQuery
	var err error
	if q.Hours, err = intParam(r, "hours", defaultStatsHours); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(q); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: hours must be between 1 and 8760", errBadRequest), http.StatusBadRequest)
		return
	}

	window := time.Duration(q.Hours) * time.Hour
	stats, err := h.config.Admin.Stats(r.Context(), window)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to aggregate webhook events: %w", err), http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Since:           time.Now().UTC().Add(-window),
		Total:           stats.Total,
		ByType:          stats.ByType,
		ByStatus:        make(map[string]int, len(stats.ByStatus)),
		AvgProcessingMs: stats.AvgProcessingMs,
	}
	for status, n := range stats.ByStatus {
		resp.ByStatus[string(status)] = n
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetSubscription serves GET /admin/subscriptions/{userID}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mux.Vars(r)["userID"]
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("%w: invalid user ID format", errBadRequest), http.StatusBadRequest)
		return
	}

	current, err := h.config.Subscriptions.Current(ctx, userID)
	if err != nil && !errors.Is(err, gobilling.ErrSubscriptionNotFound) {
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), http.StatusInternalServerError)
		return
	}
	access, err := h.config.Subscriptions.Access(ctx, userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to resolve access: %w", err), http.StatusInternalServerError)
		return
	}
	history, err := h.config.Subscriptions.History(ctx, userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get history: %w", err), http.StatusInternalServerError)
		return
	}

	resp := SubscriptionResponse{
		UserID:  userID,
		Plan:    string(access.Plan),
		Tier:    access.Tier.String(),
		Status:  string(access.Status),
		Current: newSubscriptionView(current),
		History: make([]HistoryEntryView, 0, len(history)),
	}
	for _, e := range history {
		resp.History = append(resp.History, HistoryEntryView{
			SubscriptionID: e.SubscriptionID,
			ChangeType:     string(e.ChangeType),
			PreviousPlan:   string(e.PreviousPlan),
			NewPlan:        string(e.NewPlan),
			EffectiveDate:  e.EffectiveDate,
			Notes:          e.Notes,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) parseListQuery(r *http.Request) (*listQuery, error) {
	v := r.URL.Query()
	q := &listQuery{
		Type:       v.Get("type"),
		Status:     v.Get("status"),
		CustomerID: v.Get("customer_id"),
		UserID:     v.Get("user_id"),
	}
	var err error
	if q.Limit, err = intParam(r, "limit", 0); err != nil {
		return nil, err
	}
	if q.Offset, err = intParam(r, "offset", 0); err != nil {
		return nil, err
	}
	if q.From, err = timeParam(r, "from"); err != nil {
		return nil, err
	}
	if q.To, err = timeParam(r, "to"); err != nil {
		return nil, err
	}
	if q.From != nil && q.To != nil && !q.To.After(*q.From) {
		return nil, fmt.Errorf("%w: to must be after from", errBadRequest)
	}
	if err := h.validate.Struct(q); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("%w: invalid %s", errBadRequest, verrs[0].Field())
		}
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return q, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC 3339", errBadRequest, name)
	}
	return &t, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gobilling.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrNotRetryable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.config.Logger.Warn("failed to encode admin response", gobilling.Field{Key: "error", Value: err.Error()})
	}
}

// handleError handles errors using OnError callback or default behavior
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("admin request failed",
			gobilling.Field{Key: "path", Value: r.URL.Path},
			gobilling.Field{Key: "error", Value: err.Error()})
	}

	// Default error handling
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
