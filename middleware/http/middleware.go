// Package http provides HTTP middleware for plan-based feature gating
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Resolver looks up the caller's access, usually a *gobilling.Machine (required)
	Resolver gobilling.AccessResolver

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnPaymentRequired is called when the caller's tier is too low
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(w http.ResponseWriter, r *http.Request, access gobilling.Access, required gobilling.Tier)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequirePlan creates an HTTP middleware that lets a request through only if
// the caller's current plan is at least min. The resolved access is stored
// in the request context.
func RequirePlan(minTier gobilling.Tier, config Config) func(http.Handler) http.Handler {
	if config.Resolver == nil {
		panic("gobilling/http: Config.Resolver is required")
	}
	if config.GetUserID == nil {
		panic("gobilling/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			access, err := config.Resolver.Access(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
				}
				return
			}

			w.Header().Set("X-Billing-Plan", string(access.Plan))
			if gobilling.CompareTiers(access.Tier, minTier) < 0 {
				if config.OnPaymentRequired != nil {
					config.OnPaymentRequired(w, r, access, minTier)
				} else {
					writeJSON(w, http.StatusPaymentRequired, PaymentRequiredBody(access, minTier))
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccess(r.Context(), access)))
		})
	}
}

// HandlerFunc is RequirePlan for http.HandlerFunc
func HandlerFunc(minTier gobilling.Tier, config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequirePlan(minTier, config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// PaymentRequiredBody is the default 402 response body.
func PaymentRequiredBody(access gobilling.Access, required gobilling.Tier) map[string]interface{} {
	return map[string]interface{}{
		"error":         "Payment required",
		"required_tier": required.String(),
		"current_plan":  string(access.Plan),
		"status":        string(access.Status),
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // client went away
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "billing:userID"

	accessKey ContextKey = "billing:access"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithAccess stores resolved access in ctx.
func WithAccess(ctx context.Context, access gobilling.Access) context.Context {
	return context.WithValue(ctx, accessKey, access)
}

// AccessFromContext returns the access stored by RequirePlan.
func AccessFromContext(ctx context.Context) (gobilling.Access, bool) {
	access, ok := ctx.Value(accessKey).(gobilling.Access)
	return access, ok
}
