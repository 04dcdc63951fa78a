// Package echo provides Echo middleware for plan-based feature gating
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// AccessKey is the Echo context key holding the resolved gobilling.Access
const AccessKey = "billing.access"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Resolver looks up the caller's access, usually a *gobilling.Machine (required)
	Resolver gobilling.AccessResolver

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// PaymentRequiredStatusCode is the HTTP status code to return when the
	// caller's plan is too low
	// Default: 402 (Payment Required)
	PaymentRequiredStatusCode int

	// OnPaymentRequired is called when the caller's plan is too low
	// If nil, uses default response: PaymentRequiredStatusCode JSON with plan info
	OnPaymentRequired func(c echo.Context, access gobilling.Access, required gobilling.Tier) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequirePlan creates Echo middleware that admits callers whose current plan
// tier is at least minTier. The resolved access is stored under AccessKey.
func RequirePlan(minTier gobilling.Tier, cfg Config) echo.MiddlewareFunc {
	if cfg.Resolver == nil {
		panic("gobilling/echo: Config.Resolver is required")
	}
	if cfg.GetUserID == nil {
		panic("gobilling/echo: Config.GetUserID is required")
	}

	// Set defaults
	if cfg.PaymentRequiredStatusCode == 0 {
		cfg.PaymentRequiredStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			access, err := cfg.Resolver.Access(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			c.Response().Header().Set("X-Billing-Plan", string(access.Plan))
			if gobilling.CompareTiers(access.Tier, minTier) < 0 {
				if cfg.OnPaymentRequired != nil {
					return cfg.OnPaymentRequired(c, access, minTier)
				}
				return defaultPaymentRequired(c, access, minTier, cfg.PaymentRequiredStatusCode)
			}

			c.Set(AccessKey, access)
			return next(c)
		}
	}
}

// GetAccess returns the access stored by RequirePlan.
func GetAccess(c echo.Context) (gobilling.Access, bool) {
	access, ok := c.Get(AccessKey).(gobilling.Access)
	return access, ok
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultPaymentRequired(c echo.Context, access gobilling.Access, required gobilling.Tier, statusCode int) error {
	return c.JSON(statusCode, map[string]interface{}{
		"error":         "Payment required",
		"required_tier": required.String(),
		"current_plan":  string(access.Plan),
		"status":        string(access.Status),
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In billing middleware config:
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
