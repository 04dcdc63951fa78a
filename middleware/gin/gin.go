// Package gin provides Gin middleware for plan-based feature gating
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// AccessKey is the Gin context key holding the resolved gobilling.Access
const AccessKey = "billing.access"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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

	// OnPaymentRequired is called when the caller's plan is too low. It must
	// write the response; the chain is aborted afterwards.
	OnPaymentRequired func(c *gongin.Context, access gobilling.Access, required gobilling.Tier)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequirePlan creates Gin middleware that admits callers whose current plan
// tier is at least minTier. The resolved access is stored under AccessKey.
func RequirePlan(minTier gobilling.Tier, cfg Config) gongin.HandlerFunc {
	if cfg.Resolver == nil {
		panic("gobilling/gin: Config.Resolver is required")
	}
	if cfg.GetUserID == nil {
		panic("gobilling/gin: Config.GetUserID is required")
	}

	// Set defaults
	if cfg.PaymentRequiredStatusCode == 0 {
		cfg.PaymentRequiredStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		access, err := cfg.Resolver.Access(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		c.Header("X-Billing-Plan", string(access.Plan))
		if gobilling.CompareTiers(access.Tier, minTier) < 0 {
			if cfg.OnPaymentRequired != nil {
				cfg.OnPaymentRequired(c, access, minTier)
			} else {
				c.JSON(cfg.PaymentRequiredStatusCode, gongin.H{
					"error":         "Payment required",
					"required_tier": minTier.String(),
					"current_plan":  string(access.Plan),
					"status":        string(access.Status),
				})
			}
			c.Abort()
			return
		}

		c.Set(AccessKey, access)
		c.Next()
	}
}

// GetAccess returns the access stored by RequirePlan.
func GetAccess(c *gongin.Context) (gobilling.Access, bool) {
	val, exists := c.Get(AccessKey)
	if !exists {
		return gobilling.Access{}, false
	}
	access, ok := val.(gobilling.Access)
	return access, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In billing middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
