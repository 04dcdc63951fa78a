// Package fiber provides Fiber middleware for plan-based feature gating
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// AccessKey is the Fiber Locals key holding the resolved gobilling.Access
const AccessKey = "billing.access"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnPaymentRequired func(c *fiber.Ctx, access gobilling.Access, required gobilling.Tier) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequirePlan creates Fiber middleware that admits callers whose current plan
// tier is at least minTier. The resolved access is stored in Locals under AccessKey.
func RequirePlan(minTier gobilling.Tier, cfg Config) fiber.Handler {
	if cfg.Resolver == nil {
		panic("gobilling/fiber: Config.Resolver is required")
	}
	if cfg.GetUserID == nil {
		panic("gobilling/fiber: Config.GetUserID is required")
	}

	// Set defaults
	if cfg.PaymentRequiredStatusCode == 0 {
		cfg.PaymentRequiredStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		// Fiber recycles its context; UserContext is the request scoped one
		access, err := cfg.Resolver.Access(c.UserContext(), userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		c.Set("X-Billing-Plan", string(access.Plan))
		if gobilling.CompareTiers(access.Tier, minTier) < 0 {
			if cfg.OnPaymentRequired != nil {
				return cfg.OnPaymentRequired(c, access, minTier)
			}
			return c.Status(cfg.PaymentRequiredStatusCode).JSON(fiber.Map{
				"error":         "Payment required",
				"required_tier": minTier.String(),
				"current_plan":  string(access.Plan),
				"status":        string(access.Status),
			})
		}

		c.Locals(AccessKey, access)
		return c.Next()
	}
}

// GetAccess returns the access stored by RequirePlan.
func GetAccess(c *fiber.Ctx) (gobilling.Access, bool) {
	access, ok := c.Locals(AccessKey).(gobilling.Access)
	return access, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In billing middleware config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
