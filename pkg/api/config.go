package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// SubscriptionReader is the read side of the state machine used by the
// subscription endpoint. *gobilling.Machine implements it.
type SubscriptionReader interface {
	Current(ctx context.Context, userID string) (*gobilling.Subscription, error)
	Access(ctx context.Context, userID string) (gobilling.Access, error)
	History(ctx context.Context, userID string) ([]*gobilling.HistoryEntry, error)
}

var _ SubscriptionReader = (*gobilling.Machine)(nil)

// Config holds configuration for the admin API handler
type Config struct {
	// Admin runs the operator actions on the webhook log (required)
	Admin *billing.Admin

	// Subscriptions serves GET /admin/subscriptions/{userID} (optional)
	// If nil, the route is not registered
	Subscriptions SubscriptionReader

	// Authorize rejects callers that are not operators (optional)
	// If nil, every request is allowed and the router must be mounted behind
	// the service's own authentication
	Authorize func(*http.Request) error

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: gobilling.NoopLogger)
	Logger gobilling.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Admin == nil {
		return fmt.Errorf("admin is required")
	}
	return nil
}

// NewHandler creates a new admin API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &gobilling.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
	}, nil
}

// Helper functions for common authorization patterns

// BearerToken returns an Authorize function that accepts requests carrying
// "Authorization: Bearer <token>"
func BearerToken(token string) func(*http.Request) error {
	return func(r *http.Request) error {
		if token == "" || !constantTimeEqual(r.Header.Get("Authorization"), "Bearer "+token) {
			return ErrUnauthorized
		}
		return nil
	}
}
