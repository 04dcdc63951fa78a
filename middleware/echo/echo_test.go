package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/storage/memory"
)

// errorResolver always fails
type errorResolver struct{}

func (errorResolver) Access(context.Context, string) (gobilling.Access, error) {
	return gobilling.Access{}, errors.New("connection refused")
}

// Test helper to create a machine with one subscriber per plan
func setupTestMachine(t *testing.T) *gobilling.Machine {
	t.Helper()

	store := memory.New()
	now := time.Now().UTC()
	for _, s := range []*gobilling.Subscription{
		{ID: "s1", UserID: "pro_user", Plan: gobilling.PlanProYearly, Status: gobilling.StatusActive},
		{ID: "s2", UserID: "max_user", Plan: gobilling.PlanMaxMonthly, Status: gobilling.StatusActive},
		{ID: "s3", UserID: "expired_user", Plan: gobilling.PlanMaxMonthly, Status: gobilling.StatusExpired},
	} {
		s.CurrentPeriodStart = now.Add(-time.Hour)
		s.CurrentPeriodEnd = gobilling.PeriodEnd(s.Plan, s.CurrentPeriodStart)
		s.CreatedAt, s.UpdatedAt = now, now
		if err := store.CreateSubscription(context.Background(), s); err != nil {
			t.Fatalf("Failed to seed subscription: %v", err)
		}
	}

	machine, err := gobilling.NewMachine(store, gobilling.MachineConfig{})
	if err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}
	return machine
}

func newServer(minTier gobilling.Tier, cfg Config) *echo.Echo {
	e := echo.New()
	e.GET("/api/test", func(c echo.Context) error {
		access, ok := GetAccess(c)
		if !ok {
			return c.String(http.StatusInternalServerError, "no access")
		}
		return c.String(http.StatusOK, string(access.Plan))
	}, RequirePlan(minTier, cfg))
	return e
}

func do(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRequirePlan_Success(t *testing.T) {
	e := newServer(gobilling.TierPro, Config{
		Resolver:  setupTestMachine(t),
		GetUserID: FromHeader("X-User-ID"),
	})

	for _, user := range []string{"pro_user", "max_user"} {
		rec := do(e, user)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", user, rec.Code)
		}
	}
	if got := do(e, "pro_user").Body.String(); got != "pro_yearly" {
		t.Errorf("Expected 'pro_yearly', got %s", got)
	}
}

func TestRequirePlan_PaymentRequired(t *testing.T) {
	e := newServer(gobilling.TierMax, Config{
		Resolver:  setupTestMachine(t),
		GetUserID: FromHeader("X-User-ID"),
	})

	for _, user := range []string{"pro_user", "expired_user", "unknown"} {
		rec := do(e, user)
		if rec.Code != http.StatusPaymentRequired {
			t.Errorf("%s: expected status 402, got %d", user, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"required_tier":"max"`) {
			t.Errorf("%s: unexpected body %s", user, rec.Body.String())
		}
	}
	if got := do(e, "expired_user").Header().Get("X-Billing-Plan"); got != "free" {
		t.Errorf("expired subscription should resolve to free, got %q", got)
	}
}

func TestRequirePlan_CustomStatusCode(t *testing.T) {
	e := newServer(gobilling.TierPro, Config{
		Resolver:                  setupTestMachine(t),
		GetUserID:                 FromHeader("X-User-ID"),
		PaymentRequiredStatusCode: http.StatusForbidden,
	})

	if rec := do(e, "unknown"); rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestRequirePlan_CustomPaymentRequired(t *testing.T) {
	e := newServer(gobilling.TierMax, Config{
		Resolver:  setupTestMachine(t),
		GetUserID: FromHeader("X-User-ID"),
		OnPaymentRequired: func(c echo.Context, access gobilling.Access, _ gobilling.Tier) error {
			return c.String(http.StatusPaymentRequired, "upgrade from "+string(access.Plan))
		},
	})

	rec := do(e, "pro_user")
	if rec.Body.String() != "upgrade from pro_yearly" {
		t.Errorf("custom handler not used: %s", rec.Body.String())
	}
}

func TestRequirePlan_Unauthorized(t *testing.T) {
	e := newServer(gobilling.TierPro, Config{
		Resolver:  setupTestMachine(t),
		GetUserID: FromHeader("X-User-ID"),
	})

	if rec := do(e, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestRequirePlan_ResolverError(t *testing.T) {
	var gotErr error
	e := newServer(gobilling.TierPro, Config{
		Resolver:  errorResolver{},
		GetUserID: FromHeader("X-User-ID"),
	})
	if rec := do(e, "pro_user"); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}

	e = newServer(gobilling.TierPro, Config{
		Resolver:  errorResolver{},
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(c echo.Context, err error) error {
			gotErr = err
			return c.NoContent(http.StatusServiceUnavailable)
		},
	})
	if rec := do(e, "pro_user"); rec.Code != http.StatusServiceUnavailable || gotErr == nil {
		t.Errorf("custom error handler not used: %d", rec.Code)
	}
}

func TestRequirePlan_MissingConfigPanics(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no resolver", Config{GetUserID: FromHeader("X-User-ID")}},
		{"no user id", Config{Resolver: errorResolver{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Expected panic")
				}
			}()
			RequirePlan(gobilling.TierPro, tt.cfg)
		})
	}
}

func TestExtractors(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("GET", "/users/u1?user=u2", http.NoBody)
	req.Header.Set("X-User-ID", "u3")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("u1")
	c.Set("UserID", "u4")

	if got := FromParam("id")(c); got != "u1" {
		t.Errorf("FromParam = %q", got)
	}
	if got := FromQuery("user")(c); got != "u2" {
		t.Errorf("FromQuery = %q", got)
	}
	if got := FromHeader("X-User-ID")(c); got != "u3" {
		t.Errorf("FromHeader = %q", got)
	}
	if got := FromContext("UserID")(c); got != "u4" {
		t.Errorf("FromContext = %q", got)
	}
	if got := FromContext("missing")(c); got != "" {
		t.Errorf("FromContext(missing) = %q", got)
	}
}
