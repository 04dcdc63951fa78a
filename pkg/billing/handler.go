package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing/internal"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const defaultMaxBodyBytes = 256 * 1024

// WebhookHandler returns the HTTP handler for provider webhooks.
func WebhookHandler(p *Processor, config HandlerConfig) http.Handler {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	h := &webhookHandler{processor: p, maxBody: config.MaxBodyBytes}

	var handler http.Handler = h
	if config.RateLimitRequests > 0 {
		window := config.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		if config.RateLimitStore != nil {
			handler = internal.SharedRateLimit(config.RateLimitStore, config.RateLimitRequests, window, handler)
		} else {
			handler = internal.NewRateLimiter(config.RateLimitRequests, window).Middleware(handler)
		}
	}
	return handler
}

type webhookHandler struct {
	processor *Processor
	maxBody   int64
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)
	name := h.processor.provider.Name()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.processor.provider.Configured() {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.processor.metrics.RecordWebhookError(name, "payload_too_large")
		} else {
			h.processor.metrics.RecordWebhookError(name, "invalid_payload")
		}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	receipt, err := h.processor.Ingest(r.Context(), Delivery{
		Method:   r.Method,
		Header:   r.Header,
		SourceIP: internal.GetClientIP(r),
		Body:     body,
	})
	switch {
	case err != nil && IsVerificationError(err):
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	case err != nil:
		h.processor.logger.Error("webhook delivery not logged", gobilling.Field{Key: "error", Value: err.Error()})
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	case receipt.Result.Failed():
		// A non-2xx answer makes the provider redeliver as well.
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
