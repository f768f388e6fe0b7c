// Package handler exposes the order workflow over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orderbridge/internal/domain/order"
)

// OrderService is the workflow consumed by the handlers.
type OrderService interface {
	Intake(ctx context.Context, req order.IntakeRequest) (*order.IntakeResult, error)
	Pending(ctx context.Context, id string) (*order.Order, error)
	Confirm(ctx context.Context, id string) (*order.ConfirmResult, error)
	TestRecipients(ctx context.Context) map[string]bool
	Status(ctx context.Context) (*order.Status, error)
}

var _ OrderService = (*order.Service)(nil)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// PublicURL prefixes links sent to operators. When empty the request's
	// scheme and host are used.
	PublicURL string
	// Limit wraps the endpoints that fan out to the messaging provider.
	Limit func(http.Handler) http.Handler
}

// Handler serves the webhook, the confirmation pages and the operational
// endpoints.
type Handler struct {
	orders    OrderService
	publicURL string
	limit     func(http.Handler) http.Handler
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, orders OrderService) *Handler {
	limit := cfg.Limit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{
		orders:    orders,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		limit:     limit,
	}
}

// Register mounts all routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/", h.status)
	r.With(h.limit).Post("/webhook", h.webhook)
	r.With(h.limit).Get("/test-numeros", h.testRecipients)
	r.Get("/confirmar/{order_id}", h.confirmPage)
	r.Get("/procesar-confirmacion/{order_id}", h.processConfirmation)
}

// baseURL resolves the external origin for confirmation links.
func (h *Handler) baseURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + r.Host
}

type errorResponse struct {
	Error   string `json:"error"`
	OrderID string `json:"order_id,omitempty"`
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zctx.From(ctx).Warn("Failed to write response", zap.Error(err))
	}
}
