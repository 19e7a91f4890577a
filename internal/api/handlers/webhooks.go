// Package handlers contains the HTTP handlers of the billing ledger API.
//
// Webhook intake is public and authenticated by each provider's signature.
// Every other route is mounted under /v1 behind the admin key.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingledger/internal/core"
	"billingledger/internal/gateway"
	"billingledger/internal/reconcile"
	"billingledger/internal/types"
)

// DefaultMaxWebhookBytes bounds a webhook body when no limit is configured.
const DefaultMaxWebhookBytes = 256 << 10

// WebhookProcessor verifies and applies one delivery.
type WebhookProcessor interface {
	Process(ctx context.Context, gw types.GatewayName, payload []byte, signature string) (*reconcile.Result, error)
}

// GatewayLookup is the subset of gateway.Registry the webhook routes need.
type GatewayLookup interface {
	Get(name types.GatewayName) (gateway.Adapter, error)
	Names() []types.GatewayName
}

// WebhookRecorder counts deliveries by gateway and outcome.
type WebhookRecorder interface {
	RecordWebhook(gateway, outcome string)
}

// WebhookHandler serves POST /webhooks/{gateway}.
type WebhookHandler struct {
	processor WebhookProcessor
	gateways  GatewayLookup
	adminHash types.SecretString
	maxBytes  int64
	metrics   WebhookRecorder
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. adminHash protects the manual
// gateway route, which has no provider signature of its own.
func NewWebhookHandler(processor WebhookProcessor, gateways GatewayLookup, adminHash types.SecretString, maxBytes int64, metrics WebhookRecorder, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxWebhookBytes
	}
	return &WebhookHandler{
		processor: processor,
		gateways:  gateways,
		adminHash: adminHash,
		maxBytes:  maxBytes,
		metrics:   metrics,
		logger:    logger,
	}
}

// RegisterRoutes mounts one route per configured gateway. Requests for any
// other gateway name get a JSON not_found_gateway error.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	for _, name := range h.gateways.Names() {
		handle := h.handle(name)
		if name == types.GatewayManual {
			r.With(core.AdminAuth(h.adminHash)).Post("/webhooks/"+string(name), handle)
			continue
		}
		r.Post("/webhooks/"+string(name), handle)
	}
	r.Post("/webhooks/{gateway}", h.unknownGateway)
}

func (h *WebhookHandler) handle(name types.GatewayName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		adapter, err := h.gateways.Get(name)
		if err != nil {
			core.Error(w, r, err)
			return
		}

		payload, err := core.ReadBody(w, r, h.maxBytes)
		if err != nil {
			h.record(name, "rejected")
			core.Error(w, r, err)
			return
		}

		var signature string
		if header := adapter.SignatureHeader(); header != "" {
			signature = r.Header.Get(header)
		}

		res, err := h.processor.Process(ctx, name, payload, signature)
		if err != nil {
			h.record(name, outcomeForError(err))
			h.logger.WarnContext(ctx, "webhook rejected",
				"gateway", name,
				"code", types.CodeOf(err),
				"error", err,
			)
			core.Error(w, r, err)
			return
		}

		h.record(name, string(res.Outcome))
		h.logger.InfoContext(ctx, "webhook accepted",
			"gateway", name,
			"log_id", res.LogID,
			"outcome", res.Outcome,
			"event_type", res.EventType,
			"event_id", res.EventID,
		)
		core.JSON(w, r, http.StatusOK, res)
	}
}

func (h *WebhookHandler) unknownGateway(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")
	h.record("unknown", "unknown_gateway")
	core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeNotFoundGateway,
		"payment gateway is not configured", nil, map[string]any{"gateway": name}))
}

func (h *WebhookHandler) record(gw types.GatewayName, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordWebhook(string(gw), outcome)
	}
}

func outcomeForError(err error) string {
	switch types.CodeOf(err) {
	case types.ErrCodeValidationSignatureInvalid:
		return "signature_invalid"
	case types.ErrCodeValidationInvalidPayload:
		return "malformed"
	}
	return "error"
}
