package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"billingledger/internal/core"
	"billingledger/internal/reconcile"
	"billingledger/internal/types"
)

// WebhookReplayer re-applies a stored delivery.
type WebhookReplayer interface {
	Replay(ctx context.Context, logID int64) (*reconcile.Result, error)
}

// ReplayHandler serves POST /v1/webhook-logs/{id}/replay.
type ReplayHandler struct {
	replayer WebhookReplayer
	logger   *slog.Logger
}

func NewReplayHandler(replayer WebhookReplayer, logger *slog.Logger) *ReplayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplayHandler{replayer: replayer, logger: logger}
}

func (h *ReplayHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook-logs/{id}/replay", h.Replay)
}

func (h *ReplayHandler) Replay(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationFailed,
			"webhook log id must be a positive integer", err, map[string]any{"id": raw}))
		return
	}

	res, err := h.replayer.Replay(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	actor, _ := types.GetActor(r.Context())
	h.logger.InfoContext(r.Context(), "webhook replayed",
		"log_id", id,
		"outcome", res.Outcome,
		"actor", actor.ID,
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: res})
}
