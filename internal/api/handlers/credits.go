package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"billingledger/internal/core"
	"billingledger/internal/ledger"
	"billingledger/internal/types"
)

// CreditLedger is the ledger surface exposed over HTTP.
type CreditLedger interface {
	Grant(ctx context.Context, tenantID string, owner types.OwnerRef, req ledger.GrantRequest) (*types.CreditTransaction, error)
	Debit(ctx context.Context, tenantID string, owner types.OwnerRef, req ledger.DebitRequest) (bool, error)
	CurrentBalance(ctx context.Context, tenantID string, owner types.OwnerRef) (int64, error)
	History(ctx context.Context, tenantID string, owner types.OwnerRef, limit int) ([]types.CreditTransaction, error)
}

// LedgerOpRecorder counts ledger API calls.
type LedgerOpRecorder interface {
	RecordLedgerOp(operation, result string)
}

// GrantCreditsRequest is the body of POST .../credits/grants. An empty owner
// means the tenant's own balance.
type GrantCreditsRequest struct {
	OwnerType   string         `json:"owner_type" validate:"required_with=OwnerID"`
	OwnerID     string         `json:"owner_id" validate:"required_with=OwnerType"`
	Amount      int64          `json:"amount" validate:"gt=0"`
	Kind        string         `json:"kind" validate:"required,grant_kind"`
	Description string         `json:"description" validate:"max=500"`
	Metadata    types.Metadata `json:"metadata"`
	ExpiresAt   *time.Time     `json:"expires_at"`
}

// DebitCreditsRequest is the body of POST .../credits/debits.
type DebitCreditsRequest struct {
	OwnerType   string         `json:"owner_type" validate:"required_with=OwnerID"`
	OwnerID     string         `json:"owner_id" validate:"required_with=OwnerType"`
	Amount      int64          `json:"amount" validate:"gt=0"`
	Description string         `json:"description" validate:"max=500"`
	Metadata    types.Metadata `json:"metadata"`
}

type BalanceResponse struct {
	TenantID string         `json:"tenant_id"`
	Owner    types.OwnerRef `json:"owner"`
	Balance  int64          `json:"balance"`
}

type DebitResponse struct {
	Applied bool  `json:"applied"`
	Balance int64 `json:"balance"`
}

// CreditsHandler serves the tenant credit endpoints.
type CreditsHandler struct {
	ledger    CreditLedger
	validator *core.Validator
	metrics   LedgerOpRecorder
	logger    *slog.Logger
}

func NewCreditsHandler(l CreditLedger, v *core.Validator, metrics LedgerOpRecorder, logger *slog.Logger) *CreditsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditsHandler{ledger: l, validator: v, metrics: metrics, logger: logger}
}

func (h *CreditsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/tenants/{tenantID}/credits", func(r chi.Router) {
		r.Get("/", h.GetBalance)
		r.Get("/transactions", h.ListTransactions)
		r.Post("/grants", h.Grant)
		r.Post("/debits", h.Debit)
	})
}

// GetBalance handles GET /v1/tenants/{tenantID}/credits.
func (h *CreditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	owner := ownerFromQuery(r)

	balance, err := h.ledger.CurrentBalance(r.Context(), tenantID, owner)
	if err != nil {
		h.fail(w, r, "balance", err)
		return
	}
	h.record("balance", "ok")
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: BalanceResponse{
		TenantID: tenantID,
		Owner:    effectiveOwner(tenantID, owner),
		Balance:  balance,
	}})
}

// ListTransactions handles GET /v1/tenants/{tenantID}/credits/transactions.
func (h *CreditsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationFailed,
				"limit must be a positive integer", err, map[string]any{"limit": raw}))
			return
		}
		limit = n
	}

	entries, err := h.ledger.History(r.Context(), tenantID, ownerFromQuery(r), limit)
	if err != nil {
		h.fail(w, r, "history", err)
		return
	}
	if entries == nil {
		entries = []types.CreditTransaction{}
	}
	h.record("history", "ok")
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: entries})
}

// Grant handles POST /v1/tenants/{tenantID}/credits/grants.
func (h *CreditsHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantCreditsRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	tenantID := chi.URLParam(r, "tenantID")
	entry, err := h.ledger.Grant(r.Context(), tenantID, types.OwnerRef{Type: req.OwnerType, ID: req.OwnerID}, ledger.GrantRequest{
		Amount:      req.Amount,
		Kind:        types.CreditKind(req.Kind),
		Description: req.Description,
		Metadata:    req.Metadata,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.fail(w, r, "grant", err)
		return
	}
	h.record("grant", "ok")
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: entry})
}

// Debit handles POST /v1/tenants/{tenantID}/credits/debits. Insufficient
// credits is a 402 and leaves the ledger untouched.
func (h *CreditsHandler) Debit(w http.ResponseWriter, r *http.Request) {
	var req DebitCreditsRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantID")
	owner := types.OwnerRef{Type: req.OwnerType, ID: req.OwnerID}

	applied, err := h.ledger.Debit(ctx, tenantID, owner, ledger.DebitRequest{
		Amount:      req.Amount,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.fail(w, r, "debit", err)
		return
	}
	if !applied {
		h.record("debit", "insufficient")
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodePaymentInsufficientCredits,
			"insufficient credits", nil, map[string]any{"requested": req.Amount}))
		return
	}

	balance, err := h.ledger.CurrentBalance(ctx, tenantID, owner)
	if err != nil {
		h.fail(w, r, "debit", err)
		return
	}
	h.record("debit", "ok")
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: DebitResponse{Applied: true, Balance: balance}})
}

func (h *CreditsHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.record(op, "error")
	if status := types.CodeOf(err).HTTPStatus(); status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "ledger operation failed",
			"operation", op,
			"tenant_id", chi.URLParam(r, "tenantID"),
			"error", err,
		)
	}
	core.Error(w, r, err)
}

func (h *CreditsHandler) record(op, result string) {
	if h.metrics != nil {
		h.metrics.RecordLedgerOp(op, result)
	}
}

func ownerFromQuery(r *http.Request) types.OwnerRef {
	q := r.URL.Query()
	return types.OwnerRef{Type: q.Get("owner_type"), ID: q.Get("owner_id")}
}

func effectiveOwner(tenantID string, owner types.OwnerRef) types.OwnerRef {
	if owner.IsZero() {
		return types.TenantOwner(tenantID)
	}
	return owner
}
