package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// RewardService defines the methods the reward handler requires.
type RewardService interface {
	Balances(ctx context.Context, owner string) ([]domain.RewardBalance, error)
	Claim(ctx context.Context, owner string, track domain.Track) (domain.Claim, error)
	CreditUtility(ctx context.Context, owner string, amount decimal.Decimal) error
	GetClaim(ctx context.Context, id string) (domain.Claim, error)
	ListClaims(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Claim, error)
}

// RewardHandler serves reward balance, claim, and utility-credit endpoints.
type RewardHandler struct {
	rewards RewardService
	logger  *slog.Logger
}

// NewRewardHandler creates a RewardHandler with the given service and logger.
func NewRewardHandler(rewards RewardService, logger *slog.Logger) *RewardHandler {
	return &RewardHandler{
		rewards: rewards,
		logger:  logger,
	}
}

// balancesResponse wraps the per-track balance listing.
type balancesResponse struct {
	Owner    string                 `json:"owner"`
	Balances []domain.RewardBalance `json:"balances"`
}

// ListBalances returns the owner's balances on every track.
// GET /api/rewards?owner=alice
func (h *RewardHandler) ListBalances(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}

	balances, err := h.rewards.Balances(r.Context(), owner)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list balances failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list balances")
		return
	}
	writeJSON(w, http.StatusOK, balancesResponse{Owner: owner, Balances: balances})
}

// claimRequest is the body for claiming a track's rewards.
type claimRequest struct {
	Owner string `json:"owner"`
	Track string `json:"track"`
}

// claimResponse reports the claim outcome. A zero amount with no claim id
// means nothing was claimable.
type claimResponse struct {
	ClaimID string          `json:"claim_id,omitempty"`
	Owner   string          `json:"owner"`
	Track   string          `json:"track"`
	Amount  decimal.Decimal `json:"amount"`
	State   string          `json:"state,omitempty"`
}

// Claim moves the owner's full claimable amount on a track to claimed state.
// POST /api/rewards/claim
func (h *RewardHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Owner == "" {
		writeError(w, http.StatusBadRequest, "owner required")
		return
	}

	claim, err := h.rewards.Claim(r.Context(), req.Owner, domain.Track(req.Track))
	if err != nil {
		writeDomainError(w, err, "failed to claim rewards")
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		ClaimID: claim.ID,
		Owner:   claim.Owner,
		Track:   string(claim.Track),
		Amount:  claim.Amount,
		State:   string(claim.State),
	})
}

// utilityCreditRequest is the body for recording a utility-score reward.
type utilityCreditRequest struct {
	Owner  string          `json:"owner"`
	Amount decimal.Decimal `json:"amount"`
}

// CreditUtility records an externally computed utility reward for an owner.
// POST /api/rewards/utility
func (h *RewardHandler) CreditUtility(w http.ResponseWriter, r *http.Request) {
	var req utilityCreditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.rewards.CreditUtility(r.Context(), req.Owner, req.Amount); err != nil {
		writeDomainError(w, err, "failed to credit utility reward")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "credited"})
}

// listClaimsResponse wraps the claim history listing.
type listClaimsResponse struct {
	Claims []domain.Claim `json:"claims"`
}

// ListClaims returns the owner's claim history, newest first.
// GET /api/claims?owner=alice
func (h *RewardHandler) ListClaims(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}

	claims, err := h.rewards.ListClaims(r.Context(), owner, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list claims failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list claims")
		return
	}

	if claims == nil {
		claims = []domain.Claim{}
	}
	writeJSON(w, http.StatusOK, listClaimsResponse{Claims: claims})
}

// GetClaim returns one claim by id.
// GET /api/claims/{id}
func (h *RewardHandler) GetClaim(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	claim, err := h.rewards.GetClaim(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to get claim")
		return
	}
	writeJSON(w, http.StatusOK, claim)
}
