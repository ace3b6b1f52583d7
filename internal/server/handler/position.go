package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/lpledger/internal/domain"
	"github.com/alanyoungcy/lpledger/internal/ledger"
)

// PositionService defines the methods the position handler requires.
type PositionService interface {
	Open(ctx context.Context, owner string, principal, lockupSeconds int64) (domain.Position, error)
	Get(ctx context.Context, id string) (domain.Position, error)
	ListByOwner(ctx context.Context, owner string) ([]domain.Position, error)
	Increase(ctx context.Context, id string, amount int64) (domain.Position, error)
	Withdraw(ctx context.Context, id string) (ledger.WithdrawReceipt, error)
	Stats(ctx context.Context, id string) (ledger.PositionStats, error)
}

// PositionHandler serves position lifecycle HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns all positions for a given owner.
// GET /api/positions?owner=alice
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}

	positions, err := h.positions.ListByOwner(r.Context(), owner)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// openPositionRequest is the body for opening a position.
type openPositionRequest struct {
	Owner         string `json:"owner"`
	Principal     int64  `json:"principal"`
	LockupSeconds int64  `json:"lockup_seconds"`
}

// OpenPosition creates a new locked position.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pos, err := h.positions.Open(r.Context(), req.Owner, req.Principal, req.LockupSeconds)
	if err != nil {
		writeDomainError(w, err, "failed to open position")
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// GetPosition returns one position by id.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	pos, err := h.positions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to get position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetStats returns the derived stats for one position.
// GET /api/positions/{id}/stats
func (h *PositionHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	stats, err := h.positions.Stats(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// increaseRequest is the body for adding principal.
type increaseRequest struct {
	Amount int64 `json:"amount"`
}

// IncreasePosition adds principal to an open position.
// POST /api/positions/{id}/increase
func (h *PositionHandler) IncreasePosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req increaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pos, err := h.positions.Increase(r.Context(), id, req.Amount)
	if err != nil {
		writeDomainError(w, err, "failed to increase position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// withdrawResponse reports the outcome of a withdrawal.
type withdrawResponse struct {
	Position domain.Position `json:"position"`
	Returned int64           `json:"returned"`
	Penalty  int64           `json:"penalty"`
	Early    bool            `json:"early"`
}

// WithdrawPosition retires a position and returns the principal owed.
// POST /api/positions/{id}/withdraw
func (h *PositionHandler) WithdrawPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	receipt, err := h.positions.Withdraw(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to withdraw position")
		return
	}

	h.logger.InfoContext(r.Context(), "handler: position withdrawn",
		slog.String("position_id", id),
		slog.Int64("returned", receipt.Returned),
		slog.Bool("early", receipt.Early),
	)
	writeJSON(w, http.StatusOK, withdrawResponse{
		Position: receipt.Position,
		Returned: receipt.Returned,
		Penalty:  receipt.Penalty,
		Early:    receipt.Early,
	})
}
