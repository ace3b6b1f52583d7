// Package settlement resolves pending reward claims against an external
// payout collaborator. Claims are recorded durably by the ledger; this
// package owns the slow, fallible transfer leg and the resulting state
// transitions, so no transfer ever happens under a ledger lock.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// Settler executes the external transfer for one claim. Implementations must
// be safe for concurrent use.
type Settler interface {
	// Transfer pays out the claim amount to the owner. A nil error means the
	// transfer is confirmed; any error leaves the claim owed and retryable.
	Transfer(ctx context.Context, claim domain.Claim) error
}

// HTTPSettler settles claims by POSTing them to a payout service endpoint.
type HTTPSettler struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPSettler creates an HTTPSettler for the given endpoint. The API key
// is optional; when set it is sent as a bearer token.
func NewHTTPSettler(endpoint, apiKey string, timeout time.Duration) *HTTPSettler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSettler{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type transferRequest struct {
	ClaimID string          `json:"claim_id"`
	Owner   string          `json:"owner"`
	Track   string          `json:"track"`
	Amount  decimal.Decimal `json:"amount"`
}

// Transfer POSTs the claim to the payout endpoint. The claim id doubles as
// the idempotency key, so re-sending a claim whose first response was lost
// cannot pay twice.
func (s *HTTPSettler) Transfer(ctx context.Context, claim domain.Claim) error {
	body, err := json.Marshal(transferRequest{
		ClaimID: claim.ID,
		Owner:   claim.Owner,
		Track:   string(claim.Track),
		Amount:  claim.Amount,
	})
	if err != nil {
		return fmt.Errorf("settlement: marshal transfer %s: %w", claim.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("settlement: build transfer request %s: %w", claim.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", claim.ID)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("settlement: transfer %s: %w", claim.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("settlement: transfer %s: %w: status %d: %s",
			claim.ID, domain.ErrSettlementFailed, resp.StatusCode, snippet)
	}
	return nil
}

// NoopSettler confirms every transfer immediately. Used in development and in
// deployments where payout happens out of band.
type NoopSettler struct{}

// Transfer always succeeds.
func (NoopSettler) Transfer(ctx context.Context, claim domain.Claim) error {
	return nil
}

var (
	_ Settler = (*HTTPSettler)(nil)
	_ Settler = NoopSettler{}
)
