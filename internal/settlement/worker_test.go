package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpledger/internal/domain"
	"github.com/alanyoungcy/lpledger/internal/store/memstore"
)

type fixedClock domain.LogicalTime

func (c fixedClock) Now() domain.LogicalTime { return domain.LogicalTime(c) }

// steppingClock is set directly by tests that need time to pass.
type steppingClock struct{ now domain.LogicalTime }

func (c *steppingClock) Now() domain.LogicalTime { return c.now }

// fakeSettler fails the first failures transfers, then succeeds, recording
// every claim id it saw.
type fakeSettler struct {
	mu       sync.Mutex
	failures int
	seen     []string
}

func (f *fakeSettler) Transfer(ctx context.Context, claim domain.Claim) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, claim.ID)
	if f.failures > 0 {
		f.failures--
		return errors.New("payout service unavailable")
	}
	return nil
}

func newPendingClaim(t *testing.T, store *memstore.Store, id string) domain.Claim {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Credit(ctx, "alice", domain.TrackTimeBased, decimal.NewFromInt(10)))
	claim, err := store.Claim(ctx, "alice", domain.TrackTimeBased, id, 100)
	require.NoError(t, err)
	return claim
}

func newTestWorker(store *memstore.Store, settler Settler, cfg WorkerConfig) *Worker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWorker(store.Claims(), settler, fixedClock(500), nil, nil, cfg, logger)
}

func TestSweepConfirmsPendingClaim(t *testing.T) {
	store := memstore.New()
	claim := newPendingClaim(t, store, "claim-1")

	settler := &fakeSettler{}
	w := newTestWorker(store, settler, WorkerConfig{})

	require.NoError(t, w.Sweep(context.Background()))
	require.Equal(t, []string{"claim-1"}, settler.seen)

	got, err := store.Claims().GetByID(context.Background(), claim.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStateConfirmed, got.State)
	require.NotNil(t, got.ResolvedAt)
	require.Equal(t, domain.LogicalTime(500), *got.ResolvedAt)
}

func TestSweepRetriesFailedClaim(t *testing.T) {
	store := memstore.New()
	claim := newPendingClaim(t, store, "claim-1")
	ctx := context.Background()

	settler := &fakeSettler{failures: 2}
	w := newTestWorker(store, settler, WorkerConfig{})

	// Two failing sweeps leave the claim failed but still owed.
	require.NoError(t, w.Sweep(ctx))
	require.NoError(t, w.Sweep(ctx))

	got, err := store.Claims().GetByID(ctx, claim.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStateFailed, got.State)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, domain.LogicalTime(500), got.LastAttemptAt)
	require.Equal(t, "payout service unavailable", got.LastError)

	// The claimed amount never returns to claimable while the claim is owed.
	b, err := store.Balance(ctx, "alice", domain.TrackTimeBased)
	require.NoError(t, err)
	require.True(t, b.Claimable().IsZero())

	// Third sweep succeeds.
	require.NoError(t, w.Sweep(ctx))
	got, err = store.Claims().GetByID(ctx, claim.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStateConfirmed, got.State)
}

func TestSweepBacksOffFailedClaim(t *testing.T) {
	store := memstore.New()
	newPendingClaim(t, store, "claim-1")
	ctx := context.Background()

	settler := &fakeSettler{failures: 2}
	clock := &steppingClock{now: 500}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWorker(store.Claims(), settler, clock, nil, nil, WorkerConfig{
		RetryBackoff:    30 * time.Second,
		RetryBackoffCap: 2 * time.Minute,
	}, logger)

	// First attempt fails at t=500.
	require.NoError(t, w.Sweep(ctx))
	require.Len(t, settler.seen, 1)

	// Inside the 30s backoff the claim is not re-sent.
	clock.now = 520
	require.NoError(t, w.Sweep(ctx))
	require.Len(t, settler.seen, 1)

	// Past the delay it is retried; the second failure doubles the delay.
	clock.now = 531
	require.NoError(t, w.Sweep(ctx))
	require.Len(t, settler.seen, 2)

	clock.now = 575 // 44s after the second failure, inside its 60s delay
	require.NoError(t, w.Sweep(ctx))
	require.Len(t, settler.seen, 2)

	clock.now = 592
	require.NoError(t, w.Sweep(ctx))
	require.Len(t, settler.seen, 3)

	got, err := store.Claims().GetByID(ctx, "claim-1")
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStateConfirmed, got.State)
}

func TestSweepHonorsAttemptCap(t *testing.T) {
	store := memstore.New()
	newPendingClaim(t, store, "claim-1")
	ctx := context.Background()

	settler := &fakeSettler{failures: 100}
	w := newTestWorker(store, settler, WorkerConfig{MaxAttempts: 2})

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Sweep(ctx))
	}

	// Only two transfer attempts were made; after that the claim is excluded
	// from the sweep until an operator intervenes.
	require.Len(t, settler.seen, 2)

	got, err := store.Claims().GetByID(ctx, "claim-1")
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStateFailed, got.State)
	require.Equal(t, 2, got.Attempts)
}

func TestSweepSkipsConfirmedClaims(t *testing.T) {
	store := memstore.New()
	newPendingClaim(t, store, "claim-1")
	ctx := context.Background()

	settler := &fakeSettler{}
	w := newTestWorker(store, settler, WorkerConfig{})

	require.NoError(t, w.Sweep(ctx))
	require.NoError(t, w.Sweep(ctx))
	require.Len(t, settler.seen, 1, "confirmed claims are not re-sent")
}

func TestHTTPSettlerTransfer(t *testing.T) {
	var gotIdempotencyKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSettler(srv.URL, "secret", 0)
	claim := domain.Claim{
		ID:     "claim-1",
		Owner:  "alice",
		Track:  domain.TrackTimeBased,
		Amount: decimal.NewFromInt(10),
	}
	require.NoError(t, s.Transfer(context.Background(), claim))
	require.Equal(t, "claim-1", gotIdempotencyKey)
	require.Equal(t, "Bearer secret", gotAuth)
}

func TestHTTPSettlerNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient pool balance", http.StatusConflict)
	}))
	defer srv.Close()

	s := NewHTTPSettler(srv.URL, "", 0)
	err := s.Transfer(context.Background(), domain.Claim{ID: "claim-1"})
	require.ErrorIs(t, err, domain.ErrSettlementFailed)
	require.Contains(t, err.Error(), "insufficient pool balance")
}
