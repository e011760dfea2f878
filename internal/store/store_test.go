package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yieldlock/internal/escrow"
)

func sampleEscrow() *escrow.Escrow {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &escrow.Escrow{
		ID:             uuid.NewString(),
		Asset:          escrow.AssetXRP,
		Amount:         decimal.RequireFromString("100"),
		LockPeriodDays: 30,
		SenderWallet:   "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh",
		ReceiverWallet: "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe",
		Status:         escrow.StatusPendingPayment,
		CreatedAt:      now,
		UnlockAt:       now.AddDate(0, 0, 30),
		YieldRate:      escrow.DefaultYieldRate,
		Deposits:       []escrow.Movement{},
		Withdrawals:    []escrow.Movement{},
		AuditTrail:     []escrow.AuditEntry{{Action: escrow.ActionCreated, At: now, Actor: "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"}},
	}
}

// exercise runs the contract every escrow.Store must satisfy.
func exercise(t *testing.T, s escrow.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, escrow.ErrNotFound)

	e := sampleEscrow()
	require.NoError(t, s.Create(ctx, e))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Status, got.Status)
	assert.True(t, e.Amount.Equal(got.Amount))
	assert.Equal(t, []string{escrow.ActionCreated}, got.Actions())

	// Conditional transition succeeds once.
	updated, err := s.Update(ctx, e.ID, escrow.StatusPendingPayment, func(cur *escrow.Escrow) error {
		cur.Status = escrow.StatusFunded
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, updated.Status)

	cur, err := s.Update(ctx, e.ID, escrow.StatusPendingPayment, func(cur *escrow.Escrow) error {
		t.Fatal("fn must not run on a status mismatch")
		return nil
	})
	require.ErrorIs(t, err, escrow.ErrConflict)
	require.NotNil(t, cur)
	assert.Equal(t, escrow.StatusFunded, cur.Status)

	// An error from fn leaves the record untouched.
	boom := errors.New("boom")
	_, err = s.Update(ctx, e.ID, escrow.StatusFunded, func(cur *escrow.Escrow) error {
		cur.Title = "changed"
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, err = s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Title)

	// Annotations never move status.
	require.NoError(t, s.Annotate(ctx, e.ID, func(cur *escrow.Escrow) {
		cur.AMMProvisionError = "pool missing"
		cur.Status = escrow.StatusWithdrawn
	}))
	got, err = s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, got.Status)
	assert.Equal(t, "pool missing", got.AMMProvisionError)

	require.ErrorIs(t, s.Annotate(ctx, "missing", func(*escrow.Escrow) {}), escrow.ErrNotFound)
	_, err = s.Update(ctx, "missing", escrow.StatusFunded, func(*escrow.Escrow) error { return nil })
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestMemoryStoreContract(t *testing.T) {
	exercise(t, NewMemoryStore())
}

func TestMemoryStoreHonoursContext(t *testing.T) {
	s := NewMemoryStore()
	e := sampleEscrow()
	require.NoError(t, s.Create(context.Background(), e))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, s.Create(ctx, sampleEscrow()), context.Canceled)
	_, err := s.Get(ctx, e.ID)
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.Update(ctx, e.ID, escrow.StatusPendingPayment, func(cur *escrow.Escrow) error {
		cur.Status = escrow.StatusFunded
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, s.Annotate(ctx, e.ID, func(cur *escrow.Escrow) { cur.Title = "changed" }), context.Canceled)
	require.ErrorIs(t, s.Ping(ctx), context.Canceled)

	got, err := s.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPendingPayment, got.Status)
	assert.Empty(t, got.Title)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := sampleEscrow()
	require.NoError(t, s.Create(ctx, e))

	e.Title = "mutated after create"
	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Title)

	got.AuditTrail = append(got.AuditTrail, escrow.AuditEntry{Action: "bogus"})
	again, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, again.AuditTrail, 1)
}

func TestMemoryStoreConcurrentTransitionsWinOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := sampleEscrow()
	require.NoError(t, s.Create(ctx, e))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, e.ID, escrow.StatusPendingPayment, func(cur *escrow.Escrow) error {
				cur.Status = escrow.StatusFunded
				return nil
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	exercise(t, s)
}
