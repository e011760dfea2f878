package escrow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateYieldExample(t *testing.T) {
	y := CalculateYield(decimal.NewFromInt(100), 30, decimal.RequireFromString("0.12"))

	assert.Equal(t, "0.986301369863013699", y.Earned.String())
	assert.Equal(t, "0.4931506849315068495", y.ReceiverYield.String())
	assert.True(t, y.ReceiverYield.Equal(y.SenderYield))
	assert.Equal(t, "100.4931506849315068495", y.ReceiverPayout.String())
	assert.Equal(t, "100.49315", y.ReceiverPayout.Truncate(5).String())
}

func TestCalculateYieldInvariants(t *testing.T) {
	principals := []string{"0.000001", "1", "100", "12345.678901", "99999999"}
	rates := []string{"0.01", "0.12", "0.5", "1"}
	days := []int{1, 7, 30, 365, 1000}

	for _, p := range principals {
		for _, r := range rates {
			for _, d := range days {
				t.Run(fmt.Sprintf("%s/%s/%d", p, r, d), func(t *testing.T) {
					principal := decimal.RequireFromString(p)
					rate := decimal.RequireFromString(r)
					y := CalculateYield(principal, d, rate)

					want := principal.Mul(rate).Mul(decimal.NewFromInt(int64(d))).DivRound(decimal.NewFromInt(365), 18)
					assert.True(t, y.Earned.Equal(want))
					assert.True(t, y.ReceiverYield.Equal(y.SenderYield))
					assert.True(t, y.ReceiverYield.Add(y.SenderYield).Equal(y.Earned))
					assert.True(t, y.ReceiverPayout.Equal(principal.Add(y.ReceiverYield)))
				})
			}
		}
	}
}

func TestCalculateYieldIsDeterministic(t *testing.T) {
	a := CalculateYield(decimal.RequireFromString("250.5"), 90, DefaultYieldRate)
	b := CalculateYield(decimal.RequireFromString("250.5"), 90, DefaultYieldRate)
	assert.Equal(t, a.Earned.String(), b.Earned.String())
	assert.Equal(t, a.ReceiverPayout.String(), b.ReceiverPayout.String())
}

func TestErrorKinds(t *testing.T) {
	err := newError(FailedPrecondition, "escrow.withdraw", "escrow is still locked", nil)
	assert.Equal(t, FailedPrecondition, KindOf(err))
	assert.ErrorIs(t, err, ErrFailedPrecondition)
	assert.EqualError(t, err, "escrow.withdraw: failed precondition: escrow is still locked")

	cause := errors.New("dial tcp: refused")
	err = newError(Internal, "escrow.withdraw", "connect to ledger", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, Internal, KindOf(fmt.Errorf("wrapped: %w", err)))

	assert.Equal(t, NotFound, KindOf(fmt.Errorf("x: %w", ErrNotFound)))
	assert.Equal(t, FailedPrecondition, KindOf(ErrConflict))
	assert.Equal(t, Internal, KindOf(errors.New("anything")))
}

func TestParseAsset(t *testing.T) {
	for _, in := range []string{"xrp", "XRP", " Xrp "} {
		a, err := ParseAsset(in)
		require.NoError(t, err)
		assert.Equal(t, AssetXRP, a)
	}
	a, err := ParseAsset("rlusd")
	require.NoError(t, err)
	assert.Equal(t, AssetRLUSD, a)

	_, err = ParseAsset("BTC")
	assert.Error(t, err)
}
