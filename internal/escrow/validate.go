package escrow

import (
	"strings"

	"github.com/shopspring/decimal"

	"yieldlock/internal/ledger"
)

// CreateInput carries the caller-supplied fields of a new escrow.
type CreateInput struct {
	Asset          string
	Amount         decimal.Decimal
	LockPeriodDays int
	SenderWallet   string
	ReceiverWallet string
	Title          string
}

// maxTitleLength bounds the free-text label.
const maxTitleLength = 200

func validateCreate(in CreateInput) (Asset, error) {
	const op = "escrow.create"

	asset, err := ParseAsset(in.Asset)
	if err != nil {
		return "", newError(InvalidArgument, op, "asset must be XRP or RLUSD", err)
	}
	if !in.Amount.IsPositive() {
		return "", newError(InvalidArgument, op, "amount must be positive", nil)
	}
	if asset.IsNative() && !in.Amount.Equal(in.Amount.Truncate(6)) {
		return "", newError(InvalidArgument, op, "XRP amount has more than 6 decimal places", nil)
	}
	if in.LockPeriodDays <= 0 {
		return "", newError(InvalidArgument, op, "lock period must be a positive number of days", nil)
	}
	if _, err := ledger.DecodeAddress(strings.TrimSpace(in.SenderWallet)); err != nil {
		return "", newError(InvalidArgument, op, "malformed sender wallet", err)
	}
	if _, err := ledger.DecodeAddress(strings.TrimSpace(in.ReceiverWallet)); err != nil {
		return "", newError(InvalidArgument, op, "malformed receiver wallet", err)
	}
	if len(in.Title) > maxTitleLength {
		return "", newError(InvalidArgument, op, "title is too long", nil)
	}
	return asset, nil
}
