// Package escrow drives time-locked, yield-bearing escrow agreements from
// creation through funding, liquidity provisioning and withdrawal.
package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Asset string

const (
	AssetXRP   Asset = "XRP"
	AssetRLUSD Asset = "RLUSD"
)

// ParseAsset accepts the supported asset codes case-insensitively.
func ParseAsset(s string) (Asset, error) {
	switch a := Asset(strings.ToUpper(strings.TrimSpace(s))); a {
	case AssetXRP, AssetRLUSD:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported asset %q", s)
	}
}

func (a Asset) IsNative() bool { return a == AssetXRP }

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusFunded         Status = "funded"
	StatusWithdrawn      Status = "withdrawn"
)

// Payload states.
const (
	PayloadPending = "pending"
	PayloadSigned  = "signed"
)

// Memo action tags written on ledger transactions.
const (
	MemoFunding  = "ESCROW_ID"
	MemoWithdraw = "escrow_withdraw"
	MemoYield    = "escrow_yield"
	MemoAMM      = "escrow_amm"
)

// Audit actions.
const (
	ActionCreated          = "created"
	ActionPaymentRequested = "payment_requested"
	ActionFunded           = "funded"
	ActionWithdrawn        = "withdrawn"
	ActionAMMProvisioned   = "amm_provisioned"
	ActionAMMFailed        = "amm_failed"
)

// PaymentPayload tracks the sign request issued for funding.
type PaymentPayload struct {
	CorrelationID string    `json:"correlationId"`
	ResolutionURL string    `json:"resolutionUrl"`
	Status        string    `json:"status"`
	SignedTxID    string    `json:"signedTxId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AMMProvision records a successful liquidity deposit.
type AMMProvision struct {
	TxID        string          `json:"txId"`
	NativeDrops int64           `json:"nativeDrops"`
	Matched     decimal.Decimal `json:"matched"`
	LedgerIndex uint32          `json:"ledgerIndex,omitempty"`
	At          time.Time       `json:"at"`
}

type YieldSplit struct {
	ReceiverYield decimal.Decimal `json:"receiverYield"`
	SenderYield   decimal.Decimal `json:"senderYield"`
}

// Movement is one value transfer into or out of the escrow.
type Movement struct {
	TxID         string          `json:"txId"`
	Amount       decimal.Decimal `json:"amount"`
	Counterparty string          `json:"counterparty"`
	Memo         string          `json:"memo,omitempty"`
	At           time.Time       `json:"at"`
}

type AuditEntry struct {
	Action string            `json:"action"`
	At     time.Time         `json:"at"`
	Actor  string            `json:"actor"`
	Detail map[string]string `json:"detail,omitempty"`
}

// Claim marks a withdrawal whose payments are being submitted.
type Claim struct {
	Token        string    `json:"token"`
	At           time.Time `json:"at"`
	ReceiverTxID string    `json:"receiverTxId,omitempty"`
}

type Escrow struct {
	ID             string          `json:"id"`
	Asset          Asset           `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	LockPeriodDays int             `json:"lockPeriodDays"`
	SenderWallet   string          `json:"senderWallet"`
	ReceiverWallet string          `json:"receiverWallet"`
	Title          string          `json:"title"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	UnlockAt       time.Time       `json:"unlockAt"`
	YieldRate      decimal.Decimal `json:"yieldRate"`

	PaymentPayload *PaymentPayload `json:"paymentPayload,omitempty"`
	FundedAt       *time.Time      `json:"fundedAt,omitempty"`

	AMMProvision      *AMMProvision `json:"ammProvision,omitempty"`
	AMMProvisionError string        `json:"ammProvisionError,omitempty"`
	AMMAttemptedAt    *time.Time    `json:"ammAttemptedAt,omitempty"`

	WithdrawalClaim  *Claim           `json:"withdrawalClaim,omitempty"`
	WithdrawalTx     string           `json:"withdrawalTx,omitempty"`
	SenderYieldTx    *string          `json:"senderYieldTx"`
	SenderYieldError string           `json:"senderYieldError,omitempty"`
	YieldEarned      *decimal.Decimal `json:"yieldEarned,omitempty"`
	PayoutAmount     *decimal.Decimal `json:"payoutAmount,omitempty"`
	PaidAmount       *decimal.Decimal `json:"paidAmount,omitempty"`
	SenderPaidAmount *decimal.Decimal `json:"senderPaidAmount,omitempty"`
	YieldSplit       *YieldSplit      `json:"yieldSplit,omitempty"`
	WithdrawnAt      *time.Time       `json:"withdrawnAt,omitempty"`

	Deposits    []Movement   `json:"deposits"`
	Withdrawals []Movement   `json:"withdrawals"`
	AuditTrail  []AuditEntry `json:"auditTrail"`
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	out := *e
	if e.PaymentPayload != nil {
		p := *e.PaymentPayload
		out.PaymentPayload = &p
	}
	if e.AMMProvision != nil {
		p := *e.AMMProvision
		out.AMMProvision = &p
	}
	if e.WithdrawalClaim != nil {
		c := *e.WithdrawalClaim
		out.WithdrawalClaim = &c
	}
	if e.YieldSplit != nil {
		y := *e.YieldSplit
		out.YieldSplit = &y
	}
	out.FundedAt = cloneTime(e.FundedAt)
	out.AMMAttemptedAt = cloneTime(e.AMMAttemptedAt)
	out.WithdrawnAt = cloneTime(e.WithdrawnAt)
	out.YieldEarned = cloneDecimal(e.YieldEarned)
	out.PayoutAmount = cloneDecimal(e.PayoutAmount)
	out.PaidAmount = cloneDecimal(e.PaidAmount)
	out.SenderPaidAmount = cloneDecimal(e.SenderPaidAmount)
	if e.SenderYieldTx != nil {
		s := *e.SenderYieldTx
		out.SenderYieldTx = &s
	}

	out.Deposits = cloneMovements(e.Deposits)
	out.Withdrawals = cloneMovements(e.Withdrawals)
	out.AuditTrail = make([]AuditEntry, len(e.AuditTrail))
	for i, a := range e.AuditTrail {
		out.AuditTrail[i] = a
		if a.Detail != nil {
			d := make(map[string]string, len(a.Detail))
			for k, v := range a.Detail {
				d[k] = v
			}
			out.AuditTrail[i].Detail = d
		}
	}
	return &out
}

func (e *Escrow) audit(action string, at time.Time, actor string, detail map[string]string) {
	e.AuditTrail = append(e.AuditTrail, AuditEntry{Action: action, At: at, Actor: actor, Detail: detail})
}

// Actions lists the audit actions in order.
func (e *Escrow) Actions() []string {
	out := make([]string, len(e.AuditTrail))
	for i, a := range e.AuditTrail {
		out[i] = a.Action
	}
	return out
}

func cloneMovements(m []Movement) []Movement {
	if m == nil {
		return nil
	}
	out := make([]Movement, len(m))
	copy(out, m)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
