package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"yieldlock/internal/ledger"
	"yieldlock/internal/retry"
	"yieldlock/internal/signing"
)

const (
	defaultProvisionTimeout = 2 * time.Minute
	defaultClaimTimeout     = 10 * time.Minute
	defaultSettleTimeout    = 30 * time.Second
	issuedPayoutPlaces      = 6
)

var (
	DefaultYieldRate     = decimal.RequireFromString("0.12")
	DefaultDustThreshold = decimal.RequireFromString("0.000001")
)

// Config holds the platform accounts and policy constants.
type Config struct {
	// Treasury receives funding payments.
	Treasury ledger.Address
	// StableIssuer issues the RLUSD asset.
	StableIssuer ledger.Address
	// Pool is the issued side of the liquidity pool; the other side is native.
	Pool             ledger.Issue
	YieldRate        decimal.Decimal
	DustThreshold    decimal.Decimal
	ProvisionTimeout time.Duration
	// ClaimTimeout is how long a withdrawal claim with no receiver payment
	// blocks other attempts.
	ClaimTimeout time.Duration
	// SettleTimeout bounds the writes and submissions that must finish after
	// the caller has gone away.
	SettleTimeout time.Duration
	// PollRetry bounds sign-request status lookups.
	PollRetry retry.Policy
}

// Deps are the collaborators of a Service. Store, Gateway and Ledger are required.
type Deps struct {
	Store      Store
	Gateway    SigningGateway
	Ledger     ledger.Connector
	DeadLetter DeadLetter
	Metrics    Recorder
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

// Service is the escrow orchestrator. Every transition is a conditional
// write on status; the store is the only synchronization point.
type Service struct {
	cfg         Config
	store       Store
	gateway     SigningGateway
	ledger      ledger.Connector
	provisioner *Provisioner
	dlq         DeadLetter
	metrics     Recorder
	log         *zap.Logger
	now         func() time.Time
	newID       func() string

	tasks sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Gateway == nil || deps.Ledger == nil {
		return nil, errors.New("escrow: store, signing gateway and ledger are required")
	}
	if cfg.Treasury.IsZero() {
		return nil, errors.New("escrow: treasury account is required")
	}
	if cfg.StableIssuer.IsZero() {
		return nil, errors.New("escrow: stable issuer is required")
	}
	if cfg.Pool.Currency == "" || cfg.Pool.IsNative() || cfg.Pool.Issuer.IsZero() {
		return nil, errors.New("escrow: pool issued asset is required")
	}
	if cfg.YieldRate.IsZero() {
		cfg.YieldRate = DefaultYieldRate
	}
	if cfg.DustThreshold.IsZero() {
		cfg.DustThreshold = DefaultDustThreshold
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = defaultProvisionTimeout
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaultClaimTimeout
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = defaultSettleTimeout
	}
	if deps.DeadLetter == nil {
		deps.DeadLetter = nopDeadLetter{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}

	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		gateway:     deps.Gateway,
		ledger:      deps.Ledger,
		provisioner: NewProvisioner(deps.Ledger, deps.Store, cfg.Pool, deps.DeadLetter, deps.Metrics, deps.Logger, deps.Now, cfg.SettleTimeout),
		dlq:         deps.DeadLetter,
		metrics:     deps.Metrics,
		log:         deps.Logger.Named("orchestrator"),
		now:         deps.Now,
		newID:       deps.NewID,
	}, nil
}

// Wait blocks until background provisioning tasks have finished.
func (s *Service) Wait() {
	s.tasks.Wait()
}

// Create validates and stores a new escrow in pending_payment.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Escrow, error) {
	const op = "escrow.create"
	asset, err := validateCreate(in)
	if err != nil {
		s.metrics.Operation("create", "invalid")
		return nil, err
	}

	createdAt := s.now().UTC()
	sender := strings.TrimSpace(in.SenderWallet)
	e := &Escrow{
		ID:             s.newID(),
		Asset:          asset,
		Amount:         in.Amount,
		LockPeriodDays: in.LockPeriodDays,
		SenderWallet:   sender,
		ReceiverWallet: strings.TrimSpace(in.ReceiverWallet),
		Title:          in.Title,
		Status:         StatusPendingPayment,
		CreatedAt:      createdAt,
		UnlockAt:       createdAt.AddDate(0, 0, in.LockPeriodDays),
		YieldRate:      s.cfg.YieldRate,
		Deposits:       []Movement{},
		Withdrawals:    []Movement{},
	}
	e.audit(ActionCreated, createdAt, sender, nil)

	if err := s.store.Create(ctx, e); err != nil {
		s.metrics.Operation("create", "error")
		return nil, newError(Internal, op, "store escrow", err)
	}
	s.metrics.Operation("create", "ok")
	s.log.Info("escrow created",
		zap.String("escrow_id", e.ID),
		zap.String("asset", string(e.Asset)),
		zap.String("amount", e.Amount.String()),
		zap.Int("lock_days", e.LockPeriodDays),
	)
	return e, nil
}

// Get returns the stored escrow.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.load(ctx, "escrow.get", id)
}

func (s *Service) load(ctx context.Context, op, id string) (*Escrow, error) {
	if strings.TrimSpace(id) == "" {
		return nil, newError(InvalidArgument, op, "escrow id is required", nil)
	}
	e, err := s.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, newError(NotFound, op, "escrow "+id, nil)
	case err != nil:
		return nil, newError(Internal, op, "load escrow", err)
	}
	return e, nil
}

// PaymentRequest is what a depositor needs to authorize the funding payment.
type PaymentRequest struct {
	CorrelationID string `json:"correlationId"`
	ResolutionURL string `json:"resolutionUrl"`
}

// RequestPayment issues a sign request for the funding payment and attaches it
// to the escrow.
func (s *Service) RequestPayment(ctx context.Context, id string) (*PaymentRequest, error) {
	const op = "escrow.request_payment"
	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPendingPayment {
		s.metrics.Operation("request_payment", "precondition")
		return nil, newError(FailedPrecondition, op, "escrow is not awaiting payment", nil)
	}

	sender, err := ledger.DecodeAddress(e.SenderWallet)
	if err != nil {
		return nil, newError(Internal, op, "stored sender wallet", err)
	}
	tx := ledger.NewPayment(s.cfg.Treasury, s.amountFor(e.Asset, e.Amount), ledger.NewMemo(MemoFunding, e.ID))
	tx.Account = sender

	payload, err := s.gateway.CreateSignRequest(ctx, signing.PayloadRequest{TxJSON: tx.JSON(), Identifier: e.ID})
	if err != nil {
		s.metrics.Operation("request_payment", "error")
		return nil, newError(Internal, op, "create sign request", err)
	}
	if payload == nil || payload.UUID == "" {
		s.metrics.Operation("request_payment", "error")
		return nil, newError(Internal, op, "signing gateway returned no payload", nil)
	}

	now := s.now().UTC()
	_, err = s.store.Update(ctx, e.ID, StatusPendingPayment, func(cur *Escrow) error {
		cur.PaymentPayload = &PaymentPayload{
			CorrelationID: payload.UUID,
			ResolutionURL: payload.URL,
			Status:        PayloadPending,
			CreatedAt:     now,
		}
		cur.audit(ActionPaymentRequested, now, cur.SenderWallet, map[string]string{"correlationId": payload.UUID})
		return nil
	})
	switch {
	case errors.Is(err, ErrConflict):
		s.metrics.Operation("request_payment", "precondition")
		return nil, newError(FailedPrecondition, op, "escrow is no longer awaiting payment", nil)
	case err != nil:
		s.metrics.Operation("request_payment", "error")
		return nil, newError(Internal, op, "attach payment payload", err)
	}

	s.metrics.Operation("request_payment", "ok")
	s.log.Info("payment requested", zap.String("escrow_id", e.ID), zap.String("correlation_id", payload.UUID))
	return &PaymentRequest{CorrelationID: payload.UUID, ResolutionURL: payload.URL}, nil
}

// Confirmation is the outcome of ConfirmPayment.
type Confirmation struct {
	Success bool   `json:"success"`
	Signed  bool   `json:"signed"`
	TxID    string `json:"txId,omitempty"`
}

// ConfirmPayment checks the sign request and, once it is signed, moves the
// escrow to funded and starts liquidity provisioning in the background.
// Calls after funding return the recorded result without side effects.
func (s *Service) ConfirmPayment(ctx context.Context, id string) (*Confirmation, error) {
	const op = "escrow.confirm_payment"
	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if e.PaymentPayload == nil || e.PaymentPayload.CorrelationID == "" {
		s.metrics.Operation("confirm_payment", "precondition")
		return nil, newError(FailedPrecondition, op, "no payment payload attached", nil)
	}
	if e.Status != StatusPendingPayment {
		s.metrics.Operation("confirm_payment", "replayed")
		return recordedConfirmation(e), nil
	}

	var res *signing.Resolution
	err = retry.Do(ctx, s.cfg.PollRetry, func(ctx context.Context) error {
		var err error
		res, err = s.gateway.GetSignRequest(ctx, e.PaymentPayload.CorrelationID)
		return err
	})
	if err != nil {
		s.metrics.Operation("confirm_payment", "error")
		return nil, newError(Internal, op, "read sign request", err)
	}
	if res == nil {
		s.metrics.Operation("confirm_payment", "error")
		return nil, newError(Internal, op, "sign request "+e.PaymentPayload.CorrelationID+" not found", nil)
	}
	if !res.Signed || res.TxID == "" {
		s.metrics.Operation("confirm_payment", "unsigned")
		return &Confirmation{Success: false, Signed: res.Signed}, nil
	}

	now := s.now().UTC()
	funded, err := s.store.Update(ctx, e.ID, StatusPendingPayment, func(cur *Escrow) error {
		if cur.PaymentPayload == nil || cur.PaymentPayload.CorrelationID != e.PaymentPayload.CorrelationID {
			return ErrConflict
		}
		cur.Status = StatusFunded
		cur.PaymentPayload.Status = PayloadSigned
		cur.PaymentPayload.SignedTxID = res.TxID
		cur.FundedAt = &now
		cur.Deposits = append(cur.Deposits, Movement{
			TxID:         res.TxID,
			Amount:       cur.Amount,
			Counterparty: cur.SenderWallet,
			Memo:         MemoFunding,
			At:           now,
		})
		cur.audit(ActionFunded, now, cur.SenderWallet, map[string]string{"txId": res.TxID})
		return nil
	})
	if errors.Is(err, ErrConflict) {
		// Lost the race: report what the winner recorded.
		cur, loadErr := s.load(ctx, op, id)
		if loadErr != nil {
			return nil, loadErr
		}
		if cur.Status == StatusPendingPayment {
			s.metrics.Operation("confirm_payment", "precondition")
			return nil, newError(FailedPrecondition, op, "payment payload was replaced", nil)
		}
		s.metrics.Operation("confirm_payment", "replayed")
		return recordedConfirmation(cur), nil
	}
	if err != nil {
		s.metrics.Operation("confirm_payment", "error")
		return nil, newError(Internal, op, "record funding", err)
	}

	s.metrics.Operation("confirm_payment", "ok")
	s.log.Info("escrow funded", zap.String("escrow_id", funded.ID), zap.String("tx_id", res.TxID))
	s.startProvisioning(ctx, funded)
	return &Confirmation{Success: true, Signed: true, TxID: res.TxID}, nil
}

func recordedConfirmation(e *Escrow) *Confirmation {
	return &Confirmation{Success: true, Signed: true, TxID: e.PaymentPayload.SignedTxID}
}

// startProvisioning runs the liquidity deposit detached from the caller's
// context and bounded by ProvisionTimeout.
func (s *Service) startProvisioning(parent context.Context, e *Escrow) {
	req := ProvisionRequest{
		EscrowID:    e.ID,
		NativeDrops: ledger.XRPToDrops(e.Amount),
		Matched:     e.Amount,
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.cfg.ProvisionTimeout)
		defer cancel()
		s.provisioner.Provide(ctx, req)
	}()
}

// Withdrawal is the outcome of Withdraw. ReceiverPayout and the yields are
// the computed values; ReceiverPaid and SenderPaid are what the ledger
// payments carried after rounding down to the asset's precision.
type Withdrawal struct {
	Success        bool             `json:"success"`
	ReceiverTxID   string           `json:"receiverTxId"`
	SenderTxID     *string          `json:"senderTxId"`
	ReceiverPayout decimal.Decimal  `json:"receiverPayout"`
	ReceiverYield  decimal.Decimal  `json:"receiverYield"`
	SenderYield    decimal.Decimal  `json:"senderYield"`
	ReceiverPaid   decimal.Decimal  `json:"receiverPaid"`
	SenderPaid     *decimal.Decimal `json:"senderPaid"`
}

var errClaimed = errors.New("withdrawal already in progress")

// Withdraw pays out a funded escrow after its unlock time: principal plus half
// the yield to the receiver, the other half to the sender. The receiver
// payment must succeed; a failed sender payment is recorded and does not block
// the transition to withdrawn.
func (s *Service) Withdraw(ctx context.Context, id string) (*Withdrawal, error) {
	const op = "escrow.withdraw"
	e, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkWithdrawable(op, e); err != nil {
		s.metrics.Operation("withdraw", "precondition")
		return nil, err
	}

	receiver, err := ledger.DecodeAddress(e.ReceiverWallet)
	if err != nil {
		return nil, newError(Internal, op, "stored receiver wallet", err)
	}
	sender, err := ledger.DecodeAddress(e.SenderWallet)
	if err != nil {
		return nil, newError(Internal, op, "stored sender wallet", err)
	}
	y := CalculateYield(e.Amount, e.LockPeriodDays, e.YieldRate)

	// Claim the escrow so concurrent calls cannot submit a second payout.
	token := s.newID()
	claimedAt := s.now().UTC()
	var stale *Claim
	_, err = s.store.Update(ctx, e.ID, StatusFunded, func(cur *Escrow) error {
		if c := cur.WithdrawalClaim; c != nil {
			if !s.claimExpired(c, claimedAt) {
				return errClaimed
			}
			stale = c
		}
		cur.WithdrawalClaim = &Claim{Token: token, At: claimedAt}
		return nil
	})
	switch {
	case errors.Is(err, ErrConflict):
		s.metrics.Operation("withdraw", "precondition")
		return nil, newError(FailedPrecondition, op, "escrow is not funded", nil)
	case errors.Is(err, errClaimed):
		s.metrics.Operation("withdraw", "precondition")
		return nil, newError(FailedPrecondition, op, errClaimed.Error(), nil)
	case err != nil:
		s.metrics.Operation("withdraw", "error")
		return nil, newError(Internal, op, "claim escrow", err)
	}

	log := s.log.With(zap.String("escrow_id", e.ID))
	if stale != nil {
		log.Warn("took over expired withdrawal claim", zap.Time("claimed_at", stale.At))
	}

	sess, err := s.ledger.Connect(ctx)
	if err != nil {
		s.releaseClaim(ctx, e.ID, token)
		s.metrics.Operation("withdraw", "error")
		return nil, newError(Internal, op, "connect to ledger", err)
	}
	defer sess.Close()

	receiverAmount := payoutAmount(e.Asset, y.ReceiverPayout)
	receiverRes, err := sess.Submit(ctx, ledger.NewPayment(receiver, s.amountFor(e.Asset, receiverAmount), ledger.NewMemo(MemoWithdraw, e.ID)))
	s.metrics.Submission("receiver_payout", resultLabel(err))
	if err != nil {
		log.Error("receiver payout failed", zap.Error(err))
		s.releaseClaim(ctx, e.ID, token)
		s.metrics.Operation("withdraw", "error")
		return nil, newError(Internal, op, "submit receiver payout", err)
	}
	log.Info("receiver paid", zap.String("tx_id", receiverRes.TxID), zap.String("amount", receiverAmount.String()))

	// The receiver is paid. Everything below runs to completion even when the
	// caller goes away, and the claim can no longer expire.
	settleCtx, cancel := s.settleContext(ctx)
	defer cancel()
	_, err = s.store.Update(settleCtx, e.ID, StatusFunded, func(cur *Escrow) error {
		if cur.WithdrawalClaim == nil || cur.WithdrawalClaim.Token != token {
			return errClaimed
		}
		cur.WithdrawalClaim.ReceiverTxID = receiverRes.TxID
		return nil
	})
	if err != nil {
		log.Error("record receiver payment on claim", zap.Error(err), zap.String("tx_id", receiverRes.TxID))
	}

	var (
		senderTxID   *string
		senderErr    error
		senderAmount decimal.Decimal
	)
	if y.SenderYield.GreaterThan(s.cfg.DustThreshold) && sender != receiver {
		senderAmount = payoutAmount(e.Asset, y.SenderYield)
		senderRes, err := sess.Submit(settleCtx, ledger.NewPayment(sender, s.amountFor(e.Asset, senderAmount), ledger.NewMemo(MemoYield, e.ID)))
		s.metrics.Submission("sender_yield", resultLabel(err))
		if err != nil {
			senderErr = err
			log.Error("sender yield payment failed", zap.Error(err))
			if dlqErr := s.dlq.Write("sender_yield", e.ID, err); dlqErr != nil {
				log.Error("dead-letter write failed", zap.Error(dlqErr))
			}
		} else {
			txID := senderRes.TxID
			senderTxID = &txID
		}
	}

	var senderPaid *decimal.Decimal
	if senderTxID != nil {
		senderPaid = &senderAmount
	}

	now := s.now().UTC()
	_, err = s.store.Update(settleCtx, e.ID, StatusFunded, func(cur *Escrow) error {
		if cur.WithdrawalClaim == nil || cur.WithdrawalClaim.Token != token {
			return errClaimed
		}
		earned, payout, paid := y.Earned, y.ReceiverPayout, receiverAmount
		cur.Status = StatusWithdrawn
		cur.WithdrawnAt = &now
		cur.WithdrawalClaim = nil
		cur.WithdrawalTx = receiverRes.TxID
		cur.SenderYieldTx = senderTxID
		cur.YieldEarned = &earned
		cur.PayoutAmount = &payout
		cur.PaidAmount = &paid
		cur.SenderPaidAmount = cloneDecimal(senderPaid)
		cur.YieldSplit = &YieldSplit{ReceiverYield: y.ReceiverYield, SenderYield: y.SenderYield}
		cur.Withdrawals = append(cur.Withdrawals, Movement{
			TxID:         receiverRes.TxID,
			Amount:       receiverAmount,
			Counterparty: cur.ReceiverWallet,
			Memo:         MemoWithdraw,
			At:           now,
		})
		if senderTxID != nil {
			cur.Withdrawals = append(cur.Withdrawals, Movement{
				TxID:         *senderTxID,
				Amount:       senderAmount,
				Counterparty: cur.SenderWallet,
				Memo:         MemoYield,
				At:           now,
			})
		}
		if senderErr != nil {
			cur.SenderYieldError = senderErr.Error()
		}
		cur.audit(ActionWithdrawn, now, cur.ReceiverWallet, map[string]string{"txId": receiverRes.TxID})
		return nil
	})
	if err != nil {
		// The payout is on the ledger; the claim stays so nothing pays twice.
		log.Error("record withdrawal failed", zap.Error(err), zap.String("tx_id", receiverRes.TxID))
		if dlqErr := s.dlq.Write("withdraw_record", e.ID, fmt.Errorf("receiver tx %s: %w", receiverRes.TxID, err)); dlqErr != nil {
			log.Error("dead-letter write failed", zap.Error(dlqErr))
		}
		s.metrics.Operation("withdraw", "error")
		return nil, newError(Internal, op, "record withdrawal", err)
	}

	s.metrics.Operation("withdraw", "ok")
	log.Info("escrow withdrawn", zap.String("receiver_tx", receiverRes.TxID), zap.Bool("sender_paid", senderTxID != nil))
	return &Withdrawal{
		Success:        true,
		ReceiverTxID:   receiverRes.TxID,
		SenderTxID:     senderTxID,
		ReceiverPayout: y.ReceiverPayout,
		ReceiverYield:  y.ReceiverYield,
		SenderYield:    y.SenderYield,
		ReceiverPaid:   receiverAmount,
		SenderPaid:     senderPaid,
	}, nil
}

func (s *Service) checkWithdrawable(op string, e *Escrow) error {
	switch {
	case e.Status == StatusWithdrawn:
		return newError(FailedPrecondition, op, "escrow already withdrawn", nil)
	case e.Status != StatusFunded:
		return newError(FailedPrecondition, op, "escrow not funded yet", nil)
	case s.now().Before(e.UnlockAt):
		return newError(FailedPrecondition, op, "escrow is still locked until "+e.UnlockAt.Format(time.RFC3339), nil)
	case e.WithdrawalClaim != nil && !s.claimExpired(e.WithdrawalClaim, s.now()):
		return newError(FailedPrecondition, op, errClaimed.Error(), nil)
	}
	return nil
}

// claimExpired reports whether another attempt may take over c. A claim whose
// receiver payment reached the ledger never expires.
func (s *Service) claimExpired(c *Claim, now time.Time) bool {
	return c.ReceiverTxID == "" && now.Sub(c.At) >= s.cfg.ClaimTimeout
}

// settleContext keeps the caller's values but not its cancellation.
func (s *Service) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SettleTimeout)
}

func (s *Service) releaseClaim(ctx context.Context, id, token string) {
	ctx, cancel := s.settleContext(ctx)
	defer cancel()
	_, err := s.store.Update(ctx, id, StatusFunded, func(cur *Escrow) error {
		if cur.WithdrawalClaim == nil || cur.WithdrawalClaim.Token != token {
			return errClaimed
		}
		cur.WithdrawalClaim = nil
		return nil
	})
	if err != nil {
		s.log.Error("release withdrawal claim", zap.String("escrow_id", id), zap.Error(err))
	}
}

// payoutAmount rounds a computed value down to what the ledger can carry: whole
// drops for the native asset, six places for issued currency.
func payoutAmount(asset Asset, v decimal.Decimal) decimal.Decimal {
	if asset.IsNative() {
		return decimal.New(ledger.XRPToDrops(v), -6)
	}
	return v.Truncate(issuedPayoutPlaces)
}

func (s *Service) amountFor(asset Asset, v decimal.Decimal) ledger.Amount {
	if asset.IsNative() {
		return ledger.XRP(ledger.XRPToDrops(v))
	}
	return ledger.IssuedAmount(string(asset), s.cfg.StableIssuer, v)
}
