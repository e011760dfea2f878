package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"yieldlock/internal/ledger"
)

// ProvisionRequest describes one liquidity deposit: native drops on one side
// of the pool and the matched issued value on the other.
type ProvisionRequest struct {
	EscrowID    string
	NativeDrops int64
	Matched     decimal.Decimal
}

// Provisioner deposits funded value into the platform's liquidity pool. It
// reports its outcome only on the escrow record.
type Provisioner struct {
	ledger  ledger.Connector
	store   Store
	pool    ledger.Issue
	dlq     DeadLetter
	metrics Recorder
	log     *zap.Logger
	now     func() time.Time
	// recordTimeout bounds the outcome write, which runs even after the
	// deposit's own deadline has passed.
	recordTimeout time.Duration
}

func NewProvisioner(conn ledger.Connector, store Store, pool ledger.Issue, dlq DeadLetter, metrics Recorder, log *zap.Logger, now func() time.Time, recordTimeout time.Duration) *Provisioner {
	if dlq == nil {
		dlq = nopDeadLetter{}
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	if recordTimeout <= 0 {
		recordTimeout = defaultSettleTimeout
	}
	return &Provisioner{
		ledger:  conn,
		store:   store,
		pool:    pool,
		dlq:     dlq,
		metrics: metrics,
		log:     log.Named("provisioner"),
		now:     now,

		recordTimeout: recordTimeout,
	}
}

// Provide submits the deposit and writes exactly one of ammProvision or
// ammProvisionError. It never returns an error and never touches status.
func (p *Provisioner) Provide(ctx context.Context, req ProvisionRequest) {
	log := p.log.With(zap.String("escrow_id", req.EscrowID))

	res, err := p.deposit(ctx, req)
	at := p.now().UTC()

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.recordTimeout)
	defer cancel()
	if err != nil {
		p.metrics.Provision("error")
		log.Error("liquidity provisioning failed", zap.Error(err))
		if dlqErr := p.dlq.Write("amm_provision", req.EscrowID, err); dlqErr != nil {
			log.Error("dead-letter write failed", zap.Error(dlqErr))
		}
		annotateErr := p.store.Annotate(recordCtx, req.EscrowID, func(e *Escrow) {
			e.AMMProvisionError = err.Error()
			e.AMMAttemptedAt = &at
			e.audit(ActionAMMFailed, at, "system", map[string]string{"error": err.Error()})
		})
		if annotateErr != nil {
			log.Error("record provisioning failure", zap.Error(annotateErr))
		}
		return
	}

	p.metrics.Provision("ok")
	log.Info("liquidity provisioned",
		zap.String("tx_id", res.TxID),
		zap.Int64("native_drops", req.NativeDrops),
		zap.Uint32("ledger_index", res.LedgerIndex),
	)
	annotateErr := p.store.Annotate(recordCtx, req.EscrowID, func(e *Escrow) {
		e.AMMProvision = &AMMProvision{TxID: res.TxID, NativeDrops: req.NativeDrops, Matched: req.Matched, LedgerIndex: res.LedgerIndex, At: at}
		e.AMMAttemptedAt = &at
		e.audit(ActionAMMProvisioned, at, "system", map[string]string{
			"txId":        res.TxID,
			"nativeDrops": strconv.FormatInt(req.NativeDrops, 10),
			"matched":     req.Matched.String(),
		})
	})
	if annotateErr != nil {
		log.Error("record provisioning result", zap.Error(annotateErr), zap.String("tx_id", res.TxID))
		if dlqErr := p.dlq.Write("amm_record", req.EscrowID, fmt.Errorf("tx %s: %w", res.TxID, annotateErr)); dlqErr != nil {
			log.Error("dead-letter write failed", zap.Error(dlqErr))
		}
	}
}

// deposit submits the pool deposit and waits for the ledger to validate it.
// A deposit that is accepted by the server but fails validation is an error.
func (p *Provisioner) deposit(ctx context.Context, req ProvisionRequest) (res ledger.Validation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provisioning panicked: %v", r)
		}
	}()

	if req.NativeDrops <= 0 || !req.Matched.IsPositive() {
		return res, errors.New("provision amounts must be positive")
	}

	sess, err := p.ledger.Connect(ctx)
	if err != nil {
		return res, fmt.Errorf("connect: %w", err)
	}
	defer sess.Close()

	tx := ledger.NewAMMDeposit(
		ledger.XRP(req.NativeDrops),
		ledger.IssuedAmount(p.pool.Currency, p.pool.Issuer, req.Matched),
		ledger.NewMemo(MemoAMM, req.EscrowID),
	)
	sub, err := sess.Submit(ctx, tx)
	p.metrics.Submission("amm_deposit", resultLabel(err))
	if err != nil {
		return res, err
	}
	res, err = sess.WaitForValidation(ctx, sub.TxID, sub.LastLedgerSequence)
	if err != nil {
		return res, fmt.Errorf("deposit %s: %w", sub.TxID, err)
	}
	if !res.Succeeded() {
		return res, fmt.Errorf("deposit %s validated with %s: %w", sub.TxID, res.Result, ledger.ErrRejected)
	}
	return res, nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
