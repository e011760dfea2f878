package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"yieldlock/internal/retry"
)

const (
	defaultValidityMargin = 20
	defaultMaxFeeDrops    = 2_000
	defaultPollInterval   = 2 * time.Second
)

// RPCConfig configures the JSON-RPC connector.
type RPCConfig struct {
	URL            string
	ValidityMargin uint32
	MaxFeeDrops    int64
	PollInterval   time.Duration
	Retry          retry.Policy
}

// RPCConnector talks to a ledger server over HTTP JSON-RPC. The pool wallet
// is shared read-only by every session it opens.
type RPCConnector struct {
	cfg    RPCConfig
	wallet *Wallet
	log    *zap.Logger
}

func NewRPCConnector(cfg RPCConfig, wallet *Wallet, log *zap.Logger) (*RPCConnector, error) {
	if cfg.URL == "" {
		return nil, errors.New("ledger rpc url is required")
	}
	if wallet == nil {
		return nil, errors.New("pool wallet is required")
	}
	if cfg.ValidityMargin == 0 {
		cfg.ValidityMargin = defaultValidityMargin
	}
	if cfg.MaxFeeDrops <= 0 {
		cfg.MaxFeeDrops = defaultMaxFeeDrops
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RPCConnector{cfg: cfg, wallet: wallet, log: log.Named("ledger")}, nil
}

func (c *RPCConnector) Connect(ctx context.Context) (Session, error) {
	cli, err := rpc.DialContext(ctx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	return &rpcSession{cfg: c.cfg, client: cli, wallet: c.wallet, log: c.log}, nil
}

// Ping asks the server for its state on a throwaway connection.
func (c *RPCConnector) Ping(ctx context.Context) error {
	cli, err := rpc.DialContext(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial ledger rpc: %w", err)
	}
	defer cli.Close()
	var out struct {
		Info struct {
			ServerState string `json:"server_state"`
		} `json:"info"`
	}
	if err := call(ctx, cli, &out, "server_info", map[string]any{}); err != nil {
		return err
	}
	if out.Info.ServerState == "" {
		return errors.New("ledger server returned no state")
	}
	return nil
}

type rpcSession struct {
	cfg    RPCConfig
	client *rpc.Client
	wallet *Wallet
	log    *zap.Logger
}

func (s *rpcSession) PoolAccount() Address { return s.wallet.Address() }

func (s *rpcSession) Close() error {
	s.client.Close()
	return nil
}

// Submit autofills, signs with the pool key and submits tx. It does not wait
// for validation and never retries the submission itself.
func (s *rpcSession) Submit(ctx context.Context, tx Tx) (SubmitResult, error) {
	tx.Account = s.wallet.Address()
	if err := s.autofill(ctx, &tx); err != nil {
		return SubmitResult{}, fmt.Errorf("autofill: %w", err)
	}

	signed, blob, txID, err := s.wallet.Sign(tx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("sign: %w", err)
	}

	var out struct {
		EngineResult        string `json:"engine_result"`
		EngineResultMessage string `json:"engine_result_message"`
		TxJSON              struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	params := map[string]any{"tx_blob": strings.ToUpper(hex.EncodeToString(blob))}
	if err := call(ctx, s.client, &out, "submit", params); err != nil {
		return SubmitResult{}, fmt.Errorf("submit: %w", err)
	}
	if out.TxJSON.Hash != "" {
		txID = out.TxJSON.Hash
	}

	s.log.Info("transaction submitted",
		zap.String("type", signed.Type.String()),
		zap.String("tx_id", txID),
		zap.String("engine_result", out.EngineResult),
		zap.Uint32("sequence", signed.Sequence),
		zap.Uint32("last_ledger_sequence", signed.LastLedgerSequence),
	)

	if !accepted(out.EngineResult) {
		return SubmitResult{}, fmt.Errorf("%w: %s %s", ErrRejected, out.EngineResult, out.EngineResultMessage)
	}
	return SubmitResult{
		TxID:               txID,
		EngineResult:       out.EngineResult,
		Sequence:           signed.Sequence,
		LastLedgerSequence: signed.LastLedgerSequence,
	}, nil
}

// WaitForValidation polls until txID appears in a validated ledger, the
// validated ledger moves past lastLedger, or ctx is done.
func (s *rpcSession) WaitForValidation(ctx context.Context, txID string, lastLedger uint32) (Validation, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var out struct {
			Hash        string `json:"hash"`
			Validated   bool   `json:"validated"`
			LedgerIndex uint32 `json:"ledger_index"`
			Meta        struct {
				TransactionResult string `json:"TransactionResult"`
			} `json:"meta"`
		}
		err := call(ctx, s.client, &out, "tx", map[string]any{"transaction": txID})
		switch {
		case err == nil && out.Validated:
			return Validation{TxID: txID, Result: out.Meta.TransactionResult, LedgerIndex: out.LedgerIndex}, nil
		case err != nil && !strings.Contains(err.Error(), "txnNotFound"):
			return Validation{}, err
		}

		if lastLedger != 0 {
			validated, err := s.validatedIndex(ctx)
			if err != nil {
				return Validation{}, err
			}
			if validated > lastLedger {
				return Validation{}, fmt.Errorf("%w: %s not in ledgers up to %d", ErrExpired, txID, lastLedger)
			}
		}

		select {
		case <-ctx.Done():
			return Validation{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *rpcSession) validatedIndex(ctx context.Context) (uint32, error) {
	var out struct {
		LedgerIndex uint32 `json:"ledger_index"`
	}
	if err := call(ctx, s.client, &out, "ledger", map[string]any{"ledger_index": "validated"}); err != nil {
		return 0, err
	}
	return out.LedgerIndex, nil
}

// autofill sets Sequence, Fee and a bounded LastLedgerSequence. The queries
// are read-only, so they are retried under the configured policy.
func (s *rpcSession) autofill(ctx context.Context, tx *Tx) error {
	return retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var info struct {
			AccountData struct {
				Sequence uint32 `json:"Sequence"`
			} `json:"account_data"`
		}
		err := call(ctx, s.client, &info, "account_info", map[string]any{
			"account":      tx.Account.String(),
			"ledger_index": "current",
		})
		if err != nil {
			return err
		}

		var fee struct {
			Drops struct {
				BaseFee       string `json:"base_fee"`
				OpenLedgerFee string `json:"open_ledger_fee"`
			} `json:"drops"`
		}
		if err := call(ctx, s.client, &fee, "fee", map[string]any{}); err != nil {
			return err
		}
		drops, err := pickFee(fee.Drops.BaseFee, fee.Drops.OpenLedgerFee, s.cfg.MaxFeeDrops)
		if err != nil {
			return retry.Permanent(err)
		}

		var current struct {
			LedgerCurrentIndex uint32 `json:"ledger_current_index"`
		}
		if err := call(ctx, s.client, &current, "ledger_current", map[string]any{}); err != nil {
			return err
		}

		tx.Sequence = info.AccountData.Sequence
		tx.Fee = drops
		tx.LastLedgerSequence = current.LedgerCurrentIndex + s.cfg.ValidityMargin
		return nil
	})
}

func pickFee(base, open string, maxDrops int64) (int64, error) {
	fee, err := strconv.ParseInt(open, 10, 64)
	if err != nil || fee <= 0 {
		fee, err = strconv.ParseInt(base, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse fee: %w", err)
		}
	}
	if fee > maxDrops {
		return 0, fmt.Errorf("network fee %d drops exceeds cap %d", fee, maxDrops)
	}
	return fee, nil
}

func accepted(engineResult string) bool {
	return strings.HasPrefix(engineResult, "tes") || engineResult == "terQUEUED"
}

// rpcError is the in-band error shape the ledger server uses: the envelope
// succeeds and the result carries status "error".
type rpcError struct {
	Status       string `json:"status"`
	Code         string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (e rpcError) Error() string {
	if e.ErrorMessage != "" {
		return e.Code + ": " + e.ErrorMessage
	}
	return e.Code
}

func call(ctx context.Context, cli *rpc.Client, out any, method string, params map[string]any) error {
	var raw json.RawMessage
	if err := cli.CallContext(ctx, &raw, method, params); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	var status rpcError
	if err := json.Unmarshal(raw, &status); err != nil {
		return retry.Permanent(fmt.Errorf("%s: decode status: %w", method, err))
	}
	if status.Status == "error" || status.Code != "" {
		return retry.Permanent(fmt.Errorf("%s: %w", method, status))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return retry.Permanent(fmt.Errorf("%s: decode result: %w", method, err))
	}
	return nil
}
