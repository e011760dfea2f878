package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yieldlock/internal/retry"
)

// fakeRippled answers the handful of methods the connector uses.
type fakeRippled struct {
	mu       sync.Mutex
	calls    map[string]int
	blobs    []string
	results  map[string]any
	failOnce map[string]bool
}

func newFakeRippled() *fakeRippled {
	return &fakeRippled{
		calls:    map[string]int{},
		failOnce: map[string]bool{},
		results: map[string]any{
			"server_info":    map[string]any{"status": "success", "info": map[string]any{"server_state": "full"}},
			"account_info":   map[string]any{"status": "success", "account_data": map[string]any{"Sequence": 42}},
			"fee":            map[string]any{"status": "success", "drops": map[string]any{"base_fee": "10", "open_ledger_fee": "12"}},
			"ledger_current": map[string]any{"status": "success", "ledger_current_index": 5000},
			"submit": map[string]any{
				"status":        "success",
				"engine_result": "tesSUCCESS",
				"tx_json":       map[string]any{"hash": "ABCDEF0123"},
			},
		},
	}
}

func (f *fakeRippled) set(method string, result any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = result
}

func (f *fakeRippled) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRippled) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage  `json:"id"`
		Method string           `json:"method"`
		Params []map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls[req.Method]++
	if req.Method == "submit" && len(req.Params) == 1 {
		if blob, ok := req.Params[0]["tx_blob"].(string); ok {
			f.blobs = append(f.blobs, blob)
		}
	}
	fail := f.failOnce[req.Method]
	delete(f.failOnce, req.Method)
	result := f.results[req.Method]
	f.mu.Unlock()

	if fail {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func newTestConnector(t *testing.T, f *fakeRippled) (*RPCConnector, *Wallet) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	w, err := WalletFromSeed(genesisSeed)
	require.NoError(t, err)
	c, err := NewRPCConnector(RPCConfig{
		URL:   srv.URL,
		Retry: retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	}, w, zap.NewNop())
	require.NoError(t, err)
	return c, w
}

func TestNewRPCConnectorValidates(t *testing.T) {
	w, err := WalletFromSeed(genesisSeed)
	require.NoError(t, err)
	_, err = NewRPCConnector(RPCConfig{}, w, nil)
	assert.Error(t, err)
	_, err = NewRPCConnector(RPCConfig{URL: "http://localhost:5005"}, nil, nil)
	assert.Error(t, err)
}

func TestRPCPing(t *testing.T) {
	f := newFakeRippled()
	c, _ := newTestConnector(t, f)
	require.NoError(t, c.Ping(context.Background()))

	f.set("server_info", map[string]any{"status": "success", "info": map[string]any{}})
	assert.Error(t, c.Ping(context.Background()))
}

func TestRPCSubmitAutofillsAndSigns(t *testing.T) {
	f := newFakeRippled()
	c, w := newTestConnector(t, f)

	sess, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, w.Address(), sess.PoolAccount())

	res, err := sess.Submit(context.Background(), NewPayment(MustDecodeAddress(issuerAddress), XRP(1_000_000), NewMemo("escrow_withdraw", "e1")))
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF0123", res.TxID)
	assert.Equal(t, "tesSUCCESS", res.EngineResult)
	assert.Equal(t, uint32(42), res.Sequence)
	assert.Equal(t, uint32(5020), res.LastLedgerSequence)

	require.Len(t, f.blobs, 1)
	blob, err := hex.DecodeString(f.blobs[0])
	require.NoError(t, err)
	assert.Equal(t, byte(0x12), blob[0])
	// Sequence 42 sits right after the Flags field.
	assert.Equal(t, []byte{0x24, 0, 0, 0, 42}, blob[8:13])
	// LastLedgerSequence = current ledger + margin.
	assert.Equal(t, []byte{0x20, 0x1B, 0, 0, 0x13, 0x9C}, blob[13:19])
}

func TestRPCSubmitRejected(t *testing.T) {
	f := newFakeRippled()
	f.set("submit", map[string]any{
		"status":                "success",
		"engine_result":         "tecUNFUNDED_PAYMENT",
		"engine_result_message": "Insufficient XRP balance to send.",
	})
	c, _ := newTestConnector(t, f)
	sess, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Submit(context.Background(), NewPayment(MustDecodeAddress(issuerAddress), XRP(1)))
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "tecUNFUNDED_PAYMENT")
	assert.Equal(t, 1, f.count("submit"))
}

func TestRPCInBandErrorIsNotRetried(t *testing.T) {
	f := newFakeRippled()
	f.set("account_info", map[string]any{
		"status":        "error",
		"error":         "actNotFound",
		"error_message": "Account not found.",
	})
	c, _ := newTestConnector(t, f)
	sess, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Submit(context.Background(), NewPayment(MustDecodeAddress(issuerAddress), XRP(1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actNotFound")
	assert.Equal(t, 1, f.count("account_info"))
	assert.Zero(t, f.count("submit"))
}

func TestRPCAutofillRetriesTransportFailures(t *testing.T) {
	f := newFakeRippled()
	f.failOnce["fee"] = true
	c, _ := newTestConnector(t, f)
	sess, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Submit(context.Background(), NewPayment(MustDecodeAddress(issuerAddress), XRP(1)))
	require.NoError(t, err)
	assert.Equal(t, 2, f.count("fee"))
	assert.Equal(t, 1, f.count("submit"))
}

func TestRPCFeeAboveCapIsRefused(t *testing.T) {
	f := newFakeRippled()
	f.set("fee", map[string]any{"status": "success", "drops": map[string]any{"base_fee": "10", "open_ledger_fee": "500000"}})
	c, _ := newTestConnector(t, f)
	sess, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Submit(context.Background(), NewPayment(MustDecodeAddress(issuerAddress), XRP(1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds cap")
	assert.Zero(t, f.count("submit"))
}

func TestPickFeeFallsBackToBase(t *testing.T) {
	fee, err := pickFee("10", "", 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(10), fee)
}

func TestRPCWaitForValidation(t *testing.T) {
	f := newFakeRippled()
	f.set("tx", map[string]any{
		"status":       "success",
		"hash":         "ABCDEF0123",
		"validated":    true,
		"ledger_index": 5003,
		"meta":         map[string]any{"TransactionResult": "tesSUCCESS"},
	})
	c, _ := newTestConnector(t, f)
	sess, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	v, err := sess.WaitForValidation(context.Background(), "ABCDEF0123", 5020)
	require.NoError(t, err)
	assert.True(t, v.Succeeded())
	assert.Equal(t, uint32(5003), v.LedgerIndex)
}

func TestRPCWaitForValidationStopsOnContext(t *testing.T) {
	f := newFakeRippled()
	f.set("tx", map[string]any{"status": "error", "error": "txnNotFound"})
	c, _ := newTestConnector(t, f)
	sess, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sess.WaitForValidation(ctx, "ABCDEF0123", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRPCWaitForValidationExpiresPastLastLedger(t *testing.T) {
	f := newFakeRippled()
	f.set("tx", map[string]any{"status": "error", "error": "txnNotFound"})
	f.set("ledger", map[string]any{"status": "success", "ledger_index": 5019, "validated": true})
	c, _ := newTestConnector(t, f)
	sess, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sess.WaitForValidation(ctx, "ABCDEF0123", 5020)
	require.ErrorIs(t, err, context.DeadlineExceeded, "still inside the validity window")

	f.set("ledger", map[string]any{"status": "success", "ledger_index": 5021, "validated": true})
	_, err = sess.WaitForValidation(context.Background(), "ABCDEF0123", 5020)
	require.ErrorIs(t, err, ErrExpired)
}
