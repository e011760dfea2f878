package signing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yieldlock/internal/retry"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "key", APISecret: "secret"}, nil)
	require.NoError(t, err)
	return c
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "https://sign.example"}, nil)
	assert.Error(t, err)
}

func TestCreateSignRequest(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/platform/payload", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Secret"))
		var got map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		bodies <- got
		_, _ = w.Write([]byte(`{"uuid":"p-1","next":{"always":"https://sign.example/p-1"},"refs":{}}`))
	})

	p, err := c.CreateSignRequest(context.Background(), PayloadRequest{
		TxJSON:     map[string]any{"TransactionType": "Payment", "Amount": "1000000"},
		Identifier: "escrow-1",
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "p-1", p.UUID)
	assert.Equal(t, "https://sign.example/p-1", p.URL)

	got := <-bodies
	assert.Equal(t, "Payment", got["txjson"].(map[string]any)["TransactionType"])
	assert.Equal(t, "escrow-1", got["custom_meta"].(map[string]any)["identifier"])
}

func TestCreateSignRequestEmptyPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	p, err := c.CreateSignRequest(context.Background(), PayloadRequest{Identifier: "e"})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestGetSignRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/platform/payload/p-1", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"meta": {"uuid":"p-1","signed":true,"resolved":true,"expired":false},
			"response": {"txid":"ABC","account":"rSender"}
		}`))
	})
	res, err := c.GetSignRequest(context.Background(), "p-1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Signed)
	assert.Equal(t, "ABC", res.TxID)
	assert.Equal(t, "rSender", res.Account)
}

func TestGetSignRequestPendingHasNullSigned(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"meta":{"uuid":"p-1","signed":null,"resolved":false},"response":{"txid":null}}`))
	})
	res, err := c.GetSignRequest(context.Background(), "p-1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Signed)
	assert.Empty(t, res.TxID)
}

func TestGetSignRequestNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	res, err := c.GetSignRequest(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestClientErrorsArePermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	})
	_, err := c.GetSignRequest(context.Background(), "p-1")
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestServerErrorsAreRetryable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"meta":{"uuid":"p-1","signed":false}}`))
	})

	var res *Resolution
	err := retry.Do(context.Background(), retry.Policy{MaxAttempts: 3, InitialBackoff: 1}, func(ctx context.Context) error {
		var err error
		res, err = c.GetSignRequest(ctx, "p-1")
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFakeGateway(t *testing.T) {
	f := NewFakeGateway()
	p, err := f.CreateSignRequest(context.Background(), PayloadRequest{Identifier: "e-1"})
	require.NoError(t, err)

	res, err := f.GetSignRequest(context.Background(), p.UUID)
	require.NoError(t, err)
	assert.False(t, res.Signed)

	require.NoError(t, f.Sign(p.UUID, "rSender", "TX1"))
	res, err = f.GetSignRequest(context.Background(), p.UUID)
	require.NoError(t, err)
	assert.True(t, res.Signed)
	assert.Equal(t, "TX1", res.TxID)

	req, ok := f.Request(p.UUID)
	require.True(t, ok)
	assert.Equal(t, "e-1", req.Identifier)

	res, err = f.GetSignRequest(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 3, f.Gets())
}
