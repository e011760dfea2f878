// Package signing talks to the wallet sign-request service that asks a
// depositor to sign the funding payment in their own wallet.
package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"yieldlock/internal/retry"
)

// PayloadRequest is an unsigned transaction offered to a user for signing.
type PayloadRequest struct {
	TxJSON     map[string]any
	Identifier string
}

// Payload identifies a created sign request.
type Payload struct {
	UUID string
	URL  string
}

// Resolution is the state of a sign request.
type Resolution struct {
	Signed   bool
	Resolved bool
	Expired  bool
	Account  string
	TxID     string
}

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sign-request service returned %d: %s", e.Code, e.Body)
}

type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client is the REST client for the sign-request service.
type Client struct {
	base   string
	key    string
	secret string
	http   *http.Client
	log    *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("signing base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("signing base url: %w", err)
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("signing api key and secret are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		key:    cfg.APIKey,
		secret: cfg.APISecret,
		http:   &http.Client{Timeout: cfg.Timeout},
		log:    log.Named("signing"),
	}, nil
}

type createBody struct {
	TxJSON     map[string]any `json:"txjson"`
	CustomMeta struct {
		Identifier string `json:"identifier,omitempty"`
	} `json:"custom_meta"`
}

type createResponse struct {
	UUID string `json:"uuid"`
	Next struct {
		Always string `json:"always"`
	} `json:"next"`
}

type getResponse struct {
	Meta struct {
		UUID     string `json:"uuid"`
		Signed   bool   `json:"signed"`
		Resolved bool   `json:"resolved"`
		Expired  bool   `json:"expired"`
	} `json:"meta"`
	Response struct {
		TxID    string `json:"txid"`
		Account string `json:"account"`
	} `json:"response"`
}

// CreateSignRequest registers req. A response without a payload id yields (nil, nil).
func (c *Client) CreateSignRequest(ctx context.Context, req PayloadRequest) (*Payload, error) {
	body := createBody{TxJSON: req.TxJSON}
	body.CustomMeta.Identifier = req.Identifier

	var out createResponse
	found, err := c.do(ctx, http.MethodPost, "/platform/payload", body, &out)
	if err != nil {
		return nil, fmt.Errorf("create sign request: %w", err)
	}
	if !found || out.UUID == "" {
		c.log.Warn("sign request created without payload id", zap.String("identifier", req.Identifier))
		return nil, nil
	}
	c.log.Info("sign request created", zap.String("uuid", out.UUID), zap.String("identifier", req.Identifier))
	return &Payload{UUID: out.UUID, URL: out.Next.Always}, nil
}

// GetSignRequest reads the state of a sign request. An unknown id yields (nil, nil).
func (c *Client) GetSignRequest(ctx context.Context, id string) (*Resolution, error) {
	if id == "" {
		return nil, nil
	}
	var out getResponse
	found, err := c.do(ctx, http.MethodGet, "/platform/payload/"+url.PathEscape(id), nil, &out)
	if err != nil {
		return nil, fmt.Errorf("get sign request %s: %w", id, err)
	}
	if !found || out.Meta.UUID == "" {
		return nil, nil
	}
	return &Resolution{
		Signed:   out.Meta.Signed,
		Resolved: out.Meta.Resolved,
		Expired:  out.Meta.Expired,
		Account:  out.Response.Account,
		TxID:     out.Response.TxID,
	}, nil
}

// do performs one request. It reports found=false on 404. Client errors are
// marked permanent so callers retrying reads stop early.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (bool, error) {
	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return false, retry.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return false, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.key)
	req.Header.Set("X-API-Secret", c.secret)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return false, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	case resp.StatusCode >= 300:
		return false, retry.Permanent(&StatusError{Code: resp.StatusCode, Body: string(raw)})
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return true, nil
}
