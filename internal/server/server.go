package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"yieldlock/internal/escrow"
	"yieldlock/internal/hmacauth"
	"yieldlock/internal/idempotency"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerRequestID      = "X-Request-Id"
	maxBodyBytes         = 1 << 20
	healthTimeout        = 2 * time.Second
)

// EscrowService is the orchestrator surface the API exposes.
type EscrowService interface {
	Create(ctx context.Context, in escrow.CreateInput) (*escrow.Escrow, error)
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	RequestPayment(ctx context.Context, id string) (*escrow.PaymentRequest, error)
	ConfirmPayment(ctx context.Context, id string) (*escrow.Confirmation, error)
	Withdraw(ctx context.Context, id string) (*escrow.Withdrawal, error)
}

// Options configures the HTTP surface.
type Options struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HMACSecret        string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
}

// Deps are the server's collaborators. Escrow and Idempotency are required.
type Deps struct {
	Escrow      EscrowService
	Idempotency idempotency.Store
	Metrics     *Metrics
	// QueueDepth reports dead-letter depth for /health.
	QueueDepth func() int
	// LedgerHealth and StoreHealth are pinged by /health when set.
	LedgerHealth func(context.Context) error
	StoreHealth  func(context.Context) error
	Logger       *zap.Logger
}

type Server struct {
	opts       Options
	deps       Deps
	hmac       *hmacauth.Verifier
	metrics    *Metrics
	log        *zap.Logger
	handler    http.Handler
	httpServer *http.Server
}

func NewServer(opts Options, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if opts.IdempotencyWindow <= 0 {
		opts.IdempotencyWindow = 24 * time.Hour
	}
	log := deps.Logger.Named("http")

	s := &Server{
		opts:    opts,
		deps:    deps,
		metrics: deps.Metrics,
		log:     log,
		hmac: &hmacauth.Verifier{
			Secret:  opts.HMACSecret,
			MaxSkew: opts.HMACClockSkew,
			Logger:  log,
		},
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", s.metrics.Handler())

		r.Group(func(r chi.Router) {
			r.Use(s.hmac.Middleware)
			r.Post("/escrows", s.handleCreate)
			r.Get("/escrows/{id}", s.handleGet)
			r.Post("/escrows/{id}/payment-request", s.handleRequestPayment)
			r.Post("/escrows/{id}/payment-confirmation", s.handleConfirmPayment)
			r.Post("/escrows/{id}/withdrawal", s.handleWithdraw)
		})
	})
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
	}
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createEscrowRequest struct {
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	LockPeriodDays int             `json:"lockPeriodDays"`
	SenderWallet   string          `json:"senderWallet"`
	ReceiverWallet string          `json:"receiverWallet"`
	Title          string          `json:"title"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing " + headerIdempotencyKey + " header"})
		return
	}

	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable request body"})
		return
	}
	hash := idempotency.HashRequest(r.Method, r.URL.Path, body)

	existing, err := s.deps.Idempotency.Reserve(ctx, key, hash, s.opts.IdempotencyWindow)
	if err != nil {
		s.log.Error("idempotency reservation failed", zap.String("key", key), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "idempotency store unavailable"})
		return
	}
	if existing != nil {
		switch {
		case !existing.Matches(hash):
			s.metrics.Replay("conflict")
			writeJSON(w, http.StatusConflict, errorResponse{Error: "idempotency key reused with a different request"})
		case existing.Pending():
			s.metrics.Replay("in_flight")
			writeJSON(w, http.StatusConflict, errorResponse{Error: "a request with this idempotency key is still in progress"})
		default:
			s.metrics.Replay("cached")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
		}
		return
	}

	// The reservation outlives a dropped client so the outcome is recorded.
	storeCtx := context.WithoutCancel(ctx)
	release := func() {
		if err := s.deps.Idempotency.Release(storeCtx, key, hash); err != nil {
			s.log.Error("idempotency release failed", zap.String("key", key), zap.Error(err))
		}
	}

	var payload createEscrowRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		release()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json payload"})
		return
	}

	created, err := s.deps.Escrow.Create(ctx, escrow.CreateInput{
		Asset:          payload.Asset,
		Amount:         payload.Amount,
		LockPeriodDays: payload.LockPeriodDays,
		SenderWallet:   payload.SenderWallet,
		ReceiverWallet: payload.ReceiverWallet,
		Title:          payload.Title,
	})
	if err != nil {
		release()
		s.writeError(w, r, err)
		return
	}

	resp, err := json.Marshal(created)
	if err != nil {
		release()
		s.writeError(w, r, err)
		return
	}
	now := time.Now()
	record := idempotency.Record{
		RequestHash: hash,
		StatusCode:  http.StatusCreated,
		Response:    resp,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.IdempotencyWindow),
	}
	// On failure the reservation stays pending, so retries get 409 rather
	// than a second escrow.
	if err := s.deps.Idempotency.Save(storeCtx, key, record); err != nil {
		s.log.Error("idempotency save failed", zap.String("key", key), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Escrow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRequestPayment(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Escrow.RequestPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Escrow.ConfirmPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Escrow.Withdraw(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// statusFor maps an operation error kind onto an HTTP status.
func statusFor(kind escrow.Kind) int {
	switch kind {
	case escrow.InvalidArgument:
		return http.StatusBadRequest
	case escrow.NotFound:
		return http.StatusNotFound
	case escrow.FailedPrecondition:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := escrow.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", r.Header.Get(headerRequestID)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	msg := err.Error()
	var opErr *escrow.Error
	if errors.As(err, &opErr) && opErr.Msg != "" && kind != escrow.Internal {
		msg = opErr.Msg
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func checkDependency(ctx context.Context, fn func(context.Context) error) dependencyHealth {
	if fn == nil {
		return dependencyHealth{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		return dependencyHealth{Error: err.Error()}
	}
	return dependencyHealth{
		Connected: true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ledgerInfo := checkDependency(ctx, s.deps.LedgerHealth)
	storeInfo := checkDependency(ctx, s.deps.StoreHealth)

	queueDepth := 0
	if s.deps.QueueDepth != nil {
		queueDepth = s.deps.QueueDepth()
		s.metrics.SetDLQDepth(queueDepth)
	}

	healthy := ledgerInfo.Connected && storeInfo.Connected
	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	resp := struct {
		Status     string           `json:"status"`
		Ledger     dependencyHealth `json:"ledger"`
		Database   dependencyHealth `json:"database"`
		QueueDepth int              `json:"queue_depth"`
	}{
		Status:     status,
		Ledger:     ledgerInfo,
		Database:   storeInfo,
		QueueDepth: queueDepth,
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.metrics.Request(r.Method, route, status)
		s.log.Debug("request",
			zap.String("request_id", r.Header.Get(headerRequestID)),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		)
	})
}
