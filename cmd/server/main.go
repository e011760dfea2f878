package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"yieldlock/internal/config"
	"yieldlock/internal/deadletter"
	"yieldlock/internal/escrow"
	"yieldlock/internal/idempotency"
	"yieldlock/internal/ledger"
	"yieldlock/internal/logger"
	"yieldlock/internal/retry"
	"yieldlock/internal/server"
	"yieldlock/internal/signing"
	"yieldlock/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logg, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logg.Sync() }()

	if err := run(cfg, logg); err != nil {
		logg.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logg *zap.Logger) error {
	ctx := context.Background()

	var pool *pgxpool.Pool
	if cfg.Store.PostgresDSN != "" && (cfg.Store.Backend == "postgres" || cfg.Service.IdempotencyBackend == "postgres") {
		p, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer p.Close()
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		pool = p
	}

	records, err := openRecordStore(ctx, cfg, pool)
	if err != nil {
		return err
	}
	idem, closeIdem, err := openIdempotencyStore(ctx, cfg, pool)
	if err != nil {
		return err
	}
	defer closeIdem()

	retryPolicy := retry.Policy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}

	var (
		conn     ledger.Connector
		treasury ledger.Address
	)
	if cfg.Ledger.PoolSecret != "" {
		wallet, err := ledger.WalletFromSeed(cfg.Ledger.PoolSecret)
		if err != nil {
			return fmt.Errorf("pool wallet: %w", err)
		}
		rpcConn, err := ledger.NewRPCConnector(ledger.RPCConfig{
			URL:            cfg.Ledger.RPCURL,
			ValidityMargin: cfg.Ledger.ValidityMargin,
			MaxFeeDrops:    cfg.Ledger.MaxFeeDrops,
			PollInterval:   cfg.Ledger.PollInterval,
			Retry:          retryPolicy,
		}, wallet, logg)
		if err != nil {
			return fmt.Errorf("ledger connector: %w", err)
		}
		conn = rpcConn
		treasury = wallet.Address()
		logg.Info("ledger connector ready", zap.String("rpc_url", cfg.Ledger.RPCURL), zap.Stringer("pool_account", wallet))
	}
	if cfg.Ledger.Treasury != "" {
		if treasury, err = ledger.DecodeAddress(cfg.Ledger.Treasury); err != nil {
			return fmt.Errorf("ledger.treasury: %w", err)
		}
	}
	if conn == nil {
		logg.Warn("no pool secret configured, using in-process ledger")
		conn = ledger.NewFakeConnector(treasury)
	}

	var gateway escrow.SigningGateway
	if cfg.Signing.APIKey != "" {
		client, err := signing.NewClient(signing.Config{
			BaseURL:   cfg.Signing.BaseURL,
			APIKey:    cfg.Signing.APIKey,
			APISecret: cfg.Signing.APISecret,
			Timeout:   cfg.Signing.Timeout,
		}, logg)
		if err != nil {
			return fmt.Errorf("signing client: %w", err)
		}
		gateway = client
	} else {
		logg.Warn("no signing api key configured, using in-process gateway")
		gateway = signing.NewFakeGateway()
	}

	stableIssuer, err := ledger.DecodeAddress(cfg.Ledger.StableIssuer)
	if err != nil {
		return fmt.Errorf("ledger.stable_issuer: %w", err)
	}
	poolIssuer, err := ledger.DecodeAddress(cfg.Ledger.PoolIssuer)
	if err != nil {
		return fmt.Errorf("ledger.pool_issuer: %w", err)
	}

	metrics := server.NewMetrics()
	dlq := deadletter.New(cfg.Service.DLQPath, logg)
	dlq.OnWrite(metrics.SetDLQDepth)
	metrics.SetDLQDepth(dlq.Depth())

	svc, err := escrow.New(escrow.Config{
		Treasury:         treasury,
		StableIssuer:     stableIssuer,
		Pool:             ledger.Issue{Currency: cfg.Ledger.PoolCurrency, Issuer: poolIssuer},
		YieldRate:        cfg.Escrow.YieldRate,
		DustThreshold:    cfg.Escrow.DustThreshold,
		ProvisionTimeout: cfg.Escrow.ProvisionTimeout,
		ClaimTimeout:     cfg.Escrow.ClaimTimeout,
		SettleTimeout:    cfg.Escrow.SettleTimeout,
		PollRetry:        retryPolicy,
	}, escrow.Deps{
		Store:      records,
		Gateway:    gateway,
		Ledger:     conn,
		DeadLetter: dlq,
		Metrics:    metrics,
		Logger:     logg,
	})
	if err != nil {
		return err
	}

	apiServer := server.NewServer(server.Options{
		Addr:              cfg.Addr(),
		ReadTimeout:       cfg.Service.ReadTimeout,
		WriteTimeout:      cfg.Service.WriteTimeout,
		HMACSecret:        cfg.Service.HMACSecret,
		HMACClockSkew:     cfg.Service.HMACClockSkew,
		IdempotencyWindow: cfg.Service.IdempotencyWindow,
	}, server.Deps{
		Escrow:       svc,
		Idempotency:  idem,
		Metrics:      metrics,
		QueueDepth:   dlq.Depth,
		LedgerHealth: conn.Ping,
		StoreHealth:  records.Ping,
		Logger:       logg,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logg.Info("shutting down", zap.String("signal", s.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logg.Error("http shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logg.Warn("provisioning tasks still running at shutdown")
	}
	return nil
}

func openRecordStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (escrow.Store, error) {
	if cfg.Store.Backend != "postgres" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewPostgresStoreFromPool(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("record store: %w", err)
	}
	return s, nil
}

func openIdempotencyStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (idempotency.Store, func(), error) {
	switch cfg.Service.IdempotencyBackend {
	case "file":
		s, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		return s, func() {}, nil
	case "postgres":
		s, err := idempotency.NewPostgresStoreFromPool(ctx, pool)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		return s, s.Close, nil
	case "redis":
		s, err := idempotency.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return idempotency.NewMemoryStore(), func() {}, nil
	}
}
