package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"vendorverify.io/internal/alerts"
	"vendorverify.io/internal/audit"
	"vendorverify.io/internal/auth"
	"vendorverify.io/internal/config"
	"vendorverify.io/internal/credential"
	"vendorverify.io/internal/httpapi"
	"vendorverify.io/internal/issuance"
	"vendorverify.io/internal/migrate"
	"vendorverify.io/internal/obs"
	"vendorverify.io/internal/store/pg"
	"vendorverify.io/internal/store/sqlite"
	"vendorverify.io/internal/stream"
	"vendorverify.io/internal/token"
	"vendorverify.io/internal/verify"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	alertStream := stream.New()
	publishers := alerts.Fanout{alertStream}
	if cfg.NATS.URL != "" {
		nc, err := alerts.DialNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		publishers = append(publishers, nc)
		logger.Info("publishing alerts to nats", zap.String("url", cfg.NATS.URL))
	}

	codec := token.New(token.WithPepper(cfg.Token.Pepper))
	auditLog := audit.New(store, logger,
		audit.WithPublisher(publishers),
		audit.WithTimeout(cfg.Audit.Timeout))
	engine := verify.New(store, codec, auditLog, logger,
		verify.WithStoreTimeout(cfg.Verify.StoreTimeout))
	issuer := issuance.New(store, codec, auditLog, logger)

	var verifier *auth.Verifier
	if cfg.AuthEnabled() {
		verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
	} else {
		logger.Warn("authentication disabled: auth.jwt_secret is empty")
	}

	ready := httpapi.ReadyProbe{Store: store}
	api := httpapi.New(httpapi.Deps{
		Issuer:         issuer,
		Verifier:       engine,
		Reports:        store,
		Alerts:         alertStream,
		Auth:           verifier,
		Logger:         logger.Named("http"),
		Ready:          ready,
		Version:        version,
		RateBurst:      cfg.RateLimit.Burst,
		RatePerSecond:  cfg.RateLimit.PerSecond,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		TrustedProxies: cfg.Server.TrustedProxies,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCServer(ready, logger.Named("grpc"))
	gs := grpc.NewServer()
	health.Register(gs)
	go health.Run(ctx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting http server",
			zap.String("addr", srv.Addr),
			zap.String("version", version),
			zap.String("driver", cfg.Database.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			logger.Info("starting grpc health server", zap.String("addr", cfg.Server.GRPCAddr))
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	gs.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (credential.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := pg.Open(cfg.DSN, cfg.MaxOpenConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := migrate.NewManager(s.DB(), pg.Migrations(), nil).Up(mctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return s, nil
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		return credential.NewInMemory(), nil
	}
}
