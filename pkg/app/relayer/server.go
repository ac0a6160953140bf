// Package relayer implements app.Runner for the relay node process.
package relayer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apphttp "github.com/chainsafe/transfer-relay/pkg/app/http"
	"github.com/chainsafe/transfer-relay/pkg/auth"
	"github.com/chainsafe/transfer-relay/pkg/bid"
	"github.com/chainsafe/transfer-relay/pkg/chain"
	"github.com/chainsafe/transfer-relay/pkg/chain/evm"
	"github.com/chainsafe/transfer-relay/pkg/config"
	"github.com/chainsafe/transfer-relay/pkg/keys"
	"github.com/chainsafe/transfer-relay/pkg/nodehealth"
	"github.com/chainsafe/transfer-relay/pkg/nonce"
	"github.com/chainsafe/transfer-relay/pkg/pgutil"
	"github.com/chainsafe/transfer-relay/pkg/queue"
	lifecycle "github.com/chainsafe/transfer-relay/pkg/relayer"
	"github.com/chainsafe/transfer-relay/pkg/signer"
	"github.com/chainsafe/transfer-relay/pkg/submitter"
	"github.com/chainsafe/transfer-relay/pkg/transfer/service"
	"github.com/chainsafe/transfer-relay/pkg/transferstore"
)

// Server holds configuration for the relay node process.
type Server struct {
	cfg *config.Config
}

// NewServer initializes a new relay node Server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run starts the lifecycle engine and the HTTP server.
// It blocks until an OS shutdown signal is received or a fatal server error occurs.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	active := cfg.ActiveChains()
	logger.Info("Starting transfer relay node", zap.Strings("chains", active))

	db, err := pgutil.ConnectDB(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("connect relayer db: %w", err)
	}
	defer func() { _ = db.Close() }()
	logger.Info("Database connection established",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database))

	health := nodehealth.NewTracker(logger)
	healthStore := nodehealth.NewStore(db)

	chains, closeChains, err := s.openChains(ctx, active, health, logger)
	if err != nil {
		return err
	}
	defer closeChains()

	keyStore, err := keys.NewStore(cfg.Keys)
	if err != nil {
		return fmt.Errorf("load signer keys: %w", err)
	}

	bids := bid.NewFileSource(cfg.Bids.Path, cfg.Bids.ReloadInterval, cfg.Bids.Watch, logger)
	if err := bids.Load(); err != nil {
		return fmt.Errorf("load bid table: %w", err)
	}

	store := transferstore.NewStore(db)
	tasks := queue.NewStore(db)

	sub := submitter.New(chains, signer.NewLocalSigner(keyStore), cfg.Engine, logger)
	nonces := nonce.NewAllocator(nonce.NewStore(db), logger,
		nonce.WithSeeder(sub),
		nonce.WithReplacer(sub))

	orch := lifecycle.NewOrchestrator(store, bids, bid.NewValidator(active), nonces, sub, cfg.Engine, logger)
	engine := lifecycle.NewEngine(cfg.Engine, cfg.Queue, orch, store, tasks, queue.NewLeaser(db), nonces, logger)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start relayer engine: %w", err)
	}
	defer engine.Stop()

	go func() {
		if err := bids.Run(ctx); err != nil {
			logger.Error("Bid table reloader stopped", zap.Error(err))
		}
	}()
	go health.Run(ctx, healthStore, cfg.Monitoring.HealthFlushInterval)

	signers := make(map[string]string, len(active))
	for _, id := range active {
		signers[id] = cfg.Chains[id].Signer
	}
	transfers := service.NewLog(service.NewService(store, tasks, signers, logger), logger)

	router := s.newRouter(db, bids, transfers, healthStore, active, logger)
	return apphttp.ServeAndWait(ctx, router, logger, &cfg.Server)
}

func (s *Server) openChains(
	ctx context.Context,
	active []string,
	health evm.HealthObserver,
	logger *zap.Logger,
) (*chain.Registry, func(), error) {
	var clients []*evm.Client
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	generic := make([]chain.Client, 0, len(active))
	for _, id := range active {
		c, err := evm.NewClient(ctx, id, s.cfg.Chains[id], health, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("initialize %s client: %w", id, err)
		}
		clients = append(clients, c)
		generic = append(generic, c)
	}

	registry, err := chain.NewRegistry(generic...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return registry, closeAll, nil
}

// Pinger reports whether the database is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

func (s *Server) newRouter(
	db Pinger,
	bids bid.Source,
	transfers service.Service,
	health nodehealth.Reader,
	active []string,
	logger *zap.Logger,
) http.Handler {
	cfg := s.cfg

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.MiddlewareTimeout))
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if bids.Snapshot() == nil || db.PingContext(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	nodehealth.RegisterRoutes(r, health, active, logger)

	if cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled", zap.String("path", "/metrics"))
	}

	r.Group(func(r chi.Router) {
		if cfg.Auth.JWTSecret != "" {
			r.Use(auth.Middleware(auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)))
		} else {
			logger.Warn("Transfer API authentication disabled (auth.jwt_secret not set)")
		}
		service.RegisterRoutes(r, transfers, logger)
	})

	return r
}
