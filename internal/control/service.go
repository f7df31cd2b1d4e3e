// Package control wires the ingestion service together and owns its
// lifecycle: storage selection, chain-state cache, reducers, processor and
// the webhook gateway.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stxstream/ingest/internal/core/config"
	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/gateway"
	"github.com/stxstream/ingest/internal/infra/chainstate"
	redisclient "github.com/stxstream/ingest/internal/infra/redis"
	"github.com/stxstream/ingest/internal/infra/storage"
	"github.com/stxstream/ingest/internal/infra/storage/memory"
	"github.com/stxstream/ingest/internal/infra/storage/postgres"
	"github.com/stxstream/ingest/internal/ingest"
	"github.com/stxstream/ingest/internal/notify"
	"github.com/stxstream/ingest/internal/reducer/access"
	"github.com/stxstream/ingest/internal/reducer/market"
	"github.com/stxstream/ingest/internal/reducer/nft"
	"github.com/stxstream/ingest/internal/reducer/treasury"
)

// Service is the assembled ingestion engine.
type Service struct {
	cfg     *config.AppConfig
	gateway *gateway.Server
	db      *postgres.DB
	redis   *redisclient.Client
	log     *slog.Logger

	errCh chan error
}

// NewService initializes all dependencies. Without a database URL the
// service runs on in-memory storage; without a Redis URL the journal alone
// handles replay detection.
func NewService(cfg *config.AppConfig) (*Service, error) {
	s := &Service{cfg: cfg, log: slog.Default(), errCh: make(chan error, 1)}

	var (
		proposals storage.ProposalRepository
		marketRpo storage.MarketRepository
		fees      storage.FeeRepository
		nfts      storage.NFTRepository
		journal   storage.JournalRepository
	)

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		dir := cfg.Database.MigrationsDir
		if dir == "" {
			dir = "migrations"
		}
		if err := db.Migrate(dir); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		s.db = db
		proposals = postgres.NewProposalRepo(db)
		marketRpo = postgres.NewMarketRepo(db)
		fees = postgres.NewFeeRepo(db)
		nfts = postgres.NewNFTRepo(db)
		journal = postgres.NewJournalRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewStore()
		proposals, marketRpo, fees, nfts, journal = store, store, store, store, store
		slog.Info("Using Memory storage")
	}

	var dedup ingest.Dedup
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		s.redis = rc
		dedup = rc
		slog.Info("Redis replay cache enabled")
	}

	chainCache, err := chainstate.NewCache(chainstate.NewClient(cfg.Chain.API), cfg.Chain.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to init chain-state cache: %w", err)
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notifier.URL != "" {
		notifier = notify.NewHTTPNotifier(cfg.Notifier)
	}

	reducers := map[domain.Family]ingest.Reducer{
		domain.FamilyTreasury:      treasury.New(proposals, fees, chainCache, notifier),
		domain.FamilyMarketplace:   market.New(marketRpo, chainCache, notifier),
		domain.FamilyAccessControl: access.New(chainCache, notifier),
		domain.FamilyNFT:           nft.New(nfts, marketRpo, notifier),
	}
	processor := ingest.NewProcessor(reducers, journal, dedup, chainCache)

	s.gateway = gateway.NewServer(gateway.Config{
		Port:            cfg.Server.Port,
		WebhookSecret:   cfg.Server.WebhookSecret,
		MaxRequests:     cfg.Server.RateLimit.MaxRequests,
		WindowSeconds:   cfg.Server.RateLimit.WindowSeconds,
		DeliveryTimeout: cfg.Server.DeliveryTimeout,
	}, processor, s.healthCheck)

	return s, nil
}

func (s *Service) healthCheck(ctx context.Context) error {
	if s.db != nil {
		return s.db.Health(ctx)
	}
	return nil
}

// Start launches the gateway listener. Listener failures surface on the
// next Stop call.
func (s *Service) Start(ctx context.Context) error {
	s.log.Info("Starting webhook gateway", "port", s.cfg.Server.Port)
	go func() {
		if err := s.gateway.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
	}()
	return nil
}

// Stop drains the gateway and closes infrastructure connections.
func (s *Service) Stop(ctx context.Context) error {
	if err := s.gateway.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop gateway: %w", err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn("Failed to close redis", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn("Failed to close database", "error", err)
		}
	}
	select {
	case err := <-s.errCh:
		return err
	default:
		return nil
	}
}
