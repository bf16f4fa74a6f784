package main

import (
	"context"
	"fmt"

	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"finlink/internal/domain/account"
	"finlink/internal/domain/insights"
	"finlink/internal/domain/link"
	"finlink/internal/domain/notification"
	"finlink/internal/domain/openfinance"
	"finlink/internal/domain/transaction"
	"finlink/internal/infrastructure/badger"
	"finlink/internal/infrastructure/crypto"
	"finlink/internal/infrastructure/firebase"
	ofclient "finlink/internal/infrastructure/openfinance"
	"finlink/internal/infrastructure/postgres"
	"finlink/internal/infrastructure/redis"
	httphandlers "finlink/internal/interfaces/http"
	"finlink/internal/interfaces/worker"
	"finlink/internal/shared/backoff"
	"finlink/internal/shared/config"
	"finlink/internal/shared/messages"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB *postgres.DB

	// Handlers
	LinkHandler        *httphandlers.LinkHandler
	AccountHandler     *httphandlers.AccountHandler
	TransactionHandler *httphandlers.TransactionHandler
	InsightsHandler    *httphandlers.InsightsHandler

	// Background sync fan-out
	Pool *worker.Pool

	journal *badger.Journal
	redis   *goredislib.Client
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	// Connect to database
	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	deps.DB = db
	logger.Info("connected to database")

	if cfg.Database.MigrationsEnabled {
		if err := postgres.Migrate(db, logger); err != nil {
			deps.Close()
			return nil, err
		}
	}

	// Credentials are sealed at rest in both the database and the journal
	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		deps.Close()
		return nil, err
	}

	// Initialize repositories
	linkRepo := postgres.NewLinkRepository(db, encryptor)
	accountRepo := postgres.NewAccountRepository(db)
	transactionRepo := postgres.NewTransactionRepository(db)

	// Initialize domain services
	accountService := account.NewService(accountRepo)
	transactionService := transaction.NewService(transactionRepo, accountService)
	insightsService := insights.NewService(transactionRepo, accountService)

	gateway := ofclient.NewClient(ofclient.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		ClientID:     cfg.Gateway.ClientID,
		Secret:       cfg.Gateway.Secret,
		ClientName:   cfg.Gateway.ClientName,
		Products:     cfg.Gateway.Products,
		CountryCodes: cfg.Gateway.CountryCodes,
		Language:     cfg.Gateway.Language,
		Timeout:      cfg.Gateway.Timeout,
	}, logger)

	retry := backoff.Policy{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseDelay:   cfg.Sync.BaseDelay,
		MaxDelay:    cfg.Sync.MaxDelay,
	}

	// Link handshake
	journal, err := badger.Open(cfg.Journal.Path, encryptor, cfg.Journal.TTL, logger)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.journal = journal

	sessions := link.NewSessionClient(gateway, logger)
	coordinator := link.NewExchangeCoordinator(sessions, gateway, linkRepo, journal, retry, logger)
	linker := link.NewLinker(sessions, coordinator, link.NewFlowTracker(), linkRepo, logger)

	// Push alerts are optional; without credentials they are only logged
	var messenger notification.Messenger
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, logger)
		if err != nil {
			deps.Close()
			return nil, err
		}
		messenger = fcm
	} else {
		logger.Info("firebase credentials not configured, push alerts disabled")
	}
	msgs, err := messages.Load(cfg.Firebase.MessagesFile)
	if err != nil {
		deps.Close()
		return nil, err
	}
	alerter := notification.NewService(messenger, msgs, logger)

	locker, err := deps.newLocker(ctx, cfg, logger)
	if err != nil {
		deps.Close()
		return nil, err
	}

	syncEngine := openfinance.NewSyncEngine(gateway, linkRepo, accountService, transactionRepo, locker, alerter, openfinance.SyncConfig{
		PageSize:    cfg.Gateway.PageSize,
		CallTimeout: cfg.Gateway.Timeout,
		Retry:       retry,
	}, logger)
	unlinker := openfinance.NewUnlinker(gateway, linkRepo, locker, alerter, logger)

	deps.Pool = worker.NewPool(cfg.Worker.WorkerCount, cfg.Worker.JobDelay, cfg.Worker.QueueSize, cfg.Worker.JobTimeout, logger)

	// Initialize handlers
	deps.LinkHandler = httphandlers.NewLinkHandler(linker, syncEngine, unlinker, deps.Pool, logger)
	deps.AccountHandler = httphandlers.NewAccountHandler(accountService, logger)
	deps.TransactionHandler = httphandlers.NewTransactionHandler(transactionService, logger)
	deps.InsightsHandler = httphandlers.NewInsightsHandler(insightsService, logger)

	return deps, nil
}

// newLocker picks the per-link sync lock. The redis backend is needed when
// more than one API process shares the database.
func (d *Dependencies) newLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (openfinance.Locker, error) {
	switch cfg.Sync.LockBackend {
	case "redis":
		client, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sync lock: %w", err)
		}
		d.redis = client
		logger.Info("using redis sync lock", zap.String("addr", cfg.Redis.Addr))
		return redis.NewLocker(client, cfg.Sync.LockExpiry, logger), nil
	default:
		return openfinance.NewLocalLocker(), nil
	}
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.journal != nil {
		d.journal.Close()
	}
	if d.redis != nil {
		d.redis.Close()
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
