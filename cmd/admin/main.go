package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"finlink/internal/domain/account"
	"finlink/internal/domain/openfinance"
	"finlink/internal/infrastructure/crypto"
	ofclient "finlink/internal/infrastructure/openfinance"
	"finlink/internal/infrastructure/postgres"
	"finlink/internal/infrastructure/redis"
	"finlink/internal/shared/backoff"
	"finlink/internal/shared/config"
	"finlink/internal/shared/logging"
)

const usage = `Finlink Admin CLI - Management commands for the Finlink API

Usage:
  admin <command> [options]

Commands:
  migrate      Apply pending database migrations
  sync         Sync institution links now and print the results
  disconnect   Revoke an institution link and delete its data

Examples:
  # Apply migrations
  admin migrate

  # Sync every active link of a user
  admin sync --user-id=user-1

  # Sync specific links with higher concurrency
  admin sync --link-id=link-1,link-2 --workers=4

  # Run with timeout
  admin sync --user-id=user-1,user-2 --timeout=5m

  # Disconnect a link
  admin disconnect --user-id=user-1 --link-id=link-1
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage + "\n")
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "migrate":
		runMigrate()
	case "sync":
		runSync(os.Args[2:])
	case "disconnect":
		runDisconnect(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage + "\n")
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Print(usage + "\n")
		os.Exit(1)
	}
}

// env holds what every command needs after loading config.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *postgres.DB
}

func setup() *env {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	// Connect to database
	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Println("Connected to database")

	return &env{cfg: cfg, logger: logger, db: db}
}

func (e *env) close() {
	e.db.Close()
	_ = e.logger.Sync()
}

// services wires the sync engine and unlinker. Push alerts are not sent
// from the CLI.
func (e *env) services(ctx context.Context) (*openfinance.SyncEngine, *openfinance.Unlinker) {
	encryptor, err := crypto.NewEncryptor(e.cfg.Encryption.Key)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	linkRepo := postgres.NewLinkRepository(e.db, encryptor)
	accountService := account.NewService(postgres.NewAccountRepository(e.db))
	transactionRepo := postgres.NewTransactionRepository(e.db)

	gateway := ofclient.NewClient(ofclient.Config{
		BaseURL:  e.cfg.Gateway.BaseURL,
		ClientID: e.cfg.Gateway.ClientID,
		Secret:   e.cfg.Gateway.Secret,
		Timeout:  e.cfg.Gateway.Timeout,
	}, e.logger)

	// Share the API's lock when it runs on redis so the CLI never races a
	// sync started through the API.
	var locker openfinance.Locker = openfinance.NewLocalLocker()
	if e.cfg.Sync.LockBackend == "redis" {
		client, err := redis.NewClient(ctx, e.cfg.Redis.Addr, e.cfg.Redis.Password, e.cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		locker = redis.NewLocker(client, e.cfg.Sync.LockExpiry, e.logger)
	}

	retry := backoff.Policy{
		MaxAttempts: e.cfg.Sync.MaxAttempts,
		BaseDelay:   e.cfg.Sync.BaseDelay,
		MaxDelay:    e.cfg.Sync.MaxDelay,
	}
	engine := openfinance.NewSyncEngine(gateway, linkRepo, accountService, transactionRepo, locker, nil, openfinance.SyncConfig{
		PageSize:    e.cfg.Gateway.PageSize,
		CallTimeout: e.cfg.Gateway.Timeout,
		Retry:       retry,
	}, e.logger)
	unlinker := openfinance.NewUnlinker(gateway, linkRepo, locker, openfinance.NopAlerter{}, e.logger)
	return engine, unlinker
}

func runMigrate() {
	e := setup()
	defer e.close()

	if err := postgres.Migrate(e.db, e.logger); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations applied")
}

func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)

	userIDStr := fs.String("user-id", "", "Client user ID(s) whose links to sync (comma-separated for multiple)")
	linkIDStr := fs.String("link-id", "", "Link ID(s) to sync (comma-separated for multiple)")
	workers := fs.Int("workers", 2, "Number of links synced concurrently")
	timeoutStr := fs.String("timeout", "30m", "Timeout for the operation (e.g., 5m, 1h)")

	fs.Usage = func() {
		fmt.Println("Usage: admin sync [options]")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
		fmt.Println("\nExamples:")
		fmt.Println("  admin sync --user-id=user-1")
		fmt.Println("  admin sync --link-id=link-1,link-2")
		fmt.Println("  admin sync --user-id=user-1 --workers=4 --timeout=1h")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if (*userIDStr == "") == (*linkIDStr == "") {
		fmt.Println("Error: must specify exactly one of --user-id or --link-id")
		fs.Usage()
		os.Exit(1)
	}
	if *workers < 1 {
		log.Fatalf("--workers must be at least 1")
	}

	// Parse timeout
	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		log.Fatalf("Invalid timeout format: %v", err)
	}

	e := setup()
	defer e.close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	engine, _ := e.services(ctx)

	linkIDs, err := collectLinkIDs(ctx, engine, *linkIDStr, *userIDStr)
	if err != nil {
		log.Fatalf("Failed to collect links: %v", err)
	}

	if len(linkIDs) == 0 {
		log.Println("No links to process")
		return
	}

	log.Printf("Starting sync for %d link(s) with %d workers", len(linkIDs), *workers)
	startTime := time.Now()

	// Failures are reported per link, so the group never cancels siblings.
	var mu sync.Mutex
	results := make(map[string]*openfinance.SyncResult, len(linkIDs))
	failures := make(map[string]error)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*workers)
	for _, id := range linkIDs {
		g.Go(func() error {
			result, err := engine.Sync(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[id] = err
			} else {
				results[id] = result
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range linkIDs {
		printSyncResult(id, results[id], failures[id])
	}

	elapsed := time.Since(startTime)
	log.Printf("Sync completed in %v (%d ok, %d failed)", elapsed, len(results), len(failures))
	if len(failures) > 0 {
		os.Exit(2)
	}
}

func printSyncResult(linkID string, result *openfinance.SyncResult, err error) {
	fmt.Printf("\n=== Link %s ===\n", linkID)
	if err != nil {
		fmt.Printf("  Error:             %v\n", err)
		return
	}
	fmt.Printf("  Pages:             %d\n", result.Pages)
	fmt.Printf("  Added:             %d\n", len(result.Added))
	fmt.Printf("  Modified:          %d\n", len(result.Modified))
	fmt.Printf("  Removed:           %d\n", len(result.Removed))
	fmt.Printf("  Cursor:            %s\n", result.NewCursor)
	fmt.Printf("  Replayed:          %d\n", result.Replayed)
	fmt.Printf("  Skipped:           %d\n", result.Skipped)

	if len(result.FlaggedAccounts) > 0 {
		fmt.Printf("  Flagged accounts:  %d\n", len(result.FlaggedAccounts))
		for i, id := range result.FlaggedAccounts {
			if i >= 5 {
				fmt.Printf("    ... and %d more\n", len(result.FlaggedAccounts)-5)
				break
			}
			fmt.Printf("    - %s\n", id)
		}
	}
}

func runDisconnect(args []string) {
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)

	userID := fs.String("user-id", "", "Client user ID that owns the link")
	linkID := fs.String("link-id", "", "Link ID to disconnect")

	fs.Usage = func() {
		fmt.Println("Usage: admin disconnect --user-id=<id> --link-id=<id>")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *userID == "" || *linkID == "" {
		fmt.Println("Error: --user-id and --link-id are required")
		fs.Usage()
		os.Exit(1)
	}

	e := setup()
	defer e.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	_, unlinker := e.services(ctx)

	l, err := unlinker.Disconnect(ctx, *userID, *linkID)
	if err != nil {
		log.Fatalf("Disconnect failed: %v", err)
	}
	log.Printf("Link %s (%s) is now %s", l.ID, l.InstitutionName, l.Status)
}

type linkLister interface {
	SyncableLinks(ctx context.Context, clientUserID string) ([]string, error)
}

// collectLinkIDs merges the explicit link ids with every syncable link of the
// given users. Each link appears once, in first-seen order.
func collectLinkIDs(ctx context.Context, lister linkLister, linkIDStr, userIDStr string) ([]string, error) {
	linkIDs := splitIDs(linkIDStr)
	for _, uid := range splitIDs(userIDStr) {
		ids, err := lister.SyncableLinks(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("failed to list links for %s: %w", uid, err)
		}
		log.Printf("Found %d syncable link(s) for %s", len(ids), uid)
		linkIDs = append(linkIDs, ids...)
	}
	return dedupe(linkIDs), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func splitIDs(raw string) []string {
	var ids []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
