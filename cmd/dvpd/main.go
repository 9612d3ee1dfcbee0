package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/dvpsettle/internal/auth"
	"github.com/terminal-bench/dvpsettle/internal/gateway"
	"github.com/terminal-bench/dvpsettle/internal/journal"
	"github.com/terminal-bench/dvpsettle/internal/registry"
	"github.com/terminal-bench/dvpsettle/internal/settlement"
	"github.com/terminal-bench/dvpsettle/internal/token"
	"github.com/terminal-bench/dvpsettle/pkg/messaging"
)

func main() {
	port := envOr("PORT", "8080")
	natsURL := os.Getenv("NATS_URL")
	dbURL := os.Getenv("DATABASE_URL")
	redisAddr := os.Getenv("REDIS_ADDR")
	jwtSecret := envOr("JWT_SECRET", "dev-secret")

	adminAccount := registry.Account(envOr("ADMIN_ACCOUNT", "admin"))
	engineAccount := registry.Account(envOr("ENGINE_ACCOUNT", "dvp-engine"))

	var msgClient *messaging.Client
	if natsURL != "" {
		var err error
		msgClient, err = messaging.NewClient(messaging.Config{
			URL:            natsURL,
			Name:           "dvpd",
			ReconnectWait:  time.Second,
			MaxReconnects:  5,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer msgClient.Close()
	}

	var journalStore *journal.Store
	if dbURL != "" {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		journalStore = journal.NewStore(db, redisAddr)
		if err := journalStore.Migrate(context.Background()); err != nil {
			log.Fatalf("Failed to migrate journal: %v", err)
		}
	}

	reg := registry.NewRegistry(adminAccount, msgClient)

	assetLedger := token.NewLedger(token.Metadata{
		Name:         envOr("ASSET_NAME", "UK Gilt 2030"),
		Symbol:       envOr("ASSET_SYMBOL", "UKT30"),
		InstrumentID: envOr("ASSET_INSTRUMENT_ID", "UKT-2030-4.50"),
		RateBps:      envInt("ASSET_RATE_BPS", 450),
		Maturity:     envTime("ASSET_MATURITY", time.Now().AddDate(1, 0, 0)),
		Currency:     envOr("ASSET_CURRENCY", "GBP"),
	}, registry.Account(envOr("ASSET_AUTHORITY", "issuer")), reg, msgClient)

	cashLedger := token.NewLedger(token.Metadata{
		Name:         envOr("CASH_NAME", "Digital Pound"),
		Symbol:       envOr("CASH_SYMBOL", "DGBP"),
		InstrumentID: envOr("CASH_INSTRUMENT_ID", "CBDC-GBP"),
		RateBps:      0,
		Maturity:     time.Time{},
		Currency:     envOr("CASH_CURRENCY", "GBP"),
	}, registry.Account(envOr("CASH_AUTHORITY", "central-bank")), reg, msgClient)

	engine := settlement.NewEngine(engineAccount, msgClient, recorderOrNil(journalStore))

	authSvc := auth.NewService(jwtSecret, 24*time.Hour)
	logBootstrapTokens(authSvc, adminAccount, assetLedger.Authority(), cashLedger.Authority())

	gw := gateway.NewGateway(gateway.Config{}, reg, []*token.Ledger{assetLedger, cashLedger}, engine, journalStore, authSvc, msgClient)
	gw.SubscribeEvents()

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: gw.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("dvpd listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("dvpd exited: %v", err)
	}
}

// recorderOrNil avoids storing a typed nil in the engine's Recorder interface
func recorderOrNil(s *journal.Store) settlement.Recorder {
	if s == nil {
		return nil
	}
	return s
}

func logBootstrapTokens(authSvc *auth.Service, accounts ...registry.Account) {
	for _, account := range accounts {
		tok, err := authSvc.IssueToken(account)
		if err != nil {
			log.Fatalf("Failed to issue token for %s: %v", account, err)
		}
		log.Printf("token for %s: %s", account, tok)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envTime(key string, fallback time.Time) time.Time {
	if v := os.Getenv(key); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return fallback
}
