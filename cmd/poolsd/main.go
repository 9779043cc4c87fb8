// Command poolsd runs the escrowed raffle and fundraise pools behind a JSON
// API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/escrow_pools/internal/config"
	"github.com/R3E-Network/escrow_pools/internal/events"
	"github.com/R3E-Network/escrow_pools/internal/fundraise"
	"github.com/R3E-Network/escrow_pools/internal/httpapi"
	"github.com/R3E-Network/escrow_pools/internal/httputil"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
	"github.com/R3E-Network/escrow_pools/internal/middleware"
	"github.com/R3E-Network/escrow_pools/internal/ownership"
	"github.com/R3E-Network/escrow_pools/internal/raffle"
	"github.com/R3E-Network/escrow_pools/internal/randomness"
	"github.com/R3E-Network/escrow_pools/internal/scheduler"
	"github.com/R3E-Network/escrow_pools/internal/storage"
	"github.com/R3E-Network/escrow_pools/internal/storage/memory"
	"github.com/R3E-Network/escrow_pools/internal/storage/migrations"
	"github.com/R3E-Network/escrow_pools/internal/storage/postgres"
	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

const (
	jobTimeout      = 30 * time.Second
	recentEvents    = 1024
	limiterIdle     = 10 * time.Minute
	limiterInterval = time.Minute
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional .env file with environment overrides")
	issue := flag.String("issue-token", "", "print a signed API token for this account and exit")
	ttl := flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "poolsd: %v\n", err)
		os.Exit(1)
	}

	if *issue != "" {
		token, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, *issue, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "poolsd: issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log := logger.New(cfg.Logging)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("poolsd stopped")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeStore()

	token, err := openLedger(ctx, cfg.Token, store, log)
	if err != nil {
		return err
	}
	owner, err := ownership.New(cfg.Token.Owner)
	if err != nil {
		return fmt.Errorf("owner: %w", err)
	}

	bus := events.NewRingBuffer(recentEvents)
	var publisher events.Publisher = bus
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).WithField("addr", cfg.Redis.Addr).Warn("redis unreachable, events stay local until it recovers")
		}
		publisher = events.NewFanout(log.Named("events"), bus, events.NewRedisPublisher(rdb, cfg.Redis.Channel))
	}

	raffles := raffle.New(owner, token.Holder(cfg.Token.EscrowAccount), cfg.Token.EscrowAccount, log.Named("raffle"))
	raffles.WithStore(store)
	raffles.WithPublisher(publisher)
	raffles.WithRandomnessTimeout(cfg.Randomness.Timeout)

	funds := fundraise.New(owner, token, log.Named("fundraise"))
	funds.WithStore(store)
	funds.WithPublisher(publisher)

	switch cfg.Randomness.Mode {
	case "external":
		client := httputil.NewClient(httputil.ClientConfig{
			BaseURL: cfg.Randomness.OracleURL,
			APIKey:  cfg.Auth.OracleKey,
		})
		raffles.WithRandomness(randomness.NewOracleSource(client, cfg.Randomness.OraclePath,
			strings.TrimSuffix(cfg.Randomness.CallbackURL, "/"), log.Named("oracle")))
	default:
		local := randomness.NewLocalSource(log.Named("randomness"), cfg.Randomness.QueueSize, cfg.Randomness.Delay)
		local.WithFulfiller(raffles)
		local.Start(ctx)
		defer local.Stop()
		raffles.WithRandomness(local)
	}

	if err := raffles.Restore(ctx); err != nil {
		return fmt.Errorf("restore raffles: %w", err)
	}
	if err := funds.Restore(ctx); err != nil {
		return fmt.Errorf("restore fundraises: %w", err)
	}
	if cfg.Raffle.CreateOnStart && len(raffles.List(ctx)) == 0 {
		snap, err := raffles.Create(ctx, owner.Owner(), raffle.Config{
			DurationDays: cfg.Raffle.DurationDays,
			UnitPrice:    cfg.Raffle.UnitPrice,
			Decimals:     cfg.Token.Decimals,
			PerWalletCap: cfg.Raffle.PerWalletCap,
			Shares:       cfg.Raffle.Shares,
			Fees:         cfg.Raffle.Fees,
			Sink:         cfg.Raffle.Sink,
		})
		if err != nil {
			return fmt.Errorf("create initial raffle: %w", err)
		}
		log.WithField("raffle_id", snap.ID).Info("initial raffle created")
	}

	svc := httpapi.Services{
		Raffles:    raffles,
		Fundraises: funds,
		Owner:      owner,
		Ledger:     token,
		Events:     bus,
		Publisher:  publisher,
	}

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(log.Named("scheduler"), jobTimeout)
		if err := sched.AddLifecycleSweep(cfg.Scheduler.LifecycleSpec, raffles, funds); err != nil {
			return err
		}
		if err := sched.AddRandomnessExpiry(cfg.Scheduler.RandomnessSpec, raffles); err != nil {
			return err
		}
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				log.WithError(err).Warn("scheduler stop")
			}
		}()
		svc.Jobs = sched
	}

	opts := httpapi.Options{
		JWTSecret:   cfg.Auth.JWTSecret,
		Issuer:      cfg.Auth.Issuer,
		OracleKey:   cfg.Auth.OracleKey,
		AllowNoJWT:  cfg.Auth.AllowNoJWT,
		RateLimit:   cfg.Auth.RateLimit,
		RateBurst:   cfg.Auth.RateBurst,
		CORSOrigins: cfg.Server.CORSOrigins,
	}
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      httpapi.NewRouter(svc, opts, log.Named("http")),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).
			WithField("randomness", cfg.Randomness.Mode).
			WithField("owner", owner.Owner()).
			Info("poolsd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// openStore returns the Postgres store when a DSN is configured and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (storage.Store, func(), error) {
	if cfg.DSN == "" {
		log.Warn("no database configured, pool state is kept in memory")
		return memory.New(), func() {}, nil
	}
	db, err := postgres.Open(ctx, cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		log.WithField("migrations", migrations.Count()).Info("database schema up to date")
	}
	return postgres.New(db), func() { db.Close() }, nil
}

// openLedger restores the token from store. A store without ledger state gets
// the genesis mint, unless it already holds pools whose escrow would then be
// empty.
func openLedger(ctx context.Context, cfg config.TokenConfig, store storage.Store, log *logger.Logger) (*ledger.Token, error) {
	token := ledger.NewToken(cfg.Symbol, cfg.Decimals)
	found, err := ledger.Attach(ctx, token, store)
	if err != nil {
		return nil, err
	}
	if found {
		log.WithField("symbol", cfg.Symbol).
			WithField("version", token.Version()).
			WithField("supply", token.TotalSupply()).
			Info("ledger state restored")
		return token, nil
	}

	existing, err := store.ListPools(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("store holds %d pools but no %s ledger state; refusing to restore them against an empty ledger", len(existing), cfg.Symbol)
	}
	for account, amount := range cfg.Genesis {
		if err := token.Mint(account, amount); err != nil {
			return nil, fmt.Errorf("genesis mint %s: %w", account, err)
		}
	}
	log.WithField("accounts", len(cfg.Genesis)).Info("ledger initialised from genesis")
	return token, nil
}
