package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetgate.org/internal/auth"
	"fleetgate.org/internal/config"
	"fleetgate.org/internal/httpapi"
	"fleetgate.org/internal/notify"
	"fleetgate.org/internal/obs"
	"fleetgate.org/internal/store/pg"
)

var version = "0.4.0"

func main() {
	obs.Init()

	cfg, err := config.Load(os.Getenv("FLEETGATE_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Token.Secret == "" {
		log.Fatal("token secret is not configured (FLEETGATE_TOKEN_SECRET)")
	}

	rootCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()

	// Credential store: Postgres when a DSN is configured, otherwise the
	// in-process store (single node, state lost on restart).
	var (
		store auth.CredentialStore
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer pgStore.Close()
		if err := pgStore.Migrate(rootCtx); err != nil {
			log.Fatalf("migrate store: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Print("no pg_dsn configured, using in-memory credential store")
		store = auth.NewMemoryStore()
	}

	issuer, err := auth.NewIssuer(cfg.Token.Secret, auth.WithLifetime(cfg.Token.Lifetime.Std()))
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	guard := auth.NewGuard(
		auth.WithThreshold(cfg.Lockout.Threshold),
		auth.WithWindow(cfg.Lockout.Window.Std()),
		auth.WithBackoff(cfg.Lockout.BaseBackoff.Std(), cfg.Lockout.MaxBackoff.Std()),
		auth.WithSourceRate(cfg.Lockout.SourceRate, cfg.Lockout.SourceBurst),
	)
	sessions := auth.NewRegistry(auth.WithIdleMax(cfg.Session.IdleMax.Std()))
	sessions.StartSweeper(rootCtx, cfg.Session.SweepInterval.Std())

	authority, err := auth.NewAuthority(store, guard, issuer, sessions)
	if err != nil {
		log.Fatalf("authority: %v", err)
	}
	notifier := notify.New(
		notify.WithRingDepth(cfg.Notify.RingDepth),
		notify.WithQueueDepth(cfg.Notify.QueueDepth),
	)

	api := httpapi.New(authority, notifier, httpapi.ReadyProbe{DB: db}, version,
		httpapi.WithHTTPRate(cfg.HTTPRate.PerSecond, cfg.HTTPRate.Burst),
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Streaming responses must not be cut off by a write deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting fleetgate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	stopSweeper()
	log.Println("Stopped")
}
