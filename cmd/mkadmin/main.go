// Command mkadmin bootstraps the first system-admin principal and prints its
// one-time temporary password. Run once against a fresh store; afterwards all
// principal management goes through the API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"fleetgate.org/internal/auth"
	"fleetgate.org/internal/config"
	"fleetgate.org/internal/store/pg"
)

func main() {
	identity := flag.String("identity", "", "identity of the admin principal (required)")
	display := flag.String("display", "", "display name (defaults to the identity)")
	cfgPath := flag.String("config", os.Getenv("FLEETGATE_CONFIG"), "config file path")
	flag.Parse()

	if *identity == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.PGDSN == "" {
		log.Fatal("pg_dsn is required: the in-memory store does not outlive the process")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate store: %v", err)
	}

	temp, err := auth.GenerateTempPassword()
	if err != nil {
		log.Fatalf("generate temporary password: %v", err)
	}
	hash, err := auth.HashPassword(temp)
	if err != nil {
		log.Fatalf("hash temporary password: %v", err)
	}

	p := &auth.Principal{
		Identity:     auth.NormalizeIdentity(*identity),
		DisplayName:  *display,
		Role:         auth.RoleAdmin,
		PasswordHash: hash,
		State:        auth.StateMustChange,
		SystemAdmin:  true,
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Identity
	}
	if err := store.Create(ctx, p); err != nil {
		log.Fatalf("create principal: %v", err)
	}

	fmt.Printf("created %s (role %s, system admin)\n", p.Identity, p.Role)
	fmt.Printf("temporary password (shown once): %s\n", temp)
}
