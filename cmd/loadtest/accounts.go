package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/urbanplaces/realtime/internal/auth"
	"github.com/urbanplaces/realtime/internal/config"
	"github.com/urbanplaces/realtime/internal/database"
	"github.com/urbanplaces/realtime/internal/user"
)

// account is a seeded load test user and its access token.
type account struct {
	ID    uuid.UUID
	Token string
}

// prepareAccounts ensures n load test users exist and mints a token for
// each. Tokens live for ttl so long holds do not expire mid-run.
func prepareAccounts(ctx context.Context, n int, domain string, ttl time.Duration) ([]account, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := database.Migrate(cfg.DatabaseURL()); err != nil {
		return nil, err
	}

	issuer, err := auth.New(auth.Config{Secret: cfg.SecretKey, Algorithm: cfg.Algorithm, TTL: ttl}, nil)
	if err != nil {
		return nil, err
	}

	users := user.NewStore(db)
	accounts := make([]account, 0, n)
	for i := 0; i < n; i++ {
		email := fmt.Sprintf("loadtest+%d@%s", i, domain)
		id, err := users.Ensure(ctx, email, "", "Load", fmt.Sprintf("Tester %d", i))
		if err != nil {
			return nil, err
		}
		token, err := issuer.IssueToken(email)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account{ID: id, Token: token})
	}
	return accounts, nil
}
