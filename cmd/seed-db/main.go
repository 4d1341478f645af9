// Command seed-db loads a seed document (products, carts, API keys) into
// PostgreSQL or SQLite.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-orders/internal/seed"
	"github.com/xenking/kart-orders/internal/storage/postgres"
	"github.com/xenking/kart-orders/internal/storage/sqlite"
)

func main() {
	var (
		storage      string
		databaseURL  string
		sqlitePath   string
		seedFile     string
		apiKeyPepper string
	)

	flag.StringVar(&storage, "storage", "postgres", "target backend: postgres or sqlite")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&sqlitePath, "sqlite-path", "orders.db", "SQLite database file")
	flag.StringVar(&seedFile, "seed-file", "db/seed/seed.json", "path to the seed document")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or ORDERS_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("ORDERS_API_KEY_PEPPER")
	}
	if storage == "postgres" && databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	slog.Info("reading seed document", slog.String("path", seedFile))
	doc, err := seed.LoadFile(seedFile)
	if err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := run(ctx, storage, databaseURL, sqlitePath, doc, []byte(apiKeyPepper)); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, storage, databaseURL, sqlitePath string, doc *seed.Document, pepper []byte) error {
	switch storage {
	case "postgres":
		slog.Info("connecting to database")
		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		slog.Info("running migrations")
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}

		s := postgres.NewStore(pool)
		return s.InTx(ctx, func(ctx context.Context) error {
			return apply(ctx, s, doc, pepper)
		})

	case "sqlite":
		slog.Info("opening sqlite database", slog.String("path", sqlitePath))
		s, err := sqlite.Open(ctx, sqlitePath)
		if err != nil {
			return errors.Wrap(err, "open sqlite")
		}
		defer func() { _ = s.Close() }()

		return s.InTx(ctx, func(ctx context.Context) error {
			return apply(ctx, s, doc, pepper)
		})
	}
	return errors.Errorf("unknown storage %q", storage)
}

func apply(ctx context.Context, w seed.Writer, doc *seed.Document, pepper []byte) error {
	if len(pepper) == 0 && len(doc.APIKeys) > 0 {
		slog.Warn("API keys are hashed without a pepper")
	}
	st, err := seed.Apply(ctx, w, doc, pepper)
	if err != nil {
		return err
	}
	slog.Info("upserted records",
		slog.Int("products", st.Products),
		slog.Int("carts", st.Carts),
		slog.Int("api_keys", st.APIKeys),
	)
	return nil
}
