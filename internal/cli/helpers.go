package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/headline-goat/splitgoat/internal/audience"
	"github.com/headline-goat/splitgoat/internal/config"
	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/metrics"
	"github.com/headline-goat/splitgoat/internal/stats"
	"github.com/headline-goat/splitgoat/internal/store"
)

// openStore opens the backend selected by c.
func openStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case "sqlite":
		s, err := store.Open(c.Path)
		if err != nil {
			return nil, eris.Wrap(err, "failed to open database")
		}
		return s, nil
	case "badger":
		s, err := store.OpenBadger(store.BadgerConfig{
			Path:       c.Path,
			InMemory:   c.Badger.InMemory,
			SyncWrites: c.Badger.SyncWrites,
			Logger:     logger,
		})
		if err != nil {
			return nil, eris.Wrap(err, "failed to open badger store")
		}
		return s, nil
	case "redis":
		s, err := store.OpenRedis(ctx, store.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		})
		if err != nil {
			return nil, eris.Wrap(err, "failed to connect to redis")
		}
		return s, nil
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

// newRegistry wires the engine around s using the loaded configuration.
// A nil reg keeps the Prometheus counters private.
func newRegistry(s store.Store, reg prometheus.Registerer) *experiment.Registry {
	return experiment.New(s, experiment.Options{
		Matcher:       audience.NewMatcher(nil, audience.UnknownRulePolicy(cfg.Engine.UnknownRulePolicy), logger),
		Collector:     metrics.NewCollector(reg),
		Calculator:    stats.NewCalculator(cfg.Engine.SignificanceThreshold),
		Logger:        logger,
		RetryAttempts: uint(cfg.Engine.RetryAttempts),
	})
}

// withRegistry opens the store, executes fn, and handles cleanup.
func withRegistry(ctx context.Context, fn func(*experiment.Registry) error) error {
	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(newRegistry(s, nil))
}

// describe turns engine errors into messages fit for a terminal.
func describe(id string, err error) error {
	var verr *experiment.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("test '%s' not found", id)
	case errors.Is(err, store.ErrExists):
		return fmt.Errorf("test '%s' already exists", id)
	case errors.As(err, &verr):
		msg := "test is invalid:"
		for _, p := range verr.Problems {
			msg += "\n  - " + p
		}
		return errors.New(msg)
	default:
		return err
	}
}

// tokenFilePath returns where serve writes the admin token.
func tokenFilePath() string {
	if cfg.Server.TokenFile != "" {
		return cfg.Server.TokenFile
	}
	// Keep the token file alongside the database
	dir := "."
	if cfg.Store.Path != "" {
		dir = filepath.Dir(cfg.Store.Path)
	}
	return filepath.Join(dir, ".splitgoat-token")
}

// readInput reads path, or stdin when path is "-".
func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}
	return data, nil
}
