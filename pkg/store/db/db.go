// Package db selects and opens the configured store driver.
package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/store"
	"github.com/dotsetgreg/companion/pkg/store/db/mysql"
	"github.com/dotsetgreg/companion/pkg/store/db/postgres"
	"github.com/dotsetgreg/companion/pkg/store/db/sqlite"
)

// NewDriver opens the driver named by cfg.Store.Driver and migrates it.
func NewDriver(ctx context.Context, cfg *config.Config) (store.Driver, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	var (
		driver store.Driver
		err    error
	)
	switch name {
	case "", "sqlite":
		name = "sqlite"
		driver, err = sqlite.NewDB(cfg.StorePath())
	case "postgres", "postgresql":
		name = "postgres"
		driver, err = postgres.NewDB(cfg.Store.DSN)
	case "mysql":
		driver, err = mysql.NewDB(cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q: supported drivers are sqlite, postgres, mysql", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := driver.Migrate(ctx); err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("migrate %s store: %w", name, err)
	}
	logger.InfoCF("store", "Store driver ready", map[string]interface{}{
		"driver": name,
	})
	return driver, nil
}

// Open is NewDriver wrapped in a store.Store with the configured page size.
func Open(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	driver, err := NewDriver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return store.New(driver, store.WithPageSize(cfg.Chat.PageSize)), nil
}
