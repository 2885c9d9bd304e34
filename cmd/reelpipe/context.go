package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	// Database drivers selected by database.driver.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"reelpipe/internal/config"
	"reelpipe/internal/store"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		path := ""
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		if path == "" {
			path = config.DefaultPath()
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
			c.configErr = fmt.Errorf("create data dir: %w", err)
			return
		}
		if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
			c.configErr = fmt.Errorf("create log dir: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// stores bundles the persistence handles opened from one database.
type stores struct {
	db    *sql.DB
	runs  store.RunStore
	steps store.StepStore
	idem  store.IdempotencyStore
	res   store.ResourceStore
	queue store.Queue
}

func (s *stores) Close() error { return s.db.Close() }

func openStores(cfg *config.Config) (*stores, error) {
	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		st, err := store.NewPostgresStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		q, err := store.NewPostgresQueue(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &stores{db: db, runs: st, steps: st, idem: st, res: st, queue: q}, nil

	default:
		db, err := sql.Open("sqlite", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serializes writers; a single connection avoids busy
		// errors under worker concurrency.
		db.SetMaxOpenConns(1)
		st, err := store.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		q, err := store.NewSQLiteQueue(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &stores{db: db, runs: st, steps: st, idem: st, res: st, queue: q}, nil
	}
}
