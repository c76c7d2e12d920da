// internal/store/store.go

// Package store persists task snapshots and pool state behind a small
// key/value contract with per-key expiry.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valpere/MediaHarvester/internal/utils"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = utils.ErrNotFound

// Store is the persistence contract used by the task registry and the
// proxy pool. A zero ttl means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendMongo    = "mongodb"
)

// Config selects and configures a backend.
type Config struct {
	Backend         string        `yaml:"backend" json:"backend"`
	URL             string        `yaml:"url,omitempty" json:"url,omitempty"`
	DSN             string        `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Table           string        `yaml:"table,omitempty" json:"table,omitempty"`
	Database        string        `yaml:"database,omitempty" json:"database,omitempty"`
	Collection      string        `yaml:"collection,omitempty" json:"collection,omitempty"`
	KeyPrefix       string        `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	JanitorInterval time.Duration `yaml:"janitor_interval,omitempty" json:"janitor_interval,omitempty"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.Table == "" {
		c.Table = "harvester_kv"
	}
	if c.Database == "" {
		c.Database = "mediaharvester"
	}
	if c.Collection == "" {
		c.Collection = "kv"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = time.Minute
	}
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case BackendMemory:
		return nil
	case BackendRedis, BackendMongo:
		if c.URL == "" {
			return fmt.Errorf("store.url is required for backend %s", c.Backend)
		}
	case BackendSQLite, BackendPostgres, BackendMySQL:
		if c.DSN == "" {
			return fmt.Errorf("store.dsn is required for backend %s", c.Backend)
		}
		if !validIdentifier(c.Table) {
			return fmt.Errorf("store.table %q is not a valid identifier", c.Table)
		}
	default:
		return fmt.Errorf("unsupported store backend: %s", c.Backend)
	}
	return nil
}

// Open builds the configured backend and verifies connectivity.
func Open(ctx context.Context, cfg Config) (Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, utils.WrapError(err, utils.ErrCodeInvalidConfig, "invalid store configuration")
	}

	switch strings.ToLower(cfg.Backend) {
	case BackendRedis:
		return NewRedisStore(ctx, cfg.URL, cfg.KeyPrefix, cfg.Timeout)
	case BackendSQLite, BackendPostgres, BackendMySQL:
		s, err := NewSQLStore(ctx, Dialect(strings.ToLower(cfg.Backend)), cfg.DSN, cfg.Table)
		if err != nil {
			return nil, err
		}
		s.StartJanitor(cfg.JanitorInterval)
		return s, nil
	case BackendMongo:
		return NewMongoStore(ctx, cfg.URL, cfg.Database, cfg.Collection, cfg.Timeout)
	default:
		s := NewMemoryStore(utils.SystemClock{})
		s.StartJanitor(cfg.JanitorInterval)
		return s, nil
	}
}

func validIdentifier(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
