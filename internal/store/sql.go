// internal/store/sql.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver

	"github.com/valpere/MediaHarvester/internal/utils"
)

// Dialect selects driver name and SQL flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

func (d Dialect) driver() string {
	switch d {
	case DialectSQLite:
		return "sqlite3"
	case DialectPostgres:
		return "postgres"
	default:
		return "mysql"
	}
}

// SQLStore keeps keys in a single table with an expires_at column
// holding unix nanoseconds, zero meaning no expiry.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
	clock   utils.Clock

	getSQL    string
	upsertSQL string
	deleteSQL string
	purgeSQL  string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSQLStore opens dsn with the dialect's driver and creates the table.
func NewSQLStore(ctx context.Context, dialect Dialect, dsn, table string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s DSN is required", dialect)
	}
	if !validIdentifier(table) {
		return nil, fmt.Errorf("invalid table name: %q", table)
	}

	if dialect == DialectSQLite && !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect, table: table, clock: utils.SystemClock{}, stopChan: make(chan struct{})}
	s.buildStatements()
	if _, err := db.ExecContext(ctx, s.createTableSQL()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return s, nil
}

func (s *SQLStore) createTableSQL() string {
	switch s.dialect {
	case DialectPostgres:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BYTEA NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`, s.table)
	case DialectMySQL:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k VARCHAR(255) PRIMARY KEY,
			v LONGBLOB NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`, s.table)
	default:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`, s.table)
	}
}

func (s *SQLStore) buildStatements() {
	p := func(n int) string {
		if s.dialect == DialectPostgres {
			return fmt.Sprintf("$%d", n)
		}
		return "?"
	}

	s.getSQL = fmt.Sprintf("SELECT v, expires_at FROM %s WHERE k = %s", s.table, p(1))
	s.deleteSQL = fmt.Sprintf("DELETE FROM %s WHERE k = %s", s.table, p(1))
	s.purgeSQL = fmt.Sprintf("DELETE FROM %s WHERE expires_at > 0 AND expires_at <= %s", s.table, p(1))

	switch s.dialect {
	case DialectMySQL:
		s.upsertSQL = fmt.Sprintf(
			"INSERT INTO %s (k, v, expires_at) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v), expires_at = VALUES(expires_at)",
			s.table)
	default:
		s.upsertSQL = fmt.Sprintf(
			"INSERT INTO %s (k, v, expires_at) VALUES (%s, %s, %s) ON CONFLICT (k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at",
			s.table, p(1), p(2), p(3))
	}
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, s.getSQL, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s get %s: %w", s.dialect, key, err)
	}
	if expiresAt > 0 && expiresAt <= s.clock.Now().UnixNano() {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *SQLStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.clock.Now().Add(ttl).UnixNano()
	}
	if _, err := s.db.ExecContext(ctx, s.upsertSQL, key, value, expiresAt); err != nil {
		return fmt.Errorf("%s set %s: %w", s.dialect, key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.deleteSQL, key); err != nil {
		return fmt.Errorf("%s delete %s: %w", s.dialect, key, err)
	}
	return nil
}

// Purge removes expired rows.
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.purgeSQL, s.clock.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%s purge: %w", s.dialect, err)
	}
	return res.RowsAffected()
}

// StartJanitor deletes expired rows every interval until Close.
func (s *SQLStore) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				n, err := s.Purge(ctx)
				cancel()
				if err != nil {
					storeLogger.WithField("table", s.table).Warnf("expired row purge failed: %v", err)
				} else if n > 0 {
					storeLogger.WithFields(map[string]interface{}{"table": s.table, "rows": n}).Debug("purged expired rows")
				}
			case <-s.stopChan:
				return
			}
		}
	}()
}

func (s *SQLStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return s.db.Close()
}
