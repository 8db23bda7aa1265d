package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore keeps watermarks in a kv_watermark table. It supports the
// postgres and sqlite3 drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLStore connects to dsn and ensures the schema exists.
func OpenSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if driver == "sqlite3" {
		// A single connection keeps ":memory:" databases shared.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}

	store, err := NewSQLStoreWithDB(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewSQLStoreWithDB(db *sql.DB, driver string) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if driver != "postgres" && driver != "sqlite3" {
		return nil, fmt.Errorf("unsupported watermark driver %q", driver)
	}
	s := &SQLStore{db: db, driver: driver}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("create watermark table: %w", err)
	}
	return s, nil
}

func (s *SQLStore) ensureTable() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS kv_watermark (
  name text NOT NULL PRIMARY KEY,
  value text NOT NULL,
  version bigint NOT NULL DEFAULT 0,
  updated_at timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := s.db.Exec(ddl)
	return err
}

func (s *SQLStore) Load(ctx context.Context, key string) (*Watermark, error) {
	var value string
	var version int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value, version FROM kv_watermark WHERE name = ?`), key).
		Scan(&value, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load watermark %s: %w", key, err)
	}
	return decode([]byte(value), version)
}

func (s *SQLStore) Save(ctx context.Context, key string, w *Watermark) error {
	data, err := encode(w)
	if err != nil {
		return err
	}
	next := w.Version + 1

	var res sql.Result
	if w.Version == 0 {
		res, err = s.db.ExecContext(ctx,
			s.rebind(`INSERT INTO kv_watermark (name, value, version) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`),
			key, string(data), next)
	} else {
		res, err = s.db.ExecContext(ctx,
			s.rebind(`UPDATE kv_watermark SET value = ?, version = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ? AND version = ?`),
			string(data), next, key, w.Version)
	}
	if err != nil {
		return fmt.Errorf("save watermark %s: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save watermark %s: %w", key, err)
	}
	if affected != 1 {
		return fmt.Errorf("save %s at version %d: %w", key, w.Version, ErrVersionConflict)
	}
	w.Version = next
	return nil
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
