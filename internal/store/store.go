// Package store provides the bridge's persistent state: the product
// catalog discovered at login and small operational settings that must
// survive restarts (like the refresh-interval override set from Home
// Assistant). Backed by a namespaced SQLite key-value table; structured
// values are stored as JSON.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/park2mqtt/internal/twopark"
)

const (
	nsCatalog  = "catalog"
	nsSettings = "settings"

	keyProducts        = "products"
	keyRefreshInterval = "refresh_interval_min"
)

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at the given database path. The
// schema is created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bridge_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *Store) get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM bridge_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// set upserts a namespace/key/value triple.
func (s *Store) set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO bridge_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// SaveProducts persists the discovered product catalog, replacing any
// previous catalog. Called by the login flow; products are otherwise
// immutable for the lifetime of the setup.
func (s *Store) SaveProducts(products []twopark.Product) error {
	data, err := json.Marshal(products)
	if err != nil {
		return fmt.Errorf("encode products: %w", err)
	}
	return s.set(nsCatalog, keyProducts, string(data))
}

// LoadProducts returns the persisted product catalog in discovery
// order, or a nil slice when no login has happened yet.
func (s *Store) LoadProducts() ([]twopark.Product, error) {
	raw, err := s.get(nsCatalog, keyProducts)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}

	var products []twopark.Product
	if err := json.Unmarshal([]byte(raw), &products); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	return products, nil
}

// SetRefreshInterval persists the user-set refresh interval in
// minutes so it survives restarts.
func (s *Store) SetRefreshInterval(minutes int) error {
	return s.set(nsSettings, keyRefreshInterval, strconv.Itoa(minutes))
}

// RefreshInterval returns the persisted refresh interval in minutes,
// or 0 when the user never changed it (callers fall back to the
// config file value).
func (s *Store) RefreshInterval() (int, error) {
	raw, err := s.get(nsSettings, keyRefreshInterval)
	if err != nil || raw == "" {
		return 0, err
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("decode refresh interval %q: %w", raw, err)
	}
	return minutes, nil
}
