package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is a PersistentKeyValueStore backed by PostgreSQL. Tokens and
// secrets survive restarts, which is what makes cached-token logins possible.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL using the DB_* environment
// variables and ensures the credential table exists
func NewPostgresStore() (*PostgresStore, error) {
	host := os.Getenv("DB_HOST")
	if host == "" {
		host = "localhost"
	}

	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}

	user := os.Getenv("DB_USER")
	if user == "" {
		user = "postgres"
	}

	password := os.Getenv("DB_PASSWORD")
	if password == "" {
		return nil, fmt.Errorf("DB_PASSWORD environment variable is required")
	}

	dbname := os.Getenv("DB_NAME")
	if dbname == "" {
		dbname = "fleet_login"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	LogInfo("Successfully connected to PostgreSQL database")
	return store, nil
}

// ensureSchema creates the credential table if it does not exist
func (s *PostgresStore) ensureSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS credential (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`
	_, err := s.db.Exec(query)
	return err
}

// Get returns the value for a key and whether it exists
func (s *PostgresStore) Get(key string) (string, bool, error) {
	query := `
		SELECT value
		FROM credential
		WHERE key = $1
		LIMIT 1
	`

	var value string
	err := s.db.QueryRow(query, key).Scan(&value)

	if err == sql.ErrNoRows {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return value, true, nil
}

// Upsert stores a value under a key, overwriting any previous value
func (s *PostgresStore) Upsert(key, value string) error {
	query := `
		INSERT INTO credential (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.Exec(query, key, value, time.Now())
	return err
}

// Delete removes a key
func (s *PostgresStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM credential WHERE key = $1`, key)
	return err
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
