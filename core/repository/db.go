package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"lora-orchestrator/core/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// Postgres error codes the repositories translate
const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// queryer is satisfied by both *DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DB wraps the Postgres connection pool
type DB struct {
	*sql.DB
}

// NewDB opens a Postgres connection pool and verifies connectivity
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Migrate creates the tables used by the pipeline if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// pgCode returns the Postgres error code of err, or "" when err is not a driver error
func pgCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// notFound maps sql.ErrNoRows to models.ErrNotFound
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func terminalStates() interface{} {
	return stateArray(models.TerminalStates)
}

func stateArray(states []models.RunState) interface{} {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return pq.Array(out)
}

// validID reports whether id can be compared against a UUID column. Malformed
// ids cannot match any row, so callers report them as not found.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
