package db

import (
	"context"
	"embed"
	"fmt"
	"sort"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const createVersionTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

// Migrate applies the migrations/*.sql files not yet recorded in
// schema_migrations, in lexical order, each in its own transaction
// together with its version row. Files must not contain BEGIN/COMMIT.
// It returns the files applied by this call.
func Migrate(ctx context.Context, pool TxBeginner) ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if err := ensureVersionTable(ctx, pool); err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(names))
	for _, name := range names {
		ok, err := applyOne(ctx, pool, name)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, name)
		}
	}
	return applied, nil
}

func ensureVersionTable(ctx context.Context, pool TxBeginner) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx for schema_migrations: %w", err)
	}
	if _, err := tx.Exec(ctx, createVersionTable); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return tx.Commit(ctx)
}

// applyOne runs a single file unless its version is already recorded.
func applyOne(ctx context.Context, pool TxBeginner, name string) (bool, error) {
	body, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return false, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx for %s: %w", name, err)
	}

	var done bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`, name).Scan(&done); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("check %s: %w", name, err)
	}
	if done {
		_ = tx.Rollback(ctx)
		return false, nil
	}

	if _, err := tx.Exec(ctx, string(body)); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("migration %s failed: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("record %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit %s failed: %w", name, err)
	}
	return true, nil
}
