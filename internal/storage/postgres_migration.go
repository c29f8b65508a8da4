package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is a single named schema change.
type Migration struct {
	Name       string
	Statements []string
}

// Migrations returns the embedded schema changes in application order.
func Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{
			Name:       entry.Name(),
			Statements: splitSQLStatements(string(data)),
		})
	}
	return migrations, nil
}

// ApplyMigrations runs every embedded migration inside one transaction. All
// statements are idempotent so the call is safe on an already-migrated
// database.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	if pool == nil {
		return nil, ErrPostgresUnavailable
	}
	migrations, err := Migrations()
	if err != nil {
		return nil, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin migration transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	applied := make([]string, 0, len(migrations))
	for _, migration := range migrations {
		for _, stmt := range migration.Statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("apply migration %s: %w", migration.Name, err)
			}
		}
		applied = append(applied, migration.Name)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit migrations: %w", err)
	}
	return applied, nil
}

// MigrateDSN opens a short-lived pool against dsn and applies the schema.
func MigrateDSN(ctx context.Context, dsn string, opts ...Option) ([]string, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	return ApplyMigrations(ctx, pool)
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

// splitSQLStatements splits a migration file on semicolons that end a line,
// dropping blank statements and full-line comments.
func splitSQLStatements(script string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	flush := func() {
		stmt := strings.TrimSpace(current.String())
		current.Reset()
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return statements
}
