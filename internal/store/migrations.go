package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	return applyMigrations("migrations/postgres", func(name, sql string) error {
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		return nil
	})
}

// RunMigrations executes the embedded SQLite migrations in order.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return applyMigrations("migrations/sqlite", func(name, sql string) error {
		if _, err := s.db.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		return nil
	})
}

func applyMigrations(dir string, exec func(name, sql string) error) error {
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if err := exec(e.Name(), sql); err != nil {
			return err
		}
	}
	return nil
}
