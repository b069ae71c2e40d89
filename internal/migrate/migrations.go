// Package migrate applies the embedded schema migrations for the
// tower database.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	name    string
	up      string
}

// Migrate brings the schema up to the newest embedded version. Each
// migration runs in its own transaction and is recorded in
// schema_migrations, so an interrupted upgrade resumes where it
// stopped instead of replaying applied steps.
func Migrate(db *sql.DB) error {
	pending, err := load()
	if err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range pending {
		if m.version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(m.up); err != nil {
		return fmt.Errorf("migration %s: %w", m.name, err)
	}
	appliedAt := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, appliedAt); err != nil {
		return fmt.Errorf("record migration %s: %w", m.name, err)
	}
	return tx.Commit()
}

func load() ([]migration, error) {
	paths, err := fs.Glob(migrationsFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	seen := map[int]string{}
	migrations := make([]migration, 0, len(paths))
	for _, path := range paths {
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(strings.TrimPrefix(path, "sql/"), ".sql")
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: want NNNN_name.sql", path)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: bad version prefix %q", path, prefix)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration version %d defined by both %s and %s", version, prev, name)
		}
		seen[version] = name
		migrations = append(migrations, migration{version: version, name: name, up: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}
