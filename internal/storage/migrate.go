package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MigrationManager applies versioned schema migrations from a directory.
// Files are named NNNN_name.sql; an NNNN_name_sqlite.sql sibling overrides
// the base file when running on SQLite. Applied versions are recorded in
// schema_migrations by base name.
type MigrationManager struct {
	db     *sql.DB
	driver string
	dir    string
}

// NewMigrationManager creates a migration manager for the given driver
// ("sqlite" or "postgres") and migrations directory.
func NewMigrationManager(db *sql.DB, driver, dir string) *MigrationManager {
	return &MigrationManager{db: db, driver: driver, dir: dir}
}

// MigrationStatus reports applied and pending migration versions.
type MigrationStatus struct {
	Applied []string
	Pending []string
}

// Status returns which migrations have been applied and which are pending.
func (m *MigrationManager) Status(ctx context.Context) (*MigrationStatus, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	files, err := m.migrationFiles()
	if err != nil {
		return nil, err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{}
	for _, f := range files {
		if applied[f.version] {
			status.Applied = append(status.Applied, f.version)
		} else {
			status.Pending = append(status.Pending, f.version)
		}
	}
	return status, nil
}

// Run applies all pending migrations in version order and returns the
// versions applied.
func (m *MigrationManager) Run(ctx context.Context) ([]string, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, version := range status.Pending {
		if err := m.Apply(ctx, version); err != nil {
			return applied, err
		}
		applied = append(applied, version)
	}
	return applied, nil
}

// Apply runs a single migration version and records it. Applying an
// already-applied version is a no-op.
func (m *MigrationManager) Apply(ctx context.Context, version string) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}
	if applied[version] {
		return nil
	}

	files, err := m.migrationFiles()
	if err != nil {
		return err
	}

	var filename string
	for _, f := range files {
		if f.version == version {
			filename = f.name
			break
		}
	}
	if filename == "" {
		return fmt.Errorf("apply migration %s: %w", version, ErrNotFound)
	}

	data, err := os.ReadFile(filepath.Join(m.dir, filename))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", filename, err)
	}

	if _, err := m.db.ExecContext(ctx, string(data)); err != nil {
		return fmt.Errorf("apply migration %s: %w", filename, err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO schema_migrations (version) VALUES ($1)
		ON CONFLICT (version) DO NOTHING`, version)
	if err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	return nil
}

type migrationFile struct {
	version string
	name    string
}

// migrationFiles lists migration files sorted by version, with the SQLite
// variant preferred for the sqlite driver.
func (m *MigrationManager) migrationFiles() ([]migrationFile, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory %s: %w", m.dir, err)
	}

	base := map[string]string{}
	sqlite := map[string]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		if strings.HasSuffix(name, "_sqlite.sql") {
			sqlite[strings.TrimSuffix(name, "_sqlite.sql")] = name
		} else {
			base[strings.TrimSuffix(name, ".sql")] = name
		}
	}

	versions := map[string]bool{}
	for v := range base {
		versions[v] = true
	}
	for v := range sqlite {
		versions[v] = true
	}

	var files []migrationFile
	for v := range versions {
		name := base[v]
		if m.driver == DriverSQLite {
			if s, ok := sqlite[v]; ok {
				name = s
			}
		}
		if name == "" {
			continue
		}
		files = append(files, migrationFile{version: v, name: name})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

func (m *MigrationManager) ensureVersionTable(ctx context.Context) error {
	var ddl string
	if m.driver == DriverSQLite {
		ddl = `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				version TEXT UNIQUE NOT NULL,
				applied_at TIMESTAMP NOT NULL DEFAULT (datetime('now'))
			)`
	} else {
		ddl = `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				id SERIAL PRIMARY KEY,
				version TEXT UNIQUE NOT NULL,
				applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`
	}
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

func (m *MigrationManager) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
