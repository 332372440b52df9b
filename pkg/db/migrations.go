package db

import (
	"context"
	"embed"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration is one schema script discovered from the embedded migrations
// directory. Scripts are named <NNN>_<name>.sql and applied in version order.
type Migration struct {
	Version int64
	Name    string
	SQL     string
}

var migrationFilename = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

// LoadMigrations parses the embedded migration scripts, sorted by version.
func LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read embedded migrations")
	}

	migrations := make([]Migration, 0, len(entries))
	seen := make(map[int64]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := migrationFilename.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, errors.Errorf("migration %q does not match <NNN>_<name>.sql", entry.Name())
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad version in migration %q", entry.Name())
		}
		if prev, ok := seen[version]; ok {
			return nil, errors.Errorf("duplicate migration version %d (%s, %s)", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		body, err := fs.ReadFile(migrationFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read migration %q", entry.Name())
		}
		migrations = append(migrations, Migration{
			Version: version,
			Name:    m[2],
			SQL:     string(body),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// AppliedMigration is one recorded row from schema_migrations.
type AppliedMigration struct {
	Version   int64  `db:"version"`
	Name      string `db:"name"`
	AppliedAt int64  `db:"applied_at"`
}

// MigrationRunner applies migration scripts and tracks applied versions.
type MigrationRunner struct {
	db *sqlx.DB
}

// NewMigrationRunner creates a new migration runner.
func NewMigrationRunner(db *sqlx.DB) *MigrationRunner {
	return &MigrationRunner{db: db}
}

// Run executes all pending migrations in version order, each inside its
// own transaction.
func (r *MigrationRunner) Run(ctx context.Context, migrations []Migration) error {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return err
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})

	for _, m := range sorted {
		if applied[m.Version] {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return errors.Wrapf(err, "failed to apply migration %d_%s", m.Version, m.Name)
		}
	}

	return nil
}

// Rollback removes version records greater than target. It does not undo
// schema changes; it only rewinds the version bookkeeping so scripts can
// be re-applied after a manual fix.
func (r *MigrationRunner) Rollback(ctx context.Context, target int64) error {
	if target < 0 {
		return errors.Errorf("rollback target must be >= 0, got %d", target)
	}
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version > ?", target)
	if err != nil {
		return errors.Wrapf(err, "failed to roll back to version %d", target)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("no applied migrations above version %d", target)
	}
	return nil
}

// CurrentVersion returns the highest applied version, or 0 when none.
func (r *MigrationRunner) CurrentVersion(ctx context.Context) (int64, error) {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	var version int64
	err := r.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err != nil {
		return 0, errors.Wrap(err, "failed to get current migration version")
	}
	return version, nil
}

// Applied returns the recorded migrations in version order.
func (r *MigrationRunner) Applied(ctx context.Context) ([]AppliedMigration, error) {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	var rows []AppliedMigration
	err := r.db.SelectContext(ctx, &rows, "SELECT version, name, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, errors.Wrap(err, "failed to get applied migrations")
	}
	return rows, nil
}

func (r *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	return errors.Wrap(err, "failed to create schema_migrations table")
}

func (r *MigrationRunner) appliedVersions(ctx context.Context) (map[int64]bool, error) {
	var versions []int64
	err := r.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "failed to get applied migrations")
	}

	applied := make(map[int64]bool)
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func (r *MigrationRunner) apply(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return errors.Wrap(err, "failed to execute script")
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, time.Now().Unix())
	if err != nil {
		return errors.Wrap(err, "failed to record migration")
	}

	return tx.Commit()
}
