package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, VerifyConfiguration(db))
}

func TestOpen_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	db, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
}

func TestDefaultDBPath(t *testing.T) {
	origBasePath := os.Getenv("BALAKUN_BASE_PATH")
	defer os.Setenv("BALAKUN_BASE_PATH", origBasePath)

	t.Run("with BALAKUN_BASE_PATH", func(t *testing.T) {
		os.Setenv("BALAKUN_BASE_PATH", "/custom/path")
		path, err := DefaultDBPath()
		require.NoError(t, err)
		assert.Equal(t, "/custom/path/balakun.db", path)
	})

	t.Run("without BALAKUN_BASE_PATH", func(t *testing.T) {
		os.Setenv("BALAKUN_BASE_PATH", "")
		path, err := DefaultDBPath()
		require.NoError(t, err)
		home, _ := os.UserHomeDir()
		assert.Equal(t, filepath.Join(home, ".balakun", "balakun.db"), path)
	})
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.NotEmpty(t, m.Name)
		assert.NotEmpty(t, m.SQL)
		if i > 0 {
			assert.Greater(t, m.Version, migrations[i-1].Version, "migrations must be sorted by version")
		}
	}

	assert.EqualValues(t, 1, migrations[0].Version)
	assert.Equal(t, "initial_schema", migrations[0].Name)
}

func TestMigrationRunner_Run(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	migrations, err := LoadMigrations()
	require.NoError(t, err)

	runner := NewMigrationRunner(db)
	require.NoError(t, runner.Run(context.Background(), migrations))

	for _, table := range []string{
		"messages", "user_profiles", "facts", "user_memories",
		"user_throttle_metrics", "user_request_history", "bans", "notices",
	} {
		var exists bool
		err = db.QueryRow(`
			SELECT COUNT(*) > 0 FROM sqlite_master
			WHERE type='table' AND name=?
		`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "expected table %s to exist", table)
	}

	version, err := runner.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, version)
}

func TestMigrationRunner_Idempotent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	migrations := []Migration{
		{Version: 1, Name: "create_test_table", SQL: "CREATE TABLE test_table (id INTEGER PRIMARY KEY)"},
	}

	runner := NewMigrationRunner(db)
	require.NoError(t, runner.Run(context.Background(), migrations))
	require.NoError(t, runner.Run(context.Background(), migrations))

	var count int
	err = db.Get(&count, "SELECT COUNT(*) FROM schema_migrations")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMigrationRunner_OutOfOrder(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	// Runner sorts by version before applying.
	migrations := []Migration{
		{Version: 2, Name: "add_column", SQL: "ALTER TABLE test_table ADD COLUMN name TEXT"},
		{Version: 1, Name: "create_test_table", SQL: "CREATE TABLE test_table (id INTEGER PRIMARY KEY)"},
	}

	runner := NewMigrationRunner(db)
	require.NoError(t, runner.Run(context.Background(), migrations))

	applied, err := runner.Applied(context.Background())
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.EqualValues(t, 1, applied[0].Version)
	assert.Equal(t, "create_test_table", applied[0].Name)
	assert.EqualValues(t, 2, applied[1].Version)
}

func TestMigrationRunner_FailedScriptNotRecorded(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	migrations := []Migration{
		{Version: 1, Name: "broken", SQL: "CREATE TABLE ("},
	}

	runner := NewMigrationRunner(db)
	err = runner.Run(context.Background(), migrations)
	require.Error(t, err)

	version, err := runner.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, version)
}

func TestMigrationRunner_Rollback(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	migrations := []Migration{
		{Version: 1, Name: "one", SQL: "CREATE TABLE t1 (id INTEGER PRIMARY KEY)"},
		{Version: 2, Name: "two", SQL: "CREATE TABLE t2 (id INTEGER PRIMARY KEY)"},
		{Version: 3, Name: "three", SQL: "CREATE TABLE t3 (id INTEGER PRIMARY KEY)"},
	}

	runner := NewMigrationRunner(db)
	require.NoError(t, runner.Run(context.Background(), migrations))

	require.NoError(t, runner.Rollback(context.Background(), 1))

	version, err := runner.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	// Rollback only rewinds bookkeeping; re-running applies 2 and 3 again.
	err = runner.Rollback(context.Background(), 5)
	require.Error(t, err, "nothing above version 5")
}

func TestMigrationRunner_RollbackNegativeTarget(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	runner := NewMigrationRunner(db)
	err = runner.Rollback(context.Background(), -1)
	require.Error(t, err)
}

func TestOpenAndMigrate(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := OpenAndMigrate(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	var exists bool
	err = db.QueryRow(`
		SELECT COUNT(*) > 0 FROM sqlite_master
		WHERE type='table' AND name='messages'
	`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}
