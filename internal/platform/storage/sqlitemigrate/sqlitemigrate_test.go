package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"
)

func TestApplyMigrationsRecordsApplied(t *testing.T) {
	db := openTempDB(t)

	migrations := fstest.MapFS{
		"002_index.sql":  &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE INDEX items_name ON items(name);\n-- +migrate Down\nDROP INDEX items_name;")},
		"001_create.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY, name TEXT);")},
		"README.md":      &fstest.MapFile{Data: []byte("not a migration")},
	}

	applied, err := ApplyMigrations(context.Background(), db, migrations, "")
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if diff := cmp.Diff([]string{"001_create.sql", "002_index.sql"}, applied); diff != "" {
		t.Fatalf("applied mismatch (-want +got):\n%s", diff)
	}
	if rows := queryInt64(t, db, "SELECT COUNT(*) FROM schema_migrations"); rows != 2 {
		t.Fatalf("expected 2 migration rows, got %d", rows)
	}
}

func TestApplyMigrationsSkipsAlreadyApplied(t *testing.T) {
	db := openTempDB(t)
	migrations := fstest.MapFS{
		"001_create.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY);")},
	}
	if _, err := ApplyMigrations(context.Background(), db, migrations, ""); err != nil {
		t.Fatalf("apply initial migrations: %v", err)
	}
	applied, err := ApplyMigrations(context.Background(), db, migrations, "")
	if err != nil {
		t.Fatalf("re-apply migrations should be idempotent: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied on replay, got %v", applied)
	}
}

func TestApplyMigrationsDoesNotRecordFailedMigration(t *testing.T) {
	db := openTempDB(t)

	bad := fstest.MapFS{
		"001_bad.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREAT table things(id INT);")},
	}
	if _, err := ApplyMigrations(context.Background(), db, bad, ""); err == nil {
		t.Fatal("expected bad migration to fail")
	}
	if rows := queryInt64(t, db, "SELECT COUNT(*) FROM schema_migrations"); rows != 0 {
		t.Fatalf("expected failed migration to stay unrecorded, got %d rows", rows)
	}
}

func TestApplyMigrationsRespectsMigrationRoot(t *testing.T) {
	db := openTempDB(t)
	migrations := fstest.MapFS{
		"outbox/001_outbox.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE outbox_rows(id TEXT PRIMARY KEY);")},
	}

	applied, err := ApplyMigrations(context.Background(), db, migrations, "outbox/")
	if err != nil {
		t.Fatalf("apply migrations with root: %v", err)
	}
	if diff := cmp.Diff([]string{"outbox/001_outbox.sql"}, applied); diff != "" {
		t.Fatalf("applied mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyMigrationsHonorsCanceledContext(t *testing.T) {
	db := openTempDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ApplyMigrations(ctx, db, fstest.MapFS{
		"001.sql": &fstest.MapFile{Data: []byte("CREATE TABLE t(id INTEGER);")},
	}, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestExtractUpMigration(t *testing.T) {
	tests := map[string]string{
		"CREATE TABLE a(id INT);":                                  "CREATE TABLE a(id INT);",
		"-- +migrate Up\nCREATE TABLE a(id INT);":                  "\nCREATE TABLE a(id INT);",
		"-- +migrate Up\nSELECT 1;\n-- +migrate Down\nSELECT 2;\n": "\nSELECT 1;\n",
	}
	for input, want := range tests {
		if got := ExtractUpMigration(input); got != want {
			t.Fatalf("ExtractUpMigration(%q) = %q, want %q", input, got, want)
		}
	}
	if IsAlreadyExistsError(nil) {
		t.Fatal("nil error is not an already-exists error")
	}
}

func openTempDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
	})
	return db
}

func queryInt64(t *testing.T, db *sql.DB, query string) int64 {
	t.Helper()
	var value int64
	if err := db.QueryRow(query).Scan(&value); err != nil {
		t.Fatalf("query int value: %v", err)
	}
	return value
}
