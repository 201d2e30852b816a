package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close test database: %v", err)
		}
	})
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.DatabasePath != "./data/interviewd.db" {
		t.Errorf("Expected DatabasePath './data/interviewd.db', got %s", config.DatabasePath)
	}
	if config.MaxConnections != 10 {
		t.Errorf("Expected MaxConnections 10, got %d", config.MaxConnections)
	}
	if config.WriteTimeout != 30*time.Second {
		t.Errorf("Expected WriteTimeout 30s, got %v", config.WriteTimeout)
	}
	if config.MigrationsPath != "" {
		t.Errorf("Expected embedded migrations by default, got %q", config.MigrationsPath)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("DefaultConfig should validate: %v", err)
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database path", func(c *Config) { c.DatabasePath = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
		{"negative retry delay", func(c *Config) { c.RetryDelay = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMigrationManager_ApplyEmbedded(t *testing.T) {
	db := openTestDB(t)
	mm := NewMigrationManager(db, "")

	if err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	// Second run is a no-op.
	if err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations should be idempotent: %v", err)
	}

	versions, err := mm.AppliedVersions()
	if err != nil {
		t.Fatalf("AppliedVersions failed: %v", err)
	}
	if len(versions) != 1 || versions[0] != "001" {
		t.Errorf("expected [001], got %v", versions)
	}

	if err := mm.ValidateSchema(); err != nil {
		t.Errorf("ValidateSchema failed after migrations: %v", err)
	}
}

func TestMigrationManager_DirectorySource(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"002_add_widgets.sql": "CREATE TABLE widgets (id TEXT PRIMARY KEY);",
		"001_add_gadgets.sql": "CREATE TABLE gadgets (id TEXT PRIMARY KEY);",
		"README.md":           "ignored",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	db := openTestDB(t)
	mm := NewMigrationManager(db, dir)

	migrations, err := mm.loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != "001" || migrations[0].Description != "add_gadgets" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}

	if err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	versions, _ := mm.AppliedVersions()
	if len(versions) != 2 || versions[1] != "002" {
		t.Errorf("expected [001 002], got %v", versions)
	}
}

func TestMigrationManager_FailedMigrationRollsBack(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_broken.sql"), []byte("CREATE TABLE ok (id TEXT); NOT SQL;"), 0o644); err != nil {
		t.Fatal(err)
	}

	db := openTestDB(t)
	mm := NewMigrationManager(db, dir)
	if err := mm.ApplyMigrations(); err == nil {
		t.Fatal("expected broken migration to fail")
	}

	versions, err := mm.AppliedVersions()
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 0 {
		t.Errorf("failed migration must not be recorded, got %v", versions)
	}
}

func TestSchemaValidator(t *testing.T) {
	db := openTestDB(t)
	validator := NewSchemaValidator(db)

	if err := validator.ValidateTablesExist(); err == nil {
		t.Error("ValidateTablesExist should fail on empty database")
	}

	if err := NewMigrationManager(db, "").ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	if err := validator.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	if err := validator.ValidateConstraints(); err != nil {
		t.Errorf("ValidateConstraints failed: %v", err)
	}

	if _, err := db.Exec("DROP INDEX idx_turns_session_seq"); err != nil {
		t.Fatal(err)
	}
	if err := validator.ValidateIndexes(); err == nil {
		t.Error("ValidateIndexes should report the dropped index")
	}
}
