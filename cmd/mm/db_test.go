package main

import (
	"strings"
	"testing"
)

func TestDBCmd_Help(t *testing.T) {
	out, err := run(t, "db", "--help")
	if err != nil {
		t.Fatalf("db --help failed: %v", err)
	}
	if !strings.Contains(out, "Database management") {
		t.Errorf("expected help to mention 'Database management', got: %s", out)
	}
	if !strings.Contains(out, "migrate") {
		t.Errorf("expected help to list 'migrate' subcommand, got: %s", out)
	}
}

func TestDBMigrateCmd_MissingConfig(t *testing.T) {
	_, err := run(t, "db", "migrate", "--config", "/nonexistent/modmail.yaml")
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain 'load config'", err.Error())
	}
}

func TestDBMigrateCmd_SQLite(t *testing.T) {
	cfg := writeSQLiteConfig(t)
	out, err := run(t, "db", "migrate", "--config", cfg)
	if err != nil {
		t.Fatalf("db migrate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Connected to sqlite database") {
		t.Errorf("output = %q, want connect line", out)
	}
	if !strings.Contains(out, "Migrated") {
		t.Errorf("output = %q, want migrate line", out)
	}

	// Idempotent.
	if _, err := run(t, "db", "migrate", "--config", cfg); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
