package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// run executes the root command with args and returns its combined output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeSQLiteConfig writes a config backed by a sqlite file in a temp dir
// and returns its path.
func writeSQLiteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	yaml := "guild:\n  id: \"900\"\ndatabase:\n  driver: sqlite\n  path: " +
		filepath.Join(dir, "modmail.db") + "\n"
	path := filepath.Join(dir, "modmail.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "mm dev") {
		t.Errorf("expected output to contain 'mm dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	for _, want := range []string{"mm 1.0.0", "commit: abc123", "built: 2026-01-01"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help command failed: %v", err)
	}
	for _, sub := range []string{"version", "db", "bot", "web", "category"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q, got: %s", sub, out)
		}
	}
}

func TestExecute_ReturnsExitCode(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"db", "migrate", "--config", "/nonexistent/modmail.yaml"})
	if code := execute(cmd); code != 1 {
		t.Errorf("execute = %d, want 1", code)
	}

	cmd = newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"version"})
	if code := execute(cmd); code != 0 {
		t.Errorf("execute = %d, want 0", code)
	}
}

func TestBotCmd_MissingConfig(t *testing.T) {
	_, err := run(t, "bot", "--config", "/nonexistent/modmail.yaml")
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain 'load config'", err.Error())
	}
}

func TestBotCmd_RequiresToken(t *testing.T) {
	t.Setenv("MODMAIL_TOKEN", "")
	_, err := run(t, "bot", "--config", writeSQLiteConfig(t))
	if err == nil || !strings.Contains(err.Error(), "bot token is required") {
		t.Fatalf("error = %v, want bot token error", err)
	}
}

func TestWebCmd_Help(t *testing.T) {
	out, err := run(t, "web", "--help")
	if err != nil {
		t.Fatalf("web --help failed: %v", err)
	}
	if !strings.Contains(out, "--port") || !strings.Contains(out, "modmail.yaml") {
		t.Errorf("expected --port flag and default config path, got: %s", out)
	}
}
