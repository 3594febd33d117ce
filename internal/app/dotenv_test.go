package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDotenv_SetsVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	data := []byte(`
# comment
MGMTAGENT_ACCESS_TOKEN=devtoken
export MGMTAGENT_STOPPER="dev secret"
SINGLE='a b'
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("MGMTAGENT_ACCESS_TOKEN", "")
	t.Setenv("MGMTAGENT_STOPPER", "")
	t.Setenv("SINGLE", "")
	if err := loadDotenv(path); err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}

	if got := os.Getenv("MGMTAGENT_ACCESS_TOKEN"); got != "devtoken" {
		t.Fatalf("MGMTAGENT_ACCESS_TOKEN=%q, want devtoken", got)
	}
	if got := os.Getenv("MGMTAGENT_STOPPER"); got != "dev secret" {
		t.Fatalf("MGMTAGENT_STOPPER=%q, want %q", got, "dev secret")
	}
	if got := os.Getenv("SINGLE"); got != "a b" {
		t.Fatalf("SINGLE=%q, want 'a b'", got)
	}
}

func TestLoadDotenv_DoesNotOverrideNonEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MGMTAGENT_ACCESS_TOKEN=devtoken\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("MGMTAGENT_ACCESS_TOKEN", "prodtoken")
	if err := loadDotenv(path); err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}
	if got := os.Getenv("MGMTAGENT_ACCESS_TOKEN"); got != "prodtoken" {
		t.Fatalf("MGMTAGENT_ACCESS_TOKEN=%q, want prodtoken", got)
	}
}

func TestLoadDotenv_InvalidLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("NOEQUALS\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	if err := loadDotenv(path); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseDotenv_KeepsFileOrder(t *testing.T) {
	vars, err := parseDotenv(strings.NewReader("B=2\n# skip\nA=1\nB=3\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := [][2]string{{"B", "2"}, {"A", "1"}, {"B", "3"}}
	if len(vars) != len(want) {
		t.Fatalf("vars=%v, want %v", vars, want)
	}
	for i := range want {
		if vars[i] != want[i] {
			t.Fatalf("vars[%d]=%v, want %v", i, vars[i], want[i])
		}
	}
	if _, err := parseDotenv(strings.NewReader(" =x\n")); err == nil {
		t.Fatalf("expected empty key error")
	}
}
