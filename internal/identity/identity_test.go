package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadTrimsWhitespace(t *testing.T) {
	dir := t.TempDir()
	serialFile := writeTemp(t, dir, "serial", "  ABC123\n")
	authFile := writeTemp(t, dir, "auth", "secret-token\n\n")

	dev, err := Load(serialFile, authFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if dev.Serial != "ABC123" {
		t.Errorf("Serial = %q", dev.Serial)
	}
	if dev.AuthToken != "secret-token" {
		t.Errorf("AuthToken = %q", dev.AuthToken)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "no-such-serial"), filepath.Join(dir, "no-such-auth"))
	if err == nil {
		t.Fatal("expected an error for a missing serial file")
	}
}
