package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile on a missing file: %v", err)
	}
}

func TestLoadFile_ParsesLinesAndKeepsRealEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := `
# local overrides
CONVO_SERVER_ADDR=:9999
CONVO_STORAGE_SQLITE_PATH="convoctl dev.db"
export CONVO_TELEMETRY_ENABLED=true
CONVO_STORAGE_DRIVER='sqlite'
not a pair
CONVO_SESSION_MAX_DURATION=10m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	for _, key := range []string{
		"CONVO_SERVER_ADDR",
		"CONVO_STORAGE_SQLITE_PATH",
		"CONVO_TELEMETRY_ENABLED",
		"CONVO_STORAGE_DRIVER",
	} {
		// Registers cleanup so values set by LoadFile do not leak.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("CONVO_SESSION_MAX_DURATION", "30m")

	if err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	want := map[string]string{
		"CONVO_SERVER_ADDR":         ":9999",
		"CONVO_STORAGE_SQLITE_PATH": "convoctl dev.db",
		"CONVO_TELEMETRY_ENABLED":   "true",
		"CONVO_STORAGE_DRIVER":      "sqlite",
	}
	for key, v := range want {
		if got := os.Getenv(key); got != v {
			t.Fatalf("%s = %q, want %q", key, got, v)
		}
	}
	// A variable the shell already set wins over the file.
	if got := os.Getenv("CONVO_SESSION_MAX_DURATION"); got != "30m" {
		t.Fatalf("CONVO_SESSION_MAX_DURATION = %q, want the existing value kept", got)
	}
}
