package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "convoctl.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8090" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if cfg.Interrupt.MinWords != 2 || cfg.Interrupt.GraceWindow != "500ms" {
		t.Fatalf("interrupt = %+v", cfg.Interrupt)
	}
	if cfg.Gateway.Retry.MaxAttempts != 4 {
		t.Fatalf("retry attempts = %d", cfg.Gateway.Retry.MaxAttempts)
	}
	if Duration(cfg.Gateway.Timeouts.DataFetch) != 8*time.Second {
		t.Fatalf("data_fetch timeout = %q", cfg.Gateway.Timeouts.DataFetch)
	}
	if Duration(cfg.Session.MaxDuration) != 30*time.Minute {
		t.Fatalf("max_duration = %q", cfg.Session.MaxDuration)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
storage:
  driver: sqlite
  sqlite:
    path: /tmp/voice.db
interrupt:
  min_words: 3
gateway:
  retry:
    max_attempts: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLite.Path != "/tmp/voice.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Interrupt.MinWords != 3 {
		t.Fatalf("min_words = %d", cfg.Interrupt.MinWords)
	}
	if cfg.Gateway.Retry.MaxAttempts != 2 {
		t.Fatalf("max_attempts = %d", cfg.Gateway.Retry.MaxAttempts)
	}
	// Untouched keys keep their defaults.
	if cfg.Server.ShutdownGrace != "15s" {
		t.Fatalf("shutdown_grace = %q", cfg.Server.ShutdownGrace)
	}
}

func TestLoad_EnvOverlaysFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9000\"\n")
	t.Setenv("CONVO_SERVER_ADDR", ":9100")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9100" {
		t.Fatalf("addr = %q, want env value", cfg.Server.Addr)
	}
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: redis\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "driver") {
		t.Fatalf("err = %v, want unknown driver", err)
	}
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: postgres\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "dsn") {
		t.Fatalf("err = %v, want missing dsn", err)
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "session:\n  max_duration: thirty\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "max_duration") {
		t.Fatalf("err = %v, want invalid duration", err)
	}
}

func TestLoad_ToolValidation(t *testing.T) {
	cases := map[string]string{
		"missing endpoint": `
tools:
  - name: get_account
`,
		"bad field type": `
tools:
  - name: get_account
    endpoint: http://tools.local/get_account
    params:
      - name: account_id
        type: uuid
`,
		"empty field name": `
tools:
  - name: get_account
    endpoint: http://tools.local/get_account
    result:
      - type: string
`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}

	ok := `
tools:
  - name: get_account
    endpoint: http://tools.local/get_account
    class: data_fetch
    timeout: 5s
    required_permissions: [accounts:read]
    params:
      - name: account_id
        type: string
        required: true
    result:
      - name: balance
        type: number
        required: true
`
	cfg, err := Load(writeConfig(t, ok))
	if err != nil {
		t.Fatalf("valid tool rejected: %v", err)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Params[0].Name != "account_id" {
		t.Fatalf("tools = %+v", cfg.Tools)
	}
}

func TestLoad_StateValidation(t *testing.T) {
	path := writeConfig(t, `
states:
  - name: thinking
    timeout: soon
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("err = %v, want invalid state timeout", err)
	}
}

func TestLoad_StateOverrides(t *testing.T) {
	path := writeConfig(t, `
states:
  - name: speaking
    interruptible: false
    timeout: 3s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.States) != 1 {
		t.Fatalf("states = %+v, want one override", cfg.States)
	}
	s := cfg.States[0]
	if s.Name != "speaking" || s.Interruptible || s.Timeout != "3s" {
		t.Fatalf("override = %+v", s)
	}
}
