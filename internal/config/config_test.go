package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.PollInterval() != 30*time.Second {
		t.Fatalf("poll interval = %s", cfg.PollInterval())
	}
	if cfg.Attachments.MaxBytes != 5*1024*1024 {
		t.Fatalf("max bytes = %d", cfg.Attachments.MaxBytes)
	}
	if cfg.Bootstrap.AdminUsername != "admin" {
		t.Fatalf("admin username = %q", cfg.Bootstrap.AdminUsername)
	}
	if cfg.Workflow.AllowFirstStepSkip {
		t.Fatalf("skip must be opt-in")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"driver":   "storage:\n  driver: mysql\n",
		"postgres": "storage:\n  driver: postgres\n",
		"timezone": "timezone: Mars/Olympus\n",
		"redis":    "numbering:\n  backend: redis\n",
		"interval": "notifications:\n  poll_interval: 10ms\n",
		"webhook":  "webhooks:\n  - url: \"\"\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.Retention() != 100 {
		t.Fatalf("retention = %d", cfg.Retention())
	}
	doc := "timezone: UTC\nnotifications:\n  retention: 5\n"
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retention() != 5 {
		t.Fatalf("retention = %d", cfg.Retention())
	}
	if cfg.PollInterval() != 30*time.Second {
		t.Fatalf("unset poll interval should default")
	}
}
