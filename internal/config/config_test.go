package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	if c.Sqlite.Prefix != "scriptguard_" {
		t.Errorf("prefix = %q", c.Sqlite.Prefix)
	}
	if c.Diagnostics.DedupWindowMS != 5000 {
		t.Errorf("dedup window = %d", c.Diagnostics.DedupWindowMS)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
log:
  level: warn
  writer: [console]
diagnostics:
  enabled: true
  log_level: 2
devtools:
  url: http://localhost:9333
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Log.Level != "warn" || len(c.Log.Writer) != 1 {
		t.Errorf("log section not applied: %+v", c.Log)
	}
	if !c.Diagnostics.Enabled || c.Diagnostics.LogLevel != 2 {
		t.Errorf("diagnostics section not applied: %+v", c.Diagnostics)
	}
	if c.DevTools.URL != "http://localhost:9333" {
		t.Errorf("devtools url = %q", c.DevTools.URL)
	}
	if c.Sqlite.Dsn != "db.sqlite3" {
		t.Errorf("default dsn lost: %q", c.Sqlite.Dsn)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"level", func(c *Config) { c.Log.Level = "loud" }},
		{"writer", func(c *Config) { c.Log.Writer = []string{"syslog"} }},
		{"diag level", func(c *Config) { c.Diagnostics.LogLevel = 3 }},
		{"dedup", func(c *Config) { c.Diagnostics.DedupWindowMS = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConfig()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadEmptyPath(t *testing.T) {
	c, err := Load("")
	if err != nil || c == nil {
		t.Fatalf("Load(\"\") = %v, %v", c, err)
	}
}
