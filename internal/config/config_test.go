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

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LEXGATE_STORAGE_PATH", filepath.Join(dir, "data", "lexgate.bolt"))

	cfg, err := Load(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", cfg.Server.APIPort)
	}
	if cfg.Storage.Type != "bolt" {
		t.Errorf("Storage.Type = %q, want bolt", cfg.Storage.Type)
	}
	if cfg.Governance.Timezone != "America/Sao_Paulo" {
		t.Errorf("Timezone = %q", cfg.Governance.Timezone)
	}
	if cfg.Governance.UnlimitedSentinel != 99999 {
		t.Errorf("UnlimitedSentinel = %d, want 99999", cfg.Governance.UnlimitedSentinel)
	}
	if cfg.Governance.DefaultDailyLimit.Free != 3 {
		t.Errorf("DefaultDailyLimit.Free = %d, want 3", cfg.Governance.DefaultDailyLimit.Free)
	}
	if !cfg.Governance.Visibility.Immediate {
		t.Error("Visibility.Immediate should default to true")
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Errorf("storage directory not created: %v", err)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  api_port: 9000
storage:
  type: memory
governance:
  timezone: UTC
  stale_times:
    - key: noticias
      ttl: 30s
    - key: artigos
      ttl: 1h
  daily_limits:
    plano-estudos:
      free: 2
      premium: 99999
  content_limits:
    politica-artigos:
      count: 3
    flashcards:
      fraction: 0.5
  visibility:
    interval: 500ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.APIPort != 9000 {
		t.Errorf("APIPort = %d, want 9000", cfg.Server.APIPort)
	}
	if len(cfg.Governance.StaleTimes) != 2 || cfg.Governance.StaleTimes[0].Key != "noticias" {
		t.Fatalf("StaleTimes lost order: %+v", cfg.Governance.StaleTimes)
	}
	if got := cfg.Governance.DailyLimits["plano-estudos"].Free; got != 2 {
		t.Errorf("plano-estudos free = %d, want 2", got)
	}
	if got := cfg.Governance.ContentLimits["politica-artigos"].Count; got != 3 {
		t.Errorf("politica-artigos count = %d, want 3", got)
	}
	if got := ParseDuration(cfg.Governance.Visibility.Interval, time.Second); got != 500*time.Millisecond {
		t.Errorf("visibility interval = %v, want 500ms", got)
	}
	// Untouched keys keep their defaults
	if cfg.Governance.Visibility.Threshold != 0.1 {
		t.Errorf("Threshold = %v, want 0.1", cfg.Governance.Visibility.Threshold)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LEXGATE_STORAGE_TYPE", "memory")
	t.Setenv("LEXGATE_SERVER_API_PORT", "8181")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Storage.Type = %q, want memory", cfg.Storage.Type)
	}
	if cfg.Server.APIPort != 8181 {
		t.Errorf("APIPort = %d, want 8181", cfg.Server.APIPort)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "storage type",
			body:    "storage:\n  type: etcd\n",
			wantErr: "unsupported storage type",
		},
		{
			name:    "timezone",
			body:    "storage:\n  type: memory\ngovernance:\n  timezone: Mars/Olympus\n",
			wantErr: "invalid governance timezone",
		},
		{
			name:    "duplicate stale key",
			body:    "storage:\n  type: memory\ngovernance:\n  stale_times:\n    - key: a\n      ttl: 1m\n    - key: A\n      ttl: 2m\n",
			wantErr: "duplicate key",
		},
		{
			name:    "fraction and count",
			body:    "storage:\n  type: memory\ngovernance:\n  content_limits:\n    x:\n      fraction: 0.5\n      count: 2\n",
			wantErr: "not both",
		},
		{
			name:    "fraction out of range",
			body:    "storage:\n  type: memory\ngovernance:\n  content_limits:\n    x:\n      fraction: 1.5\n",
			wantErr: "fraction must be in",
		},
		{
			name:    "negative limit",
			body:    "storage:\n  type: memory\ngovernance:\n  daily_limits:\n    x:\n      free: -1\n",
			wantErr: "must not be negative",
		},
		{
			name:    "interval",
			body:    "storage:\n  type: memory\ngovernance:\n  visibility:\n    interval: 0s\n",
			wantErr: "visibility.interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateGovernance_MixedCaseKeys(t *testing.T) {
	g := Default().Governance
	g.DailyLimits = map[string]DailyLimitEntry{"Plano-Estudos": {Free: 1, Premium: 5}}
	if err := ValidateGovernance(g); err == nil || !strings.Contains(err.Error(), "must be lowercase") {
		t.Errorf("ValidateGovernance() error = %v, want lowercase error", err)
	}

	g = Default().Governance
	g.ContentLimits = map[string]ContentLimitEntry{"Artigos": {Fraction: 0.3}}
	if err := ValidateGovernance(g); err == nil || !strings.Contains(err.Error(), "must be lowercase") {
		t.Errorf("ValidateGovernance() error = %v, want lowercase error", err)
	}
}

func TestLoad_FoldsTableKeys(t *testing.T) {
	cfg, err := Load(writeConfig(t, "storage:\n  type: memory\ngovernance:\n  daily_limits:\n    Plano-Estudos:\n      free: 2\n      premium: 9\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := cfg.Governance.DailyLimits["Plano-Estudos"]; ok {
		t.Error("expected mixed-case key to be folded")
	}
	if got := cfg.Governance.DailyLimits["plano-estudos"]; got.Free != 2 || got.Premium != 9 {
		t.Errorf("DailyLimits[plano-estudos] = %+v, want free=2 premium=9", got)
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := ValidateGovernance(Default().Governance); err != nil {
		t.Fatalf("default governance invalid: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("2m", time.Second); got != 2*time.Minute {
		t.Errorf("ParseDuration(2m) = %v", got)
	}
	if got := ParseDuration("bogus", time.Second); got != time.Second {
		t.Errorf("ParseDuration(bogus) = %v, want fallback", got)
	}
}
