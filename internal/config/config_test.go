package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
telegram:
  token: "123456789:abc"
  admin_user_id: 42
gemini:
  api_key: "key"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Logger.Level != DefaultLogLevel {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, DefaultLogLevel)
	}
	if cfg.Pipeline.SettleWindow != DefaultSettleWindow {
		t.Errorf("Pipeline.SettleWindow = %v, want %v", cfg.Pipeline.SettleWindow, DefaultSettleWindow)
	}
	if cfg.Quota.ProbeInterval != 15*time.Minute {
		t.Errorf("Quota.ProbeInterval = %v, want 15m", cfg.Quota.ProbeInterval)
	}
	if got, ok := cfg.Gemini.PriceFor(DefaultGeminiModel); !ok || got != DefaultPricing[0] {
		t.Errorf("PriceFor(%s) = %+v, %v; want %+v", DefaultGeminiModel, got, ok, DefaultPricing[0])
	}
	if task, ok := cfg.Scheduler.Tasks["quota_probe"]; !ok || !task.Enabled || task.Interval != DefaultProbeInterval {
		t.Errorf("Scheduler.Tasks[quota_probe] = %+v, ok=%v", task, ok)
	}
	if !cfg.IsAdmin(42) || cfg.IsAdmin(7) || cfg.IsAdmin(0) {
		t.Errorf("IsAdmin gave unexpected results for admin 42")
	}
}

func TestLoadConfigFileOverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
logger:
  level: debug
telegram:
  token: "from-file"
  admin_user_id: 42
gemini:
  api_key: "key"
pipeline:
  settle_window: 5s
scheduler:
  tasks:
    feed_poll:
      enabled: false
`)
	t.Setenv("ESTATEBOT_TELEGRAM_TOKEN", "from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want debug", cfg.Logger.Level)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Errorf("Telegram.Token = %q, want env override", cfg.Telegram.Token)
	}
	if cfg.Pipeline.SettleWindow != 5*time.Second {
		t.Errorf("Pipeline.SettleWindow = %v, want 5s", cfg.Pipeline.SettleWindow)
	}
	if cfg.Scheduler.Tasks["feed_poll"].Enabled {
		t.Errorf("feed_poll should be disabled by the file")
	}
	if !cfg.Scheduler.Tasks["quota_probe"].Enabled {
		t.Errorf("quota_probe should keep its default")
	}
}

func TestLoadConfigQuotaTaskInterval(t *testing.T) {
	base := "telegram:\n  token: t\n  admin_user_id: 42\ngemini:\n  api_key: k\n"

	tests := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{name: "default", yaml: base, want: DefaultProbeInterval},
		{name: "quota key drives the job", yaml: base + "quota:\n  probe_interval: 5m\n", want: 5 * time.Minute},
		{
			name: "task interval wins",
			yaml: base + "quota:\n  probe_interval: 5m\nscheduler:\n  tasks:\n    quota_probe:\n      enabled: true\n      interval: 7m\n",
			want: 7 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeFile(t, t.TempDir(), "config.yaml", tt.yaml))
			if err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			task := cfg.Scheduler.Tasks[QuotaProbeTask]
			if task.Interval != tt.want || cfg.Quota.ProbeInterval != tt.want {
				t.Errorf("task interval = %v, quota.probe_interval = %v; want both %v",
					task.Interval, cfg.Quota.ProbeInterval, tt.want)
			}
		})
	}
}

func TestLoadConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
telegram:
  admin_user_id: 42
`)
	writeFile(t, dir, ".env", "ESTATEBOT_TELEGRAM_TOKEN=dotenv-token\nESTATEBOT_GEMINI_API_KEY=dotenv-key\n")
	t.Cleanup(func() {
		os.Unsetenv("ESTATEBOT_TELEGRAM_TOKEN")
		os.Unsetenv("ESTATEBOT_GEMINI_API_KEY")
	})

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Telegram.Token != "dotenv-token" || cfg.Gemini.APIKey != "dotenv-key" {
		t.Errorf("dotenv values not applied: token=%q key=%q", cfg.Telegram.Token, cfg.Gemini.APIKey)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing token",
			yaml: "telegram:\n  admin_user_id: 42\ngemini:\n  api_key: k\n",
		},
		{
			name: "bad log level",
			yaml: "logger:\n  level: loud\ntelegram:\n  token: t\n  admin_user_id: 42\ngemini:\n  api_key: k\n",
		},
		{
			name: "enabled task without cadence",
			yaml: "telegram:\n  token: t\n  admin_user_id: 42\ngemini:\n  api_key: k\nscheduler:\n  tasks:\n    custom:\n      enabled: true\n",
		},
		{
			name: "temperature out of range",
			yaml: "telegram:\n  token: t\n  admin_user_id: 42\ngemini:\n  api_key: k\n  temperature: 3\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tt.yaml)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatal("LoadConfig() expected error, got nil")
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("error %v does not wrap ErrConfiguration", err)
			}
		})
	}
}
