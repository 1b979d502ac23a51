package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envVars = []string{
	"KEELSON_LOG_LEVEL", "KEELSON_NATS_URL", "KEELSON_OUTPUT_FOLDER",
	"KEELSON_RPC_REALM", "KEELSON_RPC_ENTITY",
	"KEELSON_S3_BUCKET", "KEELSON_S3_PREFIX", "KEELSON_S3_REGION", "KEELSON_S3_ENDPOINT",
	"KEELSON_METRICS_ADDR", "KEELSON_HEALTH_ADDR",
}

func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range envVars {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "keelson.toml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	clearAllEnv(t)
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Bus.URL != "nats://127.0.0.1:4222" {
		t.Errorf("bus url = %q", c.Bus.URL)
	}
	if c.Record.LowWatermark != 100 || c.Record.HighWatermark != 1000 {
		t.Errorf("watermarks = %d/%d", c.Record.LowWatermark, c.Record.HighWatermark)
	}
	if c.Record.FileName != "%Y-%m-%d_%H%M%S" {
		t.Errorf("file name = %q", c.Record.FileName)
	}
	if c.S3.Region != "us-east-1" {
		t.Errorf("region = %q", c.S3.Region)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearAllEnv(t)
	path := writeConfig(t, `
log_level = "debug"

[bus]
url = "nats://file:4222"

[record]
keys = ["rise/@v0/**"]
output_folder = "/data"
high_watermark = 5000
frequency_interval = "30s"

[rotation]
when = "H"
interval = 2
size = "500MB"

[s3]
bucket = "recordings"
retry_interval = "2m"
`)
	t.Setenv("KEELSON_NATS_URL", "nats://env:4222")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Bus.URL != "nats://env:4222" {
		t.Errorf("env did not override file: %q", c.Bus.URL)
	}
	if c.LogLevel != "debug" || c.Record.OutputFolder != "/data" || c.Record.HighWatermark != 5000 {
		t.Errorf("file values not applied: %+v", c.Record)
	}
	if c.Record.LowWatermark != 100 {
		t.Errorf("default low watermark lost: %d", c.Record.LowWatermark)
	}
	if c.Record.FrequencyInterval != 30*time.Second || c.S3.RetryInterval != 2*time.Minute {
		t.Errorf("durations = %v, %v", c.Record.FrequencyInterval, c.S3.RetryInterval)
	}
	if err := c.ValidateRecord(); err != nil {
		t.Fatalf("ValidateRecord: %v", err)
	}
	p, err := c.RotationPolicy()
	if err != nil {
		t.Fatal(err)
	}
	if p.Interval != 2 || p.MaxBytes != 500<<20 || p.When.String() != "H" {
		t.Errorf("policy = %+v", p)
	}
}

func TestLoadBadFile(t *testing.T) {
	clearAllEnv(t)
	if _, err := Load(writeConfig(t, "[bus\nurl=")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRecord(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(c *Config)
	}{
		{"NoKeys", func(c *Config) { c.Record.Keys = nil }},
		{"LowNotBelowHigh", func(c *Config) { c.Record.LowWatermark = 1000 }},
		{"ZeroLow", func(c *Config) { c.Record.LowWatermark = 0 }},
		{"BadCompression", func(c *Config) { c.Record.Compression = "gzip" }},
		{"BadWhen", func(c *Config) { c.Rotation.When = "fortnight" }},
		{"BadSize", func(c *Config) { c.Rotation.Size = "lots" }},
		{"ZeroInterval", func(c *Config) { c.Rotation.When = "M"; c.Rotation.Interval = 0 }},
		{"BadLevel", func(c *Config) { c.LogLevel = "loud" }},
		{"HalfRPC", func(c *Config) { c.RPC.Realm = "rise" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			c.Record.Keys = []string{"rise/@v0/**"}
			tc.modify(c)
			if err := c.ValidateRecord(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("ValidateRecord() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestValidateReplay(t *testing.T) {
	c := Default()
	if err := c.ValidateReplay(); !errors.Is(err, ErrInvalid) {
		t.Errorf("missing file: %v", err)
	}
	c.Replay.File = "rec.mcap"
	c.Replay.TimeStart = "2024-05-01T12:00:06Z"
	c.Replay.TimeEnd = "2024-05-01T12:00:03Z"
	if err := c.ValidateReplay(); !errors.Is(err, ErrInvalid) {
		t.Errorf("reversed window: %v", err)
	}
	c.Replay.TimeEnd = "not a time"
	if err := c.ValidateReplay(); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad time: %v", err)
	}
	c.Replay.TimeEnd = ""
	if err := c.ValidateReplay(); err != nil {
		t.Errorf("open-ended window: %v", err)
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 0, 3, 500_000_000, time.UTC)
	for _, s := range []string{"2024-05-01T12:00:03.5Z", "1714564803.5"} {
		got, err := ParseTime(s)
		if err != nil {
			t.Fatalf("ParseTime(%q): %v", s, err)
		}
		if !got.Equal(want) {
			t.Errorf("ParseTime(%q) = %v, want %v", s, got, want)
		}
	}
	if got, err := ParseTime(""); err != nil || !got.IsZero() {
		t.Errorf("empty = %v, %v", got, err)
	}
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]slog.Level{"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warn": slog.LevelWarn, "error": slog.LevelError} {
		got, err := ParseLevel(s)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", s, got, err)
		}
	}
}
