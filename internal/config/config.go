// Package config loads settings for the keelson command from an optional
// TOML file and KEELSON_* environment variables. Command-line flags are
// applied on top by the command itself.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/RISE-Maritime/keelson-sub001/internal/mcaplog"
	"github.com/RISE-Maritime/keelson-sub001/internal/rotation"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	LogLevel string `toml:"log_level"` // KEELSON_LOG_LEVEL (default "info")

	Bus      BusConfig      `toml:"bus"`
	Record   RecordConfig   `toml:"record"`
	Rotation RotationConfig `toml:"rotation"`
	Replay   ReplayConfig   `toml:"replay"`
	RPC      RPCConfig      `toml:"rpc"`
	S3       S3Config       `toml:"s3"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type BusConfig struct {
	URL string `toml:"url"` // KEELSON_NATS_URL (default nats://127.0.0.1:4222)
}

type RecordConfig struct {
	Keys               []string      `toml:"keys"`
	OutputFolder       string        `toml:"output_folder"` // KEELSON_OUTPUT_FOLDER (default ".")
	FileName           string        `toml:"file_name"`
	Compression        string        `toml:"compression"`
	ChunkSize          int64         `toml:"chunk_size"`
	LowWatermark       int           `toml:"low_watermark"`
	HighWatermark      int           `toml:"high_watermark"`
	PIDFile            string        `toml:"pid_file"`
	Subjects           []string      `toml:"subjects"`
	ExtraSubjectsTypes []string      `toml:"extra_subjects_types"`
	Query              bool          `toml:"query"`
	ShowFrequencies    bool          `toml:"show_frequencies"`
	FrequencyInterval  time.Duration `toml:"frequency_interval"`
}

type RotationConfig struct {
	When     string `toml:"when"`
	Interval int    `toml:"interval"`
	Size     string `toml:"size"`
}

type ReplayConfig struct {
	File      string   `toml:"file"`
	TimeStart string   `toml:"time_start"`
	TimeEnd   string   `toml:"time_end"`
	Keys      []string `toml:"keys"`
	Loop      bool     `toml:"loop"`
	KeyTag    string   `toml:"key_tag"`
}

type RPCConfig struct {
	Realm  string `toml:"realm"`  // KEELSON_RPC_REALM
	Entity string `toml:"entity"` // KEELSON_RPC_ENTITY
}

type S3Config struct {
	Bucket            string        `toml:"bucket"`   // KEELSON_S3_BUCKET (enables archiving when set)
	Prefix            string        `toml:"prefix"`   // KEELSON_S3_PREFIX
	Region            string        `toml:"region"`   // KEELSON_S3_REGION (default "us-east-1")
	Endpoint          string        `toml:"endpoint"` // KEELSON_S3_ENDPOINT (custom endpoint for MinIO)
	DeleteAfterUpload bool          `toml:"delete_after_upload"`
	RetryInterval     time.Duration `toml:"retry_interval"`
}

type MetricsConfig struct {
	Addr       string `toml:"addr"`        // KEELSON_METRICS_ADDR (empty = disabled)
	HealthAddr string `toml:"health_addr"` // KEELSON_HEALTH_ADDR (empty = disabled)
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Bus:      BusConfig{URL: "nats://127.0.0.1:4222"},
		Record: RecordConfig{
			OutputFolder:      ".",
			FileName:          rotation.DefaultPattern,
			Compression:       mcaplog.CompressionZSTD,
			ChunkSize:         1024 * 1024,
			LowWatermark:      100,
			HighWatermark:     1000,
			FrequencyInterval: 10 * time.Second,
		},
		Rotation: RotationConfig{Interval: 1},
		S3:       S3Config{Region: "us-east-1", RetryInterval: time.Minute},
	}
}

// Load returns the defaults, overlaid with the TOML file at path (when
// non-empty) and then with environment variables.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	c.LogLevel = envOrDefault("KEELSON_LOG_LEVEL", c.LogLevel)
	c.Bus.URL = envOrDefault("KEELSON_NATS_URL", c.Bus.URL)
	c.Record.OutputFolder = envOrDefault("KEELSON_OUTPUT_FOLDER", c.Record.OutputFolder)
	c.RPC.Realm = envOrDefault("KEELSON_RPC_REALM", c.RPC.Realm)
	c.RPC.Entity = envOrDefault("KEELSON_RPC_ENTITY", c.RPC.Entity)
	c.S3.Bucket = envOrDefault("KEELSON_S3_BUCKET", c.S3.Bucket)
	c.S3.Prefix = envOrDefault("KEELSON_S3_PREFIX", c.S3.Prefix)
	c.S3.Region = envOrDefault("KEELSON_S3_REGION", c.S3.Region)
	c.S3.Endpoint = envOrDefault("KEELSON_S3_ENDPOINT", c.S3.Endpoint)
	c.Metrics.Addr = envOrDefault("KEELSON_METRICS_ADDR", c.Metrics.Addr)
	c.Metrics.HealthAddr = envOrDefault("KEELSON_HEALTH_ADDR", c.Metrics.HealthAddr)

	return c, nil
}

// Validate checks settings shared by all commands.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("%w: bus url is required", ErrInvalid)
	}
	if (c.RPC.Realm == "") != (c.RPC.Entity == "") {
		return fmt.Errorf("%w: rpc realm and entity must be set together", ErrInvalid)
	}
	return nil
}

// ValidateRecord checks settings used when recording.
func (c *Config) ValidateRecord() error {
	if err := c.Validate(); err != nil {
		return err
	}
	r := c.Record
	if len(r.Keys) == 0 {
		return fmt.Errorf("%w: at least one key to record is required", ErrInvalid)
	}
	if r.LowWatermark <= 0 || r.HighWatermark <= r.LowWatermark {
		return fmt.Errorf("%w: watermarks must satisfy 0 < low (%d) < high (%d)", ErrInvalid, r.LowWatermark, r.HighWatermark)
	}
	if _, err := mcaplog.ParseCompression(r.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if r.ShowFrequencies && r.FrequencyInterval <= 0 {
		return fmt.Errorf("%w: frequency interval must be positive", ErrInvalid)
	}
	if _, err := c.RotationPolicy(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ValidateReplay checks settings used when replaying.
func (c *Config) ValidateReplay() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Replay.File == "" {
		return fmt.Errorf("%w: a recording file is required", ErrInvalid)
	}
	start, end, err := c.ReplayWindow()
	if err != nil {
		return err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return fmt.Errorf("%w: time_end is before time_start", ErrInvalid)
	}
	return nil
}

// RotationPolicy parses the rotation section.
func (c *Config) RotationPolicy() (rotation.Policy, error) {
	when, err := rotation.ParseWhen(c.Rotation.When)
	if err != nil {
		return rotation.Policy{}, err
	}
	size, err := rotation.ParseSize(c.Rotation.Size)
	if err != nil {
		return rotation.Policy{}, err
	}
	p := rotation.Policy{When: when, Interval: c.Rotation.Interval, MaxBytes: size}
	if err := p.Validate(); err != nil {
		return rotation.Policy{}, err
	}
	return p, nil
}

// ReplayWindow parses time_start and time_end. Empty values are unbounded.
func (c *Config) ReplayWindow() (start, end time.Time, err error) {
	if start, err = ParseTime(c.Replay.TimeStart); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: time_start: %v", ErrInvalid, err)
	}
	if end, err = ParseTime(c.Replay.TimeEnd); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: time_end: %v", ErrInvalid, err)
	}
	return start, end, nil
}

// ParseTime accepts RFC 3339 timestamps or (fractional) unix seconds.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor unix seconds", s)
	}
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC(), nil
}

// ParseLevel maps a log level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, s)
	}
	return l, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
