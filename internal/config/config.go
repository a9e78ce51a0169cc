// Package config loads node configuration from YAML and checks it against
// an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Config is the full node configuration.
type Config struct {
	// NetworkID names the network; nodes only meet peers with the same name.
	NetworkID string `yaml:"network_id" json:"network_id"`
	// KeyPath is the file holding the author's hex-encoded private key.
	KeyPath   string          `yaml:"key_path" json:"key_path"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Node      NodeConfig      `yaml:"node" json:"node"`
	Document  DocumentConfig  `yaml:"document" json:"document"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
}

type StorageConfig struct {
	Operations     string `yaml:"operations" json:"operations"`
	OperationsPath string `yaml:"operations_path" json:"operations_path"`
	Documents      string `yaml:"documents" json:"documents"`
	DocumentsPath  string `yaml:"documents_path" json:"documents_path"`
}

type TransportConfig struct {
	Listen string   `yaml:"listen" json:"listen"`
	Peers  []string `yaml:"peers" json:"peers"`
	MDNS   bool     `yaml:"mdns" json:"mdns"`
}

type NodeConfig struct {
	ChannelCapacity int  `yaml:"channel_capacity" json:"channel_capacity"`
	PendingLimit    int  `yaml:"pending_limit" json:"pending_limit"`
	PruneOnIngest   bool `yaml:"prune_on_ingest" json:"prune_on_ingest"`
}

type DocumentConfig struct {
	SnapshotPolicy   string `yaml:"snapshot_policy" json:"snapshot_policy"`
	SnapshotInterval string `yaml:"snapshot_interval" json:"snapshot_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type MetricsConfig struct {
	// Listen serves /metrics when set.
	Listen string `yaml:"listen" json:"listen"`
}

// Snapshot policies.
const (
	PolicyEveryChange = "every-change"
	PolicyInterval    = "interval"
)

// Default returns the configuration of an in-memory node that only
// listens on localhost.
func Default() Config {
	return Config{
		NetworkID: "aardvark <3",
		KeyPath:   "aardvark.key",
		Storage: StorageConfig{
			Operations: "memory",
			Documents:  "memory",
		},
		Transport: TransportConfig{
			Listen: "127.0.0.1:7878",
			Peers:  []string{},
		},
		Node: NodeConfig{
			ChannelCapacity: 512,
			PendingLimit:    1024,
			PruneOnIngest:   true,
		},
		Document: DocumentConfig{
			SnapshotPolicy:   PolicyEveryChange,
			SnapshotInterval: "5s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. Unknown keys are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Transport.Peers == nil {
		cfg.Transport.Peers = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg against the schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.Encode(c)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Document.SnapshotPolicy == PolicyInterval {
		if _, err := c.Document.Interval(); err != nil {
			return err
		}
	}
	return nil
}

// Interval parses the snapshot interval.
func (d DocumentConfig) Interval() (time.Duration, error) {
	every, err := time.ParseDuration(d.SnapshotInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid config: snapshot_interval: %w", err)
	}
	if every <= 0 {
		return 0, fmt.Errorf("invalid config: snapshot_interval must be positive, got %s", every)
	}
	return every, nil
}

// SlogLevel maps the configured level onto slog.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the configured slog handler over w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
