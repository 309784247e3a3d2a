// Package config loads streamsale's YAML configuration.
//
// Loading is three layers: Default, then the YAML file (unknown keys are
// rejected), then command-line overrides applied by the caller. Validate
// checks the result against the embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Config is the full process configuration.
type Config struct {
	Database string       `yaml:"database" json:"database"`
	HTTP     HTTPConfig   `yaml:"http" json:"http"`
	Log      LogConfig    `yaml:"log" json:"log"`
	Upkeep   UpkeepConfig `yaml:"upkeep" json:"upkeep"`
	Events   EventsConfig `yaml:"events" json:"events"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// UpkeepConfig drives the in-process upkeep loop.
type UpkeepConfig struct {
	// Interval is a Go duration string, e.g. "15s".
	Interval        string `yaml:"interval" json:"interval"`
	MaxPayloadBytes int    `yaml:"max_payload_bytes" json:"max_payload_bytes"`
}

// EventsConfig selects external event sinks. Empty sections are disabled.
type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka" json:"kafka"`
	NATS  NATSConfig  `yaml:"nats" json:"nats"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

// Enabled reports whether events should be written to Kafka.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type NATSConfig struct {
	URL     string `yaml:"url" json:"url"`
	Subject string `yaml:"subject" json:"subject"`
}

// Enabled reports whether events should be published to NATS.
func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: "streamsale.db",
		HTTP:     HTTPConfig{Addr: ":8080"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Upkeep:   UpkeepConfig{Interval: "15s", MaxPayloadBytes: 2048},
		Events: EventsConfig{
			Kafka: KafkaConfig{Brokers: []string{}, Topic: "streamsale.events"},
			NATS:  NATSConfig{Subject: "streamsale.events"},
		},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks c against the embedded schema and the cross-field rules
// the schema cannot express.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", fieldError(err))
	}

	if _, err := time.ParseDuration(c.Upkeep.Interval); err != nil {
		return fmt.Errorf("invalid config: upkeep.interval: %w", err)
	}
	if c.Events.Kafka.Enabled() && c.Events.Kafka.Topic == "" {
		return fmt.Errorf("invalid config: events.kafka.topic is required when brokers are set")
	}
	if c.Events.NATS.Enabled() && c.Events.NATS.Subject == "" {
		return fmt.Errorf("invalid config: events.nats.subject is required when url is set")
	}
	return nil
}

// FieldError is a schema violation at a dotted config path.
type FieldError struct {
	Path    string
	Message string
}

func (e *FieldError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// fieldError reduces a CUE error list to its first violation.
func fieldError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	path := first.Path()
	if len(path) > 0 && path[0] == "#Config" {
		path = path[1:]
	}
	format, args := first.Msg()
	return &FieldError{Path: strings.Join(path, "."), Message: fmt.Sprintf(format, args...)}
}

// UpkeepInterval returns the parsed upkeep interval. Call after Validate.
func (c Config) UpkeepInterval() time.Duration {
	d, err := time.ParseDuration(c.Upkeep.Interval)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// SlogLevel maps Log.Level to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
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
