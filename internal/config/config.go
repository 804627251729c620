package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
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

// Defaults.
const (
	DefaultBackendURL = "http://localhost:8000"
	DefaultTimeout    = 20 * time.Second
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
	DefaultStorePath  = "ava.db"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"
)

// Config is the resolved configuration.
type Config struct {
	Backend  Backend  `yaml:"backend" json:"backend"`
	Realtime Realtime `yaml:"realtime" json:"realtime"`
	Store    Store    `yaml:"store" json:"store"`
	Log      Log      `yaml:"log" json:"log"`

	// Auth comes from the environment only and is never read from or
	// written to the file.
	Auth Auth `yaml:"-" json:"-"`
}

// Backend configures the HTTP API client.
type Backend struct {
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Realtime configures the event stream.
type Realtime struct {
	URL       string        `yaml:"url" json:"url"`
	Reconnect bool          `yaml:"reconnect" json:"reconnect"`
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" json:"max_delay"`
	SendRate  int           `yaml:"send_rate" json:"send_rate"`
	SendBurst int           `yaml:"send_burst" json:"send_burst"`
}

// Store configures the local database.
type Store struct {
	Path string `yaml:"path" json:"path"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Auth holds bearer tokens.
type Auth struct {
	Token        string
	RefreshToken string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend: Backend{
			URL:     DefaultBackendURL,
			Timeout: DefaultTimeout,
		},
		Realtime: Realtime{
			Reconnect: true,
			BaseDelay: DefaultBaseDelay,
			MaxDelay:  DefaultMaxDelay,
		},
		Store: Store{Path: DefaultStorePath},
		Log:   Log{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// Load reads the file at path over the defaults and applies environment
// overrides. An empty path skips the file. The result is validated.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}

	applyEnv(&cfg, lookup)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse checks data against the schema and decodes it over cfg. Keys not
// present in data leave cfg unchanged.
func Parse(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	if err := checkSchema(raw); err != nil {
		return err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// checkSchema unifies the raw document with #Config.
func checkSchema(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Details: schemaDetails(err)}
	}
	return nil
}

// SchemaError reports every violation found in a config document.
type SchemaError struct {
	Details []string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	return "invalid config: " + strings.Join(e.Details, "; ")
}

// schemaDetails renders CUE errors as "path: message" without source
// positions, which would point into the embedded schema.
func schemaDetails(err error) []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range cueerrors.Errors(err) {
		path := e.Path()
		if len(path) > 0 && strings.HasPrefix(path[0], "#") {
			path = path[1:]
		}
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if len(path) > 0 {
			msg = strings.Join(path, ".") + ": " + msg
		}
		if !seen[msg] {
			seen[msg] = true
			out = append(out, msg)
		}
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}

	if v, ok := get("AVA_BACKEND_URL", "NEXT_PUBLIC_API_URL", "APP_BACKEND_URL"); ok {
		cfg.Backend.URL = v
	}
	if v, ok := get("AVA_REALTIME_URL", "NEXT_PUBLIC_REALTIME_URL"); ok {
		cfg.Realtime.URL = v
	}
	if v, ok := get("AVA_DB"); ok {
		cfg.Store.Path = v
	}
	if v, ok := get("AVA_LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := get("AVA_TOKEN"); ok {
		cfg.Auth.Token = v
	}
	if v, ok := get("AVA_REFRESH_TOKEN"); ok {
		cfg.Auth.RefreshToken = v
	}
}

// Validate checks values the schema cannot: environment overrides and
// relationships between fields.
func (c Config) Validate() error {
	var errs []error

	if err := checkURL(c.Backend.URL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("backend.url: %w", err))
	}
	if c.Realtime.URL != "" {
		if err := checkURL(c.Realtime.URL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("realtime.url: %w", err))
		}
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, errors.New("backend.timeout: must be positive"))
	}
	if c.Realtime.BaseDelay <= 0 {
		errs = append(errs, errors.New("realtime.base_delay: must be positive"))
	}
	if c.Realtime.MaxDelay < c.Realtime.BaseDelay {
		errs = append(errs, fmt.Errorf("realtime.max_delay: %s is less than base_delay %s",
			c.Realtime.MaxDelay, c.Realtime.BaseDelay))
	}
	if c.Realtime.SendRate < 0 || c.Realtime.SendBurst < 0 {
		errs = append(errs, errors.New("realtime.send_rate and send_burst: must not be negative"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path: must not be empty"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: %q must be text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, " or "))
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
}

// Logger builds the configured slog logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
