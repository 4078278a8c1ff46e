package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antchoi/Polymer/internal/model"
)

// ErrInvalidConfig is returned when a setting cannot be parsed.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvConfigFile names an optional YAML file read before the environment.
const EnvConfigFile = "POLYMER_CONFIG"

// Config holds application configuration.
type Config struct {
	ListenAddr string
	BasePath   string
	DBPath     string
	LogLevel   slog.Level
	LogFormat  string

	Devices      []model.Device
	WorkerNum    int
	QueueSize    int
	BatchSize    int
	PollInterval time.Duration
	AwaitTimeout time.Duration

	SRKernelCmd        []string
	SRScale            int
	DetectionKernelCmd []string
	KernelInitTimeout  time.Duration
}

// setting binds one configuration value to its environment variable and
// YAML key.
type setting struct {
	env   string
	key   string
	def   string
	set   func(c *Config, v string) error
	value func(c Config) string
}

var settings = []setting{
	{
		env: "POLYMER_LISTEN_ADDR", key: "listen_addr", def: ":8080",
		set:   func(c *Config, v string) error { c.ListenAddr = v; return nil },
		value: func(c Config) string { return c.ListenAddr },
	},
	{
		env: "POLYMER_BASE_PATH", key: "base_path", def: "/",
		set:   func(c *Config, v string) error { c.BasePath = normalizeBasePath(v); return nil },
		value: func(c Config) string { return c.BasePath },
	},
	{
		env: "POLYMER_DB_PATH", key: "db_path", def: "polymer.db",
		set:   func(c *Config, v string) error { c.DBPath = v; return nil },
		value: func(c Config) string { return c.DBPath },
	},
	{
		env: "POLYMER_LOG_LEVEL", key: "log_level", def: "info",
		set:   func(c *Config, v string) error { c.LogLevel = parseLogLevel(v); return nil },
		value: func(c Config) string { return strings.ToLower(c.LogLevel.String()) },
	},
	{
		env: "POLYMER_LOG_FORMAT", key: "log_format", def: "json",
		set: func(c *Config, v string) error {
			v = strings.ToLower(v)
			if v != "json" && v != "text" {
				return fmt.Errorf("log format %q: want json or text", v)
			}
			c.LogFormat = v
			return nil
		},
		value: func(c Config) string { return c.LogFormat },
	},
	{
		env: "POLYMER_DEVICES", key: "devices", def: "cpu",
		set: func(c *Config, v string) (err error) {
			c.Devices, err = ParseDevices(v)
			return err
		},
		value: func(c Config) string { return formatDevices(c.Devices) },
	},
	{
		env: "POLYMER_WORKER_NUM", key: "worker_num", def: "1",
		set:   func(c *Config, v string) error { return setPositive(&c.WorkerNum, v) },
		value: func(c Config) string { return strconv.Itoa(c.WorkerNum) },
	},
	{
		env: "POLYMER_WORKER_QUEUE_SIZE", key: "worker_queue_size", def: "100",
		set:   func(c *Config, v string) error { return setPositive(&c.QueueSize, v) },
		value: func(c Config) string { return strconv.Itoa(c.QueueSize) },
	},
	{
		env: "POLYMER_WORKER_BATCH_SIZE", key: "worker_batch_size", def: "32",
		set:   func(c *Config, v string) error { return setPositive(&c.BatchSize, v) },
		value: func(c Config) string { return strconv.Itoa(c.BatchSize) },
	},
	{
		env: "POLYMER_WORKER_POLL_INTERVAL", key: "worker_poll_interval", def: "1s",
		set:   func(c *Config, v string) error { return setDuration(&c.PollInterval, v, false) },
		value: func(c Config) string { return c.PollInterval.String() },
	},
	{
		env: "POLYMER_AWAIT_TIMEOUT", key: "await_timeout", def: "0",
		set:   func(c *Config, v string) error { return setDuration(&c.AwaitTimeout, v, true) },
		value: func(c Config) string { return c.AwaitTimeout.String() },
	},
	{
		env: "POLYMER_SR_KERNEL_CMD", key: "sr_kernel_cmd", def: "",
		set:   func(c *Config, v string) error { c.SRKernelCmd = strings.Fields(v); return nil },
		value: func(c Config) string { return strings.Join(c.SRKernelCmd, " ") },
	},
	{
		env: "POLYMER_SR_SCALE", key: "sr_scale", def: "4",
		set:   func(c *Config, v string) error { return setPositive(&c.SRScale, v) },
		value: func(c Config) string { return strconv.Itoa(c.SRScale) },
	},
	{
		env: "POLYMER_DETECTION_KERNEL_CMD", key: "detection_kernel_cmd", def: "",
		set:   func(c *Config, v string) error { c.DetectionKernelCmd = strings.Fields(v); return nil },
		value: func(c Config) string { return strings.Join(c.DetectionKernelCmd, " ") },
	},
	{
		env: "POLYMER_KERNEL_INIT_TIMEOUT", key: "kernel_init_timeout", def: "5m",
		set:   func(c *Config, v string) error { return setDuration(&c.KernelInitTimeout, v, false) },
		value: func(c Config) string { return c.KernelInitTimeout.String() },
	},
}

// Load reads configuration from defaults, then the YAML file named by
// POLYMER_CONFIG if set, then environment variables.
func Load() (Config, error) {
	var cfg Config
	for _, s := range settings {
		if err := s.set(&cfg, s.def); err != nil {
			return Config{}, fmt.Errorf("default %s: %w", s.env, err)
		}
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		values, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		for _, s := range settings {
			v, ok := values[s.key]
			if !ok {
				continue
			}
			if err := s.set(&cfg, v); err != nil {
				return Config{}, fmt.Errorf("%w: %s in %s: %w", ErrInvalidConfig, s.key, path, err)
			}
		}
	}

	for _, s := range settings {
		v, ok := os.LookupEnv(s.env)
		if !ok || v == "" {
			continue
		}
		if err := s.set(&cfg, v); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, s.env, err)
		}
	}

	return cfg, nil
}

// readFile loads a flat YAML mapping of setting keys to scalar values.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
	}

	known := make(map[string]bool, len(settings))
	for _, s := range settings {
		known[s.key] = true
	}
	for k := range values {
		if !known[k] {
			return nil, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, k, path)
		}
	}
	return values, nil
}

// Print writes the effective configuration as a table.
func (c Config) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SETTING\tVALUE")
	for _, s := range settings {
		fmt.Fprintf(tw, "%s\t%s\n", s.env, s.value(c))
	}
	return tw.Flush()
}

func setPositive(dst *int, v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%q is not an integer", v)
	}
	if n < 1 {
		return fmt.Errorf("%d must be at least 1", n)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, v string, zeroOK bool) error {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	if d < 0 || (d == 0 && !zeroOK) {
		return fmt.Errorf("%s must be positive", d)
	}
	*dst = d
	return nil
}

// normalizeBasePath returns p with a leading slash and no trailing slash,
// or "/" for the root.
func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return "/"
	}
	return "/" + p
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at level. format "text"
// selects the text handler, anything else JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
