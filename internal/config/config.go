// Package config loads the daemon configuration file.
package config

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-tcmu/internal/constants"
	"github.com/ehrlich-b/go-tcmu/internal/logging"
)

// Backends a handler entry may name.
const (
	BackendMemory = "mem"
	BackendFile   = "file"
)

// Config is the daemon configuration, stored as YAML.
type Config struct {
	// LogLevel is a level name or the numeric level 1 (errors) to 5
	// (every SCSI command).
	LogLevel  string `yaml:"log_level"`
	LogDir    string `yaml:"log_dir"`
	LogFormat string `yaml:"log_format"`
	// LogFile writes the log to LogDir/tcmu-runner.log instead of stderr.
	LogFile bool `yaml:"log_file"`

	MaxInflight  int    `yaml:"max_inflight"`
	ConfigFSRoot string `yaml:"configfs_root"`

	// DBus registers the handlers with the TCMU service on the system bus.
	DBus bool `yaml:"dbus"`

	Handlers []Handler `yaml:"handlers"`
}

// Handler serves one subtype from one of the built-in backends.
type Handler struct {
	Subtype string `yaml:"subtype"`
	Backend string `yaml:"backend"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		LogDir:       logging.DefaultLogDir,
		LogFormat:    "text",
		MaxInflight:  constants.DefaultMaxInflight,
		ConfigFSRoot: constants.DefaultConfigFSRoot,
		Handlers: []Handler{
			{Subtype: "file", Backend: BackendFile},
			{Subtype: "mem", Backend: BackendMemory},
		},
	}
}

// Load reads path over the defaults. A missing file at the default location
// is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == constants.DefaultConfigFile {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "read config")
	}
	if err := cfg.decode(buf); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %s", path)
	}
	return cfg, nil
}

func (c *Config) decode(buf []byte) error {
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	return dec.Decode(c)
}

// Validate checks the values that have no sensible fallback.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return errors.Errorf("unknown log_format %q", c.LogFormat)
	}
	if c.MaxInflight < 0 {
		return errors.Errorf("max_inflight %d is negative", c.MaxInflight)
	}
	seen := make(map[string]bool)
	for _, h := range c.Handlers {
		if h.Subtype == "" {
			return errors.New("handler without subtype")
		}
		if seen[h.Subtype] {
			return errors.Errorf("handler %q listed twice", h.Subtype)
		}
		seen[h.Subtype] = true
		switch h.Backend {
		case BackendMemory, BackendFile:
		default:
			return errors.Errorf("handler %q: unknown backend %q", h.Subtype, h.Backend)
		}
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logging.LogLevel, error) {
	return logging.ParseLevel(c.LogLevel)
}
