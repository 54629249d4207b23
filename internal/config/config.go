package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
)

// Config is the complete debugger configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Memory      MemoryConfig      `toml:"memory"`
	Breakpoints BreakpointsConfig `toml:"breakpoints"`
	Log         LogConfig         `toml:"log"`
}

// ServerConfig locates the debug target.
type ServerConfig struct {
	// Address is the target's host:port.
	Address string `toml:"address"`
	// RetryInterval is the pause between refused connection attempts.
	RetryInterval Duration `toml:"retry_interval"`
	// Protocol is a semver constraint on the target's version.
	Protocol string `toml:"protocol"`
}

// MemoryConfig locates the guest's shared memory.
type MemoryConfig struct {
	// ShmDir holds the file named by the target during attach.
	ShmDir string `toml:"shm_dir"`
}

// BreakpointsConfig configures breakpoint persistence.
type BreakpointsConfig struct {
	// Store is the JSON file breakpoints are saved to. A leading ~ is
	// expanded to the home directory.
	Store string `toml:"store"`
	// Session keys the breakpoint set inside the store.
	Session string `toml:"session"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:       "127.0.0.1:19000",
			RetryInterval: Duration(250 * time.Millisecond),
			Protocol:      ">= 1.0.0, < 2.0.0",
		},
		Memory: MemoryConfig{
			ShmDir: "/dev/shm",
		},
		Breakpoints: BreakpointsConfig{
			Store:   "~/.config/guestdbg/breakpoints.json",
			Session: "default",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the user configuration file path.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "guestdbg.toml"
	}
	return filepath.Join(dir, "guestdbg", "config.toml")
}

// Load reads the file at path over the defaults. A missing file is not an
// error. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := cfg.parse(path, data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.parse("<data>", data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse(source string, data []byte) error {
	if err := toml.Unmarshal(data, c); err != nil {
		perr := &ParseError{Path: source, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return perr
	}
	return nil
}

// Validate checks every setting. It returns ValidationErrors listing each
// rejected key, or nil.
func (c *Config) Validate() error {
	var errs ValidationErrors
	reject := func(path, msg string, value any, code ValidationErrorCode) {
		errs = append(errs, &ValidationError{Path: path, Message: msg, Value: value, Code: code})
	}

	switch {
	case c.Server.Address == "":
		reject("server.address", "required", nil, ErrCodeRequiredMissing)
	default:
		if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
			reject("server.address", "must be host:port", c.Server.Address, ErrCodePatternMismatch)
		}
	}
	if c.Server.RetryInterval <= 0 {
		reject("server.retry_interval", "must be positive", c.Server.RetryInterval.Std(), ErrCodeOutOfRange)
	}
	if c.Server.Protocol != "" {
		if _, err := semver.NewConstraint(c.Server.Protocol); err != nil {
			reject("server.protocol", "invalid version constraint", c.Server.Protocol, ErrCodePatternMismatch)
		}
	}
	if c.Memory.ShmDir == "" {
		reject("memory.shm_dir", "required", nil, ErrCodeRequiredMissing)
	}
	if c.Breakpoints.Session == "" {
		reject("breakpoints.session", "required", nil, ErrCodeRequiredMissing)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		reject("log.level", "must be debug, info, warn, or error", c.Log.Level, ErrCodeInvalidEnum)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// StorePath returns the breakpoint store path with ~ expanded.
func (c *Config) StorePath() string {
	return ExpandHome(c.Breakpoints.Store)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Encode returns the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
