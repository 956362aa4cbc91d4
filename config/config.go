// Package config resolves hark's settings from defaults, an optional YAML
// file, HARK_* environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Confirm     bool          `yaml:"confirm"`
	AutoSubmit  bool          `yaml:"autosubmit"`
	AutoPaste   bool          `yaml:"autopaste"`
	Placeholder string        `yaml:"placeholder"`
	Grace       time.Duration `yaml:"grace"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	AutoRetry   bool          `yaml:"autoretry"`
	Device      string        `yaml:"device"`
	Lang        string        `yaml:"lang"`
	Model       string        `yaml:"model"`
	LogPath     string        `yaml:"logpath"`
	MetricsAddr string        `yaml:"metrics"`
	Hotkey      string        `yaml:"hotkey"`
	LongPress   time.Duration `yaml:"longpress"`
	Beep        bool          `yaml:"beep"`
	Debug       bool          `yaml:"debug"`

	// command line only
	Setup   bool   `yaml:"-"`
	Fake    bool   `yaml:"-"`
	Version bool   `yaml:"-"`
	Path    string `yaml:"-"`
}

func Default() Config {
	return Config{
		Confirm:    true,
		AutoPaste:  true,
		Grace:      150 * time.Millisecond,
		RetryDelay: time.Second,
		Lang:       "en",
		Model:      "nova-3",
		Hotkey:     "ctrl+shift+space",
		LongPress:  350 * time.Millisecond,
		Beep:       true,
	}
}

// DefaultPath is $XDG_CONFIG_HOME/hark/config.yaml or the OS equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "hark", "config.yaml")
}

func bind(fs *flag.FlagSet, c *Config) {
	fs.BoolVar(&c.Confirm, "confirm", c.Confirm, "Show the transcript for confirmation before delivering it")
	fs.BoolVar(&c.AutoSubmit, "autosubmit", c.AutoSubmit, "Press Enter after pasting the transcript")
	fs.BoolVar(&c.AutoPaste, "autopaste", c.AutoPaste, "Paste into the focused window (otherwise only copy)")
	fs.StringVar(&c.Placeholder, "placeholder", c.Placeholder, "Idle hint text")
	fs.DurationVar(&c.Grace, "grace", c.Grace, "How long to wait for trailing results after stop")
	fs.DurationVar(&c.RetryDelay, "retry-delay", c.RetryDelay, "Delay before a retry restarts capture")
	fs.BoolVar(&c.AutoRetry, "autoretry", c.AutoRetry, "Retry recoverable recognition errors automatically")
	fs.StringVar(&c.Device, "device", c.Device, "Use named microphone device (substring match)")
	fs.BoolVar(&c.Setup, "setup", c.Setup, "Select microphone device interactively")
	fs.StringVar(&c.Lang, "lang", c.Lang, "Recognition language code (e.g., en, es, fr)")
	fs.StringVar(&c.Model, "model", c.Model, "Deepgram model")
	fs.StringVar(&c.LogPath, "logpath", c.LogPath, "log directory path (default: OS-specific location, use ./ for current dir)")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "Serve Prometheus metrics on this address (e.g., :9090)")
	fs.BoolVar(&c.Fake, "fake", c.Fake, "Use a scripted recognizer and a synthetic microphone")
	fs.StringVar(&c.Hotkey, "hotkey", c.Hotkey, "Global hotkey; tap to toggle, hold to talk (empty disables)")
	fs.DurationVar(&c.LongPress, "longpress", c.LongPress, "Hold threshold for push-to-talk")
	fs.BoolVar(&c.Beep, "beep", c.Beep, "Play audible cues")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Write debug events to the diagnostics log")
	fs.BoolVar(&c.Version, "version", c.Version, "Print version and exit")
	fs.StringVar(&c.Path, "config", c.Path, "Config file (default: "+DefaultPath()+")")
}

// Load reads a YAML file over the defaults and applies environment
// overrides. A missing file at the default path is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist) && !explicit:
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Resolve builds the final configuration for args (without the program
// name). The command line is parsed twice: once to find -config, then
// over the loaded file so flags win.
func Resolve(args []string, stderr io.Writer) (Config, error) {
	var probe Config
	pre := flag.NewFlagSet("hark", flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	bind(pre, &probe)
	_ = pre.Parse(args) // errors surface from the second parse

	cfg, err := Load(probe.Path)
	if err != nil {
		return cfg, err
	}
	cfg.Path = probe.Path

	fs := flag.NewFlagSet("hark", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bind(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, validate(cfg)
}

func validate(c Config) error {
	switch {
	case c.Grace < 0:
		return fmt.Errorf("grace must not be negative, got %s", c.Grace)
	case c.RetryDelay < 0:
		return fmt.Errorf("retry-delay must not be negative, got %s", c.RetryDelay)
	case c.LongPress <= 0:
		return fmt.Errorf("longpress must be positive, got %s", c.LongPress)
	}
	return nil
}

func applyEnvOverrides(c *Config) {
	overrideBool(&c.Confirm, "HARK_CONFIRM")
	overrideBool(&c.AutoSubmit, "HARK_AUTOSUBMIT")
	overrideBool(&c.AutoPaste, "HARK_AUTOPASTE")
	overrideString(&c.Placeholder, "HARK_PLACEHOLDER")
	overrideDuration(&c.Grace, "HARK_GRACE")
	overrideDuration(&c.RetryDelay, "HARK_RETRY_DELAY")
	overrideBool(&c.AutoRetry, "HARK_AUTORETRY")
	overrideString(&c.Device, "HARK_DEVICE")
	overrideString(&c.Lang, "HARK_LANG")
	overrideString(&c.Model, "HARK_MODEL")
	overrideString(&c.MetricsAddr, "HARK_METRICS")
	overrideString(&c.Hotkey, "HARK_HOTKEY")
	overrideDuration(&c.LongPress, "HARK_LONGPRESS")
	overrideBool(&c.Beep, "HARK_BEEP")
	overrideBool(&c.Debug, "HARK_DEBUG")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideDuration(target *time.Duration, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			*target = parsed
		}
	}
}
