// Package config stores the otboot profile: default endpoint, timeouts and
// breakpoints used when the command line does not set them.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/bootstrap"
)

// EndpointEnv overrides the profile endpoint.
const EndpointEnv = "OTBOOT_ENDPOINT"

// Duration is a time.Duration stored as a string such as "5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the persistent profile.
type Config struct {
	Endpoint            string   `json:"endpoint"`
	ConnectTimeout      Duration `json:"connect_timeout"`
	StepTimeout         Duration `json:"step_timeout"`
	Demangle            bool     `json:"demangle"`
	TolerateUnsupported bool     `json:"tolerate_unsupported"`
	Breakpoints         []string `json:"breakpoints,omitempty"`
}

// Default returns the profile used when no file exists.
func Default() *Config {
	return &Config{
		Endpoint:       bootstrap.DefaultEndpoint,
		ConnectTimeout: Duration(bootstrap.DefaultConnectTimeout),
		StepTimeout:    Duration(bootstrap.DefaultStepTimeout),
		Demangle:       true,
	}
}

// Path returns the profile location: %APPDATA%\OpenTraceBoot\config.json on
// Windows, ~/.config/opentraceboot/config.json elsewhere.
func Path() (string, error) {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "OpenTraceBoot", "config.json"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "opentraceboot", "config.json"), nil
}

// Load reads the profile at the default path. A missing file yields the
// defaults. The endpoint environment variable wins over the file.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return Default(), err
	}
	return LoadFile(path)
}

// LoadFile reads the profile at path. Keys missing from the file keep their
// default values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if ep := os.Getenv(EndpointEnv); ep != "" {
		cfg.Endpoint = ep
	}
	return cfg, nil
}

// Save writes the profile to the default path.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg)
}

// SaveFile writes the profile to path, creating its directory.
func SaveFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Options converts the profile into sequencer options.
func (c *Config) Options() bootstrap.Options {
	opts := bootstrap.DefaultOptions()
	opts.Endpoint = c.Endpoint
	opts.ConnectTimeout = time.Duration(c.ConnectTimeout)
	opts.StepTimeout = time.Duration(c.StepTimeout)
	opts.Demangle = c.Demangle
	opts.TolerateUnsupported = c.TolerateUnsupported
	opts.Breakpoints = append([]string(nil), c.Breakpoints...)
	return opts
}
