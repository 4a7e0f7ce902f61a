// ABOUTME: Client configuration for the portcullis-admin CLI
// ABOUTME: Loads an optional TOML file from the XDG path with env var expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds the admin CLI's client settings. Everything is optional;
// environment variables take precedence over the file.
type Config struct {
	Console ConsoleConfig `toml:"console"`
}

type ConsoleConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// configPath returns the admin config location, honoring XDG_CONFIG_HOME.
func configPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "portcullis", "admin.toml")
}

// loadConfig reads the admin config file, expanding environment variables.
// A missing file is not an error; the CLI falls back to environment
// variables and defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks the console URL when one is configured.
func (c *Config) Validate() error {
	if c.Console.URL == "" {
		return nil
	}
	u, err := url.Parse(c.Console.URL)
	if err != nil {
		return fmt.Errorf("console.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("console.url must use http or https scheme")
	}
	return nil
}
