package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/fabricgw/internal/auth"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load builds the effective configuration. Layers apply in order: built-in
// defaults, the YAML file at configPath (skipped when empty), FABRICGW_*
// environment variables, then any command-line flags the user set.
// The result is validated.
func Load(configPath string, flags *Flags) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}
		if err := loadConfigFile(absPath, cfg); err != nil {
			return nil, err
		}
		cfg.SourceFile = absPath
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if flags != nil {
		flags.Apply(cfg)
	}

	storage, err := expandHome(cfg.Fabric.StoragePath)
	if err != nil {
		return nil, err
	}
	cfg.Fabric.StoragePath = storage

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadConfigFile decodes path on top of cfg. Unknown keys are errors.
func loadConfigFile(path string, cfg *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", path)
	}
	if info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	interpolated := interpolateEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory for %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Redacted returns a copy of cfg that is safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Auth.APIKey != "" {
		out.Auth.APIKey = "<redacted>"
	}
	if len(c.Auth.Tokens) > 0 {
		out.Auth.Tokens = make([]auth.TokenConfig, len(c.Auth.Tokens))
		for i, tok := range c.Auth.Tokens {
			tok.Token = "<redacted>"
			out.Auth.Tokens[i] = tok
		}
	}
	return &out
}

// YAML renders cfg the way it would be written in a config file.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return buf.Bytes(), nil
}
