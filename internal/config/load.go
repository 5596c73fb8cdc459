package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.baseDir = filepath.Dir(absPath)

	return cfg, nil
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a standalone rules file and validates its entries.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}

	v := &ValidationError{}
	validateRules(v, file.Rules, filepath.Dir(path), "rules")
	if err := v.result(); err != nil {
		return nil, err
	}
	return file.Rules, nil
}

func (c *Config) resolvePath(p string) string {
	return resolveAgainst(c.baseDir, p)
}

func resolveAgainst(base, p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	if base == "" {
		base = "."
	}
	return filepath.Join(base, p)
}
