package dlp

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Rule masks values matching Pattern. Keys lists payload field names whose
// values are masked wholesale regardless of content.
type Rule struct {
	Name    string   `yaml:"name" json:"name"`
	Pattern string   `yaml:"pattern" json:"pattern"`
	Keys    []string `yaml:"keys" json:"keys,omitempty"`
	Mask    string   `yaml:"mask" json:"mask"`
	Enabled bool     `yaml:"enabled" json:"enabled"`
}

type RulesConfig struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

func LoadRules(path string) (RulesConfig, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRules(), err
	}

	var cfg RulesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return RulesConfig{}, err
	}

	if len(cfg.Rules) == 0 {
		return RulesConfig{}, errors.New("no masking rules configured")
	}

	return cfg, nil
}

func DefaultRules() RulesConfig {
	return RulesConfig{Rules: []Rule{
		{Name: "Secret fields", Keys: []string{"api_key", "password", "secret", "token", "authorization", "client_secret"}, Mask: "[redacted]", Enabled: true},
		{Name: "Bearer token", Pattern: `(?i)bearer\s+[A-Za-z0-9._~+/=-]+`, Mask: "Bearer [redacted]", Enabled: true},
		{Name: "Inline secret", Pattern: `(?i)\b(api[_-]?key|password|secret|token)=[^\s&"]+`, Mask: "$1=[redacted]", Enabled: true},
		{Name: "Email", Pattern: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, Mask: "***@***", Enabled: true},
	}}
}
