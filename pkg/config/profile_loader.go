package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is the optional YAML overlay. Values set in the profile override
// the environment; anything left zero keeps the env value.
type Profile struct {
	Port        string `yaml:"port,omitempty"`
	DatabaseURL string `yaml:"database_url,omitempty"`
	RedisAddr   string `yaml:"redis_addr,omitempty"`

	Consumer struct {
		Mode  string `yaml:"mode,omitempty"`
		Group string `yaml:"group,omitempty"`
	} `yaml:"consumer,omitempty"`

	Signer struct {
		Backend  string `yaml:"backend,omitempty"`
		KMSKeyID string `yaml:"kms_key_id,omitempty"`
		ProxyURL string `yaml:"proxy_url,omitempty"`
	} `yaml:"signer,omitempty"`

	Canary struct {
		Window    int     `yaml:"window,omitempty"`
		Threshold float64 `yaml:"threshold,omitempty"`
		Cooldown  string  `yaml:"cooldown,omitempty"`
	} `yaml:"canary,omitempty"`

	AllocatorURL string `yaml:"allocator_url,omitempty"`
}

// LoadProfile parses the YAML profile at path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	return &p, nil
}

// Apply overlays non-zero profile values onto cfg.
func (p *Profile) Apply(cfg *Config) error {
	if p.Port != "" {
		cfg.Port = p.Port
	}
	if p.DatabaseURL != "" {
		cfg.DatabaseURL = p.DatabaseURL
	}
	if p.RedisAddr != "" {
		cfg.RedisAddr = p.RedisAddr
	}
	if p.Consumer.Mode != "" {
		cfg.ConsumerMode = p.Consumer.Mode
	}
	if p.Consumer.Group != "" {
		cfg.ConsumerGroup = p.Consumer.Group
	}
	if p.Signer.Backend != "" {
		cfg.SignerBackend = p.Signer.Backend
	}
	if p.Signer.KMSKeyID != "" {
		cfg.KMSKeyID = p.Signer.KMSKeyID
	}
	if p.Signer.ProxyURL != "" {
		cfg.SignerProxyURL = p.Signer.ProxyURL
	}
	if p.Canary.Window > 0 {
		cfg.CanaryWindow = p.Canary.Window
	}
	if p.Canary.Threshold > 0 {
		cfg.CanaryThreshold = p.Canary.Threshold
	}
	if p.Canary.Cooldown != "" {
		d, err := time.ParseDuration(p.Canary.Cooldown)
		if err != nil {
			return fmt.Errorf("profile: canary cooldown: %w", err)
		}
		cfg.CanaryCooldown = d
	}
	if p.AllocatorURL != "" {
		cfg.AllocatorURL = p.AllocatorURL
	}
	return nil
}
