package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Bridge holds the endpoints of one remote bridge service.
type Bridge struct {
	BaseURL string `toml:"base_url"`
}

// Filters holds the default chat list visibility flags.
type Filters struct {
	ShowArchived bool `toml:"show_archived"`
	ShowReadOnly bool `toml:"show_readonly"`
	ShowGroups   bool `toml:"show_groups"`
}

// Config represents the global ~/.chathub/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	// UserID is the local account identity. Credentials and cached
	// messages are namespaced by it so profiles on a shared machine
	// never leak into each other.
	UserID        string  `toml:"user_id"`
	CredentialKey string  `toml:"credential_key"`
	Telegram      Bridge  `toml:"telegram"`
	WhatsApp      Bridge  `toml:"whatsapp"`
	Filters       Filters `toml:"filters"`
}

// Default returns a config populated with the stock bridge endpoints.
func Default() *Config {
	return &Config{
		UserID:        "local",
		CredentialKey: "chathub",
		Telegram:      Bridge{BaseURL: "http://localhost:8000"},
		WhatsApp:      Bridge{BaseURL: "http://localhost:3000"},
		Filters:       Filters{ShowReadOnly: true, ShowGroups: true},
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed; callers fall back to Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
