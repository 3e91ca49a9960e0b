package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string        `toml:"default_profile"`
	Bridge         BridgeConfig  `toml:"bridge"`
	Auth           AuthConfig    `toml:"auth"`
	HTTP           HTTPConfig    `toml:"http"`
	Suggest        SuggestConfig `toml:"suggest"`
}

// BridgeConfig holds the endpoints of the WhatsApp bridge service.
type BridgeConfig struct {
	APIURL string `toml:"api_url"`
	WSURL  string `toml:"ws_url"`
}

// AuthConfig holds the bridge credential. Token wins over TokenEnv.
type AuthConfig struct {
	Token    string `toml:"token"`
	TokenEnv string `toml:"token_env"`
}

// HTTPConfig holds the daemon control-plane listen address.
type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// SuggestConfig selects the reply-suggestion provider.
type SuggestConfig struct {
	Provider     string `toml:"provider"` // "bridge" (default) or "openai"
	OpenAIKeyEnv string `toml:"openai_key_env"`
	OpenAIModel  string `toml:"openai_model"`
	DebounceMs   int    `toml:"debounce_ms"`
}

// Default returns a config with working local-development values.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Bridge: BridgeConfig{
			APIURL: "http://localhost:3001/api/crm",
			WSURL:  "ws://localhost:3001/ws",
		},
		Auth: AuthConfig{
			TokenEnv: "CHATSYNC_TOKEN",
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8820",
		},
		Suggest: SuggestConfig{
			Provider:   "bridge",
			DebounceMs: 400,
		},
	}
}

// ResolveToken returns the bridge auth token, preferring the literal value
// over the environment reference. Empty means no credential is available.
func (c *Config) ResolveToken() string {
	if c.Auth.Token != "" {
		return c.Auth.Token
	}
	if c.Auth.TokenEnv != "" {
		return os.Getenv(c.Auth.TokenEnv)
	}
	return ""
}

// Load reads config from the given path. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
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
