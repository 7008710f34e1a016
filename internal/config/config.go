// Package config handles Vera configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/vera/config.yaml, /etc/vera/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vera", "config.yaml"))
	}

	paths = append(paths, "/etc/vera/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Vera configuration.
type Config struct {
	Listen      ListenConfig    `yaml:"listen"`
	Models      ModelsConfig    `yaml:"models"`
	Anthropic   AnthropicConfig `yaml:"anthropic"`
	Store       StoreConfig     `yaml:"store"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Chat        ChatConfig      `yaml:"chat"`
	Inventory   InventoryConfig `yaml:"inventory"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	SMTP        SMTPConfig      `yaml:"smtp"`
	Forge       ForgeConfig     `yaml:"forge"`
	PersonaFile string          `yaml:"persona_file"`
	LogLevel    string          `yaml:"log_level"`
}

// ListenConfig defines the HTTP/WebSocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines LLM provider settings.
type ModelsConfig struct {
	Provider  string `yaml:"provider"` // ollama or anthropic
	Default   string `yaml:"default"`
	Vision    string `yaml:"vision"` // model for image analysis; defaults to Default
	OllamaURL string `yaml:"ollama_url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// StoreConfig defines the conversation store settings.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite database path
}

// LedgerConfig defines the business-record store settings.
type LedgerConfig struct {
	Path string `yaml:"path"` // SQLite database path
}

// ChatConfig tunes the turn pipeline.
type ChatConfig struct {
	// HistoryLimit is the maximum number of turns sent to the model.
	// Older turns are dropped from the prompt, never from storage.
	HistoryLimit int `yaml:"history_limit"`
	// StreamTimeoutSec bounds a single model stream. A hung stream
	// would otherwise pin the connection's turn pipeline forever.
	StreamTimeoutSec int `yaml:"stream_timeout_sec"`
	// SendBuffer is the per-connection outbound event buffer size.
	SendBuffer int `yaml:"send_buffer"`
}

// InventoryConfig tunes the inventory tool.
type InventoryConfig struct {
	// HaltOnOutOfStock skips the model's final synthesis when a
	// lookup finds zero stock, ending the turn after the side-channel
	// notification.
	HaltOnOutOfStock bool `yaml:"halt_on_out_of_stock"`
}

// MQTTConfig defines the optional event mirror to an MQTT broker.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // mqtt://, mqtts:// or ssl:// URL
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// SMTPConfig defines outbound mail delivery for development requests.
type SMTPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	DevTeam  string `yaml:"dev_team"` // recipient for development requests
}

// ForgeConfig defines GitHub issue filing for development requests.
type ForgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	Repo    string `yaml:"repo"` // owner/repo
	Label   string `yaml:"label"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Provider: "ollama",
			Default:  "qwen3:4b",
		},
		Store:  StoreConfig{Path: "vera.db"},
		Ledger: LedgerConfig{Path: "ledger.db"},
		Chat: ChatConfig{
			HistoryLimit:     40,
			StreamTimeoutSec: 300,
			SendBuffer:       64,
		},
		MQTT: MQTTConfig{DeviceName: "vera"},
		SMTP: SMTPConfig{Port: 587},
	}
}
