// Package config provides configuration management for the sensor data
// market server.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the market server configuration.
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Storage  StorageConfig  `yaml:"storage"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// ChainConfig contains measurement-chain node and contract settings.
type ChainConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	DataContract    string `yaml:"data_contract"`
	BalanceContract string `yaml:"balance_contract"`
	AccessContract  string `yaml:"access_contract"`
	RequestTimeout  string `yaml:"request_timeout"`
	SubmitTimeout   string `yaml:"submit_timeout"`
}

// KeystoreConfig contains key file settings.
type KeystoreConfig struct {
	Dir string `yaml:"dir"`
}

// StorageConfig contains projection and off-chain content settings.
type StorageConfig struct {
	ProjectionPath  string `yaml:"projection_path"`
	SessionsPath    string `yaml:"sessions_path"`
	GatewayURL      string `yaml:"gateway_url"`
	ServiceDataDir  string `yaml:"service_data_dir"`
	FreshnessWindow string `yaml:"freshness_window"`
}

// HTTPConfig contains the consumer API listener settings.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".sensordatamarket")

	return &Config{
		Chain: ChainConfig{
			RPCURL:         "http://127.0.0.1:8545",
			RequestTimeout: "15s",
			SubmitTimeout:  "90s",
		},
		Keystore: KeystoreConfig{
			Dir: filepath.Join(baseDir, "keystore"),
		},
		Storage: StorageConfig{
			ProjectionPath:  filepath.Join(baseDir, "projection.db"),
			SessionsPath:    filepath.Join(baseDir, "sessions.db"),
			GatewayURL:      "http://127.0.0.1:8080",
			ServiceDataDir:  filepath.Join(baseDir, "measurements"),
			FreshnessWindow: "2m",
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8099",
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".sensordatamarket", "config.yaml")
}

// Load loads the configuration from a file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return Default(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
