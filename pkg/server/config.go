package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	MetricsPort  int    `toml:"metrics_port"`
	ServerName   string `toml:"server_name"`
	DatabasePath string `toml:"database_path"`
	FileStoreDir string `toml:"file_store_dir"`
}

type LimitsSection struct {
	MaxFileSizeMB          int `toml:"max_file_size_mb"`
	MaxMessageLength       int `toml:"max_message_length"`
	MinUsernameLength      int `toml:"min_username_length"`
	MinPasswordLength      int `toml:"min_password_length"`
	HistoryLimit           int `toml:"history_limit"`
	TransferTimeoutSeconds int `toml:"transfer_timeout_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      7465,
			MetricsPort:  9090,
			ServerName:   "Parley Server",
			DatabasePath: "~/.parley/parley.db",
			FileStoreDir: "~/.parley/files",
		},
		Limits: LimitsSection{
			MaxFileSizeMB:          64,
			MaxMessageLength:       4096,
			MinUsernameLength:      3,
			MinPasswordLength:      6,
			HistoryLimit:           200,
			TransferTimeoutSeconds: 30,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to write default config: %w", err)
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Backfill anything the file omits
	defaults := DefaultTOMLConfig()
	if config.Server.TCPPort == 0 {
		config.Server.TCPPort = defaults.Server.TCPPort
	}
	if config.Server.MetricsPort == 0 {
		config.Server.MetricsPort = defaults.Server.MetricsPort
	}
	if config.Server.ServerName == "" {
		config.Server.ServerName = defaults.Server.ServerName
	}
	if config.Server.DatabasePath == "" {
		config.Server.DatabasePath = defaults.Server.DatabasePath
	}
	if config.Server.FileStoreDir == "" {
		config.Server.FileStoreDir = defaults.Server.FileStoreDir
	}
	if config.Limits.MaxFileSizeMB == 0 {
		config.Limits.MaxFileSizeMB = defaults.Limits.MaxFileSizeMB
	}
	if config.Limits.MaxMessageLength == 0 {
		config.Limits.MaxMessageLength = defaults.Limits.MaxMessageLength
	}
	if config.Limits.MinUsernameLength == 0 {
		config.Limits.MinUsernameLength = defaults.Limits.MinUsernameLength
	}
	if config.Limits.MinPasswordLength == 0 {
		config.Limits.MinPasswordLength = defaults.Limits.MinPasswordLength
	}
	if config.Limits.HistoryLimit == 0 {
		config.Limits.HistoryLimit = defaults.Limits.HistoryLimit
	}
	if config.Limits.TransferTimeoutSeconds == 0 {
		config.Limits.TransferTimeoutSeconds = defaults.Limits.TransferTimeoutSeconds
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides lets PARLEY_* environment variables override file values
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if v := os.Getenv("PARLEY_TCP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.TCPPort = port
		}
	}
	if v := os.Getenv("PARLEY_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("PARLEY_SERVER_NAME"); v != "" {
		config.Server.ServerName = v
	}
	if v := os.Getenv("PARLEY_DATABASE_PATH"); v != "" {
		config.Server.DatabasePath = v
	}
	if v := os.Getenv("PARLEY_FILE_STORE_DIR"); v != "" {
		config.Server.FileStoreDir = v
	}
	if v := os.Getenv("PARLEY_MAX_FILE_SIZE_MB"); v != "" {
		if mb, err := strconv.Atoi(v); err == nil {
			config.Limits.MaxFileSizeMB = mb
		}
	}
	return config
}

// writeDefaultConfig writes the default config file with comments
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	content := fmt.Sprintf(`# Parley server configuration

[server]
tcp_port = %d
metrics_port = %d
server_name = %q
database_path = %q
file_store_dir = %q

[limits]
max_file_size_mb = %d
max_message_length = %d
min_username_length = %d
min_password_length = %d
history_limit = %d
transfer_timeout_seconds = %d
`,
		config.Server.TCPPort,
		config.Server.MetricsPort,
		config.Server.ServerName,
		config.Server.DatabasePath,
		config.Server.FileStoreDir,
		config.Limits.MaxFileSizeMB,
		config.Limits.MaxMessageLength,
		config.Limits.MinUsernameLength,
		config.Limits.MinPasswordLength,
		config.Limits.HistoryLimit,
		config.Limits.TransferTimeoutSeconds,
	)

	return os.WriteFile(path, []byte(content), 0644)
}

// ToServerConfig converts the TOML config into the runtime ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	return ServerConfig{
		TCPPort:                c.Server.TCPPort,
		MetricsPort:            c.Server.MetricsPort,
		ServerName:             c.Server.ServerName,
		MaxFileSize:            int64(c.Limits.MaxFileSizeMB) * 1024 * 1024,
		MaxMessageLength:       c.Limits.MaxMessageLength,
		MinUsernameLength:      c.Limits.MinUsernameLength,
		MinPasswordLength:      c.Limits.MinPasswordLength,
		HistoryLimit:           c.Limits.HistoryLimit,
		TransferTimeoutSeconds: c.Limits.TransferTimeoutSeconds,
	}
}

// GetDatabasePath returns the database path with ~ expanded, creating the
// parent directory if needed
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path, err := expandHome(c.Server.DatabasePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return path, nil
}

// GetFileStoreDir returns the file store directory with ~ expanded
func (c *TOMLConfig) GetFileStoreDir() (string, error) {
	return expandHome(c.Server.FileStoreDir)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
