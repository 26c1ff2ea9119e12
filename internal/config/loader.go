// Package config provides configuration loading for the kuzumem-mcp server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for kuzumem-mcp.yaml/.yml
// in standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("kuzumem-mcp")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: KUZUMEM_MCP_SERVER_PORT
	viper.SetEnvPrefix("KUZUMEM_MCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a kuzumem-mcp config file
// with an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".kuzumem-mcp"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "kuzumem-mcp"))
		}
	} else {
		paths = append(paths, "/etc/kuzumem-mcp")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for kuzumem-mcp.yaml
// or .yml. Returns the full path of the first match, or "" if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "kuzumem-mcp"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every config key for environment variable support.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("transport")
	_ = viper.BindEnv("debug_level")
	_ = viper.BindEnv("dev_mode")

	_ = viper.BindEnv("server.host")
	_ = viper.BindEnv("server.port")
	_ = viper.BindEnv("server.cors_origins")

	_ = viper.BindEnv("security.max_request_size")
	_ = viper.BindEnv("security.request_timeout")
	_ = viper.BindEnv("security.shutdown_grace")
	_ = viper.BindEnv("security.api_key_hash")

	_ = viper.BindEnv("session.idle_timeout")

	_ = viper.BindEnv("database.relative_dir")
	_ = viper.BindEnv("database.extension")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file found; continue with defaults + env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns "" if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
