package app

import (
	"fmt"
	"os"
	"strings"

	"escalator/internal/config"
)

// ResolveConfig picks the effective config: an explicit file wins, then
// escalator.yml in the workspace, then the built-in defaults.
func ResolveConfig(workspace, configPath string) (*config.Config, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := config.FromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(workspace)
}

// JWTSecret reads the API signing secret from the environment variable the
// config names.
func JWTSecret(cfg *config.Config) string {
	if cfg == nil || cfg.Server.JWTSecretEnv == "" {
		return ""
	}
	return os.Getenv(cfg.Server.JWTSecretEnv)
}
