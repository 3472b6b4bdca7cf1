package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// LoadWithSecrets loads configuration with separate secrets file support.
// Precedence: flags > ENV > secrets file > config file > defaults
//
// Example:
//
//	redrive.yaml:
//	  queue:
//	    backend: redis
//	    dlq: orders-dlq
//
//	secrets.yaml:
//	  redis:
//	    url: redis://:password@localhost:6379/0
//
// The secrets file is optional and automatically discovered:
// - Can be explicitly set with WithSecretsFile or via <ENV_PREFIX>_SECRETS_FILE
// - If configFile is "redrive.yaml", looks for "secrets.yaml" in same directory
//
// The second Config holds only the values read from the secrets file and is
// used to mask them in Redacted.
func (l *ViperLoader) LoadWithSecrets() (*Config, *Config, error) {
	return l.load(true)
}

func (l *ViperLoader) mergeSecrets(v *viper.Viper) (*Config, error) {
	secretsFile, err := l.discoverSecretsFile()
	if err != nil || secretsFile == "" {
		return nil, err
	}

	secretsViper := viper.New()
	secretsViper.SetConfigFile(secretsFile)
	if err := secretsViper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read secrets file %s: %w", secretsFile, err)
	}
	var secrets Config
	if err := secretsViper.Unmarshal(&secrets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets file %s: %w", secretsFile, err)
	}
	if err := v.MergeConfigMap(secretsViper.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to merge secrets: %w", err)
	}
	return &secrets, nil
}

// discoverSecretsFile returns the file set with WithSecretsFile, the explicit
// <ENV_PREFIX>_SECRETS_FILE, or a secrets file next to the config file, or ""
// when there is none.
func (l *ViperLoader) discoverSecretsFile() (string, error) {
	if l.secretsFile != "" {
		info, err := os.Stat(l.secretsFile)
		if err != nil {
			return "", fmt.Errorf("secrets file %s is not accessible: %w", l.secretsFile, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("secrets file %s must not be a directory", l.secretsFile)
		}
		return l.secretsFile, nil
	}

	secretsEnv := l.prefixedEnv("SECRETS_FILE")
	if rawSecretsFile, ok := os.LookupEnv(secretsEnv); ok {
		secretsFile := strings.TrimSpace(rawSecretsFile)
		if secretsFile == "" {
			return "", fmt.Errorf("%s is set but empty", secretsEnv)
		}
		info, err := os.Stat(secretsFile)
		if err != nil {
			return "", fmt.Errorf("%s points to an inaccessible file %s: %w", secretsEnv, secretsFile, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s must point to a file, got directory %s", secretsEnv, secretsFile)
		}
		return secretsFile, nil
	}

	if l.configFile != "" {
		secretsFile := filepath.Join(filepath.Dir(l.configFile), "secrets"+filepath.Ext(l.configFile))
		if info, err := os.Stat(secretsFile); err == nil && !info.IsDir() {
			return secretsFile, nil
		}
	}

	return "", nil
}
