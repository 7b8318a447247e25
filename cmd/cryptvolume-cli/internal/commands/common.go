// Package commands implements the sub-commands of cryptvolume-cli.
// Each command group is a handler struct whose methods are cobra Run
// functions; shared configuration loading lives here.
package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds CLI-wide defaults resolved from the config file, the
// environment and built-in values, in that order of precedence.
type Config struct {
	Cipher       string `mapstructure:"cipher"`
	CipherMode   string `mapstructure:"cipher_mode"`
	TokenType    string `mapstructure:"token_type"`
	MinimalPBKDF bool   `mapstructure:"minimal_pbkdf"`
	LogLevel     string `mapstructure:"log_level"`
}

var (
	configOnce sync.Once
	config     Config
	configErr  error
)

// LoadConfig resolves CLI defaults once per process. A missing config
// file is not an error; malformed files and unparseable values are.
func LoadConfig() (Config, error) {
	configOnce.Do(func() {
		viper.SetConfigName("cryptvolume")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.cryptvolume")
		viper.AddConfigPath("/etc/cryptvolume")

		viper.SetDefault("cipher", "aes")
		viper.SetDefault("cipher_mode", "xts-plain64")
		viper.SetDefault("token_type", "cryptvolume-cli")
		viper.SetDefault("minimal_pbkdf", false)
		viper.SetDefault("log_level", "info")

		viper.SetEnvPrefix("CRYPTVOLUME")
		viper.AutomaticEnv()

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				configErr = fmt.Errorf("reading config file: %w", err)
				return
			}
		}

		if err := viper.Unmarshal(&config); err != nil {
			configErr = fmt.Errorf("parsing config: %w", err)
			return
		}

		level, err := logrus.ParseLevel(config.LogLevel)
		if err != nil {
			configErr = fmt.Errorf("invalid log_level %q: %w", config.LogLevel, err)
			return
		}
		logrus.SetLevel(level)
	})
	return config, configErr
}

// readPassphrase resolves the passphrase for a command from its flags.
// An explicit --passphrase wins; otherwise --passphrase-file is read
// with surrounding whitespace trimmed.
func readPassphrase(passphrase, passphraseFile string) ([]byte, error) {
	if passphrase != "" {
		return []byte(passphrase), nil
	}
	if passphraseFile == "" {
		return nil, fmt.Errorf("either --passphrase or --passphrase-file is required")
	}
	data, err := os.ReadFile(filepath.Clean(passphraseFile))
	if err != nil {
		return nil, fmt.Errorf("reading passphrase file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return nil, fmt.Errorf("passphrase file %s is empty", passphraseFile)
	}
	return []byte(secret), nil
}
