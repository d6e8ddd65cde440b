package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/signpool/macsigner/pkg/appstore"
	"github.com/signpool/macsigner/pkg/secrets"
)

type Config struct {
	Log     LogConfig
	API     APIConfig     `mapstructure:"api"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Signing SigningConfig `mapstructure:"signing"`
}

type APIConfig struct {
	KeyID           string `mapstructure:"key_id"`
	IssuerID        string `mapstructure:"issuer_id"`
	KeyPath         string `mapstructure:"key_path"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type PoolConfig struct {
	ServerURL   string `mapstructure:"server_url"`
	Token       string `mapstructure:"token"`
	IntervalSec int    `mapstructure:"interval_sec"`
}

type SigningConfig struct {
	P12Path     string `mapstructure:"p12_path"`
	P12Password string `mapstructure:"p12_password"`
	ProfileType string `mapstructure:"profile_type"`
	OutputDir   string `mapstructure:"output_dir"`
	Unzip       string `mapstructure:"unzip"`
	Zip         string `mapstructure:"zip"`
	Codesign    string `mapstructure:"codesign"`
}

var config Config

func initConfig() error {
	_ = godotenv.Load()

	viper.SetConfigName("macsigner")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/macsigner")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("api.key_id", "ASC_KEY_ID")
	_ = viper.BindEnv("api.issuer_id", "ASC_ISSUER_ID")
	_ = viper.BindEnv("api.key_path", "ASC_KEY_PATH")
	_ = viper.BindEnv("pool.server_url", "POOL_SERVER_URL")
	_ = viper.BindEnv("pool.token", "POOL_TOKEN")
	_ = viper.BindEnv("signing.p12_path", "SIGN_P12_PATH")
	_ = viper.BindEnv("signing.p12_password", "SIGN_P12_PASSWORD")

	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("pool.interval_sec", 10)
	viper.SetDefault("signing.profile_type", string(appstore.ProfileTypeDevelopment))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	initLogger(config.Log.Level)
	return nil
}

// credentialStore resolves the credential file location, preferring an
// explicit config value over the per-user default.
func credentialStore() (*secrets.Store, error) {
	path := config.API.CredentialsFile
	if path == "" {
		var err error
		path, err = secrets.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return secrets.NewStore(path), nil
}

// loadCredential builds an API credential from config and environment,
// falling back to the stored credential file.
func loadCredential() (*appstore.Credential, error) {
	if config.API.KeyID != "" && config.API.IssuerID != "" && config.API.KeyPath != "" {
		keyData, err := os.ReadFile(config.API.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read API key file: %w", err)
		}
		cred := &appstore.Credential{
			KeyID:      config.API.KeyID,
			IssuerID:   config.API.IssuerID,
			PrivateKey: string(keyData),
		}
		if err := cred.Validate(); err != nil {
			return nil, err
		}
		return cred, nil
	}

	store, err := credentialStore()
	if err != nil {
		return nil, err
	}
	cred, err := store.Load()
	if errors.Is(err, secrets.ErrNotFound) {
		return nil, fmt.Errorf("no API credential configured: set ASC_KEY_ID, ASC_ISSUER_ID and ASC_KEY_PATH, or run 'macsigner credentials save'")
	}
	return cred, err
}
