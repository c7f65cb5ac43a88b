package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PEWPOST_"

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped; variables already set are never overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays PEWPOST_* variables on cfg. Secrets are expected to come
// from here rather than the config file.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil || lookup == nil {
		return nil
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get("TELEGRAM_TOKEN"); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get("TRANSPORT"); ok {
		cfg.Transport.Driver = v
	}
	if v, ok := get("DEFAULT_CHANNEL"); ok {
		cfg.Channels.Default = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get("STORAGE_DRIVER"); ok {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Driver = v
	}
	if v, ok := get("STORAGE_PATH"); ok {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Path = v
	}
	if v, ok := get("REDIS_ADDR"); ok {
		cfg.Dedup.Redis.Addr = v
	}
	if v, ok := get("REDIS_PASSWORD"); ok {
		cfg.Dedup.Redis.Password = v
	}
	if v, ok := get("REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		cfg.Dedup.Redis.DB = n
	}
	if v, ok := get("NOTIFIER_CHAT_ID"); ok && cfg.Notifier != nil {
		cfg.Notifier.ChatID = v
	}
	if v, ok := get("HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := get("HTTP_TOKEN"); ok {
		cfg.HTTP.Token = v
	}
	return nil
}
