package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "LIQMAP"

// LoadEnv reads a .env file and sets environment variables.
// Missing files are ignored and variables already present in the
// environment win over the file.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

type envOverrides struct {
	TelegramToken      string `envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID     string `envconfig:"TELEGRAM_CHAT_ID"`
	ClickHousePassword string `envconfig:"CLICKHOUSE_PASSWORD"`
	TimescaleDSN       string `envconfig:"TIMESCALE_DSN"`
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return err
	}
	if v := strings.TrimSpace(env.TelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(env.TelegramChatID); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := env.ClickHousePassword; v != "" {
		cfg.ClickHouse.Password = v
	}
	if v := strings.TrimSpace(env.TimescaleDSN); v != "" {
		cfg.Timescale.DSN = v
	}
	return nil
}
