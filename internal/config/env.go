package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	envUsername      = "TOPSTEP_USERNAME"
	envAPIKey        = "TOPSTEP_API_KEY"
	envAccountID     = "TOPSTEP_ACCOUNT_ID"
	envWebhookSecret = "WEBHOOK_SECRET"
	envTelegramToken = "TELEGRAM_BOT_TOKEN"
	envTelegramChat  = "TELEGRAM_CHAT_ID"
)

// applyEnv loads the .env file (if any) without overriding variables already
// set, then copies credentials from the environment. Environment wins over file.
func (c *Config) applyEnv(baseDir string) error {
	envFile := strings.TrimSpace(c.App.EnvFile)
	if envFile != "" {
		if !filepath.IsAbs(envFile) {
			if _, err := os.Stat(envFile); err != nil {
				envFile = filepath.Join(baseDir, envFile)
			}
		}
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading env file %s failed: %w", envFile, err)
		}
	}
	if val := strings.TrimSpace(os.Getenv(envUsername)); val != "" {
		c.Credentials.Username = val
	}
	if val := strings.TrimSpace(os.Getenv(envAPIKey)); val != "" {
		c.Credentials.APIKey = val
	}
	if val := strings.TrimSpace(os.Getenv(envWebhookSecret)); val != "" {
		c.Credentials.WebhookSecret = val
	}
	if val := strings.TrimSpace(os.Getenv(envTelegramToken)); val != "" {
		c.Notify.BotToken = val
	}
	if val := strings.TrimSpace(os.Getenv(envTelegramChat)); val != "" {
		c.Notify.ChatID = val
	}
	if val := strings.TrimSpace(os.Getenv(envAccountID)); val != "" {
		id, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", envAccountID, err)
		}
		c.Credentials.AccountID = id
	}
	return nil
}

// RequireCredentials reports missing broker credentials. Kept apart from
// validate so tooling can load a config without secrets.
func (c *Config) RequireCredentials() error {
	if strings.TrimSpace(c.Credentials.Username) == "" {
		return fmt.Errorf("%s not configured", envUsername)
	}
	if strings.TrimSpace(c.Credentials.APIKey) == "" {
		return fmt.Errorf("%s not configured", envAPIKey)
	}
	return nil
}
