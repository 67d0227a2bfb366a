// Package config loads puppylog's two configuration surfaces: process
// environment variables, read once at startup, and settings.json, the
// device-collection filter, validated and hot-reloaded for the life of the
// process.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/puppycorp/puppylog/pkg/log"
)

// Env holds the environment-derived configuration, loaded once at startup.
type Env struct {
	LogPath              string
	DBPath               string
	SettingsPath         string
	UploadPath           string
	CleanupDeleteCount   int
	SlackWebhook         string
	MaxConcurrentUploads int
	Addr                 string
	LogLevel             string
}

// LoadEnv loads an optional .env file (missing is not an error, matching
// godotenv's own convention) and reads the environment into an Env,
// applying puppylog's defaults for anything unset.
func LoadEnv() *Env {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("config: load .env: %v", err)
	}

	return &Env{
		LogPath:              getString("LOG_PATH", "./logs"),
		DBPath:               getString("DB_PATH", "./puppylog.db"),
		SettingsPath:         getString("SETTINGS_PATH", "./settings.json"),
		UploadPath:           getString("UPLOAD_PATH", "./uploads"),
		CleanupDeleteCount:   getInt("CLEANUP_DELETE_COUNT", 1000),
		SlackWebhook:         getString("SLACK_WEBHOOK", ""),
		MaxConcurrentUploads: getInt("MAX_CONCURRENT_UPLOADS", 4),
		Addr:                 getString("PUPPYLOG_ADDR", ":8080"),
		LogLevel:             getString("LOG_LEVEL", "info"),
	}
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("config: %s=%q is not an integer, using default %d", key, v, def)
		return def
	}
	return n
}
