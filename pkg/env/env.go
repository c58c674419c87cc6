package env

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/jaywantadh/filehoster/pkg/logging"
)

// LoadEnv loads a .env file from the working directory when there is one.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logging.Log.Debug("No .env file found, using system envs")
	}
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	value, exist := os.LookupEnv(key)
	if !exist {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		logging.Log.WithField("key", key).Warn("Ignoring non-numeric environment value")
		return fallback
	}
	return n
}

// ConfigDir is FILEHOSTER_CONFIG_DIR, or "file-hoster" under the user config directory.
func ConfigDir() (string, error) {
	if dir := GetEnv("FILEHOSTER_CONFIG_DIR", ""); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "file-hoster"), nil
}
