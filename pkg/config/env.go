package config

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
)

// LoadEnv reads variables from the given dotenv files (".env" when none are
// named) without overriding values already present in the environment.
func LoadEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("dotenv file unreadable", "error", err)
	}
}
