package cli

import (
	"os"

	"github.com/BurntSushi/toml"
)

const defaultAPIBaseURL = "http://localhost:8000"

// Config holds CLI settings read from the config file.
type Config struct {
	APIBaseURL string `toml:"api_base_url"`
}

// LoadConfig reads the TOML config file; a missing file yields defaults.
func LoadConfig(path string) Config {
	cfg := Config{APIBaseURL: defaultAPIBaseURL}
	if path == "" {
		return cfg
	}
	if _, err := os.Stat(path); err != nil {
		return cfg
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && log != nil {
		log.Warnw("config file unreadable, using defaults", "path", path, "error", err)
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg
}
