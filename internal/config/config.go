// Package config parses the coordinator's environment-variable
// configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the coordinator's startup configuration.
type Config struct {
	MaxBuilders         int
	MaxRetries          int
	UpdateCheckInterval time.Duration
	Port                int
	BuilderImage        string
	RepoName            string
	RepoDir             string
	TrackingFile        string
}

// FromEnv parses the configuration from the process environment, applying
// defaults for anything unset.
func FromEnv() (Config, error) {
	c := Config{
		MaxBuilders:         1,
		MaxRetries:          3,
		UpdateCheckInterval: 240 * time.Minute,
		Port:                3200,
		BuilderImage:        os.Getenv("BUILDER_IMAGE"),
		RepoName:            "aur",
		RepoDir:             "/srv/aurcoord/repo",
		TrackingFile:        "/var/lib/aurcoord/tracking.json",
	}

	if v := os.Getenv("MAX_BUILDERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("MAX_BUILDERS=%q: must be an integer >= 1", v)
		}
		c.MaxBuilders = n
	}

	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("MAX_RETRIES=%q: must be an integer >= 0", v)
		}
		c.MaxRetries = n
	}

	if v := os.Getenv("UPDATE_CHECK_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("UPDATE_CHECK_INTERVAL=%q: must be positive minutes", v)
		}
		c.UpdateCheckInterval = time.Duration(n) * time.Minute
	}

	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 65535 {
			return Config{}, fmt.Errorf("PORT=%q: must be a valid TCP port", v)
		}
		c.Port = n
	}

	if v := os.Getenv("REPO_NAME"); v != "" {
		c.RepoName = v
	}

	if v := os.Getenv("REPO_DIR"); v != "" {
		c.RepoDir = v
	}

	if v := os.Getenv("TRACKING_FILE"); v != "" {
		c.TrackingFile = v
	}

	if c.BuilderImage == "" {
		return Config{}, fmt.Errorf("BUILDER_IMAGE must be set")
	}

	return c, nil
}
