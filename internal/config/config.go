// Package config loads workspace-level transport settings from the courier
// config file.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings drive how the HTTP executor configures its transport.
type Settings struct {
	FollowRedirects      bool   `yaml:"followRedirects"`
	ValidateCertificates bool   `yaml:"validateCertificates"`
	RequestTimeoutMs     int64  `yaml:"requestTimeoutMs"` // 0 means unbounded
	UserAgent            string `yaml:"userAgent"`
}

// Default returns the settings used when no config file exists.
func Default() Settings {
	return Settings{
		FollowRedirects:      true,
		ValidateCertificates: true,
		RequestTimeoutMs:     0,
		UserAgent:            "courier",
	}
}

// Load reads settings from filePath, falling back to defaults for missing
// fields. An empty path or a missing file yields the defaults.
func Load(filePath string) (Settings, error) {
	s := Default()

	if filePath == "" {
		return s, nil
	}

	f, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, err
	}

	if err := yaml.Unmarshal(f, &s); err != nil {
		return Default(), err
	}
	return s, nil
}

// DefaultPath returns ~/.courier/config.yaml, or "" if the home directory
// cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".courier", "config.yaml")
}
