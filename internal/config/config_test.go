package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !s.FollowRedirects || !s.ValidateCertificates || s.RequestTimeoutMs != 0 {
		t.Fatalf("unexpected defaults: %#v", s)
	}
	if s.UserAgent != "courier" {
		t.Fatalf("expected default user agent, got %q", s.UserAgent)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "followRedirects: false\nrequestTimeoutMs: 5000\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.FollowRedirects {
		t.Fatalf("expected followRedirects false")
	}
	if s.RequestTimeoutMs != 5000 {
		t.Fatalf("expected timeout 5000, got %d", s.RequestTimeoutMs)
	}
	// Untouched fields keep their defaults.
	if !s.ValidateCertificates {
		t.Fatalf("expected validateCertificates default true")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed yaml")
	}
}
