// Package testutils holds helpers shared by package tests.
package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/nfrund/chatsync/internal/config"
)

// ConfigForTests loads .env.test from the project root, when present, into
// the test's environment and returns the resulting configuration.
func ConfigForTests(t *testing.T) *config.Config {
	t.Helper()

	path, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(path, "go.mod")); err == nil {
			break
		}
		if path == filepath.Dir(path) {
			t.Fatalf("could not find project root with go.mod")
		}
		path = filepath.Dir(path)
	}

	env, err := godotenv.Read(filepath.Join(path, ".env.test"))
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("failed to load .env.test file: %v", err)
	}
	// Variables already set in the environment win, as with godotenv.Load.
	for key, value := range env {
		if _, set := os.LookupEnv(key); !set {
			t.Setenv(key, value)
		}
	}

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
