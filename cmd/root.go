package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"courier/internal/config"
	"courier/internal/format"
	"courier/internal/model"
	"courier/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "A CLI client for HTTP and gRPC APIs",
	Long: `courier is a command-line API client for HTTP and gRPC.

Send HTTP requests with templated URLs, headers and bodies, open gRPC
calls of any streaming shape, and keep a local history of everything.

Examples:
  courier get https://api.example.com/users
  courier send https://api.example.com/users -X POST -d '{"name": "John"}'
  courier grpc localhost:50051 --proto echo.proto --service echo.Echo --method Ping -d '{}'
  courier history
  courier env set staging base_url=https://staging.example.com`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show response headers")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.courier/config.yaml)")
}

// openStore opens the default store and its blob directory, exiting on
// failure. Every command needs both or neither.
func openStore() (*storage.Store, *storage.BlobStore) {
	store, err := storage.OpenDefault()
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to open data directory: %v", err))
		os.Exit(1)
	}
	blobs, err := storage.NewBlobStore(store.DataDir())
	if err != nil {
		store.Close()
		format.PrintError(fmt.Sprintf("Failed to open body store: %v", err))
		os.Exit(1)
	}
	// A crash mid-send leaves records that look in-flight; sweep them on
	// every startup. A live send rewrites its record when it finishes.
	_ = store.CancelPending()
	return store, blobs
}

func loadSettings() config.Settings {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	settings, err := config.Load(path)
	if err != nil {
		format.PrintError(fmt.Sprintf("Bad config file %s: %v", path, err))
		os.Exit(1)
	}
	return settings
}

// loadEnvironment resolves --env by id or name; an empty name means no
// environment and template expressions pass through unresolved.
func loadEnvironment(store *storage.Store, name string) *model.Environment {
	if name == "" {
		return nil
	}
	env, err := store.GetEnvironment(name)
	if err != nil {
		format.PrintError(fmt.Sprintf("Unknown environment %q", name))
		os.Exit(1)
	}
	return env
}
