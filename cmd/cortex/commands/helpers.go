package commands

import (
	"context"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/thunderbirdlabs/cortex/cmd/cortex/ui"
	"github.com/thunderbirdlabs/cortex/internal/config"
	"github.com/thunderbirdlabs/cortex/internal/engine"
)

// loadConfig reads configuration from the --config flag, CONFIG_PATH,
// or defaults.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Observability.LogLevel = "debug"
	} else {
		// Keep CLI output readable; engine logs only warnings and up.
		cfg.Observability.LogLevel = "warn"
		cfg.Observability.LogFormat = "console"
	}
	return cfg, nil
}

// newEngine builds an engine for one CLI invocation. The caller must
// Close it.
func newEngine(ctx context.Context) (*engine.Engine, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	ui.InitUI(noColor, verbose)

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("start engine: %w", err)
	}
	return eng, cfg, nil
}

// resolveTenant picks the flag tenant or falls back to the configured
// default.
func resolveTenant(flagTenant string, cfg *config.Config) string {
	if flagTenant != "" {
		return flagTenant
	}
	if v := os.Getenv("DEFAULT_TENANT"); v != "" {
		return v
	}
	return cfg.Tenancy.DefaultTenant
}
