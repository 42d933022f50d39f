// Package commands implements the sessiongate-configure subcommands.
package commands

import (
	"fmt"
	"os"

	"github.com/benvon/sessiongate/internal/config"
	"github.com/benvon/sessiongate/internal/database"
	"github.com/spf13/cobra"
)

// loadConfig is replaced in tests.
var loadConfig = config.Load

// openDatabase loads configuration and connects to the configured database.
// The caller must call the returned close function.
func openDatabase() (*config.Config, *database.DB, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}
	}
	return cfg, db, closeDB, nil
}

// NewRootCmd assembles the sessiongate-configure command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sessiongate-configure",
		Short:         "Operator tool for sessiongate",
		Long:          "CLI tool for migrating the database, testing the OIDC provider and inspecting sessions and identities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewMigrateCmd())
	rootCmd.AddCommand(NewTestCmd())
	rootCmd.AddCommand(NewTokenCmd())
	rootCmd.AddCommand(NewIdentityCmd())

	return rootCmd
}
