package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vietddude/vaultwatch/internal/control"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stores, err := control.OpenStores(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		_ = stores.Close()
	}()

	if stores.DB == nil {
		return errors.New("no database configured")
	}
	if err := stores.DB.Migrate(ctx); err != nil {
		return err
	}
	version, err := stores.DB.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	slog.Info("Database migrated", "version", version)
	return nil
}
