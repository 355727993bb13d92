package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentrelay/relay/internal/config"
	"github.com/agentrelay/relay/internal/store/pg"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Run: func(cmd *cobra.Command, args []string) {
			runMigration(pg.Migrate)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		Run: func(cmd *cobra.Command, args []string) {
			runMigration(pg.MigrateDown)
		},
	})
	return cmd
}

func runMigration(fn func(dsn string) error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	dsn := cfg.Database.PostgresDSN
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "RELAY_POSTGRES_DSN is not set; the SQLite backend migrates automatically")
		os.Exit(1)
	}
	if err := fn(dsn); err != nil {
		fmt.Fprintln(os.Stderr, "migration failed:", err)
		os.Exit(1)
	}
	fmt.Println("done")
}
