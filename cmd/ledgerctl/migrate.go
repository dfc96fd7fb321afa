package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/ruralpay/ledger/internal/database"
	"github.com/spf13/cobra"
)

var errMemoryDriver = errors.New("migrations need database.driver=postgres")

func newMigrateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	var steps int

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDB(cmd, func(db *sql.DB) error {
				if err := database.MigrateUp(db); err != nil {
					return err
				}
				pterm.Success.Println("Schema is up to date")
				return nil
			})
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long:  `Roll back the given number of migrations. Without --steps every migration is rolled back.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDB(cmd, func(db *sql.DB) error {
				if err := database.MigrateDown(db, steps); err != nil {
					return err
				}
				pterm.Success.Println("Rolled back migrations")
				return nil
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 0, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDB(cmd, func(db *sql.DB) error {
				v, dirty, err := database.MigrationVersion(db)
				if err != nil {
					return err
				}
				if dirty {
					pterm.Warning.Printf("Schema version %d is dirty\n", v)
					return nil
				}
				pterm.Info.Printf("Schema version %d\n", v)
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

// withDB opens a raw connection without running the ledger's auto
// migration.
func (c *cli) withDB(cmd *cobra.Command, fn func(db *sql.DB) error) error {
	if c.cfg.Database.Driver != "postgres" {
		return errMemoryDriver
	}

	db, err := database.Open(cmd.Context(), c.cfg.Database, c.log)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer db.Close()

	return fn(db)
}
