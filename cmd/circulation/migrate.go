// cmd/circulation/migrate.go
package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"loanengine/internal/config"
	"loanengine/internal/eventstore"
)

func newMigrateCommand() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the event journal schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				dsn = cfg.DatabaseURL
			}
			if dsn == "" {
				return errors.New("no database: set DATABASE_URL or --database-url")
			}

			db, err := eventstore.Open(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := eventstore.NewEventStore(db).EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "journal schema is up to date")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "database-url", "", "Postgres connection string (defaults to DATABASE_URL)")
	return cmd
}
