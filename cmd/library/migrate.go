package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/campuslib/library_service/internal/app/runtime"
	"github.com/campuslib/library_service/internal/app/storage/sqlstore"
	"github.com/campuslib/library_service/internal/config"
	"github.com/campuslib/library_service/internal/platform/migrations"
)

var errMemoryDriver = errors.New("this command needs a SQL database; set database.driver to postgres or sqlite3")

func newMigrateCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	open := func(cmd *cobra.Command) (*sqlstore.Store, error) {
		if o.cfg.Database.Driver == config.DriverMemory {
			return nil, errMemoryDriver
		}
		return runtime.OpenSQLStore(cmd.Context(), o.cfg.Database)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			spin := o.out.Spinner("applying migrations")
			spin.Start()
			if err := migrations.Up(store.DB().DB, o.cfg.Database.Driver); err != nil {
				spin.Error(err.Error())
				return err
			}
			v, _, err := migrations.Version(store.DB().DB, o.cfg.Database.Driver)
			if err != nil {
				return err
			}
			spin.Success(fmt.Sprintf("schema at version %d", v))
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if steps <= 0 {
				o.out.Warning("rolling back every migration; all library data will be dropped")
			}
			if err := migrations.Down(store.DB().DB, o.cfg.Database.Driver, steps); err != nil {
				return err
			}
			v, _, err := migrations.Version(store.DB().DB, o.cfg.Database.Driver)
			if err != nil {
				return err
			}
			o.out.Success("schema at version %d", v)
			return nil
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to roll back (0 rolls back all)")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			v, dirty, err := migrations.Version(store.DB().DB, o.cfg.Database.Driver)
			if err != nil {
				return err
			}
			if dirty {
				o.out.Warning("schema version %d is dirty; fix the failed migration and force the version", v)
				return nil
			}
			o.out.Info("schema version %d", v)
			return nil
		},
	})
	return cmd
}
