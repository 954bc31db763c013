package app

import (
	"context"
	"errors"
	"fmt"
)

// Migrate applies pending SQL migrations from database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; nothing to migrate")
	}
	if closeStore != nil {
		defer closeStore()
	}

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.Out, "schema up to date")
		return nil
	}
	for _, v := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", v)
	}
	return nil
}
