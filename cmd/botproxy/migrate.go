package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireBase(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", a.cfg.Database.Driver)
			return err
		},
	}
}

func newPurgeCacheCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-cache",
		Short: "Delete expired search cache entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireBase(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.store.PurgeExpiredCache(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired entries\n", n)
			return err
		},
	}
}
