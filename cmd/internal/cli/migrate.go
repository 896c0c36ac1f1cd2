package cli

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the session store schema",
		Long:  "Create tables for the postgres and sqlite stores. It is idempotent; memory and redis need no schema.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, _, err := openBackend(cmd, rf, true)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			printf(cmd.OutOrStdout(), "schema ready (store=%s)\n", b.Name)
			return nil
		},
	}
}
