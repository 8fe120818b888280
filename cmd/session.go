package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/listing-cli/internal/monitoring"
	"github.com/sells-group/listing-cli/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage persisted source sessions",
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear SOURCE...",
	Short: "Delete the saved session of one or more sources",
	Long:  "Deletes saved cookies and tokens so the next run starts a fresh session, e.g. after the site blocked the old one.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		blobs := sessionBlobs(st)
		for _, source := range args {
			if err := session.NewStore(source, blobs, monitoring.LogSink{}).Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared session for %s\n", source)
		}
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionClearCmd)
	rootCmd.AddCommand(sessionCmd)
}
