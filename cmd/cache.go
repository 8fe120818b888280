package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-cli/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the extraction cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired extraction cache entries",
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

		c := cache.New(cache.Config{
			MaxEntries: cfg.Cache.MaxEntries,
			TTL:        time.Duration(cfg.Cache.TTLHours) * time.Hour,
		}, st)
		n, err := c.Prune(ctx)
		if err != nil {
			return eris.Wrap(err, "prune cache")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d expired cache entries\n", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}
