package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Retrain the approximate nearest neighbour index",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, eng, _, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer func() { _ = eng.Close() }()

		start := time.Now()
		if err := eng.Compact(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "compacted in %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
}
