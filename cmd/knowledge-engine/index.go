package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var indexForce bool

var indexCmd = &cobra.Command{
	Use:   "index [document...]",
	Short: "Reconcile the watch root with the index and wait for it to finish",
	Long: `index scans the watch root, queues new, changed and vanished documents and
waits until the queue drains. Named documents (keys relative to the root) are
forced through the indexer instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, eng, _, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer func() { _ = eng.Close() }()

		start := time.Now()
		if err := eng.Start(ctx); err != nil {
			return err
		}

		if len(args) > 0 {
			for _, key := range args {
				if err := eng.ReindexDocument(ctx, key); err != nil {
					return err
				}
			}
		} else {
			res, err := eng.Reindex(ctx, indexForce)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, queued %d, unchanged %d, removed %d\n",
				res.Scanned, res.Changed, res.Unchanged, res.Removed)
		}

		if err := eng.WaitIdle(ctx); err != nil {
			return err
		}

		st, err := eng.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d, failed %d, chunks %d in %s\n",
			st.Indexer.Indexed, st.Indexer.Failed, st.Indexer.Chunks, time.Since(start).Round(time.Millisecond))
		if st.Scheduler.Failed > 0 {
			return fmt.Errorf("%d task(s) failed; run the status command for details", st.Scheduler.Failed)
		}
		return nil
	},
}

func init() {
	indexCmd.Flags().BoolVar(&indexForce, "force", false, "re-embed every document ignoring content hashes")
	rootCmd.AddCommand(indexCmd)
}
