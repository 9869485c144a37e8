package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/knowledge-engine/pkg/types"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index health and document states",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, eng, _, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer func() { _ = eng.Close() }()

		st, err := eng.Status(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		fmt.Fprintf(out, "Watch root:   %s\n", st.WatchRoot)
		fmt.Fprintf(out, "Database:     schema %s, %s build, %.2f MB\n",
			st.Store.SchemaVersion, st.Store.BuildMode, float64(st.Store.SizeBytes)/(1024*1024))
		fmt.Fprintf(out, "Documents:    %d\n", st.Store.Documents)
		states := make([]types.DocumentState, 0, len(st.Store.DocumentStates))
		for s := range st.Store.DocumentStates {
			states = append(states, s)
		}
		sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
		for _, s := range states {
			fmt.Fprintf(out, "  %-10s %d\n", s, st.Store.DocumentStates[s])
		}
		fmt.Fprintf(out, "Records:      %d (%d shards, metric %s)\n", st.Store.Records, st.Store.Shards, st.Store.Metric)
		for _, sp := range st.Store.Spaces {
			fmt.Fprintf(out, "  %s/%d: %d lists\n", sp.Modality, sp.Dimension, sp.Lists)
		}
		if st.Store.Quarantined > 0 {
			fmt.Fprintf(out, "Quarantined:  %d\n", st.Store.Quarantined)
		}
		if !st.Store.LastCompaction.IsZero() {
			fmt.Fprintf(out, "Compacted:    %s\n", st.Store.LastCompaction.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "Embedding:    %s/%s (%d dims)\n", st.Embedding.Name, st.Embedding.Model, st.Embedding.Dimension)
		fmt.Fprintf(out, "Reasoning:    %s\n", st.Reasoning)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output status as JSON")
	rootCmd.AddCommand(statusCmd)
}
