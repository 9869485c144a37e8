package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/knowledge-engine/internal/retrieval"
)

var (
	searchTopK   int
	searchPerDoc int
	searchPrefix string
	searchJSON   bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Retrieve the passages most relevant to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, eng, _, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer func() { _ = eng.Close() }()

		resp, err := eng.Search(ctx, retrieval.Request{
			Query:             strings.Join(args, " "),
			TopK:              searchTopK,
			ChunksPerDocument: searchPerDoc,
			KeyPrefix:         searchPrefix,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if searchJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}
		if len(resp.Results) == 0 {
			fmt.Fprintln(out, "no results")
			return nil
		}
		for _, r := range resp.Results {
			fmt.Fprintf(out, "%d. %s#%d (score %.3f)\n   %s\n", r.Rank, r.DocumentKey, r.Seq, r.Score, oneLine(r.ChunkText, 200))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "maximum number of results (default from config)")
	searchCmd.Flags().IntVar(&searchPerDoc, "per-document", 0, "maximum passages per document")
	searchCmd.Flags().StringVar(&searchPrefix, "prefix", "", "only search document keys with this prefix")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

// oneLine collapses whitespace and truncates to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
