package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/knowledge-engine/internal/engine"
	"github.com/dshills/knowledge-engine/internal/inference"
)

var (
	askTask   string
	askTopK   int
	askPerDoc int
	askPrefix string
	askJSON   bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the indexed documents",
	Long: `ask retrieves context for the question and sends it to the reasoning
provider. The task type (direct-answer or debate) is chosen from the question
unless --task forces one.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, eng, _, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer func() { _ = eng.Close() }()

		resp, err := eng.Ask(ctx, engine.AskRequest{
			Query:             strings.Join(args, " "),
			TopK:              askTopK,
			ChunksPerDocument: askPerDoc,
			KeyPrefix:         askPrefix,
			TaskType:          inference.TaskType(askTask),
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if askJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}
		fmt.Fprintln(out, resp.Answer.Answer)
		fmt.Fprintf(out, "\n[%s via %s", resp.Answer.TaskType, resp.Answer.Provider)
		if resp.Answer.Model != "" {
			fmt.Fprintf(out, "/%s", resp.Answer.Model)
		}
		fmt.Fprintf(out, ", %d source(s)]\n", len(resp.Answer.Sources))
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askTask, "task", "", "force a task type: direct-answer or debate")
	askCmd.Flags().IntVarP(&askTopK, "top-k", "k", 0, "number of passages given as context")
	askCmd.Flags().IntVar(&askPerDoc, "per-document", 0, "maximum passages taken from any one document")
	askCmd.Flags().StringVar(&askPrefix, "prefix", "", "only use document keys with this prefix")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the answer and context as JSON")
	rootCmd.AddCommand(askCmd)
}
