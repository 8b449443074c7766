package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toricodesthings/quote-analysis-service/internal/pipeline"
	"github.com/toricodesthings/quote-analysis-service/internal/prompts"
)

func newRouteCmd(a *app) *cobra.Command {
	var (
		file   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show whether a document would be restructured, without calling the model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			cat, err := prompts.LoadCatalogue()
			if err != nil {
				return err
			}
			// Preview never calls the model.
			p := pipeline.New(nil, prompts.New(cat), pipelineConfig(a.cfg), a.log)
			res, err := p.Preview(cmd.Context(), text)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintf(out, "restructure: %t\nrule:        %s\nquality:     %s\n", res.NeedsRestructuring, res.Rule, res.Quality)
			fmt.Fprintf(out, "amounts: %d  lines: %d  avg line: %.1f  header keywords: %t  chars: %d\n",
				res.AmountCount, res.LineCount, res.AvgLineLength, res.HasHeaderKeywords, res.CharCount)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "document text file (default: stdin)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
