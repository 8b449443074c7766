package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/toricodesthings/quote-analysis-service/internal/types"
)

func newAnalyzeCmd(a *app) *cobra.Command {
	var (
		audience string
		file     string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyse one quote or invoice (from --file or stdin)",
		Example: `  quote-analysis analyze --file devis.txt
  pdftotext devis.pdf - | quote-analysis analyze --audience professional --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			aud, err := types.ParseAudience(audience)
			if err != nil {
				return err
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			text, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			pipe, _, err := buildPipeline(a.cfg, a.log)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, a.cfg.RunTimeout)
			defer cancel()

			var filename string
			if file != "" && file != "-" {
				filename = filepath.Base(file)
			}
			res, err := pipe.Run(ctx, types.SourceDocument{
				RawText:  text,
				Filename: filename,
				Audience: aud,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(types.AnalyzeResponse{
					Success:          true,
					Analysis:         res.Analysis.Markdown,
					Extracted:        res.Extracted,
					Preprocessed:     res.WasRestructured,
					Model:            res.ModelUsed,
					Tokens:           res.TokenUsage,
					ExtractionStatus: res.ExtractionStatus,
				})
			}

			rendered, err := renderMarkdown(res.Analysis.Markdown)
			if err != nil {
				return err
			}
			fmt.Fprint(out, rendered)
			fmt.Fprintf(cmd.ErrOrStderr(), "model=%s tokens=%d restructured=%t extraction=%s\n",
				res.ModelUsed, res.TokenUsage, res.WasRestructured, res.ExtractionStatus)
			return nil
		},
	}
	cmd.Flags().StringVarP(&audience, "audience", "a", "consumer", "consumer or professional")
	cmd.Flags().StringVarP(&file, "file", "f", "", "document text file (default: stdin)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full JSON response")
	return cmd
}

func renderMarkdown(md string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", fmt.Errorf("markdown renderer: %w", err)
	}
	return r.Render(md)
}

func readInput(stdin io.Reader, file string) (string, error) {
	var (
		b   []byte
		err error
	)
	if file == "" || file == "-" {
		b, err = io.ReadAll(io.LimitReader(stdin, 4<<20))
	} else {
		b, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.ToValidUTF8(string(b), ""), nil
}
