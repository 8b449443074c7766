package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/toricodesthings/quote-analysis-service/internal/config"
	"github.com/toricodesthings/quote-analysis-service/internal/inference"
	"github.com/toricodesthings/quote-analysis-service/internal/logging"
	"github.com/toricodesthings/quote-analysis-service/internal/pipeline"
	"github.com/toricodesthings/quote-analysis-service/internal/prompts"
)

// app is the state shared by every command once flags are parsed.
type app struct {
	cfgFile string
	v       *viper.Viper

	cfg config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "quote-analysis",
		Short: "Analyse contractor quotes and invoices with an LLM",
		Long: `quote-analysis checks a construction quote or invoice for pricing and
compliance problems and extracts its key fields as JSON.

It runs as an HTTP service (serve) or on a single document (analyze).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.init()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ./config.yaml if present)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "auto", "log format (auto, text, json)")
	_ = a.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", pf.Lookup("log-format"))

	root.AddCommand(
		newServeCmd(a),
		newAnalyzeCmd(a),
		newRouteCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(".")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	a.cfg = cfg
	a.log = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Redact: cfg.Log.Redact})
	slog.SetDefault(a.log)
	return nil
}

// buildPipeline wires the inference client and prompts into a pipeline.
func buildPipeline(cfg config.Config, log *slog.Logger) (*pipeline.Pipeline, *inference.Client, error) {
	cat, err := prompts.LoadCatalogue()
	if err != nil {
		return nil, nil, err
	}
	client := inference.New(cfg.InferenceConfig(), log.With("component", "inference"))
	p := pipeline.New(client, prompts.New(cat), pipelineConfig(cfg), log.With("component", "pipeline"))
	return p, client, nil
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	return pipeline.Config{
		Rules:               cfg.Router,
		MinRestructureRatio: cfg.Restructure.MinRatio,
		Restructure:         pipeline.CallParams{Temperature: cfg.Restructure.Temperature, MaxTokens: cfg.Restructure.MaxTokens},
		Analysis:            pipeline.CallParams{Temperature: cfg.Analysis.Temperature, MaxTokens: cfg.Analysis.MaxTokens},
		Extraction:          pipeline.CallParams{Temperature: cfg.Extraction.Temperature, MaxTokens: cfg.Extraction.MaxTokens},
	}
}
