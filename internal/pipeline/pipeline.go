// Package pipeline runs a quote or invoice through routing, optional
// restructuring, and the concurrent analysis and extraction branches.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/toricodesthings/quote-analysis-service/internal/apperr"
	"github.com/toricodesthings/quote-analysis-service/internal/prompts"
	"github.com/toricodesthings/quote-analysis-service/internal/quality"
	"github.com/toricodesthings/quote-analysis-service/internal/textclean"
	"github.com/toricodesthings/quote-analysis-service/internal/types"
)

// MinContentChars is the shortest trimmed input accepted by Run.
const MinContentChars = 10

type Config struct {
	Rules               quality.Rules
	MinRestructureRatio float64

	Restructure CallParams
	// Analysis overrides the audience profile's settings when MaxTokens > 0.
	Analysis   CallParams
	Extraction CallParams
}

func DefaultConfig() Config {
	return Config{
		Rules:               quality.DefaultRules(),
		MinRestructureRatio: 0.30,
		Restructure:         CallParams{Temperature: 0, MaxTokens: 3000},
		Extraction:          CallParams{Temperature: 0, MaxTokens: 1500},
	}
}

// Pipeline is safe for concurrent use; each Run owns its own state.
type Pipeline struct {
	cfg          Config
	cleaner      *textclean.Cleaner
	restructurer *Restructurer
	analyzer     *Analyzer
	extractor    *Extractor
	log          *slog.Logger
}

func New(llm Completer, set *prompts.Set, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:          cfg,
		cleaner:      textclean.New(),
		restructurer: NewRestructurer(llm, set.RestructureSystem(), cfg.Restructure, cfg.MinRestructureRatio, log),
		analyzer:     NewAnalyzer(llm, set, cfg.Analysis),
		extractor:    NewExtractor(llm, set.ExtractionSystem(), cfg.Extraction, log),
		log:          log,
	}
}

// Run analyses doc. Only input errors, a failed analysis branch and caller
// cancellation fail the run; every other stage degrades.
func (p *Pipeline) Run(ctx context.Context, doc types.SourceDocument) (types.PipelineResult, error) {
	start := time.Now()
	log := p.log.With("audience", doc.Audience.String())
	log.Debug("pipeline.received", "chars", utf8.RuneCountInString(doc.RawText), "filename", doc.Filename)

	if !doc.Audience.Valid() {
		return types.PipelineResult{}, apperr.Internal("invalid audience " + doc.Audience.String())
	}
	if utf8.RuneCountInString(strings.TrimSpace(doc.RawText)) < MinContentChars {
		return types.PipelineResult{}, apperr.Input("CONTENT_TOO_SHORT", "Contenu du document trop court ou vide")
	}
	text := p.cleaner.Normalize(doc.RawText)
	if utf8.RuneCountInString(text) < MinContentChars {
		return types.PipelineResult{}, apperr.Input("CONTENT_TOO_SHORT", "Contenu du document trop court ou vide")
	}
	log.Debug("pipeline.validated", "chars", utf8.RuneCountInString(text))

	decision := quality.Decide(text, p.cfg.Rules)
	log.Info("pipeline.routed",
		"restructure", decision.NeedsRestructuring,
		"rule", decision.Rule,
		"amounts", decision.Signals.AmountCount,
		"lines", decision.Signals.LineCount,
		"avg_line", decision.Signals.AvgLineLength,
	)

	working := text
	restructured := false
	tokens := 0
	if decision.NeedsRestructuring {
		o := p.restructurer.Restructure(ctx, text)
		tokens += o.Tokens
		switch o.Status {
		case StatusFatal:
			return types.PipelineResult{}, o.Reason
		case StatusSuccess:
			working, restructured = o.Value, true
			log.Info("pipeline.restructured", "chars_before", utf8.RuneCountInString(text), "chars_after", utf8.RuneCountInString(working))
		default:
			log.Info("pipeline.passthrough", "reason", apperr.KindOf(o.Reason))
		}
	} else {
		log.Info("pipeline.passthrough", "reason", decision.Rule)
	}

	// Both branches always finish and return nil; they only share ctx.
	var (
		g          errgroup.Group
		analysis   Outcome[types.AnalysisReport]
		extraction Outcome[types.ExtractedRecord]
	)
	g.Go(func() error {
		analysis = p.analyzer.Analyze(ctx, doc, working)
		log.Info("pipeline.analyzed", "status", analysis.Status.String(), "tokens", analysis.Tokens)
		return nil
	})
	g.Go(func() error {
		var sources []string
		if restructured {
			sources = append(sources, text)
		}
		extraction = p.extractor.Extract(ctx, working, sources...)
		log.Info("pipeline.extracted", "status", extraction.Status.String(), "tokens", extraction.Tokens)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return types.PipelineResult{}, apperr.Canceled(err)
	}
	if analysis.Status == StatusFatal {
		log.Error("pipeline.failed", "stage", "analysis", "err", analysis.Reason)
		if apperr.IsKind(analysis.Reason, apperr.KindUpstream) {
			return types.PipelineResult{}, analysis.Reason
		}
		return types.PipelineResult{}, apperr.Upstream("analysis failed").WithCause(analysis.Reason)
	}

	record := extraction.Value
	if extraction.Status == StatusFatal {
		record = types.EmptyRecord()
	}
	record.Normalize()

	res := types.PipelineResult{
		Analysis:         analysis.Value,
		Extracted:        record,
		WasRestructured:  restructured,
		ModelUsed:        analysis.Model,
		TokenUsage:       tokens + analysis.Tokens + extraction.Tokens,
		ExtractionStatus: ExtractionStatus(extraction),
		Rule:             decision.Rule,
	}
	log.Info("pipeline.assembled",
		"model", res.ModelUsed,
		"tokens", res.TokenUsage,
		"restructured", res.WasRestructured,
		"extraction", string(res.ExtractionStatus),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// Preview reports the routing decision and quality grade of text without
// calling the model.
func (p *Pipeline) Preview(ctx context.Context, text string) (types.PreviewResult, error) {
	text = p.cleaner.Normalize(text)
	if err := ctx.Err(); err != nil {
		return types.PreviewResult{}, apperr.Canceled(err)
	}
	d := quality.Decide(text, p.cfg.Rules)
	s := d.Signals
	if d.Rule == quality.RuleMarker {
		s = quality.Measure(text, p.cfg.Rules.HeaderKeywords)
	}
	if err := ctx.Err(); err != nil {
		return types.PreviewResult{}, apperr.Canceled(err)
	}
	return types.PreviewResult{
		Success:            true,
		NeedsRestructuring: d.NeedsRestructuring,
		Rule:               d.Rule,
		Quality:            quality.Grade(text, p.cfg.Rules.Marker),
		AmountCount:        s.AmountCount,
		LineCount:          s.LineCount,
		AvgLineLength:      s.AvgLineLength,
		HasHeaderKeywords:  s.HasHeaderKeywords,
		CharCount:          s.CharCount,
	}, nil
}
