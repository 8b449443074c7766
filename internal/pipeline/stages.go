package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/toricodesthings/quote-analysis-service/internal/apperr"
	"github.com/toricodesthings/quote-analysis-service/internal/extract"
	"github.com/toricodesthings/quote-analysis-service/internal/inference"
	"github.com/toricodesthings/quote-analysis-service/internal/prompts"
	"github.com/toricodesthings/quote-analysis-service/internal/types"
)

// Completer is the inference dependency of every stage.
type Completer interface {
	Complete(ctx context.Context, req inference.Request) (inference.Response, error)
}

// CallParams are per-stage sampling settings.
type CallParams struct {
	Temperature float64
	MaxTokens   int
}

// errEmptyOutput marks a call that succeeded with no content.
var errEmptyOutput = errors.New("model returned empty content")

func isCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || apperr.IsKind(err, apperr.KindCanceled)
}

// ---------- Restructurer ----------

type Restructurer struct {
	llm      Completer
	system   string
	params   CallParams
	minRatio float64
	log      *slog.Logger
}

func NewRestructurer(llm Completer, system string, params CallParams, minRatio float64, log *slog.Logger) *Restructurer {
	if minRatio <= 0 {
		minRatio = 0.30
	}
	return &Restructurer{llm: llm, system: system, params: params, minRatio: minRatio, log: log}
}

// Restructure asks the model to rebuild a readable layout. It never fails
// the run: on any problem the original text comes back as a degraded value.
func (r *Restructurer) Restructure(ctx context.Context, raw string) Outcome[string] {
	resp, err := r.llm.Complete(ctx, inference.Request{
		Messages: []inference.Message{
			{Role: "system", Content: r.system},
			{Role: "user", Content: raw},
		},
		Temperature: r.params.Temperature,
		MaxTokens:   r.params.MaxTokens,
		Purpose:     "restructure",
	})
	if err != nil {
		if isCanceled(ctx, err) {
			return Fatal[string](apperr.Canceled(err))
		}
		r.log.Warn("pipeline.restructure.degraded", "reason", "inference", "err", err)
		return Degraded(raw, err, 0)
	}

	out := strings.TrimSpace(resp.Content)
	got, want := utf8.RuneCountInString(out), r.minRatio*float64(utf8.RuneCountInString(raw))
	if out == "" || float64(got) < want {
		r.log.Warn("pipeline.restructure.degraded", "reason", "truncation_guard", "chars", got, "min_chars", int(want))
		return Degraded(raw, apperr.TruncationGuard(fmt.Sprintf("restructured text has %d chars, need %.0f", got, want)), resp.TotalTokens)
	}
	return Success(out, resp.TotalTokens, resp.Model)
}

// ---------- Analyzer ----------

type Analyzer struct {
	llm      Completer
	prompts  *prompts.Set
	override CallParams
}

// NewAnalyzer builds an analyzer. A zero override keeps each profile's own
// sampling settings.
func NewAnalyzer(llm Completer, set *prompts.Set, override CallParams) *Analyzer {
	return &Analyzer{llm: llm, prompts: set, override: override}
}

// Analyze produces the narrative report. Any failure is fatal to the run.
func (a *Analyzer) Analyze(ctx context.Context, doc types.SourceDocument, text string) Outcome[types.AnalysisReport] {
	profile, err := a.prompts.ForAudience(doc.Audience)
	if err != nil {
		return Fatal[types.AnalysisReport](err)
	}
	params := CallParams{Temperature: profile.Temperature, MaxTokens: profile.MaxTokens}
	if a.override.MaxTokens > 0 {
		params = a.override
	}

	resp, err := a.llm.Complete(ctx, inference.Request{
		Messages: []inference.Message{
			{Role: "system", Content: profile.System},
			{Role: "user", Content: profile.UserMessage(doc.Filename, text)},
		},
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Purpose:     "analysis." + doc.Audience.String(),
	})
	if err != nil {
		return Fatal[types.AnalysisReport](err)
	}

	md := strings.TrimSpace(resp.Content)
	if md == "" {
		o := Fatal[types.AnalysisReport](apperr.Upstream("analysis returned no content").WithCause(errEmptyOutput))
		o.Tokens = resp.TotalTokens
		return o
	}
	return Success(types.AnalysisReport{Markdown: md}, resp.TotalTokens, resp.Model)
}

// ---------- Extractor ----------

type Extractor struct {
	llm    Completer
	system string
	params CallParams
	log    *slog.Logger
}

func NewExtractor(llm Completer, system string, params CallParams, log *slog.Logger) *Extractor {
	return &Extractor{llm: llm, system: system, params: params, log: log}
}

// Extract pulls the structured record out of text. Failures degrade to the
// empty record. The issuer rule is checked against text and then against
// each of sources (e.g. the text before restructuring).
func (e *Extractor) Extract(ctx context.Context, text string, sources ...string) Outcome[types.ExtractedRecord] {
	resp, err := e.llm.Complete(ctx, inference.Request{
		Messages: []inference.Message{
			{Role: "system", Content: e.system},
			{Role: "user", Content: text},
		},
		Temperature: e.params.Temperature,
		MaxTokens:   e.params.MaxTokens,
		JSON:        true,
		Purpose:     "extraction",
	})
	if err != nil {
		if isCanceled(ctx, err) {
			return Fatal[types.ExtractedRecord](apperr.Canceled(err))
		}
		e.log.Warn("pipeline.extract.degraded", "reason", "inference", "err", err)
		return Degraded(types.EmptyRecord(), err, 0)
	}

	if strings.TrimSpace(resp.Content) == "" {
		e.log.Warn("pipeline.extract.degraded", "reason", "empty")
		return Degraded(types.EmptyRecord(), errEmptyOutput, resp.TotalTokens)
	}

	rec, err := extract.Parse(resp.Content)
	if err != nil {
		e.log.Warn("pipeline.extract.degraded", "reason", "parse", "err", err)
		return Degraded(types.EmptyRecord(), err, resp.TotalTokens)
	}

	for _, src := range append([]string{text}, sources...) {
		var changed bool
		if rec, changed = extract.EnforceIssuer(rec, src); changed {
			e.log.Info("pipeline.extract.issuer_corrected")
			break
		}
	}
	return Success(rec, resp.TotalTokens, resp.Model)
}

// ExtractionStatus summarises an extraction outcome for callers.
func ExtractionStatus(o Outcome[types.ExtractedRecord]) types.ExtractionStatus {
	switch {
	case o.Status == StatusSuccess:
		return types.ExtractionOK
	case errors.Is(o.Reason, errEmptyOutput):
		return types.ExtractionEmpty
	case apperr.IsKind(o.Reason, apperr.KindParse):
		return types.ExtractionParseFailed
	default:
		return types.ExtractionUnavailable
	}
}
