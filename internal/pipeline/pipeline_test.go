package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toricodesthings/quote-analysis-service/internal/apperr"
	"github.com/toricodesthings/quote-analysis-service/internal/inference"
	"github.com/toricodesthings/quote-analysis-service/internal/logging"
	"github.com/toricodesthings/quote-analysis-service/internal/prompts"
	"github.com/toricodesthings/quote-analysis-service/internal/quality"
	"github.com/toricodesthings/quote-analysis-service/internal/types"
)

const snippet = `Quote #123 - Acme Plumbing
SIRET 12345678901234
Unclog drain: 150.00 € excl. tax
20% VAT, 180.00 € incl. tax`

const snippetJSON = `{"issuer_name":"Acme Plumbing","issuer_siret":"12345678901234","document_type":"quote",
"document_number":"123","total_excl_tax":150,"tax_rate":20,"total_incl_tax":"180.00 €"}`

// collapsed has header keywords on a single very long line.
var collapsed = "DEVIS Plomberie Dupont SIRET 123 456 789 00012 Désignation Quantité Prix unitaire Total HT " +
	"Remplacement robinet 2 45,00 € 90,00 € Main d'oeuvre 3 h 50,00 € 150,00 € Total HT 240,00 € TVA 20 % 48,00 € Total TTC 288,00 €"

const restructuredText = `ÉMETTEUR : Plomberie Dupont, SIRET 123 456 789 00012

| Désignation | Quantité | Prix unitaire HT | Total HT |
|---|---|---|---|
| Remplacement robinet | 2 | 45,00 € | 90,00 € |
| Main d'oeuvre | 3 h | 50,00 € | 150,00 € |

Total HT 240,00 € / TVA 20 % 48,00 € / Total TTC 288,00 €`

type call struct {
	purpose string
	req     inference.Request
}

// fakeLLM answers by request purpose.
type fakeLLM struct {
	mu      sync.Mutex
	calls   []call
	respond func(ctx context.Context, req inference.Request) (inference.Response, error)
}

func (f *fakeLLM) Complete(ctx context.Context, req inference.Request) (inference.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{purpose: req.Purpose, req: req})
	f.mu.Unlock()
	return f.respond(ctx, req)
}

func (f *fakeLLM) count(purpose string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c.purpose, purpose) {
			n++
		}
	}
	return n
}

func (f *fakeLLM) last(purpose string) inference.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if strings.HasPrefix(f.calls[i].purpose, purpose) {
			return f.calls[i].req
		}
	}
	return inference.Request{}
}

type answers struct {
	restructure string
	restructErr error
	analysis    string
	analysisErr error
	extraction  string
	extractErr  error
}

func scripted(a answers) *fakeLLM {
	return &fakeLLM{respond: func(ctx context.Context, req inference.Request) (inference.Response, error) {
		if err := ctx.Err(); err != nil {
			return inference.Response{}, apperr.Canceled(err)
		}
		switch {
		case req.Purpose == "restructure":
			return inference.Response{Content: a.restructure, Model: "primary", TotalTokens: 100}, a.restructErr
		case strings.HasPrefix(req.Purpose, "analysis"):
			return inference.Response{Content: a.analysis, Model: "primary", TotalTokens: 1000}, a.analysisErr
		case req.Purpose == "extraction":
			return inference.Response{Content: a.extraction, Model: "primary", TotalTokens: 10}, a.extractErr
		}
		return inference.Response{}, errors.New("unexpected purpose " + req.Purpose)
	}}
}

func newTestPipeline(t *testing.T, llm Completer) *Pipeline {
	t.Helper()
	cat, err := prompts.LoadCatalogue()
	require.NoError(t, err)
	return New(llm, prompts.New(cat), DefaultConfig(), logging.NewNop())
}

func consumerDoc(text string) types.SourceDocument {
	return types.SourceDocument{RawText: text, Audience: types.AudienceConsumer}
}

func TestRun_ShortInputRejectedWithoutInference(t *testing.T) {
	llm := scripted(answers{analysis: "## ok"})
	p := newTestPipeline(t, llm)

	for _, in := range []string{"", "   ", "court", strings.Repeat("\u200b", 10) + "ab"} {
		_, err := p.Run(context.Background(), consumerDoc(in))
		require.Error(t, err, "input %q", in)
		assert.True(t, apperr.IsKind(err, apperr.KindInput))
		assert.Equal(t, 400, apperr.HTTPStatus(err))
	}
	assert.Empty(t, llm.calls)
}

func TestRun_InvalidAudience(t *testing.T) {
	llm := scripted(answers{analysis: "## ok"})
	p := newTestPipeline(t, llm)

	_, err := p.Run(context.Background(), types.SourceDocument{RawText: snippet})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
	assert.Empty(t, llm.calls)
}

func TestRun_ShortSnippetSkipsRestructuring(t *testing.T) {
	llm := scripted(answers{analysis: "## 🔍 RÉSUMÉ DU DEVIS", extraction: snippetJSON})
	p := newTestPipeline(t, llm)

	res, err := p.Run(context.Background(), consumerDoc(snippet))
	require.NoError(t, err)

	assert.False(t, res.WasRestructured)
	assert.Equal(t, quality.RuleShortSnippet, res.Rule)
	assert.Equal(t, 0, llm.count("restructure"))
	assert.InDelta(t, 180.0, res.Extracted.TotalInclTax, 1e-9)
	assert.Equal(t, types.ExtractionOK, res.ExtractionStatus)
	assert.Equal(t, "## 🔍 RÉSUMÉ DU DEVIS", res.Analysis.Markdown)
	assert.Equal(t, "primary", res.ModelUsed)
	assert.Equal(t, 1010, res.TokenUsage)

	// both branches see the same text
	assert.Contains(t, llm.last("analysis").Messages[1].Content, "Unclog drain")
	assert.Equal(t, snippet, llm.last("extraction").Messages[1].Content)
	assert.True(t, llm.last("extraction").JSON)
}

func TestRun_MarkerAlwaysPassesThrough(t *testing.T) {
	garbled := quality.DefaultMarker + "\n" + strings.Repeat("Prix unitaire     Total HT      Quantité    ", 10)
	llm := scripted(answers{analysis: "## ok", extraction: "{}"})
	p := newTestPipeline(t, llm)

	res, err := p.Run(context.Background(), consumerDoc(garbled))
	require.NoError(t, err)
	assert.False(t, res.WasRestructured)
	assert.Equal(t, quality.RuleMarker, res.Rule)
	assert.Equal(t, 0, llm.count("restructure"))
}

func TestRun_RestructuredTextFeedsBothBranches(t *testing.T) {
	llm := scripted(answers{restructure: restructuredText, analysis: "## ok", extraction: "{}"})
	p := newTestPipeline(t, llm)

	res, err := p.Run(context.Background(), consumerDoc(collapsed))
	require.NoError(t, err)

	assert.True(t, res.WasRestructured)
	assert.Equal(t, quality.RuleCollapsedColumns, res.Rule)
	assert.Equal(t, 1, llm.count("restructure"))
	assert.Contains(t, llm.last("analysis").Messages[1].Content, "| Remplacement robinet |")
	assert.Equal(t, restructuredText, llm.last("extraction").Messages[1].Content)
	assert.Equal(t, 1110, res.TokenUsage)
}

func TestRun_TruncatedRestructureIsDiscarded(t *testing.T) {
	llm := scripted(answers{restructure: "Total TTC 288,00 €", analysis: "## ok", extraction: "{}"})
	p := newTestPipeline(t, llm)

	res, err := p.Run(context.Background(), consumerDoc(collapsed))
	require.NoError(t, err)

	assert.False(t, res.WasRestructured)
	assert.Equal(t, collapsed, llm.last("extraction").Messages[1].Content)
	// tokens spent on the rejected attempt still count
	assert.Equal(t, 1110, res.TokenUsage)
}

func TestRun_RestructureFailureFallsBackToOriginal(t *testing.T) {
	llm := scripted(answers{
		restructErr: apperr.InferenceTransient("provider rate limited"),
		analysis:    "## ok",
		extraction:  "{}",
	})
	p := newTestPipeline(t, llm)

	res, err := p.Run(context.Background(), consumerDoc(collapsed))
	require.NoError(t, err)
	assert.False(t, res.WasRestructured)
	assert.Equal(t, "## ok", res.Analysis.Markdown)
	assert.Equal(t, collapsed, llm.last("extraction").Messages[1].Content)
}

func TestRun_ExtractionOutageKeepsAnalysis(t *testing.T) {
	llm := scripted(answers{analysis: "## analyse", extractErr: apperr.InferenceTransient("connection refused")})
	p := newTestPipeline(t, llm)

	res, err := p.Run(context.Background(), consumerDoc(snippet))
	require.NoError(t, err)
	assert.Equal(t, "## analyse", res.Analysis.Markdown)
	assert.Equal(t, types.EmptyRecord(), res.Extracted)
	assert.Equal(t, types.ExtractionUnavailable, res.ExtractionStatus)
}

func TestRun_ExtractionStatus(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   types.ExtractionStatus
	}{
		{"parsed", snippetJSON, types.ExtractionOK},
		{"empty", "   ", types.ExtractionEmpty},
		{"prose", "Je ne peux pas extraire ce document.", types.ExtractionParseFailed},
		{"broken json", `{"issuer_name": "Acme",`, types.ExtractionParseFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t, scripted(answers{analysis: "## ok", extraction: tt.output}))
			res, err := p.Run(context.Background(), consumerDoc(snippet))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ExtractionStatus)
			if tt.want != types.ExtractionOK {
				assert.Equal(t, types.EmptyRecord(), res.Extracted)
			}
		})
	}
}

func TestRun_AnalysisFailureIsFatal(t *testing.T) {
	for name, a := range map[string]answers{
		"error": {analysisErr: apperr.InferenceRejected("HTTP 400: bad request"), extraction: snippetJSON},
		"empty": {analysis: "  \n ", extraction: snippetJSON},
	} {
		t.Run(name, func(t *testing.T) {
			p := newTestPipeline(t, scripted(a))
			_, err := p.Run(context.Background(), consumerDoc(snippet))
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindUpstream))
			assert.Equal(t, 500, apperr.HTTPStatus(err))
			assert.NotContains(t, apperr.PublicMessage(err), "400")
		})
	}
}

func TestRun_IssuerNeverEqualsLabelledRecipient(t *testing.T) {
	text := `MARTIN RENOVATION SARL
12 rue des Artisans, 69003 Lyon
SIRET : 812 345 678 00019

Client : SCI Les Tilleuls
8 avenue Foch, 69006 Lyon

Devis n° D-2024-118
Peinture salon 35 m2 x 25,00 € = 875,00 €`

	tests := []struct {
		name       string
		extraction string
	}{
		{"both fields set to client", `{"issuer_name":"SCI Les Tilleuls","recipient_name":"SCI Les Tilleuls","document_type":"devis"}`},
		{"fields swapped", `{"issuer_name":"SCI Les Tilleuls","recipient_name":"MARTIN RENOVATION SARL","document_type":"devis"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := scripted(answers{analysis: "## ok", extraction: tt.extraction})
			p := newTestPipeline(t, llm)

			res, err := p.Run(context.Background(), consumerDoc(text))
			require.NoError(t, err)
			assert.Equal(t, "MARTIN RENOVATION SARL", res.Extracted.IssuerName)
			assert.Equal(t, "SCI Les Tilleuls", res.Extracted.RecipientName)
			assert.Equal(t, types.DocumentQuote, res.Extracted.DocumentType)
		})
	}
}

func TestRun_AnalysisSampling(t *testing.T) {
	t.Run("profile settings by default", func(t *testing.T) {
		llm := scripted(answers{analysis: "## ok", extraction: "{}"})
		p := newTestPipeline(t, llm)

		_, err := p.Run(context.Background(), consumerDoc(snippet))
		require.NoError(t, err)
		req := llm.last("analysis")
		assert.Equal(t, 4000, req.MaxTokens)
		assert.InDelta(t, 0.1, req.Temperature, 1e-9)
	})

	t.Run("configured override wins", func(t *testing.T) {
		llm := scripted(answers{analysis: "## ok", extraction: "{}"})
		cat, err := prompts.LoadCatalogue()
		require.NoError(t, err)
		cfg := DefaultConfig()
		cfg.Analysis = CallParams{Temperature: 0.3, MaxTokens: 2500}
		p := New(llm, prompts.New(cat), cfg, logging.NewNop())

		_, err = p.Run(context.Background(), consumerDoc(snippet))
		require.NoError(t, err)
		req := llm.last("analysis")
		assert.Equal(t, 2500, req.MaxTokens)
		assert.InDelta(t, 0.3, req.Temperature, 1e-9)
	})
}

func TestRun_CanceledContext(t *testing.T) {
	llm := scripted(answers{analysis: "## ok", extraction: "{}"})
	p := newTestPipeline(t, llm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx, consumerDoc(snippet))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindCanceled))
}

func TestRun_AudienceSelectsProfile(t *testing.T) {
	llm := scripted(answers{analysis: "## ok", extraction: "{}"})
	p := newTestPipeline(t, llm)

	doc := consumerDoc(snippet)
	doc.Filename = "devis-plombier.pdf"
	_, err := p.Run(context.Background(), doc)
	require.NoError(t, err)
	consumer := llm.last("analysis")
	assert.Equal(t, "analysis.consumer", consumer.Purpose)
	assert.Contains(t, consumer.Messages[1].Content, "devis-plombier.pdf")

	doc.Audience = types.AudienceProfessional
	_, err = p.Run(context.Background(), doc)
	require.NoError(t, err)
	pro := llm.last("analysis")
	assert.Equal(t, "analysis.professional", pro.Purpose)
	assert.NotEqual(t, consumer.Messages[0].Content, pro.Messages[0].Content)
}

func TestPreview(t *testing.T) {
	p := newTestPipeline(t, scripted(answers{}))
	ctx := context.Background()

	got, err := p.Preview(ctx, snippet)
	require.NoError(t, err)
	assert.True(t, got.Success)
	assert.False(t, got.NeedsRestructuring)
	assert.Equal(t, quality.RuleShortSnippet, got.Rule)
	assert.Equal(t, 2, got.AmountCount)
	assert.Equal(t, 4, got.LineCount)

	got, err = p.Preview(ctx, collapsed)
	require.NoError(t, err)
	assert.True(t, got.NeedsRestructuring)
	assert.Equal(t, quality.RuleCollapsedColumns, got.Rule)
	assert.Equal(t, quality.GradeGood, got.Quality)

	got, err = p.Preview(ctx, quality.DefaultMarker+" bonjour")
	require.NoError(t, err)
	assert.Equal(t, quality.RuleMarker, got.Rule)
	assert.Equal(t, quality.GradeGood, got.Quality)
	assert.Positive(t, got.CharCount)
}

func TestPreview_ExpiredContext(t *testing.T) {
	p := newTestPipeline(t, scripted(answers{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := p.Preview(ctx, collapsed)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindCanceled))
	assert.False(t, got.Success)
}
