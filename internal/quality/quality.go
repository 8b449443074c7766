package quality

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMarker tags documents generated by our own quote builder; their
// layout is already clean.
const DefaultMarker = "[VITFIX-DEVIS-METADATA]"

// Rule names reported in Decision.Rule.
const (
	RuleMarker           = "marker"
	RuleCollapsedColumns = "collapsed_columns"
	RuleReadableTable    = "readable_table"
	RuleShortSnippet     = "short_snippet"
	RuleDefault          = "default"
)

// Rules holds every threshold used by Decide.
type Rules struct {
	Marker         string
	HeaderKeywords []string

	// collapsed columns: header keywords on very long lines
	LongLineAvg float64

	// readable table: many amounts on short lines
	TableMinAmounts int
	ShortLineAvg    float64
	TableMinLines   int

	// short snippet: small text that still carries an amount
	SnippetMaxLen     int
	SnippetMinAmounts int
	SnippetMinLines   int
}

func DefaultRules() Rules {
	return Rules{
		Marker: DefaultMarker,
		HeaderKeywords: []string{
			"unit price", "total excl. tax", "quantity",
			"prix unitaire", "total ht", "quantité", "montant ht", "p.u. ht",
		},
		LongLineAvg:       100,
		TableMinAmounts:   3,
		ShortLineAvg:      80,
		TableMinLines:     10,
		SnippetMaxLen:     500,
		SnippetMinAmounts: 1,
		SnippetMinLines:   3,
	}
}

// Signals are the layout measurements Decide bases its rules on.
type Signals struct {
	AmountCount       int
	LineCount         int
	AvgLineLength     float64
	HasHeaderKeywords bool
	CharCount         int
}

type Decision struct {
	NeedsRestructuring bool
	Rule               string
	Signals            Signals
}

// amountRe matches a euro amount with exactly two decimals, e.g. "1 800,00 €",
// "12.50€" or "45,00 EUR".
var amountRe = regexp.MustCompile(
	`(?i)(?:\d{1,3}(?:[ \x{00A0}\x{202F}.]\d{3})+|\d+)[.,]\d{2}[ \t\x{00A0}\x{202F}]*(?:€|eur\b)`)

// Measure computes the layout signals of text.
func Measure(text string, keywords []string) Signals {
	lines := splitLines(text)
	return Signals{
		AmountCount:       CountAmounts(text),
		LineCount:         len(lines),
		AvgLineLength:     avgLineLen(lines),
		HasHeaderKeywords: hasAnyKeyword(text, keywords),
		CharCount:         utf8.RuneCountInString(text),
	}
}

// Decide reports whether text needs restructuring before analysis. It is a
// pure function of its inputs; the first matching rule wins.
func Decide(text string, rules Rules) Decision {
	if rules.Marker != "" && strings.Contains(text, rules.Marker) {
		return Decision{NeedsRestructuring: false, Rule: RuleMarker}
	}

	s := Measure(text, rules.HeaderKeywords)
	d := Decision{Signals: s}

	switch {
	case s.HasHeaderKeywords && s.AvgLineLength > rules.LongLineAvg:
		d.NeedsRestructuring, d.Rule = true, RuleCollapsedColumns
	case s.AmountCount >= rules.TableMinAmounts && s.AvgLineLength < rules.ShortLineAvg && s.LineCount > rules.TableMinLines:
		d.NeedsRestructuring, d.Rule = false, RuleReadableTable
	case s.CharCount < rules.SnippetMaxLen && s.AmountCount >= rules.SnippetMinAmounts && s.LineCount > rules.SnippetMinLines:
		d.NeedsRestructuring, d.Rule = false, RuleShortSnippet
	default:
		d.NeedsRestructuring, d.Rule = true, RuleDefault
	}
	return d
}

// Grade levels returned by Grade.
const (
	GradeGood     = "good"
	GradeMediocre = "mediocre"
	GradePoor     = "poor"
)

var gradeKeywordRe = regexp.MustCompile(`(?i)siret|tva|\bht\b|ttc|devis|facture`)

// Grade gives a coarse readability verdict for extracted text, surfaced to
// callers deciding whether to ask the user for a better scan.
func Grade(text string, marker string) string {
	if marker != "" && strings.Contains(text, marker) {
		return GradeGood
	}
	amounts := CountAmounts(text)
	lines := splitLines(text)
	avg := 0.0
	if len(lines) > 0 {
		avg = float64(utf8.RuneCountInString(text)) / float64(len(lines))
	}
	kw := gradeKeywordRe.MatchString(text)

	switch {
	case amounts >= 3 && avg > 15 && kw:
		return GradeGood
	case amounts >= 1 || kw:
		return GradeMediocre
	default:
		return GradePoor
	}
}

func CountAmounts(s string) int {
	return len(amountRe.FindAllStringIndex(s, -1))
}

func hasAnyKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	raw := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, ln := range raw {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}

func avgLineLen(lines []string) float64 {
	if len(lines) == 0 {
		return 0
	}
	sum := 0
	for _, ln := range lines {
		sum += utf8.RuneCountInString(ln)
	}
	return float64(sum) / float64(len(lines))
}
