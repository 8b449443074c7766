package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Audience selects the analysis profile used for a document.
type Audience int

const (
	AudienceConsumer Audience = iota + 1
	AudienceProfessional
)

func (a Audience) String() string {
	switch a {
	case AudienceConsumer:
		return "consumer"
	case AudienceProfessional:
		return "professional"
	default:
		return fmt.Sprintf("audience(%d)", int(a))
	}
}

func (a Audience) Valid() bool {
	return a == AudienceConsumer || a == AudienceProfessional
}

// ParseAudience maps a route segment or CLI flag to an Audience.
func ParseAudience(s string) (Audience, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "consumer", "client", "particulier":
		return AudienceConsumer, nil
	case "professional", "pro", "syndic":
		return AudienceProfessional, nil
	}
	return 0, fmt.Errorf("unknown audience %q", s)
}

// SourceDocument is the immutable input to a pipeline run.
type SourceDocument struct {
	RawText  string
	Filename string
	Audience Audience
}

type AnalysisReport struct {
	Markdown string
}

type LineItem struct {
	Designation      string  `json:"designation"`
	Quantity         float64 `json:"quantity"`
	Unit             string  `json:"unit"`
	UnitPriceExclTax float64 `json:"unit_price_excl_tax"`
	TotalExclTax     float64 `json:"total_excl_tax"`
}

const (
	DocumentQuote   = "quote"
	DocumentInvoice = "invoice"
	DocumentOther   = "other"
)

// ExtractedRecord holds the fields pulled out of a quote or invoice.
// Every key is always serialised; slices are never nil after Normalize.
type ExtractedRecord struct {
	IssuerName      string     `json:"issuer_name"`
	IssuerSiret     string     `json:"issuer_siret"`
	IssuerPhone     string     `json:"issuer_phone"`
	IssuerEmail     string     `json:"issuer_email"`
	RecipientName   string     `json:"recipient_name"`
	DocumentType    string     `json:"document_type"`
	DocumentNumber  string     `json:"document_number"`
	DocumentDate    string     `json:"document_date"`
	WorkDescription string     `json:"work_description"`
	LineItems       []LineItem `json:"line_items"`
	TotalExclTax    float64    `json:"total_excl_tax"`
	TaxRate         float64    `json:"tax_rate"`
	TaxAmount       float64    `json:"tax_amount"`
	TotalInclTax    float64    `json:"total_incl_tax"`
	DepositAmount   float64    `json:"deposit_amount"`
	MentionsPresent []string   `json:"mentions_present"`
	MentionsMissing []string   `json:"mentions_missing"`
}

// EmptyRecord is the degraded extraction value.
func EmptyRecord() ExtractedRecord {
	return ExtractedRecord{
		DocumentType:    DocumentOther,
		LineItems:       []LineItem{},
		MentionsPresent: []string{},
		MentionsMissing: []string{},
	}
}

// Normalize fixes nil slices and unknown document types in place.
func (r *ExtractedRecord) Normalize() {
	if r.LineItems == nil {
		r.LineItems = []LineItem{}
	}
	if r.MentionsPresent == nil {
		r.MentionsPresent = []string{}
	}
	if r.MentionsMissing == nil {
		r.MentionsMissing = []string{}
	}
	switch r.DocumentType {
	case DocumentQuote, DocumentInvoice, DocumentOther:
	default:
		r.DocumentType = DocumentOther
	}
}

func (r ExtractedRecord) MarshalJSON() ([]byte, error) {
	type plain ExtractedRecord
	r.Normalize()
	return json.Marshal(plain(r))
}

// ExtractedKeys lists every top-level key of a serialised ExtractedRecord.
var ExtractedKeys = []string{
	"issuer_name", "issuer_siret", "issuer_phone", "issuer_email",
	"recipient_name", "document_type", "document_number", "document_date",
	"work_description", "line_items", "total_excl_tax", "tax_rate",
	"tax_amount", "total_incl_tax", "deposit_amount",
	"mentions_present", "mentions_missing",
}

// ExtractionStatus reports how the structured extraction branch ended.
type ExtractionStatus string

const (
	ExtractionOK          ExtractionStatus = "ok"
	ExtractionEmpty       ExtractionStatus = "empty"
	ExtractionParseFailed ExtractionStatus = "parse_failed"
	ExtractionUnavailable ExtractionStatus = "unavailable"
)

type PipelineResult struct {
	Analysis         AnalysisReport
	Extracted        ExtractedRecord
	WasRestructured  bool
	ModelUsed        string
	TokenUsage       int
	ExtractionStatus ExtractionStatus
	Rule             string
}

// ---------- HTTP ----------

type AnalyzeRequest struct {
	Content  string `json:"content"`
	Filename string `json:"filename,omitempty"`
}

type AnalyzeResponse struct {
	Success          bool             `json:"success"`
	Analysis         string           `json:"analysis"`
	Extracted        ExtractedRecord  `json:"extracted"`
	Preprocessed     bool             `json:"preprocessed"`
	Model            string           `json:"model"`
	Tokens           int              `json:"tokens"`
	ExtractionStatus ExtractionStatus `json:"extraction_status"`
}

type PreviewRequest struct {
	Content string `json:"content"`
}

type PreviewResult struct {
	Success            bool    `json:"success"`
	NeedsRestructuring bool    `json:"needsRestructuring"`
	Rule               string  `json:"rule"`
	Quality            string  `json:"quality"`
	AmountCount        int     `json:"amountCount"`
	LineCount          int     `json:"lineCount"`
	AvgLineLength      float64 `json:"avgLineLength"`
	HasHeaderKeywords  bool    `json:"hasHeaderKeywords"`
	CharCount          int     `json:"charCount"`
}

// ---------- Price reference ----------

type PriceItem struct {
	Label        string  `yaml:"label"`
	Unit         string  `yaml:"unit"`
	Low          float64 `yaml:"low"`
	High         float64 `yaml:"high"`
	Professional bool    `yaml:"professional"`
}

type PriceCategory struct {
	Name         string      `yaml:"name"`
	Professional bool        `yaml:"professional"`
	Items        []PriceItem `yaml:"items"`
}

// PriceCatalogue holds indicative market prices, excl. tax.
type PriceCatalogue struct {
	Year               string          `yaml:"year"`
	AlertOverMarketPct int             `yaml:"alert_over_market_pct"`
	Categories         []PriceCategory `yaml:"categories"`
}
