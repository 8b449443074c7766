package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/toricodesthings/quote-analysis-service/internal/apperr"
	"github.com/toricodesthings/quote-analysis-service/internal/types"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// StripFences returns the JSON object embedded in model output, dropping
// markdown fences and surrounding prose.
func StripFences(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// Parse turns raw model output into an ExtractedRecord. Returned errors are
// apperr parse errors; the caller degrades to types.EmptyRecord.
func Parse(raw string) (types.ExtractedRecord, error) {
	body, ok := StripFences(raw)
	if !ok {
		return types.EmptyRecord(), apperr.Parse("no JSON object in model output")
	}

	var decoded any
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return types.EmptyRecord(), apperr.Parse("invalid JSON in model output").WithCause(err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return types.EmptyRecord(), apperr.Parse("model output is not a JSON object")
	}

	canon := Canonicalize(obj)
	if err := Validate(canon); err != nil {
		return types.EmptyRecord(), apperr.Parse("model output failed validation").WithCause(err)
	}

	b, err := json.Marshal(canon)
	if err != nil {
		return types.EmptyRecord(), apperr.Parse("re-encode record").WithCause(err)
	}
	var rec types.ExtractedRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return types.EmptyRecord(), apperr.Parse("decode record").WithCause(err)
	}
	rec.Normalize()
	return rec, nil
}

var topAliases = map[string]string{
	"emetteur":             "issuer_name",
	"emetteur_nom":         "issuer_name",
	"entreprise":           "issuer_name",
	"entreprise_nom":       "issuer_name",
	"nom_entreprise":       "issuer_name",
	"artisan":              "issuer_name",
	"issuer":               "issuer_name",
	"siret":                "issuer_siret",
	"entreprise_siret":     "issuer_siret",
	"telephone":            "issuer_phone",
	"entreprise_telephone": "issuer_phone",
	"phone":                "issuer_phone",
	"email":                "issuer_email",
	"entreprise_email":     "issuer_email",
	"client":               "recipient_name",
	"client_nom":           "recipient_name",
	"destinataire":         "recipient_name",
	"recipient":            "recipient_name",
	"type":                 "document_type",
	"type_document":        "document_type",
	"numero":               "document_number",
	"numero_devis":         "document_number",
	"numero_facture":       "document_number",
	"date":                 "document_date",
	"date_devis":           "document_date",
	"date_facture":         "document_date",
	"description_travaux":  "work_description",
	"description":          "work_description",
	"lignes":               "line_items",
	"prestations":          "line_items",
	"items":                "line_items",
	"montant_ht":           "total_excl_tax",
	"total_ht":             "total_excl_tax",
	"taux_tva":             "tax_rate",
	"tva_taux":             "tax_rate",
	"montant_tva":          "tax_amount",
	"tva":                  "tax_amount",
	"montant_ttc":          "total_incl_tax",
	"total_ttc":            "total_incl_tax",
	"acompte":              "deposit_amount",
	"mentions_presentes":   "mentions_present",
	"mentions_manquantes":  "mentions_missing",
}

var itemAliases = map[string]string{
	"libelle":          "designation",
	"description":      "designation",
	"prestation":       "designation",
	"quantite":         "quantity",
	"qte":              "quantity",
	"qty":              "quantity",
	"unite":            "unit",
	"prix_unitaire":    "unit_price_excl_tax",
	"prix_unitaire_ht": "unit_price_excl_tax",
	"pu_ht":            "unit_price_excl_tax",
	"unit_price":       "unit_price_excl_tax",
	"total_ht":         "total_excl_tax",
	"montant_ht":       "total_excl_tax",
	"total":            "total_excl_tax",
}

var numberKeys = map[string]bool{
	"total_excl_tax": true, "tax_rate": true, "tax_amount": true,
	"total_incl_tax": true, "deposit_amount": true,
}

var itemNumberKeys = map[string]bool{
	"quantity": true, "unit_price_excl_tax": true, "total_excl_tax": true,
}

var itemKeys = []string{"designation", "quantity", "unit", "unit_price_excl_tax", "total_excl_tax"}

// Canonicalize maps a loosely shaped model object onto the exact record
// shape: aliases renamed, unknown keys dropped, missing keys filled, money
// strings coerced to numbers.
func Canonicalize(in map[string]any) map[string]any {
	src := renameKeys(in, topAliases)
	out := make(map[string]any, len(types.ExtractedKeys))

	for _, k := range types.ExtractedKeys {
		v := src[k]
		switch {
		case k == "line_items":
			out[k] = canonicalItems(v)
		case k == "mentions_present" || k == "mentions_missing":
			out[k] = toStringList(v)
		case k == "document_type":
			out[k] = DocumentType(toString(v))
		case numberKeys[k]:
			out[k] = toNumber(v)
		default:
			out[k] = toString(v)
		}
	}
	return out
}

func canonicalItems(v any) []any {
	list, _ := v.([]any)
	out := make([]any, 0, len(list))
	for _, raw := range list {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		src := renameKeys(obj, itemAliases)
		item := make(map[string]any, len(itemKeys))
		for _, k := range itemKeys {
			if itemNumberKeys[k] {
				item[k] = toNumber(src[k])
			} else {
				item[k] = toString(src[k])
			}
		}
		out = append(out, item)
	}
	return out
}

// renameKeys lower-cases keys and applies aliases; a canonical key already
// present wins over its alias.
func renameKeys(in map[string]any, aliases map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		lk := strings.ToLower(strings.TrimSpace(k))
		if canon, ok := aliases[lk]; ok {
			if _, exists := in[canon]; exists {
				continue
			}
			lk = canon
		}
		if prev, exists := out[lk]; exists && prev != nil {
			continue
		}
		out[lk] = v
	}
	return out
}

// DocumentType maps free-form labels to quote, invoice or other.
func DocumentType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == types.DocumentQuote || strings.Contains(s, "devis") || strings.Contains(s, "estimate"):
		return types.DocumentQuote
	case s == types.DocumentInvoice || strings.Contains(s, "facture") || strings.Contains(s, "invoice"):
		return types.DocumentInvoice
	default:
		return types.DocumentOther
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func toStringList(v any) []any {
	switch t := v.(type) {
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			if s := toString(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		out := []any{}
		for _, part := range strings.Split(t, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return []any{}
	}
}

func toNumber(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		f, _ = ParseAmount(t)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

var amountNoise = strings.NewReplacer(
	"€", "", "EUR", "", "eur", "", "%", "", "HT", "", "TTC", "",
	" ", "", "\u00a0", "", "\u202f", "", "\t", "",
)

// ParseAmount reads French and English money notations: "1 800,00 €",
// "1.800,00", "1,800.00", "20 %".
func ParseAmount(s string) (float64, error) {
	s = amountNoise.Replace(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || len(s)-lastDot-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	return strconv.ParseFloat(s, 64)
}
