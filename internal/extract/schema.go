package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/toricodesthings/quote-analysis-service/internal/types"
)

func stringProp() map[string]any { return map[string]any{"type": "string"} }
func numberProp() map[string]any { return map[string]any{"type": "number", "minimum": 0} }
func stringArray() map[string]any {
	return map[string]any{"type": "array", "items": stringProp()}
}

// RecordSchema is the JSON schema of a serialised ExtractedRecord.
func RecordSchema() map[string]any {
	item := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"designation":         stringProp(),
			"quantity":            numberProp(),
			"unit":                stringProp(),
			"unit_price_excl_tax": numberProp(),
			"total_excl_tax":      numberProp(),
		},
		"required":             []string{"designation", "quantity", "unit", "unit_price_excl_tax", "total_excl_tax"},
		"additionalProperties": false,
	}

	props := map[string]any{
		"issuer_name":      stringProp(),
		"issuer_siret":     stringProp(),
		"issuer_phone":     stringProp(),
		"issuer_email":     stringProp(),
		"recipient_name":   stringProp(),
		"document_type":    map[string]any{"type": "string", "enum": []string{types.DocumentQuote, types.DocumentInvoice, types.DocumentOther}},
		"document_number":  stringProp(),
		"document_date":    stringProp(),
		"work_description": stringProp(),
		"line_items":       map[string]any{"type": "array", "items": item},
		"total_excl_tax":   numberProp(),
		"tax_rate":         map[string]any{"type": "number", "minimum": 0, "maximum": 100},
		"tax_amount":       numberProp(),
		"total_incl_tax":   numberProp(),
		"deposit_amount":   numberProp(),
		"mentions_present": stringArray(),
		"mentions_missing": stringArray(),
	}

	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           props,
		"required":             types.ExtractedKeys,
		"additionalProperties": false,
	}
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func recordSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		b, err := json.Marshal(RecordSchema())
		if err != nil {
			compileErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("record.json", bytes.NewReader(b)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile("record.json")
	})
	return compiled, compileErr
}

// Validate checks a decoded JSON value against RecordSchema.
func Validate(v any) error {
	s, err := recordSchema()
	if err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("record does not match schema: %w", err)
	}
	return nil
}
