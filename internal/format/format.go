package format

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/toricodesthings/quote-analysis-service/internal/types"
)

// DefaultVATRate converts the HT catalogue into consumer-facing TTC figures.
const DefaultVATRate = 0.20

// PriceReference renders the catalogue as a compact list for prompts.
// Consumer prices are shown TTC and skip professional-only entries.
func PriceReference(cat types.PriceCatalogue, audience types.Audience) string {
	pro := audience == types.AudienceProfessional
	suffix := "HT"
	factor := 1.0
	if !pro {
		suffix = "TTC"
		factor = 1 + DefaultVATRate
	}

	var b strings.Builder
	for _, c := range cat.Categories {
		if c.Professional && !pro {
			continue
		}
		items := make([]string, 0, len(c.Items))
		for _, it := range c.Items {
			if it.Professional && !pro {
				continue
			}
			unit := ""
			if it.Unit != "" {
				unit = "/" + it.Unit
			}
			items = append(items, fmt.Sprintf("%s %s-%s€ %s%s",
				it.Label, Number(it.Low*factor), Number(it.High*factor), suffix, unit))
		}
		if len(items) == 0 {
			continue
		}
		b.WriteString(strings.ToUpper(c.Name))
		b.WriteString(" : ")
		b.WriteString(strings.Join(items, ", "))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// Document frames the document text for the model, naming the file when
// one was given.
func Document(intro, filename, text string) string {
	filename = strings.TrimSpace(filename)
	if filename != "" {
		intro = strings.Replace(intro, "{file}", fmt.Sprintf(" %q", filename), 1)
	} else {
		intro = strings.Replace(intro, "{file}", "", 1)
	}
	return intro + "\n\n" + text
}

// Number prints a value the French way without trailing zeros: 1500 ->
// "1500", 0.1 -> "0,1", 19.99 -> "19,99".
func Number(f float64) string {
	f = math.Round(f*100) / 100
	s := strconv.FormatFloat(f, 'f', -1, 64)
	return strings.Replace(s, ".", ",", 1)
}

// Money prints an amount as "1 800,00 €".
func Money(f float64) string {
	neg := f < 0
	cents := int64(math.Round(math.Abs(f) * 100))
	whole := strconv.FormatInt(cents/100, 10)

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteRune(' ')
		}
		b.WriteRune(r)
	}
	out := fmt.Sprintf("%s,%02d €", b.String(), cents%100)
	if neg {
		out = "-" + out
	}
	return out
}
