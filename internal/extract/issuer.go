package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/toricodesthings/quote-analysis-service/internal/types"
)

var (
	recipientLabelRe = regexp.MustCompile(`(?im)^[\s>*#|_-]*(?:client|destinataire|recipient|ma[iî]tre d['’]ouvrage|[àa] l['’]attention de)\s*:\s*(.+)$`)
	issuerLabelRe    = regexp.MustCompile(`(?im)^[\s>*#|_-]*(?:[ée]metteur|entreprise|prestataire|issuer|soci[ée]t[ée])\s*:\s*(.+)$`)
	siretRe          = regexp.MustCompile(`(?i)\bsiret\b`)
	anyLabelRe       = regexp.MustCompile(`^[\p{L} '’.]{1,30}:`)
	hasDigitRe       = regexp.MustCompile(`\d`)
	nameCutRe        = regexp.MustCompile(`\s{2,}|\t|,|\s[|–-]\s`)
)

// RecipientLabel returns the name following a recipient label such as
// "Client :" or "Destinataire :", or "".
func RecipientLabel(text string) string {
	m := recipientLabelRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return cleanName(m[1])
}

// IssuerCandidate finds the sender named in text: an explicit issuer label
// first, then the name attached to the SIRET number. Names equal to exclude
// are skipped.
func IssuerCandidate(text, exclude string) string {
	for _, m := range issuerLabelRe.FindAllStringSubmatch(text, -1) {
		if n := cleanName(m[1]); n != "" && !sameName(n, exclude) {
			return n
		}
	}

	lines := strings.Split(text, "\n")
	for i, ln := range lines {
		loc := siretRe.FindStringIndex(ln)
		if loc == nil {
			continue
		}
		if n := cleanName(ln[:loc[0]]); n != "" && !hasDigitRe.MatchString(n) && !sameName(n, exclude) {
			return n
		}
		// name usually sits a few lines above, over the address
		for j := i - 1; j >= 0 && j >= i-4; j-- {
			cand := strings.TrimSpace(lines[j])
			if cand == "" || hasDigitRe.MatchString(cand) || anyLabelRe.MatchString(cand) {
				continue
			}
			if n := cleanName(cand); n != "" && !sameName(n, exclude) {
				return n
			}
		}
	}
	return ""
}

// EnforceIssuer makes sure the issuer is never the addressee. When the text
// labels a recipient and the model put that name in issuer_name, the label
// becomes recipient_name and the issuer is re-derived from the text. If the
// text names no sender, the model's recipient_name is taken as the swapped
// issuer, else the issuer is blanked. Reports whether rec changed.
func EnforceIssuer(rec types.ExtractedRecord, text string) (types.ExtractedRecord, bool) {
	recipient := RecipientLabel(text)
	if recipient == "" || rec.IssuerName == "" {
		return rec, false
	}

	switch {
	case sameName(rec.IssuerName, recipient):
		// the label wins over whatever the model put in recipient_name
		swapped := rec.RecipientName
		rec.RecipientName = recipient
		rec.IssuerName = IssuerCandidate(text, recipient)
		if rec.IssuerName == "" && !sameName(swapped, recipient) {
			rec.IssuerName = swapped
		}
		return rec, true
	case sameName(rec.IssuerName, rec.RecipientName):
		rec.RecipientName = recipient
		return rec, true
	}
	return rec, false
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	if loc := nameCutRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune("-–:|*#_>", r)
	})
	return s
}

func sameName(a, b string) bool {
	na, nb := foldName(a), foldName(b)
	return na != "" && na == nb
}

func foldName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
