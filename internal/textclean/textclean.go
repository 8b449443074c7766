package textclean

import (
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

var (
	zeroWidthChars    = regexp.MustCompile("[\u200B-\u200D\uFEFF\u00AD\u2060]")
	controlChars      = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	hyphenBreak       = regexp.MustCompile(`(\p{L})-\n(\p{Ll})`)
	excessiveNewlines = regexp.MustCompile(`\n{4,}`)
	trailingSpaces    = regexp.MustCompile(`(?m)[ \t]+$`)
	htmlMarkup        = regexp.MustCompile(`(?i)<\s*(?:html|body|table|tr|td|th|div|p|br|span)\b[^>]*>`)
)

// Cleaner normalises pasted or extracted document text before routing.
type Cleaner struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

func New() *Cleaner {
	return &Cleaner{
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Normalize strips invisible characters, normalises line endings and
// converts HTML input (forwarded quote e-mails) to markdown. Digits,
// identifiers and amounts are left untouched.
func (c *Cleaner) Normalize(text string) string {
	if text == "" {
		return ""
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	if LooksLikeHTML(text) {
		if md, err := c.htmlToMarkdown(text); err == nil && strings.TrimSpace(md) != "" {
			text = md
		}
	}

	text = zeroWidthChars.ReplaceAllString(text, "")
	text = controlChars.ReplaceAllString(text, "")
	text = hyphenBreak.ReplaceAllString(text, "$1$2")
	text = trailingSpaces.ReplaceAllString(text, "")
	text = excessiveNewlines.ReplaceAllString(text, "\n\n\n")

	return strings.TrimSpace(text)
}

func LooksLikeHTML(text string) bool {
	return htmlMarkup.MatchString(text)
}

func (c *Cleaner) htmlToMarkdown(html string) (string, error) {
	safe := c.policy.Sanitize(html)
	return c.md.ConvertString(safe)
}
