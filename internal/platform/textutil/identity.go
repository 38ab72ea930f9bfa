package textutil

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	strictPolicy = bluemonday.StrictPolicy()
	foldCaser    = cases.Fold()
)

// SanitizeText strips markup, applies NFKC and collapses runs of whitespace.
// It returns an empty string when nothing printable remains.
func SanitizeText(value string) string {
	cleaned := strictPolicy.Sanitize(value)
	cleaned = unescapeBasicEntities(cleaned)
	cleaned = norm.NFKC.String(cleaned)
	return strings.Join(strings.Fields(cleaned), " ")
}

// NormalizeName canonicalises a customer name for equality comparisons.
func NormalizeName(value string) string {
	return SanitizeText(value)
}

// NormalizeAddress canonicalises a delivery address for equality comparisons.
func NormalizeAddress(value string) string {
	return SanitizeText(value)
}

// NormalizePhone keeps digits only, after NFKC so full-width digits survive.
func NormalizePhone(value string) string {
	value = norm.NFKC.String(value)
	var b strings.Builder
	for _, r := range value {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FoldKey returns a case-folded form suitable for audit keys.
func FoldKey(value string) string {
	return foldCaser.String(value)
}

// OptionalText applies fn to a non-nil value and returns nil when the result is empty.
func OptionalText(value *string, fn func(string) string) *string {
	if value == nil {
		return nil
	}
	normalized := fn(*value)
	if normalized == "" {
		return nil
	}
	return &normalized
}

// bluemonday escapes the characters it leaves behind; identity values are stored as text.
func unescapeBasicEntities(value string) string {
	if !strings.Contains(value, "&") {
		return value
	}
	return entityReplacer.Replace(value)
}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&#34;", `"`,
	"&#39;", "'",
	"&quot;", `"`,
)
