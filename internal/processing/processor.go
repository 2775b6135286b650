package processing

import (
	"crypto/sha1"
	"encoding/hex"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode"
)

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

var (
	whitespace  = regexp.MustCompile(`\s+`)
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	zipRegex    = regexp.MustCompile(`\b(\d{3})\d{2}(?:-\d{4})?\b`)
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "to": {}, "in": {}, "for": {},
	"of": {}, "on": {}, "and": {}, "with": {}, "by": {}, "at": {},
}

// categoryDictionary maps product keywords to the vertical used for weight
// profile selection.
var categoryDictionary = map[string]string{
	"refrigerator": "appliances",
	"fridge":       "appliances",
	"washer":       "appliances",
	"dryer":        "appliances",
	"dishwasher":   "appliances",
	"oven":         "appliances",
	"phone":        "electronics",
	"smartphone":   "electronics",
	"laptop":       "electronics",
	"tablet":       "electronics",
	"tv":           "electronics",
	"television":   "electronics",
	"headphones":   "electronics",
	"stroller":     "children",
	"crib":         "children",
	"toy":          "children",
	"mower":        "tools",
	"drill":        "tools",
	"saw":          "tools",
	"mattress":     "home",
	"sofa":         "home",
}

// ParsedQuery is a free-text query decomposed into provider API parameters.
type ParsedQuery struct {
	Company  string
	Category string
	Terms    []string
}

// ParseQuery splits a free-text query into a company name (runs of capitalized
// words), a product category (keyword dictionary), and the remaining terms.
func ParseQuery(query string) ParsedQuery {
	var parsed ParsedQuery

	clean := whitespace.ReplaceAllString(strings.TrimSpace(query), " ")
	if clean == "" {
		return parsed
	}

	var companyRun []string
	for _, token := range strings.Fields(clean) {
		word := strings.TrimFunc(token, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if word == "" {
			continue
		}

		lower := strings.ToLower(word)
		if category, ok := categoryDictionary[lower]; ok {
			if parsed.Category == "" {
				parsed.Category = category
			}
			parsed.Terms = append(parsed.Terms, lower)
			continue
		}

		if isCapitalized(word) {
			companyRun = append(companyRun, word)
			continue
		}
		if len(companyRun) > 0 && parsed.Company == "" {
			parsed.Company = strings.Join(companyRun, " ")
		}
		companyRun = nil

		if _, skip := stopwords[lower]; skip {
			continue
		}
		parsed.Terms = append(parsed.Terms, lower)
	}

	if len(companyRun) > 0 && parsed.Company == "" {
		parsed.Company = strings.Join(companyRun, " ")
	}
	return parsed
}

func isCapitalized(word string) bool {
	runes := []rune(word)
	return unicode.IsUpper(runes[0])
}

// RemoveURLs removes all URLs from the input text.
func RemoveURLs(input string) string {
	return urlRegex.ReplaceAllString(input, " ")
}

// CleanText strips HTML entities, punctuation, squeezes whitespace, and
// removes URLs.
func CleanText(input string) string {
	if input == "" {
		return ""
	}
	decoded := html.UnescapeString(input)
	decoded = RemoveURLs(decoded)
	decoded = punctuation.ReplaceAllString(decoded, " ")
	decoded = whitespace.ReplaceAllString(decoded, " ")
	return strings.TrimSpace(decoded)
}

// Truncate bounds free text to maxRunes before it leaves a connector.
func Truncate(input string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(input)
	if len(runes) <= maxRunes {
		return input
	}
	return strings.TrimSpace(string(runes[:maxRunes])) + "…"
}

// MaskPostalCodes partially masks ZIP-like tokens, keeping the leading three
// digits so regional aggregation still works.
func MaskPostalCodes(input string) string {
	return zipRegex.ReplaceAllString(input, "$1**")
}

// Redact applies the standard privacy pass to connector free text: bounded
// length plus postal-code masking.
func Redact(input string, maxRunes int) string {
	return MaskPostalCodes(Truncate(input, maxRunes))
}

// BuildEventID hashes the stable identifying fields of a provider record into
// a deterministic id, so re-ingesting the same record dedupes cleanly.
func BuildEventID(source, ref, title string, ts time.Time) string {
	s := sha1.Sum([]byte(source + "|" + ref + "|" + title + "|" + ts.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(s[:])
}
