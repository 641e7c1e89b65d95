package lexicon

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lower-cases s, strips combining diacritics, folds final
// sigma, and trims surrounding space. "ΧΘΈΣ", "χθές" and "χθες" all
// normalize to the same string.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.TrimSpace(foldSigma(strings.ToLower(folded)))
}

// foldSigma maps final sigma to σ. strings.ToLower turns Σ into σ
// regardless of position, so keywords and utterances both use σ.
func foldSigma(s string) string {
	return strings.ReplaceAll(s, "ς", "σ")
}

// Tokenize normalizes s, splits it on anything that is not a letter or
// digit, and keeps tokens of at least lx.MinTokenLen runes that are not
// stop words. Order of first appearance is preserved and duplicates
// are dropped.
func (lx *Lexicon) Tokenize(s string) []string {
	fields := strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < lx.MinTokenLen || seen[f] || lx.IsStopWord(f) {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}
