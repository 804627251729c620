package contacts

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Unknown is the contact ID of records without a usable customer number.
const Unknown = "unknown"

// NormalizePhone canonicalizes a customer number for grouping.
//
// The number is NFKC-normalized first, which folds full-width digits and
// the full-width plus sign into ASCII. If what remains is made only of
// digits, '+' and common separators, the separators are removed and a
// single leading '+' is kept. Anything else, such as a SIP URI or a number
// with an extension suffix, is returned trimmed but otherwise verbatim.
// Returns "" when nothing is left.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(norm.NFKC.String(s))
	if s == "" || !dialable(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r == '+':
			if i == 0 {
				b.WriteRune(r)
			}
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}

	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}

// dialable reports whether s holds only digits, '+' and separators.
func dialable(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '+':
		case strings.ContainsRune(" -.()/\t", r):
		default:
			return false
		}
	}
	return true
}
