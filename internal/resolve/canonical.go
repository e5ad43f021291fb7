package resolve

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Canonical returns the matching key for an entity name: NFKC-normalized,
// case-folded, with every run of characters other than letters, marks and
// numbers collapsed to a single '-' and no leading or trailing '-'.
//
//	Canonical("John Smith") == Canonical("john-smith") == "john-smith"
func Canonical(name string) string {
	folded := cases.Fold().String(norm.NFKC.String(name))
	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range folded {
		if unicode.In(r, unicode.L, unicode.M, unicode.N) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}
