// Package stem reduces transcript text to Porter stems for word search.
package stem

import (
	"strings"
	"sync"
	"unicode"

	"github.com/reiver/go-porterstemmer"
)

var builders = sync.Pool{
	New: func() any {
		return &strings.Builder{}
	},
}

// Line stems every word of value, dropping surrounding punctuation, and joins
// the stems with single spaces.
func Line(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}

	b := builders.Get().(*strings.Builder)
	b.Reset()
	b.Grow(len(value))

	first := true
	for _, f := range fields {
		word := strings.TrimFunc(f, trimPunctuation)
		if word == "" {
			continue
		}
		if !first {
			b.WriteByte(' ')
		}
		b.WriteString(porterstemmer.StemString(word))
		first = false
	}

	s := b.String()
	builders.Put(b)
	return s
}

// Words returns the distinct stems of a search query in order of appearance.
func Words(query string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(Line(query)) {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func trimPunctuation(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}
