package sanitize

import (
	"regexp"
	"sort"
)

// DictionaryDetector matches a configured list of personal names. Latin names
// match case-insensitively on word boundaries; names containing other scripts
// match as literal substrings, which is how CJK names appear in running text.
type DictionaryDetector struct {
	patterns []*regexp.Regexp
}

// NewDictionaryDetector compiles the name list. Longer names are matched
// first so "欧阳明" wins over a configured "欧阳".
func NewDictionaryDetector(names []string) *DictionaryDetector {
	sorted := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			sorted = append(sorted, n)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	d := &DictionaryDetector{}
	for _, name := range sorted {
		if isASCIILetters(name) {
			d.patterns = append(d.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(name)+`\b`))
		} else {
			d.patterns = append(d.patterns, regexp.MustCompile(regexp.QuoteMeta(name)))
		}
	}
	return d
}

// Detect returns the spans of dictionary names in text. Overlapping matches
// from shorter names are dropped in favor of the longer name that claimed
// the region first.
func (d *DictionaryDetector) Detect(text string) []Span {
	var spans []Span
	overlaps := func(start, end int) bool {
		for _, sp := range spans {
			if start < sp.End && end > sp.Start {
				return true
			}
		}
		return false
	}
	for _, re := range d.patterns {
		for _, m := range re.FindAllStringIndex(text, -1) {
			if !overlaps(m[0], m[1]) {
				spans = append(spans, Span{Start: m[0], End: m[1], Category: CategoryName})
			}
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

func isASCIILetters(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' {
			continue
		}
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return len(s) > 0
}

var _ NameDetector = (*DictionaryDetector)(nil)
