package dialog

import (
	"sort"
	"strings"

	"github.com/tablesage/tablesage/internal/schema"
)

// scoredTable pairs a catalog table with its relevance to the conversation.
type scoredTable struct {
	table schema.TableMeta
	score float64
}

const (
	nameWeight    = 3.0
	synonymWeight = 2.0
	columnWeight  = 1.0

	// maxSelected caps how many tables one query may span.
	maxSelected = 3
)

// rankTables scores every catalog table against the conversation text and
// returns them best first. Ties break on name so the ordering is stable.
func rankTables(tables []schema.TableMeta, text string) []scoredTable {
	lower := strings.ToLower(text)
	scored := make([]scoredTable, 0, len(tables))
	for _, t := range tables {
		scored = append(scored, scoredTable{table: t, score: scoreTable(t, lower)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].table.Name < scored[j].table.Name
	})
	return scored
}

func scoreTable(t schema.TableMeta, lowerText string) float64 {
	var s float64
	if containsTerm(lowerText, t.Name) {
		s += nameWeight
	}
	for _, syn := range t.Synonyms {
		if containsTerm(lowerText, syn) {
			s += synonymWeight
		}
	}
	for _, col := range t.Columns {
		if containsTerm(lowerText, col.Name) {
			s += columnWeight
		}
	}
	return s
}

// containsTerm matches catalog terms against conversation text. ASCII terms
// need word boundaries so a column called "id" does not light up on every
// sentence containing "did"; CJK terms have no boundaries and match as
// substrings, which is what lets a synonym like this match a question
// written without spaces.
func containsTerm(lowerText, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return false
	}
	if isASCIIWord(term) {
		return containsWord(lowerText, term)
	}
	return strings.Contains(lowerText, term)
}

func isASCIIWord(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func containsWord(text, term string) bool {
	for from := 0; from+len(term) <= len(text); {
		i := strings.Index(text[from:], term)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(term)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func isWordByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// selectTables picks the tables a query needs from a ranked list. When the
// two leaders score within epsilon of each other the ranking cannot tell
// which one the user meant, and the near-tied names come back for a
// clarification round instead. Lower-scoring tables above half the leader
// ride along as join candidates.
func selectTables(scored []scoredTable, epsilon float64) (picked []schema.TableMeta, ambiguous []string) {
	if len(scored) == 0 || scored[0].score == 0 {
		return nil, nil
	}
	top := scored[0].score
	if len(scored) > 1 && scored[1].score > 0 && top-scored[1].score < epsilon*top {
		for _, st := range scored {
			if st.score > 0 && top-st.score < epsilon*top {
				ambiguous = append(ambiguous, st.table.Name)
			}
		}
		return nil, ambiguous
	}
	picked = append(picked, scored[0].table)
	for _, st := range scored[1:] {
		if len(picked) >= maxSelected {
			break
		}
		if st.score >= top/2 {
			picked = append(picked, st.table)
		}
	}
	return picked, nil
}

// matchOption resolves a clarification answer against the offered options.
// The answer may quote an option exactly or contain it; the longest
// contained option wins, so naming "orders_archive" never resolves to a
// shorter option it happens to contain.
func matchOption(answer string, options []string) string {
	lower := strings.ToLower(strings.TrimSpace(answer))
	if lower == "" {
		return ""
	}
	for _, opt := range options {
		if lower == strings.ToLower(opt) {
			return opt
		}
	}
	best := ""
	for _, opt := range options {
		if strings.Contains(lower, strings.ToLower(opt)) && len(opt) > len(best) {
			best = opt
		}
	}
	return best
}

func tableByName(tables []schema.TableMeta, name string) (schema.TableMeta, bool) {
	for _, t := range tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return schema.TableMeta{}, false
}
