package dialog

import (
	"fmt"
	"strings"

	"github.com/tablesage/tablesage/internal/dbexec"
)

// resultSummary is the one-line execution summary attached to the reply.
func resultSummary(res *dbexec.Result) string {
	if res == nil {
		return ""
	}
	word := "rows"
	if len(res.Rows) == 1 {
		word = "row"
	}
	if res.Truncated {
		return fmt.Sprintf("%d %s returned (truncated)", len(res.Rows), word)
	}
	return fmt.Sprintf("%d %s returned", len(res.Rows), word)
}

// renderRowsForPrompt renders up to maxRows of the result as a compact
// table for the analysis prompt.
func renderRowsForPrompt(res *dbexec.Result, maxRows int) string {
	var b strings.Builder
	b.WriteString(strings.Join(res.Columns, " | "))
	b.WriteString("\n")
	rows := res.Rows
	clipped := 0
	if maxRows > 0 && len(rows) > maxRows {
		clipped = len(rows) - maxRows
		rows = rows[:maxRows]
	}
	for _, row := range rows {
		b.WriteString(strings.Join(row, " | "))
		b.WriteString("\n")
	}
	if clipped > 0 {
		fmt.Fprintf(&b, "... %d more rows omitted\n", clipped)
	}
	return b.String()
}

// ruleBasedAnalysis is the fallback when no local analyzer answers. It
// sticks to observations that are mechanically true of the result set.
func ruleBasedAnalysis(res *dbexec.Result) string {
	if res == nil || len(res.Rows) == 0 {
		return "The query returned no rows."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The query returned %d rows with columns %s.",
		len(res.Rows), strings.Join(res.Columns, ", "))
	first := res.Rows[0]
	if len(first) == len(res.Columns) {
		pairs := make([]string, 0, len(first))
		for i, col := range res.Columns {
			pairs = append(pairs, col+"="+first[i])
		}
		fmt.Fprintf(&b, " First row: %s.", strings.Join(pairs, ", "))
	}
	if res.Truncated {
		b.WriteString(" The result was cut off at the row cap.")
	}
	return b.String()
}
