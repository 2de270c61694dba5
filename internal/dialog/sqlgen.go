package dialog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tablesage/tablesage/internal/sanitize"
)

// extractSQL pulls the statement out of a model response. Models are told
// not to fence their output but do it anyway often enough to handle here.
func extractSQL(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "sql")
		s = strings.TrimPrefix(s, "SQL")
		if i := strings.Index(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}

// validateStatement checks a generated statement before anything executes:
// exactly one statement, read-only SELECT shape, only allowed tables.
func validateStatement(sqlText string, allowed []string) error {
	if sqlText == "" {
		return errors.New("the model returned no SQL statement")
	}
	if !sanitize.IsSQLShaped(sqlText) {
		return errors.New("the response is not a SQL statement")
	}
	tokens, err := sanitize.TokenizeSQL(sqlText)
	if err != nil {
		return fmt.Errorf("statement does not tokenize: %w", err)
	}
	for _, tok := range tokens {
		if tok.Kind == sanitize.TokenOperator && tok.Text == ";" {
			return errors.New("multiple statements are not allowed")
		}
	}
	if lead := leadKeyword(tokens); lead != "select" && lead != "with" {
		return fmt.Errorf("only SELECT statements are allowed, got %s", strings.ToUpper(lead))
	}
	// CTE names read like tables in later FROM clauses, so they join the
	// allowed set for this statement only.
	return sanitize.CheckStatement(sqlText, append(cteNames(tokens), allowed...))
}

// cteNames collects common table expression names: an identifier followed
// by AS and an opening parenthesis. Column aliases never precede a
// parenthesis, so the shape is unambiguous.
func cteNames(tokens []sanitize.Token) []string {
	var names []string
	for i := 0; i+2 < len(tokens); i++ {
		if tokens[i].Kind == sanitize.TokenIdentifier &&
			tokens[i+1].Kind == sanitize.TokenKeyword && strings.EqualFold(tokens[i+1].Text, "as") &&
			tokens[i+2].Kind == sanitize.TokenOperator && tokens[i+2].Text == "(" {
			names = append(names, tokens[i].Text)
		}
	}
	return names
}

func leadKeyword(tokens []sanitize.Token) string {
	for _, tok := range tokens {
		switch tok.Kind {
		case sanitize.TokenComment:
			continue
		case sanitize.TokenOperator:
			if tok.Text == "(" {
				continue
			}
			return tok.Text
		case sanitize.TokenKeyword:
			return strings.ToLower(tok.Text)
		default:
			return tok.Text
		}
	}
	return ""
}
