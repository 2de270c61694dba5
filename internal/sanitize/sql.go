package sanitize

import (
	"fmt"
	"strings"
)

// TokenKind classifies one token of a statement skeleton.
type TokenKind int

const (
	TokenKeyword TokenKind = iota
	TokenIdentifier
	TokenNumber
	TokenString
	TokenOperator
	TokenPlaceholder
	TokenComment
)

// Token is one classified piece of a SQL statement. Start and End are byte
// offsets into the original text; Text includes any quoting.
type Token struct {
	Kind  TokenKind
	Start int
	End   int
	Text  string
}

var sqlKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "and": true, "or": true,
	"not": true, "in": true, "like": true, "glob": true, "between": true,
	"is": true, "null": true, "as": true, "order": true, "by": true,
	"group": true, "having": true, "limit": true, "offset": true,
	"join": true, "inner": true, "left": true, "right": true, "full": true,
	"outer": true, "cross": true, "on": true, "using": true,
	"distinct": true, "all": true, "union": true, "intersect": true,
	"except": true, "exists": true, "case": true, "when": true,
	"then": true, "else": true, "end": true, "cast": true, "asc": true,
	"desc": true, "with": true, "recursive": true, "values": true,
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"coalesce": true, "ifnull": true, "nullif": true, "true": true,
	"false": true, "insert": true, "into": true, "update": true,
	"set": true, "delete": true, "create": true, "table": true,
	"drop": true, "alter": true, "replace": true, "truncate": true,
	"attach": true, "detach": true, "vacuum": true, "reindex": true,
	"pragma": true, "explain": true, "show": true, "describe": true,
	"collate": true, "escape": true, "current_date": true,
	"current_time": true, "current_timestamp": true,
}

// mutatingKeywords anywhere in a statement disqualify it from execution.
// FOR UPDATE row locking trips this too, which is acceptable for a
// read-only reporting surface.
var mutatingKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true, "drop": true,
	"create": true, "alter": true, "replace": true, "truncate": true,
	"attach": true, "detach": true, "vacuum": true, "reindex": true,
	"pragma": true, "grant": true, "revoke": true,
}

var sqlLeadKeywords = map[string]bool{
	"select": true, "with": true, "insert": true, "update": true,
	"delete": true, "explain": true, "show": true, "describe": true,
	"pragma": true,
}

// IsSQLShaped reports whether text begins with a SQL statement keyword.
// SQL-shaped text is held to the skeleton rules; everything else is treated
// as free text.
func IsSQLShaped(text string) bool {
	i := 0
	for i < len(text) && (text[i] == ' ' || text[i] == '\t' || text[i] == '\n' || text[i] == '\r' || text[i] == '(') {
		i++
	}
	j := i
	for j < len(text) && isIdentByte(text[j]) {
		j++
	}
	if j == i {
		return false
	}
	return sqlLeadKeywords[strings.ToLower(text[i:j])]
}

// TokenizeSQL splits a statement into skeleton tokens. It fails on anything
// it cannot positively classify: unterminated strings or comments, stray
// bytes outside literals, identifiers in scripts it does not recognize. A
// statement that tokenizes is structurally accounted for, which is what lets
// its numerals pass the redaction boundary.
func TokenizeSQL(sql string) ([]Token, error) {
	var tokens []Token
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(sql) - i
			}
			tokens = append(tokens, Token{TokenComment, i, i + end, sql[i : i+end]})
			i += end

		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated block comment at offset %d", i)
			}
			stop := i + 2 + end + 2
			tokens = append(tokens, Token{TokenComment, i, stop, sql[i:stop]})
			i = stop

		case c == '\'':
			stop, err := scanQuoted(sql, i, '\'')
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{TokenString, i, stop, sql[i:stop]})
			i = stop

		case c == '"' || c == '`':
			stop, err := scanQuoted(sql, i, c)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{TokenIdentifier, i, stop, sql[i:stop]})
			i = stop

		case c == '[':
			m := placeholderRe.FindStringIndex(sql[i:])
			if m == nil || m[0] != 0 {
				return nil, fmt.Errorf("unexpected character '[' at offset %d", i)
			}
			tokens = append(tokens, Token{TokenPlaceholder, i, i + m[1], sql[i : i+m[1]]})
			i += m[1]

		case c >= '0' && c <= '9':
			j := i
			for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
				j++
			}
			if j < len(sql) && sql[j] == '.' {
				j++
				for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
					j++
				}
			}
			if j < len(sql) && (sql[j] == 'e' || sql[j] == 'E') {
				k := j + 1
				if k < len(sql) && (sql[k] == '+' || sql[k] == '-') {
					k++
				}
				if k < len(sql) && sql[k] >= '0' && sql[k] <= '9' {
					for k < len(sql) && sql[k] >= '0' && sql[k] <= '9' {
						k++
					}
					j = k
				}
			}
			tokens = append(tokens, Token{TokenNumber, i, j, sql[i:j]})
			i = j

		case isIdentByte(c) || c == '_':
			j := i
			for j < len(sql) && (isIdentByte(sql[j]) || sql[j] == '_' || (sql[j] >= '0' && sql[j] <= '9') || sql[j] == '$') {
				j++
			}
			word := sql[i:j]
			kind := TokenIdentifier
			if sqlKeywords[strings.ToLower(word)] {
				kind = TokenKeyword
			}
			tokens = append(tokens, Token{kind, i, j, word})
			i = j

		default:
			if op, n := scanOperator(sql, i); n > 0 {
				tokens = append(tokens, Token{TokenOperator, i, i + n, op})
				i += n
			} else {
				return nil, fmt.Errorf("unexpected character %q at offset %d", rune(sql[i]), i)
			}
		}
	}
	return tokens, nil
}

func isIdentByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

// scanQuoted scans a quoted region starting at start, honoring doubled-quote
// escapes, and returns the offset past the closing quote.
func scanQuoted(sql string, start int, quote byte) (int, error) {
	i := start + 1
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, fmt.Errorf("unterminated %q at offset %d", rune(quote), start)
}

var twoByteOps = []string{"<=", ">=", "<>", "!=", "||"}

func scanOperator(sql string, i int) (string, int) {
	if i+1 < len(sql) {
		two := sql[i : i+2]
		for _, op := range twoByteOps {
			if two == op {
				return op, 2
			}
		}
	}
	switch sql[i] {
	case '(', ')', ',', ';', '.', '*', '=', '<', '>', '+', '-', '/', '%', '?':
		return string(sql[i]), 1
	}
	return "", 0
}

// sanitizeSQL redacts a statement that passed skeleton tokenization.
// Numerals and structure pass through untouched; string literal contents
// still go through the pattern categories, and comments are stripped
// entirely since they can carry anything.
func sanitizeSQL(sql string, rs *ruleSet) Report {
	tokens, err := TokenizeSQL(sql)
	if err != nil {
		return ambiguousReport(sql, "sql skeleton: "+err.Error())
	}
	var pending []pendingSpan
	for _, tok := range tokens {
		switch tok.Kind {
		case TokenComment:
			pending = append(pending, pendingSpan{
				span:    Span{Start: tok.Start, End: tok.End, Category: CategoryComment},
				replace: " ",
			})
		case TokenString:
			inner := sql[tok.Start+1 : tok.End-1]
			for _, p := range collectSpans(inner, rs, false) {
				p.span.Start += tok.Start + 1
				p.span.End += tok.Start + 1
				pending = append(pending, p)
			}
		case TokenNumber:
			// A numeral that reads as a phone number is a phone number,
			// skeleton or not.
			if rs.toggles.Phone && phoneFullRe.MatchString(tok.Text) {
				pending = append(pending, pendingSpan{
					span:  Span{Start: tok.Start, End: tok.End, Category: CategoryPhone},
					value: tok.Text,
				})
			}
		case TokenIdentifier:
			// Quoted identifiers can hold arbitrary text. Redacting one
			// would break the statement, so PII there fails the payload.
			if tok.Text[0] == '"' || tok.Text[0] == '`' {
				inner := tok.Text[1 : len(tok.Text)-1]
				if (rs.toggles.Email && emailRe.MatchString(inner)) ||
					(rs.toggles.Phone && phoneRe.MatchString(inner)) {
					return ambiguousReport(sql, "quoted identifier carries contact data")
				}
			}
		}
	}
	return buildReport(sql, pending)
}

// CheckStatement validates SQL for execution: it must tokenize as a
// skeleton, carry no mutating keywords, and reference only allowed tables.
// A nil allowedTables skips the table check.
func CheckStatement(sql string, allowedTables []string) error {
	tokens, err := TokenizeSQL(sql)
	if err != nil {
		return err
	}
	for _, tok := range tokens {
		if tok.Kind == TokenKeyword && mutatingKeywords[strings.ToLower(tok.Text)] {
			return fmt.Errorf("statement is not read-only: contains %s", strings.ToUpper(tok.Text))
		}
	}
	if allowedTables == nil {
		return nil
	}
	allowed := make(map[string]bool, len(allowedTables))
	for _, t := range allowedTables {
		allowed[strings.ToLower(t)] = true
	}
	refs := tablesFromTokens(tokens)
	for _, ref := range refs {
		if !allowed[ref] {
			return fmt.Errorf("statement references table %q outside the selected set", ref)
		}
	}
	if len(refs) == 0 {
		return fmt.Errorf("statement references no tables")
	}
	return nil
}

// StatementTables returns the lowercased table names referenced in FROM and
// JOIN clauses. Subqueries are walked too since their FROM keywords appear
// in the same token stream.
func StatementTables(sql string) ([]string, error) {
	tokens, err := TokenizeSQL(sql)
	if err != nil {
		return nil, err
	}
	return tablesFromTokens(tokens), nil
}

func tablesFromTokens(tokens []Token) []string {
	// Strip comments so index arithmetic only sees real tokens.
	real := tokens[:0:0]
	for _, t := range tokens {
		if t.Kind != TokenComment {
			real = append(real, t)
		}
	}

	var names []string
	seen := make(map[string]bool)
	record := func(name string) {
		name = strings.ToLower(name)
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for i := 0; i < len(real); i++ {
		t := real[i]
		if t.Kind != TokenKeyword {
			continue
		}
		kw := strings.ToLower(t.Text)
		if kw != "from" && kw != "join" && kw != "into" && kw != "update" {
			continue
		}
		j := i + 1
		for j < len(real) {
			name, next := scanTableName(real, j)
			if name == "" {
				break
			}
			record(name)
			j = next
			// Skip an optional alias.
			if j < len(real) && real[j].Kind == TokenKeyword && strings.ToLower(real[j].Text) == "as" {
				j++
			}
			if j < len(real) && real[j].Kind == TokenIdentifier {
				j++
			}
			// FROM a, b continues the table list.
			if j < len(real) && real[j].Kind == TokenOperator && real[j].Text == "," {
				j++
				continue
			}
			break
		}
	}
	return names
}

// scanTableName reads one possibly dotted table reference starting at index
// j. The last dotted component is the table name. Returns "" when the next
// token is not an identifier, as with a subquery's opening parenthesis.
func scanTableName(tokens []Token, j int) (string, int) {
	if j >= len(tokens) || tokens[j].Kind != TokenIdentifier {
		return "", j
	}
	name := unquoteIdent(tokens[j].Text)
	j++
	for j+1 < len(tokens) && tokens[j].Kind == TokenOperator && tokens[j].Text == "." && tokens[j+1].Kind == TokenIdentifier {
		name = unquoteIdent(tokens[j+1].Text)
		j += 2
	}
	return name, j
}

func unquoteIdent(text string) string {
	if len(text) >= 2 && (text[0] == '"' || text[0] == '`') {
		inner := text[1 : len(text)-1]
		return strings.ReplaceAll(inner, string(text[0])+string(text[0]), string(text[0]))
	}
	return text
}

// RehydrateSQL substitutes placeholder values back into locally validated
// SQL. Single quotes in values are doubled so a value landing inside a
// string literal cannot break out of it.
func RehydrateSQL(sql string, values map[string]string) string {
	if len(values) == 0 {
		return sql
	}
	escaped := make(map[string]string, len(values))
	for ph, v := range values {
		escaped[ph] = strings.ReplaceAll(v, "'", "''")
	}
	return Rehydrate(sql, escaped)
}
