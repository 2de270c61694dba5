// Package sanitize is the redaction boundary between local data and cloud
// models. Every piece of text that may travel to a remote model passes through
// Sanitize first; anything the classifier cannot positively account for causes
// the whole payload to be replaced with a clarification placeholder rather
// than leak.
package sanitize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	. "github.com/tablesage/tablesage/internal/logging"
	. "github.com/tablesage/tablesage/internal/metrics"
)

// Category identifies the kind of sensitive data a redacted span held.
type Category string

const (
	CategoryEmail   Category = "email"
	CategoryPhone   Category = "phone"
	CategoryName    Category = "name"
	CategoryNumber  Category = "number"
	CategoryCustom  Category = "custom"
	CategoryComment Category = "comment"
)

// AmbiguousPlaceholder replaces the entire payload when the input cannot be
// confidently classified. The dialog layer turns this into a clarification
// request instead of sending anything upstream.
const AmbiguousPlaceholder = "[CLARIFICATION_NEEDED]"

// Span is a byte range in the original text that was redacted.
type Span struct {
	Start    int      `json:"start"`
	End      int      `json:"end"`
	Category Category `json:"category"`
}

// Report is the outcome of sanitizing one payload.
//
// Values maps each generated placeholder back to the original text it
// replaced. It is deliberately excluded from serialization: the map exists so
// the orchestrator can rehydrate placeholders in locally validated SQL, and
// it must never ride along if a report is persisted or logged.
type Report struct {
	OriginalLength int               `json:"originalLength"`
	RedactedSpans  []Span            `json:"redactedSpans"`
	SafeText       string            `json:"safeText"`
	Ambiguous      bool              `json:"ambiguous"`
	Values         map[string]string `json:"-"`
}

// NameDetector finds personal names in text. Implementations return byte
// spans; the sanitizer replaces each with an indexed [NAME_n] placeholder.
type NameDetector interface {
	Detect(text string) []Span
}

// Built-in patterns. Placeholder-shaped tokens are claimed before any other
// pattern runs so already-sanitized text is a fixed point.
const phonePattern = `(?:\+?86[-\s]?)?1[3-9]\d{9}|0\d{2,3}-\d{7,8}|\+\d{7,15}`

var (
	placeholderRe     = regexp.MustCompile(`\[[A-Z][A-Z0-9_]*\]`)
	placeholderFullRe = regexp.MustCompile(`^\[[A-Z][A-Z0-9_]*\]$`)
	emailRe           = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRe           = regexp.MustCompile(phonePattern)
	phoneFullRe       = regexp.MustCompile(`^(?:` + phonePattern + `)$`)
	numberRe          = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// placeholderBase maps a category to the token stem used in its indexed
// placeholders.
var placeholderBase = map[Category]string{
	CategoryEmail:  "EMAIL",
	CategoryPhone:  "PHONE",
	CategoryName:   "NAME",
	CategoryNumber: "NUM",
}

// customRule is a compiled operator-defined pattern. The replacement string is
// used verbatim, so operators control the placeholder text and those spans are
// not rehydratable.
type customRule struct {
	name    string
	re      *regexp.Regexp
	replace string
}

// ruleSet is an immutable compiled form of Rules. Hot reload swaps the whole
// set under the sanitizer's lock. The dictionary detector built from the
// rules is kept alongside the active detector so a detector override can be
// removed again.
type ruleSet struct {
	toggles    CategoryToggles
	customs    []customRule
	allow      []string
	detector   NameDetector
	dictionary NameDetector
}

var defaultSet = func() *ruleSet {
	rs, err := compileRules(DefaultRules(), nil)
	if err != nil {
		panic(err)
	}
	return rs
}()

// Sanitizer applies the active rule set to payloads. Safe for concurrent use;
// SetRules swaps rule sets atomically between calls.
type Sanitizer struct {
	mu       sync.RWMutex
	rs       *ruleSet
	override NameDetector
}

// New builds a Sanitizer from rules. Custom patterns are compiled up front so
// a malformed rules file fails here rather than on first use.
func New(rules *Rules) (*Sanitizer, error) {
	s := &Sanitizer{}
	if err := s.SetRules(rules); err != nil {
		return nil, err
	}
	return s, nil
}

// SetRules compiles and installs a new rule set. On error the previous set
// stays active.
func (s *Sanitizer) SetRules(rules *Rules) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := compileRules(rules, s.override)
	if err != nil {
		return err
	}
	s.rs = rs
	return nil
}

// SetNameDetector installs a detector in place of the dictionary default.
// Passing nil restores the dictionary from the active rules.
func (s *Sanitizer) SetNameDetector(d NameDetector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = d
	if s.rs == nil {
		return
	}
	if d != nil {
		s.rs = s.rs.withDetector(d)
	} else {
		s.rs = s.rs.withDetector(s.rs.dictionary)
	}
}

func (rs *ruleSet) withDetector(d NameDetector) *ruleSet {
	clone := *rs
	clone.detector = d
	return &clone
}

func compileRules(rules *Rules, override NameDetector) (*ruleSet, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	rs := &ruleSet{
		toggles: rules.Categories,
		allow:   rules.Allow.Terms,
	}
	for _, p := range rules.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("custom pattern %q: %w", p.Name, err)
		}
		if !placeholderFullRe.MatchString(p.Replace) {
			return nil, fmt.Errorf("custom pattern %q: replace %q is not a bracketed placeholder", p.Name, p.Replace)
		}
		rs.customs = append(rs.customs, customRule{name: p.Name, re: re, replace: p.Replace})
	}
	dict := NewDictionaryDetector(rules.Names.Dictionary)
	rs.dictionary = dict
	if override != nil {
		rs.detector = override
	} else {
		rs.detector = dict
	}
	return rs, nil
}

// Sanitize classifies and redacts one payload. SQL-shaped input is validated
// against the statement skeleton, where numerals are structural; free text
// has every bare numeral replaced alongside the pattern categories. Input
// that cannot be classified comes back as an ambiguous report whose SafeText
// is AmbiguousPlaceholder.
func (s *Sanitizer) Sanitize(text string) Report {
	defer MetricStartAuto("sanitize")()
	MetricInc("sanitize", "calls")

	rs := s.currentSet()
	if rpt, bad := checkClassifiable(text); bad {
		return rpt
	}
	if IsSQLShaped(text) {
		return sanitizeSQL(text, rs)
	}
	return buildReport(text, collectSpans(text, rs, true))
}

// SanitizeError redacts a database or driver error message before it is fed
// back to a cloud model during self-heal. Error strings are always treated as
// free text even when they quote SQL fragments.
func (s *Sanitizer) SanitizeError(errText string) Report {
	MetricInc("sanitize", "error_calls")

	rs := s.currentSet()
	if rpt, bad := checkClassifiable(errText); bad {
		return rpt
	}
	return buildReport(errText, collectSpans(errText, rs, true))
}

func (s *Sanitizer) currentSet() *ruleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rs != nil {
		return s.rs
	}
	return defaultSet
}

// checkClassifiable rejects payloads no pattern pass can be trusted on.
func checkClassifiable(text string) (Report, bool) {
	if !utf8.ValidString(text) {
		return ambiguousReport(text, "invalid utf-8"), true
	}
	if off, ok := firstControlByte(text); ok {
		return ambiguousReport(text, fmt.Sprintf("control byte at offset %d", off)), true
	}
	return Report{}, false
}

// Rehydrate substitutes placeholders back to their original values. Only the
// orchestrator calls this, on locally held text, after skeleton validation.
// Placeholders always end in "]" so no placeholder is a prefix of another.
func Rehydrate(text string, values map[string]string) string {
	if len(values) == 0 || !strings.Contains(text, "[") {
		return text
	}
	pairs := make([]string, 0, len(values)*2)
	for ph, orig := range values {
		pairs = append(pairs, ph, orig)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// pendingSpan pairs a redaction span with its replacement. An empty replace
// means an indexed placeholder is synthesized from the category during
// report building.
type pendingSpan struct {
	span    Span
	replace string
	value   string
}

// collectSpans finds every redaction in text, claiming regions in priority
// order so overlapping matches cannot double-redact. redactNumbers is false
// inside SQL string literals, where numerals are data the statement needs.
func collectSpans(text string, rs *ruleSet, redactNumbers bool) []pendingSpan {
	var claimed [][2]int
	claim := func(start, end int) bool {
		for _, c := range claimed {
			if start < c[1] && end > c[0] {
				return false
			}
		}
		claimed = append(claimed, [2]int{start, end})
		return true
	}

	// Existing placeholders and whitelisted terms are protected. This is
	// what makes Sanitize idempotent.
	for _, m := range placeholderRe.FindAllStringIndex(text, -1) {
		claim(m[0], m[1])
	}
	for _, term := range rs.allow {
		if term == "" {
			continue
		}
		for idx := 0; ; {
			i := strings.Index(text[idx:], term)
			if i < 0 {
				break
			}
			claim(idx+i, idx+i+len(term))
			idx += i + len(term)
		}
	}

	var pending []pendingSpan
	add := func(start, end int, cat Category, replace string) {
		if start >= end || !claim(start, end) {
			return
		}
		pending = append(pending, pendingSpan{
			span:    Span{Start: start, End: end, Category: cat},
			replace: replace,
			value:   text[start:end],
		})
	}

	if rs.toggles.Email {
		for _, m := range emailRe.FindAllStringIndex(text, -1) {
			add(m[0], m[1], CategoryEmail, "")
		}
	}
	if rs.toggles.Phone {
		for _, m := range phoneRe.FindAllStringIndex(text, -1) {
			add(m[0], m[1], CategoryPhone, "")
		}
	}
	for _, cr := range rs.customs {
		for _, m := range cr.re.FindAllStringIndex(text, -1) {
			add(m[0], m[1], CategoryCustom, cr.replace)
		}
	}
	if rs.toggles.Name && rs.detector != nil {
		for _, sp := range rs.detector.Detect(text) {
			add(sp.Start, sp.End, CategoryName, "")
		}
	}
	if redactNumbers && rs.toggles.Number {
		for _, m := range numberRe.FindAllStringIndex(text, -1) {
			add(m[0], m[1], CategoryNumber, "")
		}
	}
	return pending
}

// buildReport assembles SafeText in one pass over the original text,
// assigning indexed placeholders in order of appearance. The same value in
// the same category always maps to the same placeholder within a report, so
// repeated mentions stay correlated for the model.
func buildReport(text string, pending []pendingSpan) Report {
	rpt := Report{OriginalLength: len(text), SafeText: text}
	if len(pending) == 0 {
		return rpt
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].span.Start < pending[j].span.Start })

	counters := make(map[Category]int)
	seen := make(map[string]string)
	rpt.Values = make(map[string]string)

	var out strings.Builder
	out.Grow(len(text))
	last := 0
	for _, p := range pending {
		out.WriteString(text[last:p.span.Start])
		last = p.span.End

		repl := p.replace
		if repl == "" {
			key := string(p.span.Category) + "\x00" + p.value
			if ph, ok := seen[key]; ok {
				repl = ph
			} else {
				counters[p.span.Category]++
				repl = fmt.Sprintf("[%s_%d]", placeholderBase[p.span.Category], counters[p.span.Category])
				seen[key] = repl
				rpt.Values[repl] = p.value
			}
		}
		out.WriteString(repl)
		rpt.RedactedSpans = append(rpt.RedactedSpans, p.span)
	}
	out.WriteString(text[last:])
	rpt.SafeText = out.String()
	if len(rpt.Values) == 0 {
		rpt.Values = nil
	}
	MetricAdd("sanitize", "redactions", int64(len(rpt.RedactedSpans)))
	L_trace("sanitize: redacted", "spans", len(rpt.RedactedSpans), "original_len", len(text))
	return rpt
}

func ambiguousReport(text, reason string) Report {
	MetricInc("sanitize", "ambiguous")
	L_warn("sanitize: payload could not be classified, failing closed", "reason", reason, "len", len(text))
	return Report{
		OriginalLength: len(text),
		SafeText:       AmbiguousPlaceholder,
		Ambiguous:      true,
	}
}

// firstControlByte reports the offset of the first control rune other than
// tab, newline, or carriage return.
func firstControlByte(text string) (int, bool) {
	for i, r := range text {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return i, true
		}
	}
	return 0, false
}
