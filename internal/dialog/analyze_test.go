package dialog

import (
	"strings"
	"testing"

	"github.com/tablesage/tablesage/internal/dbexec"
)

func TestResultSummary(t *testing.T) {
	cases := []struct {
		name string
		res  *dbexec.Result
		want string
	}{
		{"nil", nil, ""},
		{"empty", &dbexec.Result{}, "0 rows returned"},
		{"single", &dbexec.Result{Rows: [][]string{{"1"}}}, "1 row returned"},
		{"many", &dbexec.Result{Rows: [][]string{{"1"}, {"2"}}}, "2 rows returned"},
		{"truncated", &dbexec.Result{Rows: [][]string{{"1"}}, Truncated: true}, "1 row returned (truncated)"},
	}
	for _, tc := range cases {
		if got := resultSummary(tc.res); got != tc.want {
			t.Errorf("%s: resultSummary = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRenderRowsForPromptCapsRows(t *testing.T) {
	res := &dbexec.Result{Columns: []string{"id", "buyer"}}
	for i := 0; i < 10; i++ {
		res.Rows = append(res.Rows, []string{"1", "张三"})
	}

	out := renderRowsForPrompt(res, 4)
	if got := strings.Count(out, "张三"); got != 4 {
		t.Errorf("rendered %d rows, want 4", got)
	}
	if !strings.Contains(out, "6 more rows omitted") {
		t.Errorf("missing omission note: %q", out)
	}
	if !strings.HasPrefix(out, "id | buyer\n") {
		t.Errorf("missing header: %q", out)
	}

	uncapped := renderRowsForPrompt(res, 0)
	if got := strings.Count(uncapped, "张三"); got != 10 {
		t.Errorf("uncapped rendered %d rows, want 10", got)
	}
}

func TestRuleBasedAnalysis(t *testing.T) {
	if got := ruleBasedAnalysis(nil); got != "The query returned no rows." {
		t.Errorf("nil result: %q", got)
	}
	if got := ruleBasedAnalysis(&dbexec.Result{Columns: []string{"id"}}); got != "The query returned no rows." {
		t.Errorf("empty result: %q", got)
	}

	res := &dbexec.Result{
		Columns: []string{"id", "buyer"},
		Rows:    [][]string{{"1", "张三"}, {"2", "李四"}},
	}
	got := ruleBasedAnalysis(res)
	if !strings.Contains(got, "2 rows") || !strings.Contains(got, "id, buyer") {
		t.Errorf("summary lost shape info: %q", got)
	}
	if !strings.Contains(got, "id=1") || !strings.Contains(got, "buyer=张三") {
		t.Errorf("summary lost the first row: %q", got)
	}

	res.Truncated = true
	if got := ruleBasedAnalysis(res); !strings.Contains(got, "cut off") {
		t.Errorf("truncation unreported: %q", got)
	}
}
