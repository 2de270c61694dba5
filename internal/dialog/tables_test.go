package dialog

import (
	"strings"
	"testing"

	"github.com/tablesage/tablesage/internal/schema"
)

func TestRankTablesScoring(t *testing.T) {
	tables := []schema.TableMeta{
		{Name: "orders", Synonyms: []string{"订单"}, Columns: []schema.ColumnMeta{{Name: "amount"}}},
		{Name: "users", Synonyms: []string{"用户"}, Columns: []schema.ColumnMeta{{Name: "email"}}},
	}

	scored := rankTables(tables, strings.ToLower("查询订单的amount"))
	if scored[0].table.Name != "orders" {
		t.Fatalf("top table = %s, want orders", scored[0].table.Name)
	}
	if want := synonymWeight + columnWeight; scored[0].score != want {
		t.Errorf("orders score = %v, want %v", scored[0].score, want)
	}
	if scored[1].score != 0 {
		t.Errorf("users score = %v, want 0", scored[1].score)
	}
}

func TestRankTablesStableOrderOnTie(t *testing.T) {
	tables := []schema.TableMeta{
		{Name: "zeta", Synonyms: []string{"订单"}},
		{Name: "alpha", Synonyms: []string{"订单"}},
	}
	scored := rankTables(tables, "订单")
	if scored[0].table.Name != "alpha" || scored[1].table.Name != "zeta" {
		t.Errorf("tie order = %s, %s; want alpha, zeta", scored[0].table.Name, scored[1].table.Name)
	}
}

func TestContainsTermBoundaries(t *testing.T) {
	cases := []struct {
		text, term string
		want       bool
	}{
		{"show the orders table", "orders", true},
		{"consider this", "id", false},
		{"id of the row", "id", true},
		{"order_items here", "orders", false},
		{"select amount, buyer", "amount", true},
		{"查询订单表", "订单", true},
		{"查询订单表", "用户", false},
		{"查询订单的amount", "amount", true},
		{"", "orders", false},
		{"anything", "", false},
	}
	for _, tc := range cases {
		if got := containsTerm(strings.ToLower(tc.text), tc.term); got != tc.want {
			t.Errorf("containsTerm(%q, %q) = %v, want %v", tc.text, tc.term, got, tc.want)
		}
	}
}

func TestSelectTables(t *testing.T) {
	mk := func(name string, score float64) scoredTable {
		return scoredTable{table: schema.TableMeta{Name: name}, score: score}
	}

	picked, ambiguous := selectTables([]scoredTable{mk("orders", 4), mk("users", 0)}, 0.1)
	if len(picked) != 1 || picked[0].Name != "orders" || ambiguous != nil {
		t.Errorf("clear winner: picked=%v ambiguous=%v", picked, ambiguous)
	}

	picked, ambiguous = selectTables([]scoredTable{mk("a", 4), mk("b", 3.8), mk("c", 1)}, 0.1)
	if picked != nil || len(ambiguous) != 2 {
		t.Errorf("near tie: picked=%v ambiguous=%v", picked, ambiguous)
	}

	picked, ambiguous = selectTables([]scoredTable{mk("a", 4), mk("b", 2.5), mk("c", 1)}, 0.1)
	if len(picked) != 2 || picked[1].Name != "b" || ambiguous != nil {
		t.Errorf("join partner: picked=%v ambiguous=%v", picked, ambiguous)
	}

	picked, ambiguous = selectTables([]scoredTable{mk("a", 0), mk("b", 0)}, 0.1)
	if picked != nil || ambiguous != nil {
		t.Errorf("no signal: picked=%v ambiguous=%v", picked, ambiguous)
	}

	picked, ambiguous = selectTables(nil, 0.1)
	if picked != nil || ambiguous != nil {
		t.Errorf("empty input: picked=%v ambiguous=%v", picked, ambiguous)
	}
}

func TestMatchOption(t *testing.T) {
	options := []string{"orders", "orders_archive"}
	cases := []struct {
		answer string
		want   string
	}{
		{"orders", "orders"},
		{"Orders", "orders"},
		{"orders_archive", "orders_archive"},
		{"the orders_archive one", "orders_archive"},
		{"  orders  ", "orders"},
		{"users", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := matchOption(tc.answer, options); got != tc.want {
			t.Errorf("matchOption(%q) = %q, want %q", tc.answer, got, tc.want)
		}
	}
}
