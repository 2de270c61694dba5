// Package schema provides table and column metadata for table selection and
// SQL generation. Metadata is the one thing that may travel to cloud models,
// so nothing in this package ever touches row data.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrTableNotFound is returned by DescribeTable for unknown tables.
var ErrTableNotFound = errors.New("table not found in catalog")

// TableMeta describes one queryable table.
type TableMeta struct {
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Synonyms    []string     `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`
	Columns     []ColumnMeta `yaml:"columns,omitempty" json:"columns,omitempty"`
}

// ColumnMeta describes one column.
type ColumnMeta struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	PrimaryKey  bool   `yaml:"primaryKey,omitempty" json:"primaryKey,omitempty"`
	Nullable    bool   `yaml:"nullable,omitempty" json:"nullable,omitempty"`
}

// Catalog is the schema lookup surface the dialog stages consume.
type Catalog interface {
	ListTables(ctx context.Context) ([]TableMeta, error)
	DescribeTable(ctx context.Context, name string) ([]ColumnMeta, error)
}

// MergedCatalog overlays file annotations on a live catalog. The live side
// is the source of truth for which tables and columns exist; the annotation
// side contributes descriptions and synonyms for ranking.
type MergedCatalog struct {
	live        Catalog
	annotations *FileCatalog
}

// NewMergedCatalog wraps live with annotations. A nil annotations catalog
// passes the live metadata through unchanged.
func NewMergedCatalog(live Catalog, annotations *FileCatalog) *MergedCatalog {
	return &MergedCatalog{live: live, annotations: annotations}
}

func (m *MergedCatalog) ListTables(ctx context.Context) ([]TableMeta, error) {
	tables, err := m.live.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	if m.annotations == nil {
		return tables, nil
	}
	for i := range tables {
		ann, ok := m.annotations.lookup(tables[i].Name)
		if !ok {
			continue
		}
		if tables[i].Description == "" {
			tables[i].Description = ann.Description
		}
		tables[i].Synonyms = append(tables[i].Synonyms, ann.Synonyms...)
	}
	return tables, nil
}

func (m *MergedCatalog) DescribeTable(ctx context.Context, name string) ([]ColumnMeta, error) {
	cols, err := m.live.DescribeTable(ctx, name)
	if err != nil {
		return nil, err
	}
	if m.annotations == nil {
		return cols, nil
	}
	ann, ok := m.annotations.lookup(name)
	if !ok {
		return cols, nil
	}
	descs := make(map[string]string, len(ann.Columns))
	for _, c := range ann.Columns {
		descs[strings.ToLower(c.Name)] = c.Description
	}
	for i := range cols {
		if cols[i].Description == "" {
			cols[i].Description = descs[strings.ToLower(cols[i].Name)]
		}
	}
	return cols, nil
}

var _ Catalog = (*MergedCatalog)(nil)

// FormatTable renders one table's metadata as a prompt block. Only names,
// types, and descriptions appear, never row data.
func FormatTable(table TableMeta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table %s", table.Name)
	if table.Description != "" {
		fmt.Fprintf(&b, " (%s)", table.Description)
	}
	b.WriteString(":\n")
	for _, col := range table.Columns {
		fmt.Fprintf(&b, "  - %s %s", col.Name, col.Type)
		if col.PrimaryKey {
			b.WriteString(" PRIMARY KEY")
		}
		if col.Description != "" {
			fmt.Fprintf(&b, " -- %s", col.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
