package schema

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk YAML layout.
type catalogFile struct {
	Tables []TableMeta `yaml:"tables"`
}

// FileCatalog serves table metadata from a YAML catalog file. It backs
// deployments without introspectable databases and doubles as the
// annotation layer of a MergedCatalog.
type FileCatalog struct {
	mu     sync.RWMutex
	path   string
	tables []TableMeta
	byName map[string]TableMeta
}

// LoadCatalog reads and indexes a YAML catalog. A missing file is an error:
// unlike redaction rules there is no sensible default catalog.
func LoadCatalog(path string) (*FileCatalog, error) {
	c := &FileCatalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file, replacing the indexed tables wholesale.
func (c *FileCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("catalog file %s does not exist", c.path)
	}
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse catalog %s: %w", c.path, err)
	}

	byName := make(map[string]TableMeta, len(file.Tables))
	for _, t := range file.Tables {
		if t.Name == "" {
			return fmt.Errorf("catalog %s contains a table without a name", c.path)
		}
		key := strings.ToLower(t.Name)
		if _, dup := byName[key]; dup {
			return fmt.Errorf("catalog %s lists table %q twice", c.path, t.Name)
		}
		byName[key] = t
	}

	c.mu.Lock()
	c.tables = file.Tables
	c.byName = byName
	c.mu.Unlock()
	return nil
}

func (c *FileCatalog) ListTables(ctx context.Context) ([]TableMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TableMeta, len(c.tables))
	copy(out, c.tables)
	return out, nil
}

func (c *FileCatalog) DescribeTable(ctx context.Context, name string) ([]ColumnMeta, error) {
	t, ok := c.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	out := make([]ColumnMeta, len(t.Columns))
	copy(out, t.Columns)
	return out, nil
}

// lookup is case-insensitive, matching SQL identifier semantics.
func (c *FileCatalog) lookup(name string) (TableMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byName[strings.ToLower(name)]
	return t, ok
}

var _ Catalog = (*FileCatalog)(nil)
