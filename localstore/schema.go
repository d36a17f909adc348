package localstore

import (
	"fmt"
	"strings"
)

// ColumnType is the semantic type of a table column. The same schema drives
// the SQLite DDL, backup serialization, and typed restore, so a backed-up
// table can be rebuilt from its manifest alone.
type ColumnType string

const (
	TypeText ColumnType = "text"
	TypeInt  ColumnType = "int"
	TypeReal ColumnType = "real"
	TypeBool ColumnType = "bool"
	TypeTime ColumnType = "time" // unix milliseconds
)

// Column describes one field of a synced table.
type Column struct {
	Name string
	Type ColumnType
}

// Reference declares that Column holds the id of a row in the Parent table.
// The Health Monitor spot-checks these, and the Sync Engine uses them to
// order tables parent-first.
type Reference struct {
	Column string
	Parent string
}

// TableSpec is the fixed schema of one synced table. Every record carries an
// implicit "id" primary key plus change metadata columns; Columns lists only
// the business fields.
type TableSpec struct {
	Name       string
	Columns    []Column
	References []Reference
}

// Schema is the full set of synced tables.
type Schema struct {
	Tables []TableSpec
}

// Table returns the spec for name, or false if the table is not part of the
// schema.
func (s Schema) Table(name string) (TableSpec, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSpec{}, false
}

// TableNames returns the table names in declaration order.
func (s Schema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// DependencyOrder returns table names ordered so that every table appears
// after the tables it references. Tables with foreign keys must be pushed and
// pulled after their referents.
func (s Schema) DependencyOrder() ([]string, error) {
	placed := make(map[string]bool, len(s.Tables))
	var order []string
	remaining := append([]TableSpec(nil), s.Tables...)

	for len(remaining) > 0 {
		progressed := false
		var next []TableSpec
		for _, t := range remaining {
			ready := true
			for _, ref := range t.References {
				if ref.Parent != t.Name && !placed[ref.Parent] {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, t.Name)
				placed[t.Name] = true
				progressed = true
			} else {
				next = append(next, t)
			}
		}
		if !progressed {
			var stuck []string
			for _, t := range next {
				stuck = append(stuck, t.Name)
			}
			return nil, fmt.Errorf("schema has a reference cycle involving: %s", strings.Join(stuck, ", "))
		}
		remaining = next
	}
	return order, nil
}

// Validate checks that column names do not collide with the reserved metadata
// columns and that every reference points at a table in the schema.
func (s Schema) Validate() error {
	if len(s.Tables) == 0 {
		return fmt.Errorf("schema has no tables")
	}
	for _, t := range s.Tables {
		if t.Name == "" {
			return fmt.Errorf("schema contains a table with an empty name")
		}
		for _, c := range t.Columns {
			switch c.Name {
			case "id", "updated_at_ms", "deleted_at_ms":
				return fmt.Errorf("table %s: column name %q is reserved", t.Name, c.Name)
			}
			switch c.Type {
			case TypeText, TypeInt, TypeReal, TypeBool, TypeTime:
			default:
				return fmt.Errorf("table %s: column %s has unknown type %q", t.Name, c.Name, c.Type)
			}
		}
		for _, ref := range t.References {
			if _, ok := s.Table(ref.Parent); !ok {
				return fmt.Errorf("table %s: reference %s -> %s points at unknown table", t.Name, ref.Column, ref.Parent)
			}
			found := false
			for _, c := range t.Columns {
				if c.Name == ref.Column {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("table %s: reference column %s is not declared", t.Name, ref.Column)
			}
		}
	}
	if _, err := s.DependencyOrder(); err != nil {
		return err
	}
	return nil
}

// sqlType maps a semantic column type to its SQLite affinity.
func sqlType(t ColumnType) string {
	switch t {
	case TypeInt, TypeBool, TypeTime:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// CreateTableSQL renders the DDL for one synced table.
func (t TableSpec) CreateTableSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %q (\n", t.Name)
	b.WriteString("\tid TEXT PRIMARY KEY,\n")
	for _, c := range t.Columns {
		fmt.Fprintf(&b, "\t%q %s,\n", c.Name, sqlType(c.Type))
	}
	b.WriteString("\tupdated_at_ms INTEGER NOT NULL DEFAULT 0,\n")
	b.WriteString("\tdeleted_at_ms INTEGER")
	for _, ref := range t.References {
		fmt.Fprintf(&b, ",\n\tFOREIGN KEY (%q) REFERENCES %q(id)", ref.Column, ref.Parent)
	}
	b.WriteString("\n)")
	return b.String()
}
