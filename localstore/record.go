package localstore

import "fmt"

// Record is one row of a synced table. Fields hold the business columns
// declared by the table's schema; UpdatedAt and DeletedAt are the change
// metadata the sync protocol runs on. A record with a non-nil DeletedAt is a
// tombstone: it stays in the table so the deletion can still be pushed and
// pulled, and is never physically removed by the store.
type Record struct {
	Table     string
	ID        string
	Fields    map[string]any
	UpdatedAt int64  // unix milliseconds
	DeletedAt *int64 // nil for live rows
}

// Deleted reports whether the record is a tombstone.
func (r Record) Deleted() bool { return r.DeletedAt != nil }

// normalizeField coerces a raw value into the canonical Go representation for
// the column type. SQLite hands back int64/float64/string/[]byte; backup JSON
// hands back float64 for every number. Keeping one representation per type is
// what lets LWW comparison and checksum computation stay byte-stable.
func normalizeField(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeText:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case TypeInt, TypeTime:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case float64:
			return int64(x), nil
		}
	case TypeReal:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case float64:
			return x != 0, nil
		}
	}
	return nil, fmt.Errorf("value %T is not assignable to column type %s", v, t)
}

// fieldToSQL converts a canonical field value to its SQLite storage form.
func fieldToSQL(t ColumnType, v any) any {
	if v == nil {
		return nil
	}
	if t == TypeBool {
		if b, ok := v.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	}
	return v
}
