package core

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// Record is the engine's representation of a stored resource: a flat
// attribute map as returned by the storage adapter.
type Record = map[string]any

// IDString converts a record id value to its decimal string form. Storage
// adapters may return ids as int64, float64 (via JSON), json.Number or
// string; on the wire an id is always a decimal string.
func IDString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case json.Number:
		return id.String()
	default:
		return fmt.Sprintf("%v", id)
	}
}

// SameID compares two id values in their decimal string form.
func SameID(a, b any) bool {
	as, bs := IDString(a), IDString(b)
	return as != "" && as == bs
}
