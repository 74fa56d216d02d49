/*Package query decodes URL-style query strings into normalized query
parameters.

Parsing never fails; malformed values surface later during validation.
*/
package query

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// SortKey is one sort criterion.
type SortKey struct {
	Field      string
	Descending bool
}

// Params are normalized query parameters.
type Params struct {
	// Include holds dot paths, e.g. "comments.author".
	Include []string
	// Fields holds sparse fieldsets per type as comma-joined strings; the
	// validator splits them.
	Fields map[string]string
	// Filters holds filter values by name; repeated keys coalesce to the
	// last occurrence.
	Filters map[string]any
	// Sort is the ordered list of sort keys.
	Sort []SortKey
	// Page holds pagination values; integers are stored numerically,
	// everything else as string.
	Page map[string]any
}

// Parse decodes url values into Params. Unknown keys are ignored.
func Parse(values url.Values) Params {
	p := Params{
		Fields:  map[string]string{},
		Filters: map[string]any{},
		Page:    map[string]any{},
	}
	for key, array := range values {
		if len(array) == 0 {
			continue
		}
		value := array[len(array)-1]
		switch {
		case key == "include":
			for _, raw := range array {
				for _, path := range strings.Split(raw, ",") {
					if path = strings.TrimSpace(path); path != "" {
						p.Include = append(p.Include, path)
					}
				}
			}
		case key == "sort":
			for _, field := range strings.Split(value, ",") {
				field = strings.TrimSpace(field)
				if field == "" {
					continue
				}
				key := SortKey{Field: field}
				if strings.HasPrefix(field, "-") {
					key.Field = field[1:]
					key.Descending = true
				}
				p.Sort = append(p.Sort, key)
			}
		case strings.HasPrefix(key, "filter[") && strings.HasSuffix(key, "]"):
			name := key[len("filter[") : len(key)-1]
			if name != "" {
				p.Filters[name] = value
			}
		case strings.HasPrefix(key, "fields[") && strings.HasSuffix(key, "]"):
			name := key[len("fields[") : len(key)-1]
			if name != "" {
				p.Fields[name] = value
			}
		case strings.HasPrefix(key, "page[") && strings.HasSuffix(key, "]"):
			name := key[len("page[") : len(key)-1]
			if name == "" {
				continue
			}
			if n, err := strconv.Atoi(value); err == nil {
				p.Page[name] = n
			} else {
				p.Page[name] = value
			}
		}
	}
	return p
}

// ParseString decodes a raw query string into Params.
func ParseString(rawQuery string) Params {
	values, _ := url.ParseQuery(rawQuery)
	return Parse(values)
}

// Canonical re-serializes params into url values in a canonical order so
// that parse(canonical(parse(s))) equals parse(s).
func (p Params) Canonical() url.Values {
	values := url.Values{}
	if len(p.Include) > 0 {
		values.Set("include", strings.Join(p.Include, ","))
	}
	if len(p.Sort) > 0 {
		fields := make([]string, len(p.Sort))
		for i, key := range p.Sort {
			if key.Descending {
				fields[i] = "-" + key.Field
			} else {
				fields[i] = key.Field
			}
		}
		values.Set("sort", strings.Join(fields, ","))
	}
	for _, name := range sortedKeys(p.Filters) {
		values.Set("filter["+name+"]", stringValue(p.Filters[name]))
	}
	for _, name := range sortedStringKeys(p.Fields) {
		values.Set("fields["+name+"]", p.Fields[name])
	}
	for _, name := range sortedKeys(p.Page) {
		values.Set("page["+name+"]", stringValue(p.Page[name]))
	}
	return values
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case int:
		return strconv.Itoa(value)
	default:
		return ""
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
