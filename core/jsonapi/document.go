/*Package jsonapi defines the JSON:API 1.0 document types used on the wire:
resource objects, resource identifiers, relationships, links, meta and
error objects.
*/
package jsonapi

import (
	"github.com/goccy/go-json"

	"github.com/relabs-tech/restio/core"
)

// ContentType is the JSON:API media type.
const ContentType = "application/vnd.api+json"

// Identifier is a resource identifier object.
type Identifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Links is a links object. Values are plain URL strings.
type Links map[string]string

// Relationship is a relationship object. HasData distinguishes an absent
// data member (links only) from an explicit null.
type Relationship struct {
	Links   Links
	HasData bool
	One     *Identifier  // to-one data, nil encodes null
	Many    []Identifier // to-many data
	IsMany  bool
}

// ToOne creates a to-one relationship carrying the identifier (or null).
func ToOne(id *Identifier) *Relationship {
	return &Relationship{HasData: true, One: id}
}

// ToMany creates a to-many relationship carrying the identifier list.
func ToMany(ids []Identifier) *Relationship {
	if ids == nil {
		ids = []Identifier{}
	}
	return &Relationship{HasData: true, IsMany: true, Many: ids}
}

// MarshalJSON implements json.Marshaler.
func (r *Relationship) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if len(r.Links) > 0 {
		out["links"] = r.Links
	}
	if r.HasData {
		if r.IsMany {
			many := r.Many
			if many == nil {
				many = []Identifier{}
			}
			out["data"] = many
		} else if r.One != nil {
			out["data"] = r.One
		} else {
			out["data"] = nil
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Relationship) UnmarshalJSON(data []byte) error {
	var raw struct {
		Links Links           `json:"links"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Links = raw.Links
	if raw.Data == nil {
		r.HasData = false
		return nil
	}
	r.HasData = true
	trimmed := string(raw.Data)
	if trimmed == "null" {
		r.One = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		r.IsMany = true
		return json.Unmarshal(raw.Data, &r.Many)
	}
	r.One = &Identifier{}
	return json.Unmarshal(raw.Data, r.One)
}

// Resource is a resource object.
type Resource struct {
	Type          string                   `json:"type"`
	ID            string                   `json:"id,omitempty"`
	Attributes    core.Record              `json:"attributes,omitempty"`
	Relationships map[string]*Relationship `json:"relationships,omitempty"`
	Links         Links                    `json:"links,omitempty"`
	Meta          map[string]any           `json:"meta,omitempty"`
}

// Identifier returns the resource's identifier object.
func (r *Resource) Identifier() Identifier {
	return Identifier{Type: r.Type, ID: r.ID}
}

// Pagination is the pagination meta object.
type Pagination struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
	Total     int `json:"total"`
}

// ErrorSource points at the request element an error refers to.
type ErrorSource struct {
	Pointer   string `json:"pointer,omitempty"`
	Parameter string `json:"parameter,omitempty"`
}

// ErrorObject is a JSON:API error object.
type ErrorObject struct {
	Status string         `json:"status,omitempty"`
	Code   string         `json:"code,omitempty"`
	Title  string         `json:"title,omitempty"`
	Detail string         `json:"detail,omitempty"`
	Source *ErrorSource   `json:"source,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Document is a top level JSON:API document. Data is one of nil,
// *Resource, []*Resource, *Identifier or []Identifier.
type Document struct {
	Data     any            `json:"data,omitempty"`
	Included []*Resource    `json:"included,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Links    Links          `json:"links,omitempty"`
	Errors   []*ErrorObject `json:"errors,omitempty"`
}

// HasData returns true when the document carries a data member, including
// explicit null.
func (d *Document) HasData() bool {
	return d != nil && (d.Data != nil || d.Errors == nil)
}

// ErrorDocument converts an engine error into an error document.
func ErrorDocument(err *core.Error) *Document {
	obj := &ErrorObject{
		Code:   string(err.Code),
		Title:  string(err.Code),
		Detail: err.Message,
	}
	if err.Details != nil {
		obj.Meta = err.Details
		if path, ok := err.Details["path"].(string); ok {
			obj.Source = &ErrorSource{Pointer: path}
		}
	}
	return &Document{Errors: []*ErrorObject{obj}}
}
