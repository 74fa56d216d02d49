/*Package validate performs structural validation of request payloads and
query parameters against the JSON:API shape and the resource registry.

Shape failures are payload errors (400) carrying the structural path that
failed; semantic failures (unknown types, non-sortable fields, null
identifier ids) are validation errors (422) carrying violations.
*/
package validate

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/query"
	"github.com/relabs-tech/restio/core/schema"
)

// Identifier is a validated resource identifier with a stringified id.
type Identifier struct {
	Type string
	ID   string
}

// Relationship is a validated relationship payload entry.
type Relationship struct {
	// Null is true when data was an explicit null.
	Null bool
	// Many is true when data was an array.
	Many bool
	One  *Identifier
	List []Identifier
}

// Body is a validated write payload.
type Body struct {
	Type          string
	ID            string
	Attributes    core.Record
	Relationships map[string]Relationship
	Included      []IncludedResource
}

// IncludedResource is a validated member of the included array.
type IncludedResource struct {
	Type          string
	ID            string
	Attributes    core.Record
	Relationships map[string]Relationship
}

// ParseBody validates a raw body against the operation's shape contract.
func ParseBody(op core.Operation, registry *schema.Registry, raw []byte) (*Body, *core.Error) {
	if len(raw) == 0 {
		return nil, core.Payload("", "object", nil)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, core.Payload("", "object", "malformed JSON")
	}
	dataRaw, ok := doc["data"]
	if !ok {
		return nil, core.Payload("data", "object", nil)
	}

	body := &Body{}
	resource, errP := parseResourceObject(registry, dataRaw, "data")
	if errP != nil {
		return nil, errP
	}
	body.Type = resource.Type
	body.ID = resource.ID
	body.Attributes = resource.Attributes
	body.Relationships = resource.Relationships

	switch op {
	case core.OperationPost:
		if includedRaw, ok := doc["included"]; ok {
			included, errP := parseIncluded(registry, includedRaw)
			if errP != nil {
				return nil, errP
			}
			body.Included = included
		}
	case core.OperationPut:
		if body.ID == "" {
			return nil, core.Payload("data.id", "string", nil)
		}
		if _, ok := doc["included"]; ok {
			return nil, core.Payload("included", "absent", "included")
		}
	case core.OperationPatch:
		if body.ID == "" {
			return nil, core.Payload("data.id", "string", nil)
		}
		if _, ok := doc["included"]; ok {
			return nil, core.Payload("included", "absent", "included")
		}
		if body.Attributes == nil && body.Relationships == nil {
			return nil, core.Payload("data", "attributes or relationships", nil)
		}
	}
	return body, nil
}

func parseResourceObject(registry *schema.Registry, raw json.RawMessage, path string) (*IncludedResource, *core.Error) {
	var data struct {
		Type          json.RawMessage            `json:"type"`
		ID            any                        `json:"id"`
		Attributes    json.RawMessage            `json:"attributes"`
		Relationships map[string]json.RawMessage `json:"relationships"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, core.Payload(path, "object", "malformed resource object")
	}

	out := &IncludedResource{}

	var typeName string
	if data.Type == nil || json.Unmarshal(data.Type, &typeName) != nil || typeName == "" {
		return nil, core.Payload(path+".type", "string", nil)
	}
	if !registry.Has(typeName) {
		return nil, core.Validation(core.Violation{
			Path:    path + ".type",
			Rule:    "known_resource",
			Message: fmt.Sprintf("unknown resource type %q", typeName),
		})
	}
	out.Type = typeName

	switch id := data.ID.(type) {
	case nil:
	case string:
		out.ID = id
	case float64:
		out.ID = core.IDString(id)
	default:
		return nil, core.Payload(path+".id", "string", data.ID)
	}

	if data.Attributes != nil {
		var attributes core.Record
		if err := json.Unmarshal(data.Attributes, &attributes); err != nil {
			return nil, core.Payload(path+".attributes", "object", "not an object")
		}
		out.Attributes = attributes
	}

	if data.Relationships != nil {
		out.Relationships = map[string]Relationship{}
		for alias, relRaw := range data.Relationships {
			rel, errP := parseRelationship(registry, relRaw, path+".relationships."+alias)
			if errP != nil {
				return nil, errP
			}
			out.Relationships[alias] = *rel
		}
	}
	return out, nil
}

func parseRelationship(registry *schema.Registry, raw json.RawMessage, path string) (*Relationship, *core.Error) {
	dataPath := childPath(path, "data")
	var rel map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rel); err != nil {
		return nil, core.Payload(path, "object", "not an object")
	}
	dataRaw, ok := rel["data"]
	if !ok {
		return nil, core.Payload(dataPath, "null, object or array", nil)
	}
	trimmed := strings.TrimSpace(string(dataRaw))
	if trimmed == "null" {
		return &Relationship{Null: true}, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var rawList []json.RawMessage
		if err := json.Unmarshal(dataRaw, &rawList); err != nil {
			return nil, core.Payload(dataPath, "array", "malformed array")
		}
		out := &Relationship{Many: true, List: []Identifier{}}
		for i, itemRaw := range rawList {
			identifier, errP := parseIdentifier(registry, itemRaw, fmt.Sprintf("%s.%d", dataPath, i), false)
			if errP != nil {
				return nil, errP
			}
			out.List = append(out.List, *identifier)
		}
		return out, nil
	}
	identifier, errP := parseIdentifier(registry, dataRaw, dataPath, false)
	if errP != nil {
		return nil, errP
	}
	return &Relationship{One: identifier}, nil
}

func childPath(parent, member string) string {
	if parent == "" {
		return member
	}
	return parent + "." + member
}

func parseIdentifier(registry *schema.Registry, raw json.RawMessage, path string, allowNullID bool) (*Identifier, *core.Error) {
	var identifier struct {
		Type string `json:"type"`
		ID   any    `json:"id"`
	}
	if err := json.Unmarshal(raw, &identifier); err != nil {
		return nil, core.Payload(path, "resource identifier", "not an object")
	}
	if identifier.Type == "" {
		return nil, core.Payload(path+".type", "string", nil)
	}
	if !registry.Has(identifier.Type) {
		return nil, core.Validation(core.Violation{
			Path:    path + ".type",
			Rule:    "known_resource",
			Message: fmt.Sprintf("unknown resource type %q", identifier.Type),
		})
	}
	switch id := identifier.ID.(type) {
	case string:
		if id == "" {
			return nil, core.Validation(core.Violation{
				Path:    path + ".id",
				Rule:    "present",
				Message: "identifier id must not be empty",
			})
		}
		return &Identifier{Type: identifier.Type, ID: id}, nil
	case float64:
		return &Identifier{Type: identifier.Type, ID: core.IDString(id)}, nil
	case nil:
		if allowNullID {
			return &Identifier{Type: identifier.Type}, nil
		}
		return nil, core.Validation(core.Violation{
			Path:    path + ".id",
			Rule:    "present",
			Message: "identifier id must not be null",
		})
	default:
		return nil, core.Payload(path+".id", "string or number", identifier.ID)
	}
}

func parseIncluded(registry *schema.Registry, raw json.RawMessage) ([]IncludedResource, *core.Error) {
	var rawList []json.RawMessage
	if err := json.Unmarshal(raw, &rawList); err != nil {
		return nil, core.Payload("included", "array", "not an array")
	}
	included := make([]IncludedResource, 0, len(rawList))
	for i, itemRaw := range rawList {
		path := fmt.Sprintf("included.%d", i)
		resource, errP := parseResourceObject(registry, itemRaw, path)
		if errP != nil {
			return nil, errP
		}
		if resource.ID == "" {
			return nil, core.Validation(core.Violation{
				Path:    path + ".id",
				Rule:    "present",
				Message: "included resources must carry an id",
			})
		}
		included = append(included, *resource)
	}
	return included, nil
}

// QueryParams validates parsed query parameters against the resource's
// search schema.
func QueryParams(def *schema.ResourceDefinition, params query.Params) *core.Error {
	var violations []core.Violation
	for _, key := range params.Sort {
		if !def.Search.CanSort(key.Field) {
			violations = append(violations, core.Violation{
				Field:   key.Field,
				Rule:    "sortable",
				Message: fmt.Sprintf("field %q is not sortable", key.Field),
			})
		}
	}
	for name := range params.Filters {
		if _, ok := def.Search.Filterable[name]; !ok {
			violations = append(violations, core.Violation{
				Field:   name,
				Rule:    "filterable",
				Message: fmt.Sprintf("field %q is not filterable", name),
			})
		}
	}
	if len(violations) > 0 {
		return core.Validation(violations...)
	}
	return nil
}

// ID validates the id of an id-targeted request.
func ID(resource, id string) *core.Error {
	if strings.TrimSpace(id) == "" {
		return core.Payload("id", "non-empty string", id)
	}
	return nil
}

// FieldsFor splits a sparse fieldset entry into field names.
func FieldsFor(params query.Params, resourceType string) []string {
	raw, ok := params.Fields[resourceType]
	if !ok {
		return nil
	}
	var fields []string
	for _, field := range strings.Split(raw, ",") {
		if field = strings.TrimSpace(field); field != "" {
			fields = append(fields, field)
		}
	}
	return fields
}

// ParseLinkage validates a relationship-endpoint payload of the form
// {"data": null | identifier | [identifiers]}.
func ParseLinkage(registry *schema.Registry, raw []byte) (*Relationship, *core.Error) {
	if len(raw) == 0 {
		return nil, core.Payload("", "object", nil)
	}
	return parseRelationship(registry, raw, "")
}
