package engine

import (
	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/jsonapi"
	"github.com/relabs-tech/restio/core/query"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
	"github.com/relabs-tech/restio/core/validate"
)

// prefixFor resolves the link prefix: the request override wins over the
// resource's base path, which wins over the engine default.
func (e *Engine) prefixFor(req *Request, def *schema.ResourceDefinition) string {
	if req != nil && req.URLPrefix != "" {
		return req.URLPrefix
	}
	if def.BasePath != "" {
		return def.BasePath
	}
	return e.urlPrefix
}

func selfURL(prefix string, def *schema.ResourceDefinition, id string) string {
	url := prefix + "/" + def.Name
	if id != "" {
		url += "/" + id
	}
	return url
}

// attributesFor copies the record's attributes, stripping the id column,
// foreign keys and polymorphic discriminators, and applying the sparse
// fieldset for the type when one was requested.
func attributesFor(def *schema.ResourceDefinition, record core.Record, params query.Params) core.Record {
	stripped := def.ForeignKeyColumns()
	fields := validate.FieldsFor(params, def.Name)
	var keep map[string]bool
	if fields != nil {
		keep = make(map[string]bool, len(fields))
		for _, field := range fields {
			keep[field] = true
		}
	}
	attributes := core.Record{}
	for name, value := range record {
		if name == def.ID() || stripped[name] {
			continue
		}
		if keep != nil && !keep[name] {
			continue
		}
		attributes[name] = value
	}
	return attributes
}

// relationshipObjects materializes every declared relationship of the
// record: to-one linkage from the foreign-key columns, to-many linkage
// from the include engine's loaded sets, links-only otherwise.
func (e *Engine) relationshipObjects(def *schema.ResourceDefinition, record core.Record, loaded *includeResult, prefix string) map[string]*jsonapi.Relationship {
	all := def.AllRelationships()
	if len(all) == 0 {
		return nil
	}
	id := core.IDString(record[def.ID()])
	base := selfURL(prefix, def, id)
	key := recordKey(def, record)

	out := make(map[string]*jsonapi.Relationship, len(all))
	for alias, rel := range all {
		var relationship *jsonapi.Relationship
		switch rel.Kind {
		case schema.BelongsTo:
			if value := record[rel.ForeignKey]; value != nil {
				relationship = jsonapi.ToOne(&jsonapi.Identifier{Type: rel.Target, ID: core.IDString(value)})
			} else {
				relationship = jsonapi.ToOne(nil)
			}
		case schema.PolymorphicBelongsTo:
			typeName, _ := record[rel.TypeField].(string)
			if value := record[rel.IDField]; typeName != "" && value != nil {
				relationship = jsonapi.ToOne(&jsonapi.Identifier{Type: typeName, ID: core.IDString(value)})
			} else {
				relationship = jsonapi.ToOne(nil)
			}
		default:
			if loaded != nil {
				if identifiers, ok := loaded.links[key][alias]; ok {
					relationship = jsonapi.ToMany(identifiers)
				}
			}
			if relationship == nil {
				relationship = &jsonapi.Relationship{}
			}
		}
		relationship.Links = jsonapi.Links{
			"self":    base + "/relationships/" + alias,
			"related": base + "/" + alias,
		}
		out[alias] = relationship
	}
	return out
}

// resourceObject builds one JSON:API resource object.
func (e *Engine) resourceObject(def *schema.ResourceDefinition, record core.Record, params query.Params, loaded *includeResult, prefix string) *jsonapi.Resource {
	id := core.IDString(record[def.ID()])
	return &jsonapi.Resource{
		Type:          def.Name,
		ID:            id,
		Attributes:    attributesFor(def, record, params),
		Relationships: e.relationshipObjects(def, record, loaded, prefix),
		Links:         jsonapi.Links{"self": selfURL(prefix, def, id)},
	}
}

func (e *Engine) includedObjects(loaded *includeResult, params query.Params, prefix string) []*jsonapi.Resource {
	if loaded == nil || len(loaded.order) == 0 {
		return nil
	}
	included := make([]*jsonapi.Resource, 0, len(loaded.order))
	for _, item := range loaded.order {
		included = append(included, e.resourceObject(item.def, item.record, params, loaded, prefix))
	}
	return included
}

// assembleSingle builds the document for one primary record.
func (e *Engine) assembleSingle(def *schema.ResourceDefinition, record core.Record, loaded *includeResult, req *Request) *jsonapi.Document {
	prefix := e.prefixFor(req, def)
	return &jsonapi.Document{
		Data:     e.resourceObject(def, record, req.Params, loaded, prefix),
		Included: e.includedObjects(loaded, req.Params, prefix),
	}
}

// assembleCollection builds the document for a collection result with
// pagination meta and links.
func (e *Engine) assembleCollection(def *schema.ResourceDefinition, result storage.QueryResult, loaded *includeResult, req *Request) *jsonapi.Document {
	prefix := e.prefixFor(req, def)
	resources := make([]*jsonapi.Resource, 0, len(result.Records))
	for _, record := range result.Records {
		resources = append(resources, e.resourceObject(def, record, req.Params, loaded, prefix))
	}

	doc := &jsonapi.Document{
		Data:     resources,
		Included: e.includedObjects(loaded, req.Params, prefix),
	}

	self := selfURL(prefix, def, "")
	if encoded := req.Params.Canonical().Encode(); encoded != "" {
		self += "?" + encoded
	}
	doc.Links = jsonapi.Links{"self": self}
	for name, url := range result.Links {
		doc.Links[name] = url
	}

	if result.Pagination != nil {
		doc.Meta = map[string]any{"pagination": jsonapi.Pagination{
			Page:      result.Pagination.Page,
			PageSize:  result.Pagination.PageSize,
			PageCount: result.Pagination.PageCount,
			Total:     result.Pagination.Total,
		}}
	}
	return doc
}

// identifierDocument builds an identifier-only document for identifier
// read-back.
func (e *Engine) identifierDocument(def *schema.ResourceDefinition, id string, req *Request) *jsonapi.Document {
	doc := &jsonapi.Document{Data: &jsonapi.Identifier{Type: def.Name, ID: id}}
	if !e.simplified {
		doc.Links = jsonapi.Links{"self": selfURL(e.prefixFor(req, def), def, id)}
	}
	return doc
}
