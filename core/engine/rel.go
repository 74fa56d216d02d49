package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/access"
	"github.com/relabs-tech/restio/core/jsonapi"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
	"github.com/relabs-tech/restio/core/validate"
)

// executeRelationship handles GET /{resource}/{id}/{rel}, the
// /relationships/{rel} endpoints and their write operations.
func (e *Engine) executeRelationship(ctx context.Context, req *Request, def *schema.ResourceDefinition, auth *access.AuthContext) (*Response, *core.Error) {
	if errID := validate.ID(def.Name, req.ID); errID != nil {
		return nil, errID
	}
	rel, ok := def.Relationship(req.Relationship)
	if !ok {
		return nil, core.NotFound(def.Name+" relationship", req.Relationship)
	}

	minimal, errM := e.loadMinimal(ctx, req.Tx, def, req.ID)
	if errM != nil {
		return nil, errM
	}
	if err := e.authorize(ctx, def, req.Operation, auth, minimal, req.ScopeVars); err != nil {
		return nil, err
	}
	if err := access.MaskOwner(def, auth, req.ID, minimal); err != nil {
		return nil, err
	}

	if req.Operation == core.OperationRelGet {
		return e.readRelationship(ctx, req.Tx, req, def, rel, minimal)
	}
	return e.writeRelationship(ctx, req, def, rel, minimal)
}

// readRelationship serves both dialects: identifiers only for the
// relationships endpoint, full related resources for the related-resource
// endpoint.
func (e *Engine) readRelationship(ctx context.Context, tx storage.Tx, req *Request, def *schema.ResourceDefinition, rel schema.RelationshipSpec, record core.Record) (*Response, *core.Error) {
	related, identifiers, errL := e.loadLinkage(ctx, tx, def, rel, record)
	if errL != nil {
		return nil, errL
	}

	if req.Related {
		if rel.ToOne() {
			doc := &jsonapi.Document{}
			if len(related) > 0 {
				item := related[0]
				doc.Data = e.resourceObject(item.def, item.record, req.Params, nil, e.prefixFor(req, item.def))
			} else {
				// typed nil keeps an explicit "data": null on the wire
				doc.Data = (*jsonapi.Resource)(nil)
			}
			return &Response{Status: http.StatusOK, Document: doc}, nil
		}
		resources := make([]*jsonapi.Resource, 0, len(related))
		for _, item := range related {
			resources = append(resources, e.resourceObject(item.def, item.record, req.Params, nil, e.prefixFor(req, item.def)))
		}
		return &Response{Status: http.StatusOK, Document: &jsonapi.Document{Data: resources}}, nil
	}

	return &Response{Status: http.StatusOK, Document: e.linkageDocument(req, def, rel, identifiers)}, nil
}

func (e *Engine) linkageDocument(req *Request, def *schema.ResourceDefinition, rel schema.RelationshipSpec, identifiers []jsonapi.Identifier) *jsonapi.Document {
	doc := &jsonapi.Document{}
	if rel.ToOne() {
		if len(identifiers) > 0 {
			doc.Data = &identifiers[0]
		} else {
			doc.Data = (*jsonapi.Identifier)(nil)
		}
	} else {
		doc.Data = identifiers
	}
	if !e.simplified {
		base := selfURL(e.prefixFor(req, def), def, req.ID)
		doc.Links = jsonapi.Links{
			"self":    base + "/relationships/" + req.Relationship,
			"related": base + "/" + req.Relationship,
		}
	}
	return doc
}

// loadLinkage resolves the relationship's current members.
func (e *Engine) loadLinkage(ctx context.Context, tx storage.Tx, def *schema.ResourceDefinition, rel schema.RelationshipSpec, record core.Record) ([]includedRecord, []jsonapi.Identifier, *core.Error) {
	identifiers := []jsonapi.Identifier{}
	var related []includedRecord

	switch rel.Kind {
	case schema.BelongsTo:
		targetDef, errT := e.targetDef(rel.Target)
		if errT != nil {
			return nil, nil, errT
		}
		value := record[rel.ForeignKey]
		if value == nil {
			return nil, identifiers, nil
		}
		id := core.IDString(value)
		target, err := e.store.Get(ctx, tx, targetDef.Name, id, nil)
		if err != nil && err != storage.ErrNotFound {
			return nil, nil, core.AsError(err)
		}
		identifiers = append(identifiers, jsonapi.Identifier{Type: targetDef.Name, ID: id})
		if target != nil {
			related = append(related, includedRecord{def: targetDef, record: target})
		}

	case schema.PolymorphicBelongsTo:
		typeName, _ := record[rel.TypeField].(string)
		value := record[rel.IDField]
		if typeName == "" || value == nil {
			return nil, identifiers, nil
		}
		targetDef, errT := e.targetDef(typeName)
		if errT != nil {
			return nil, nil, errT
		}
		id := core.IDString(value)
		target, err := e.store.Get(ctx, tx, targetDef.Name, id, nil)
		if err != nil && err != storage.ErrNotFound {
			return nil, nil, core.AsError(err)
		}
		identifiers = append(identifiers, jsonapi.Identifier{Type: typeName, ID: id})
		if target != nil {
			related = append(related, includedRecord{def: targetDef, record: target})
		}

	case schema.HasMany:
		targetDef, errT := e.targetDef(rel.Target)
		if errT != nil {
			return nil, nil, errT
		}
		result, err := e.store.Query(ctx, tx, targetDef.Name, storage.Query{
			Clauses: []storage.Clause{storage.Equal(rel.ForeignKey, record[def.ID()])},
		})
		if err != nil {
			return nil, nil, core.AsError(err)
		}
		for _, row := range result.Records {
			identifiers = append(identifiers, jsonapi.Identifier{Type: targetDef.Name, ID: core.IDString(row[targetDef.ID()])})
			related = append(related, includedRecord{def: targetDef, record: row})
		}

	case schema.ManyToMany:
		targetDef, errT := e.targetDef(rel.Target)
		if errT != nil {
			return nil, nil, errT
		}
		pivots, err := e.store.Query(ctx, tx, rel.Through, storage.Query{
			Clauses: []storage.Clause{storage.Equal(rel.LocalKey, record[def.ID()])},
		})
		if err != nil {
			return nil, nil, core.AsError(err)
		}
		for _, row := range pivots.Records {
			id := core.IDString(row[rel.OtherKey])
			target, err := e.store.Get(ctx, tx, targetDef.Name, id, nil)
			if err != nil && err != storage.ErrNotFound {
				return nil, nil, core.AsError(err)
			}
			if target == nil {
				continue
			}
			identifiers = append(identifiers, jsonapi.Identifier{Type: targetDef.Name, ID: id})
			related = append(related, includedRecord{def: targetDef, record: target})
		}

	case schema.ReversePolymorphic:
		targetDef, errT := e.targetDef(rel.Target)
		if errT != nil {
			return nil, nil, errT
		}
		via, ok := targetDef.Relationship(rel.Via)
		if !ok || via.Kind != schema.PolymorphicBelongsTo {
			return nil, nil, core.NotFound(targetDef.Name+" relationship", rel.Via)
		}
		result, err := e.store.Query(ctx, tx, targetDef.Name, storage.Query{
			Clauses: []storage.Clause{
				storage.Equal(via.TypeField, def.Name),
				storage.Equal(via.IDField, record[def.ID()]),
			},
		})
		if err != nil {
			return nil, nil, core.AsError(err)
		}
		for _, row := range result.Records {
			identifiers = append(identifiers, jsonapi.Identifier{Type: targetDef.Name, ID: core.IDString(row[targetDef.ID()])})
			related = append(related, includedRecord{def: targetDef, record: row})
		}
	}
	return related, identifiers, nil
}

// writeRelationship applies rel-post/rel-patch/rel-delete and responds
// with the resulting linkage.
func (e *Engine) writeRelationship(ctx context.Context, req *Request, def *schema.ResourceDefinition, rel schema.RelationshipSpec, minimal core.Record) (*Response, *core.Error) {
	linkage, errL := validate.ParseLinkage(e.registry, req.Body)
	if errL != nil {
		return nil, errL
	}

	tx, owned, errT := e.begin(ctx, req)
	if errT != nil {
		return nil, errT
	}

	var errW *core.Error
	switch rel.Kind {
	case schema.BelongsTo, schema.PolymorphicBelongsTo:
		errW = e.writeToOne(ctx, tx, req, def, rel, linkage)
	case schema.HasMany:
		errW = e.writeHasMany(ctx, tx, req, def, rel, linkage)
	case schema.ManyToMany:
		errW = e.writeManyToMany(ctx, tx, req, def, rel, linkage)
	case schema.ReversePolymorphic:
		errW = e.writeReversePolymorphic(ctx, tx, req, def, rel, linkage)
	}
	if errW != nil {
		e.rollback(ctx, tx, owned)
		return nil, errW
	}

	record, err := e.store.Get(ctx, tx, def.Name, req.ID, nil)
	if err != nil {
		e.rollback(ctx, tx, owned)
		return nil, e.storageError(def, req.ID, err)
	}
	_, identifiers, errR := e.loadLinkage(ctx, tx, def, rel, record)
	if errR != nil {
		e.rollback(ctx, tx, owned)
		return nil, errR
	}

	e.emit(ctx, tx, Event{Operation: core.OperationPatch, Resource: def.Name, ID: req.ID, Record: record})
	if err := e.commit(ctx, tx, owned); err != nil {
		return nil, err
	}
	return &Response{Status: http.StatusOK, Document: e.linkageDocument(req, def, rel, identifiers)}, nil
}

func (e *Engine) writeToOne(ctx context.Context, tx storage.Tx, req *Request, def *schema.ResourceDefinition, rel schema.RelationshipSpec, linkage *validate.Relationship) *core.Error {
	if req.Operation != core.OperationRelPatch {
		return core.Validation(core.Violation{
			Path:    "data",
			Rule:    "to_one",
			Message: fmt.Sprintf("to-one relationship %q only supports replacement", req.Relationship),
		})
	}
	if linkage.Many {
		return core.Payload("data", "object or null", "array")
	}

	update := core.Record{}
	switch rel.Kind {
	case schema.BelongsTo:
		if linkage.Null {
			update[rel.ForeignKey] = nil
			break
		}
		if linkage.One.Type != rel.Target {
			return core.Validation(core.Violation{
				Path:    "data.type",
				Rule:    "allowed_type",
				Message: fmt.Sprintf("relationship %q expects type %q, got %q", req.Relationship, rel.Target, linkage.One.Type),
			})
		}
		update[rel.ForeignKey] = linkage.One.ID
	case schema.PolymorphicBelongsTo:
		if linkage.Null {
			update[rel.TypeField] = nil
			update[rel.IDField] = nil
			break
		}
		if !contains(rel.AllowedTypes, linkage.One.Type) {
			return core.Validation(core.Violation{
				Path:    "data.type",
				Rule:    "allowed_type",
				Message: fmt.Sprintf("type %q is not allowed for relationship %q", linkage.One.Type, req.Relationship),
			})
		}
		update[rel.TypeField] = linkage.One.Type
		update[rel.IDField] = linkage.One.ID
	}
	if _, err := e.store.Patch(ctx, tx, def.Name, req.ID, update); err != nil {
		return e.storageError(def, req.ID, err)
	}
	return nil
}

// toManyIdentifiers validates the payload of a to-many write.
func toManyIdentifiers(rel string, target string, linkage *validate.Relationship) ([]validate.Identifier, *core.Error) {
	if linkage.Null {
		return nil, nil
	}
	if !linkage.Many {
		return nil, core.Payload("data", "array", "object")
	}
	for i, identifier := range linkage.List {
		if identifier.Type != target {
			return nil, core.Validation(core.Violation{
				Path:    fmt.Sprintf("data.%d.type", i),
				Rule:    "allowed_type",
				Message: fmt.Sprintf("relationship %q expects type %q, got %q", rel, target, identifier.Type),
			})
		}
	}
	return linkage.List, nil
}

func (e *Engine) writeHasMany(ctx context.Context, tx storage.Tx, req *Request, def *schema.ResourceDefinition, rel schema.RelationshipSpec, linkage *validate.Relationship) *core.Error {
	targetDef, errT := e.targetDef(rel.Target)
	if errT != nil {
		return errT
	}
	identifiers, errI := toManyIdentifiers(req.Relationship, rel.Target, linkage)
	if errI != nil {
		return errI
	}

	link := func(id string) *core.Error {
		if _, err := e.store.Patch(ctx, tx, targetDef.Name, id, core.Record{rel.ForeignKey: req.ID}); err != nil {
			return e.storageError(targetDef, id, err)
		}
		return nil
	}
	unlink := func(id string) *core.Error {
		child, err := e.store.GetMinimal(ctx, tx, targetDef.Name, id)
		if err != nil {
			return core.AsError(err)
		}
		if child == nil || !core.SameID(child[rel.ForeignKey], req.ID) {
			return nil
		}
		if _, err := e.store.Patch(ctx, tx, targetDef.Name, id, core.Record{rel.ForeignKey: nil}); err != nil {
			return e.storageError(targetDef, id, err)
		}
		return nil
	}

	switch req.Operation {
	case core.OperationRelPost:
		for _, identifier := range identifiers {
			if err := link(identifier.ID); err != nil {
				return err
			}
		}
	case core.OperationRelPatch:
		wanted := map[string]bool{}
		for _, identifier := range identifiers {
			wanted[identifier.ID] = true
		}
		current, err := e.store.Query(ctx, tx, targetDef.Name, storage.Query{
			Clauses: []storage.Clause{storage.Equal(rel.ForeignKey, req.ID)},
		})
		if err != nil {
			return core.AsError(err)
		}
		for _, row := range current.Records {
			id := core.IDString(row[targetDef.ID()])
			if !wanted[id] {
				if errU := unlink(id); errU != nil {
					return errU
				}
			}
		}
		for _, identifier := range identifiers {
			if errL := link(identifier.ID); errL != nil {
				return errL
			}
		}
	case core.OperationRelDelete:
		for _, identifier := range identifiers {
			if err := unlink(identifier.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) writeManyToMany(ctx context.Context, tx storage.Tx, req *Request, def *schema.ResourceDefinition, rel schema.RelationshipSpec, linkage *validate.Relationship) *core.Error {
	identifiers, errI := toManyIdentifiers(req.Relationship, rel.Target, linkage)
	if errI != nil {
		return errI
	}

	insert := func(identifiers []validate.Identifier) *core.Error {
		if len(identifiers) == 0 {
			return nil
		}
		rows := make([]core.Record, len(identifiers))
		for i, identifier := range identifiers {
			rows[i] = core.Record{rel.LocalKey: req.ID, rel.OtherKey: identifier.ID}
		}
		if err := e.store.PivotInsert(ctx, tx, rel.Through, rows); err != nil {
			return e.storageError(def, req.ID, err)
		}
		return nil
	}

	switch req.Operation {
	case core.OperationRelPost:
		return insert(identifiers)
	case core.OperationRelPatch:
		clauses := []storage.Clause{storage.Equal(rel.LocalKey, req.ID)}
		if err := e.store.PivotDelete(ctx, tx, rel.Through, clauses); err != nil {
			return e.storageError(def, req.ID, err)
		}
		return insert(identifiers)
	case core.OperationRelDelete:
		if len(identifiers) == 0 {
			return nil
		}
		ids := make([]any, len(identifiers))
		for i, identifier := range identifiers {
			ids[i] = identifier.ID
		}
		clauses := []storage.Clause{
			storage.Equal(rel.LocalKey, req.ID),
			storage.In(rel.OtherKey, ids),
		}
		if err := e.store.PivotDelete(ctx, tx, rel.Through, clauses); err != nil {
			return e.storageError(def, req.ID, err)
		}
	}
	return nil
}

func (e *Engine) writeReversePolymorphic(ctx context.Context, tx storage.Tx, req *Request, def *schema.ResourceDefinition, rel schema.RelationshipSpec, linkage *validate.Relationship) *core.Error {
	targetDef, errT := e.targetDef(rel.Target)
	if errT != nil {
		return errT
	}
	via, ok := targetDef.Relationship(rel.Via)
	if !ok || via.Kind != schema.PolymorphicBelongsTo {
		return core.NotFound(targetDef.Name+" relationship", rel.Via)
	}
	identifiers, errI := toManyIdentifiers(req.Relationship, rel.Target, linkage)
	if errI != nil {
		return errI
	}

	link := func(id string) *core.Error {
		update := core.Record{via.TypeField: def.Name, via.IDField: req.ID}
		if _, err := e.store.Patch(ctx, tx, targetDef.Name, id, update); err != nil {
			return e.storageError(targetDef, id, err)
		}
		return nil
	}
	unlink := func(id string) *core.Error {
		child, err := e.store.GetMinimal(ctx, tx, targetDef.Name, id)
		if err != nil {
			return core.AsError(err)
		}
		if child == nil {
			return nil
		}
		typeName, _ := child[via.TypeField].(string)
		if typeName != def.Name || !core.SameID(child[via.IDField], req.ID) {
			return nil
		}
		update := core.Record{via.TypeField: nil, via.IDField: nil}
		if _, err := e.store.Patch(ctx, tx, targetDef.Name, id, update); err != nil {
			return e.storageError(targetDef, id, err)
		}
		return nil
	}

	switch req.Operation {
	case core.OperationRelPost:
		for _, identifier := range identifiers {
			if err := link(identifier.ID); err != nil {
				return err
			}
		}
	case core.OperationRelPatch:
		current, err := e.store.Query(ctx, tx, targetDef.Name, storage.Query{
			Clauses: []storage.Clause{
				storage.Equal(via.TypeField, def.Name),
				storage.Equal(via.IDField, req.ID),
			},
		})
		if err != nil {
			return core.AsError(err)
		}
		wanted := map[string]bool{}
		for _, identifier := range identifiers {
			wanted[identifier.ID] = true
		}
		for _, row := range current.Records {
			id := core.IDString(row[targetDef.ID()])
			if !wanted[id] {
				if errU := unlink(id); errU != nil {
					return errU
				}
			}
		}
		for _, identifier := range identifiers {
			if errL := link(identifier.ID); errL != nil {
				return errL
			}
		}
	case core.OperationRelDelete:
		for _, identifier := range identifiers {
			if err := unlink(identifier.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
