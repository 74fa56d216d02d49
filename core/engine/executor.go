package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/access"
	"github.com/relabs-tech/restio/core/query"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
	"github.com/relabs-tech/restio/core/validate"
)

// buildQuery translates validated query parameters into a storage query,
// resolving relationship filters to their foreign-key columns.
func (e *Engine) buildQuery(def *schema.ResourceDefinition, params query.Params) (storage.Query, *core.Error) {
	q := storage.Query{Sort: params.Sort}
	for name, value := range params.Filters {
		spec := def.Search.Filterable[name]
		field := name
		if spec.Relationship {
			if rel, ok := def.Relationship(name); ok {
				switch rel.Kind {
				case schema.BelongsTo:
					field = rel.ForeignKey
				case schema.PolymorphicBelongsTo:
					field = rel.IDField
				}
			}
		}
		clause := storage.Clause{Field: field, Op: spec.Operator, SQL: spec.SQL}
		if clause.Op == "" {
			clause.Op = schema.OpEqual
		}
		switch clause.Op {
		case schema.OpIn:
			parts := strings.Split(fmt.Sprint(value), ",")
			values := make([]any, len(parts))
			for i, part := range parts {
				values[i] = strings.TrimSpace(part)
			}
			clause.Value = values
		case schema.OpBetween:
			parts := strings.Split(fmt.Sprint(value), ",")
			if len(parts) != 2 {
				return q, core.Validation(core.Violation{
					Field:   name,
					Rule:    "between",
					Message: fmt.Sprintf("filter %q needs two comma-separated bounds", name),
				})
			}
			clause.Value = [2]any{strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])}
		default:
			clause.Value = value
		}
		q.Clauses = append(q.Clauses, clause)
	}
	if page, ok := params.Page["number"].(int); ok {
		q.Page = page
	}
	if size, ok := params.Page["size"].(int); ok {
		q.PageSize = size
	}
	return q, nil
}

func (e *Engine) executeList(ctx context.Context, req *Request, def *schema.ResourceDefinition, auth *access.AuthContext) (*Response, *core.Error) {
	if err := validate.QueryParams(def, req.Params); err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, def, core.OperationList, auth, nil, req.ScopeVars); err != nil {
		return nil, err
	}
	q, errQ := e.buildQuery(def, req.Params)
	if errQ != nil {
		return nil, errQ
	}
	if clause, ok := access.OwnerClause(def, auth); ok {
		q.Clauses = append(q.Clauses, clause)
	}
	result, err := e.store.Query(ctx, req.Tx, def.Name, q)
	if err != nil {
		return nil, core.AsError(err)
	}
	loaded, errI := e.expandIncludes(ctx, req.Tx, def, result.Records, req.Params)
	if errI != nil {
		return nil, errI
	}
	return &Response{
		Status:   http.StatusOK,
		Document: e.assembleCollection(def, result, loaded, req),
	}, nil
}

func (e *Engine) executeGet(ctx context.Context, req *Request, def *schema.ResourceDefinition, auth *access.AuthContext) (*Response, *core.Error) {
	if err := validate.QueryParams(def, req.Params); err != nil {
		return nil, err
	}
	if errID := validate.ID(def.Name, req.ID); errID != nil {
		return nil, errID
	}
	minimal, errM := e.loadMinimal(ctx, req.Tx, def, req.ID)
	if errM != nil {
		return nil, errM
	}
	if err := e.authorize(ctx, def, core.OperationGet, auth, minimal, req.ScopeVars); err != nil {
		return nil, err
	}
	if err := access.MaskOwner(def, auth, req.ID, minimal); err != nil {
		return nil, err
	}
	record, err := e.store.Get(ctx, req.Tx, def.Name, req.ID, nil)
	if err != nil {
		return nil, e.storageError(def, req.ID, err)
	}
	if record == nil {
		return nil, core.NotFound(def.Name, req.ID)
	}
	loaded, errI := e.expandIncludes(ctx, req.Tx, def, []core.Record{record}, req.Params)
	if errI != nil {
		return nil, errI
	}
	return &Response{
		Status:   http.StatusOK,
		Document: e.assembleSingle(def, record, loaded, req),
	}, nil
}

func (e *Engine) executePost(ctx context.Context, req *Request, def *schema.ResourceDefinition, auth *access.AuthContext) (*Response, *core.Error) {
	body, errB := validate.ParseBody(core.OperationPost, e.registry, req.Body)
	if errB != nil {
		return nil, errB
	}
	if body.Type != def.Name {
		return nil, core.Validation(core.Violation{
			Path:    "data.type",
			Rule:    "resource_match",
			Message: fmt.Sprintf("payload type %q does not match endpoint %q", body.Type, def.Name),
		})
	}
	if err := e.authorize(ctx, def, core.OperationPost, auth, nil, req.ScopeVars); err != nil {
		return nil, err
	}

	attributes := core.Record{}
	for name, value := range body.Attributes {
		attributes[name] = value
	}
	if err := applyWriteRules(def, attributes, false); err != nil {
		return nil, err
	}
	if err := e.validateSchema(def, attributes); err != nil {
		return nil, err
	}
	access.StampOwner(def, auth, attributes)

	parts, errD := decompose(def, body.Relationships)
	if errD != nil {
		return nil, errD
	}
	for column, value := range parts.ForeignKeys {
		attributes[column] = value
	}
	if body.ID != "" {
		attributes[def.ID()] = body.ID
	}

	tx, owned, errT := e.begin(ctx, req)
	if errT != nil {
		return nil, errT
	}

	created, err := e.store.Post(ctx, tx, def.Name, attributes)
	if err != nil {
		e.rollback(ctx, tx, owned)
		return nil, e.storageError(def, body.ID, err)
	}
	id := core.IDString(created[def.ID()])

	if errP := e.applyPivots(ctx, tx, def, id, parts.Pivots, false); errP != nil {
		e.rollback(ctx, tx, owned)
		return nil, errP
	}

	response, errR := e.readBack(ctx, tx, req, def, core.OperationPost, id, http.StatusCreated)
	if errR != nil {
		e.rollback(ctx, tx, owned)
		return nil, errR
	}

	e.emit(ctx, tx, Event{Operation: core.OperationPost, Resource: def.Name, ID: id, Record: created})
	if err := e.commit(ctx, tx, owned); err != nil {
		return nil, err
	}
	return response, nil
}

func (e *Engine) executeUpdate(ctx context.Context, req *Request, def *schema.ResourceDefinition, auth *access.AuthContext) (*Response, *core.Error) {
	op := req.Operation
	body, errB := validate.ParseBody(op, e.registry, req.Body)
	if errB != nil {
		return nil, errB
	}
	if body.Type != def.Name {
		return nil, core.Validation(core.Violation{
			Path:    "data.type",
			Rule:    "resource_match",
			Message: fmt.Sprintf("payload type %q does not match endpoint %q", body.Type, def.Name),
		})
	}
	if body.ID != req.ID {
		return nil, core.Validation(core.Violation{
			Path:    "data.id",
			Rule:    "resource_match",
			Message: fmt.Sprintf("payload id %q does not match endpoint id %q", body.ID, req.ID),
		})
	}

	minimal, errM := e.loadMinimal(ctx, req.Tx, def, req.ID)
	if errM != nil {
		return nil, errM
	}
	if err := e.authorize(ctx, def, op, auth, minimal, req.ScopeVars); err != nil {
		return nil, err
	}
	if err := access.MaskOwner(def, auth, req.ID, minimal); err != nil {
		return nil, err
	}

	attributes := core.Record{}
	for name, value := range body.Attributes {
		attributes[name] = value
	}
	partial := op == core.OperationPatch
	if err := applyWriteRules(def, attributes, partial); err != nil {
		return nil, err
	}
	if !partial {
		if err := e.validateSchema(def, attributes); err != nil {
			return nil, err
		}
	}
	access.StampOwner(def, auth, attributes)

	parts, errD := decompose(def, body.Relationships)
	if errD != nil {
		return nil, errD
	}
	for column, value := range parts.ForeignKeys {
		attributes[column] = value
	}

	tx, owned, errT := e.begin(ctx, req)
	if errT != nil {
		return nil, errT
	}

	var updated core.Record
	var err error
	if partial {
		updated, err = e.store.Patch(ctx, tx, def.Name, req.ID, attributes)
	} else {
		updated, err = e.store.Put(ctx, tx, def.Name, req.ID, attributes)
	}
	if err != nil {
		e.rollback(ctx, tx, owned)
		return nil, e.storageError(def, req.ID, err)
	}

	// writes replace the pivot sets they name
	if errP := e.applyPivots(ctx, tx, def, req.ID, parts.Pivots, true); errP != nil {
		e.rollback(ctx, tx, owned)
		return nil, errP
	}

	response, errR := e.readBack(ctx, tx, req, def, op, req.ID, http.StatusOK)
	if errR != nil {
		e.rollback(ctx, tx, owned)
		return nil, errR
	}

	e.emit(ctx, tx, Event{Operation: op, Resource: def.Name, ID: req.ID, Record: updated})
	if err := e.commit(ctx, tx, owned); err != nil {
		return nil, err
	}
	return response, nil
}

func (e *Engine) executeDelete(ctx context.Context, req *Request, def *schema.ResourceDefinition, auth *access.AuthContext) (*Response, *core.Error) {
	minimal, errM := e.loadMinimal(ctx, req.Tx, def, req.ID)
	if errM != nil {
		return nil, errM
	}
	if err := e.authorize(ctx, def, core.OperationDelete, auth, minimal, req.ScopeVars); err != nil {
		return nil, err
	}
	if err := access.MaskOwner(def, auth, req.ID, minimal); err != nil {
		return nil, err
	}

	tx, owned, errT := e.begin(ctx, req)
	if errT != nil {
		return nil, errT
	}
	if err := e.store.Delete(ctx, tx, def.Name, req.ID); err != nil {
		e.rollback(ctx, tx, owned)
		return nil, e.storageError(def, req.ID, err)
	}

	e.emit(ctx, tx, Event{Operation: core.OperationDelete, Resource: def.Name, ID: req.ID, Record: minimal})
	if err := e.commit(ctx, tx, owned); err != nil {
		return nil, err
	}
	return &Response{Status: http.StatusNoContent}, nil
}

// readBack produces the write response per the resource's configured
// read-back mode. A full read-back goes through the normal single-read
// path so includes and field selection apply.
func (e *Engine) readBack(ctx context.Context, tx storage.Tx, req *Request, def *schema.ResourceDefinition, op core.Operation, id string, status int) (*Response, *core.Error) {
	switch def.ReadBackFor(op) {
	case schema.ReadBackNone:
		return &Response{Status: http.StatusNoContent}, nil
	case schema.ReadBackIdentifier:
		return &Response{Status: status, Document: e.identifierDocument(def, id, req)}, nil
	}
	record, err := e.store.Get(ctx, tx, def.Name, id, nil)
	if err != nil {
		return nil, e.storageError(def, id, err)
	}
	if record == nil {
		return nil, core.NotFound(def.Name, id)
	}
	loaded, errI := e.expandIncludes(ctx, tx, def, []core.Record{record}, req.Params)
	if errI != nil {
		return nil, errI
	}
	return &Response{Status: status, Document: e.assembleSingle(def, record, loaded, req)}, nil
}
