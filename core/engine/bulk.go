package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/access"
	"github.com/relabs-tech/restio/core/jsonapi"
	"github.com/relabs-tech/restio/core/schema"
)

// executeBulk handles POST/PATCH/DELETE /{resource}/bulk. Every item runs
// through the same executor path as its single-item operation. Atomic
// mode uses one transaction and surfaces the first failure; non-atomic
// mode collects per-item results into an envelope.
func (e *Engine) executeBulk(ctx context.Context, req *Request, def *schema.ResourceDefinition, auth *access.AuthContext) (*Response, *core.Error) {
	switch req.Operation {
	case core.OperationPost, core.OperationPatch, core.OperationDelete:
	default:
		return nil, core.Payload("operation", "post, patch or delete", string(req.Operation))
	}

	items, errP := parseBulkItems(req.Body)
	if errP != nil {
		return nil, errP
	}
	if len(items) > e.bulkLimit {
		return nil, core.Payload("data", fmt.Sprintf("at most %d items", e.bulkLimit), len(items))
	}

	if req.Atomic {
		return e.executeBulkAtomic(ctx, req, def, auth, items)
	}
	return e.executeBulkCollect(ctx, req, def, auth, items)
}

func parseBulkItems(raw []byte) ([]json.RawMessage, *core.Error) {
	if len(raw) == 0 {
		return nil, core.Payload("", "object", nil)
	}
	var doc struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, core.Payload("data", "array", "malformed JSON")
	}
	if doc.Data == nil {
		return nil, core.Payload("data", "array", nil)
	}
	return doc.Data, nil
}

// itemRequest builds the single-item request for one bulk entry.
func (e *Engine) itemRequest(req *Request, item json.RawMessage, auth *access.AuthContext) (*Request, *core.Error) {
	itemReq := &Request{
		Operation: req.Operation,
		Resource:  req.Resource,
		Params:    req.Params,
		Auth:      auth,
		Tx:        req.Tx,
		URLPrefix: req.URLPrefix,
		ScopeVars: req.ScopeVars,
	}
	switch req.Operation {
	case core.OperationDelete:
		var identifier struct {
			Type string `json:"type"`
			ID   any    `json:"id"`
		}
		if err := json.Unmarshal(item, &identifier); err != nil {
			return nil, core.Payload("data", "resource identifier", "not an object")
		}
		id := core.IDString(identifier.ID)
		if id == "" {
			return nil, core.Payload("data.id", "string", identifier.ID)
		}
		itemReq.ID = id
	case core.OperationPatch:
		var partial struct {
			ID any `json:"id"`
		}
		if err := json.Unmarshal(item, &partial); err != nil {
			return nil, core.Payload("data", "resource object", "not an object")
		}
		id := core.IDString(partial.ID)
		if id == "" {
			return nil, core.Payload("data.id", "string", partial.ID)
		}
		itemReq.ID = id
		fallthrough
	case core.OperationPost:
		body, err := json.Marshal(map[string]json.RawMessage{"data": item})
		if err != nil {
			return nil, core.Payload("data", "resource object", "not serializable")
		}
		itemReq.Body = body
	}
	return itemReq, nil
}

func (e *Engine) executeItem(ctx context.Context, itemReq *Request, def *schema.ResourceDefinition, auth *access.AuthContext) (*Response, *core.Error) {
	switch itemReq.Operation {
	case core.OperationPost:
		return e.executePost(ctx, itemReq, def, auth)
	case core.OperationPatch:
		return e.executeUpdate(ctx, itemReq, def, auth)
	default:
		return e.executeDelete(ctx, itemReq, def, auth)
	}
}

func (e *Engine) executeBulkAtomic(ctx context.Context, req *Request, def *schema.ResourceDefinition, auth *access.AuthContext, items []json.RawMessage) (*Response, *core.Error) {
	tx, owned, errT := e.begin(ctx, req)
	if errT != nil {
		return nil, errT
	}

	var successes []any
	for index, item := range items {
		itemReq, errI := e.itemRequest(req, item, auth)
		if errI == nil {
			itemReq.Tx = tx
			var response *Response
			response, errI = e.executeItem(ctx, itemReq, def, auth)
			if errI == nil && response.Document != nil && response.Document.Data != nil {
				successes = append(successes, response.Document.Data)
			}
		}
		if errI != nil {
			e.rollback(ctx, tx, owned)
			return nil, errI.WithDetail("index", index)
		}
	}
	if err := e.commit(ctx, tx, owned); err != nil {
		return nil, err
	}

	return &Response{Status: http.StatusOK, Document: &jsonapi.Document{
		Data: successes,
		Meta: bulkMeta(len(items), len(items), 0),
	}}, nil
}

func (e *Engine) executeBulkCollect(ctx context.Context, req *Request, def *schema.ResourceDefinition, auth *access.AuthContext, items []json.RawMessage) (*Response, *core.Error) {
	var successes []any
	var errors []*jsonapi.ErrorObject
	for index, item := range items {
		itemReq, errI := e.itemRequest(req, item, auth)
		if errI == nil {
			var response *Response
			response, errI = e.executeItem(ctx, itemReq, def, auth)
			if errI == nil {
				if response.Document != nil && response.Document.Data != nil {
					successes = append(successes, response.Document.Data)
				}
				continue
			}
		}
		object := jsonapi.ErrorDocument(errI).Errors[0]
		if object.Meta == nil {
			object.Meta = map[string]any{}
		}
		object.Meta["index"] = index
		errors = append(errors, object)
	}

	return &Response{Status: http.StatusOK, Document: &jsonapi.Document{
		Data:   successes,
		Errors: errors,
		Meta:   bulkMeta(len(items), len(items)-len(errors), len(errors)),
	}}, nil
}

func bulkMeta(total, succeeded, failed int) map[string]any {
	return map[string]any{
		"total":     total,
		"succeeded": succeeded,
		"failed":    failed,
	}
}
