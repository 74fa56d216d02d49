/*Package engine implements the request execution pipeline: validation,
authorization, ownership enforcement, relationship decomposition, storage
calls, include expansion and compound-document assembly, plus the bulk
operations and the post-commit change events.

The engine consumes normalized requests and produces normalized
responses; it knows nothing about HTTP or WebSockets. The transport in
core/rest binds it to gorilla/mux.
*/
package engine

import (
	"context"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/access"
	"github.com/relabs-tech/restio/core/jsonapi"
	"github.com/relabs-tech/restio/core/query"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
)

// Config carries the collaborators of an engine. Registry and Store are
// required; everything else is optional.
type Config struct {
	Registry *schema.Registry
	Store    storage.Adapter

	// Checkers defaults to the built-in registry (public, authenticated,
	// owns).
	Checkers *access.Checkers

	// Auth builds auth contexts from tokens; without it requests carry a
	// prebuilt context or run anonymously.
	Auth *access.ContextBuilder

	// Schemas validates write attributes against JSON schemas for
	// resources declaring a schema id.
	Schemas *schema.Validator

	// Sinks receive change events after commit.
	Sinks []EventSink

	// MaxIncludeLimit caps per-parent include limits engine-wide; zero
	// means no engine-wide cap.
	MaxIncludeLimit int

	// BulkLimit caps the item count of bulk operations; defaults to 100.
	BulkLimit int

	// URLPrefix is the default prefix for self/related links; a request's
	// URLPrefix and a resource's base path take precedence.
	URLPrefix string

	// Simplified switches relationship endpoints to the bare identifier
	// dialect without link objects.
	Simplified bool
}

// Engine executes requests against the registry and the storage adapter.
type Engine struct {
	registry        *schema.Registry
	store           storage.Adapter
	checkers        *access.Checkers
	auth            *access.ContextBuilder
	schemas         *schema.Validator
	sinks           []EventSink
	maxIncludeLimit int
	bulkLimit       int
	urlPrefix       string
	simplified      bool

	events eventBuffer
}

// New creates an engine from the config.
func New(config Config) *Engine {
	if config.Registry == nil || config.Store == nil {
		panic("engine: registry and store are required")
	}
	checkers := config.Checkers
	if checkers == nil {
		checkers = access.NewCheckers()
	}
	bulkLimit := config.BulkLimit
	if bulkLimit == 0 {
		bulkLimit = 100
	}
	return &Engine{
		registry:        config.Registry,
		store:           config.Store,
		checkers:        checkers,
		auth:            config.Auth,
		schemas:         config.Schemas,
		sinks:           config.Sinks,
		maxIncludeLimit: config.MaxIncludeLimit,
		bulkLimit:       bulkLimit,
		urlPrefix:       config.URLPrefix,
		simplified:      config.Simplified,
	}
}

// Registry returns the engine's resource registry.
func (e *Engine) Registry() *schema.Registry { return e.registry }

// Store returns the engine's storage adapter.
func (e *Engine) Store() storage.Adapter { return e.store }

// Request is a normalized request as handed over by the transport.
type Request struct {
	Operation core.Operation
	Resource  string
	ID        string

	// Relationship names the relationship alias for relationship
	// sub-operations and related-resource reads.
	Relationship string
	// Related distinguishes GET /{resource}/{id}/{rel} (full related
	// resources) from the relationships endpoint (identifiers only).
	Related bool

	// Bulk marks /{resource}/bulk requests; Atomic selects all-or-nothing
	// semantics.
	Bulk   bool
	Atomic bool

	Params query.Params
	Body   []byte

	// Auth is the prebuilt auth context; when nil the engine builds one
	// from Token and AuthProvider.
	Auth         *access.AuthContext
	Token        string
	AuthProvider string

	// Tx is a caller-supplied transaction. The caller commits and then
	// flushes buffered events via FlushEvents.
	Tx storage.Tx

	// URLPrefix overrides the resource's base path in generated links.
	URLPrefix string

	ScopeVars map[string]string
}

// Response is a normalized response. Document is nil for 204.
type Response struct {
	Status   int
	Document *jsonapi.Document
}

// Execute runs the request through the pipeline and never fails: errors
// become error documents with the matching status.
func (e *Engine) Execute(ctx context.Context, req *Request) *Response {
	response, err := e.execute(ctx, req)
	if err != nil {
		return &Response{Status: err.Status(), Document: jsonapi.ErrorDocument(err)}
	}
	return response
}

func (e *Engine) execute(ctx context.Context, req *Request) (*Response, *core.Error) {
	def, ok := e.registry.Resource(req.Resource)
	if !ok {
		return nil, core.NotFound(req.Resource, "")
	}

	auth := req.Auth
	if auth == nil {
		if e.auth != nil {
			built, err := e.auth.Build(ctx, req.Token, req.AuthProvider)
			if err != nil {
				return nil, core.AsError(err)
			}
			auth = built
		} else {
			auth = access.Anonymous()
		}
	}
	ctx = auth.ContextWithAuth(ctx)

	if req.Bulk {
		return e.executeBulk(ctx, req, def, auth)
	}
	if req.Relationship != "" {
		return e.executeRelationship(ctx, req, def, auth)
	}

	switch req.Operation {
	case core.OperationList:
		return e.executeList(ctx, req, def, auth)
	case core.OperationGet:
		return e.executeGet(ctx, req, def, auth)
	case core.OperationPost:
		return e.executePost(ctx, req, def, auth)
	case core.OperationPut, core.OperationPatch:
		return e.executeUpdate(ctx, req, def, auth)
	case core.OperationDelete:
		return e.executeDelete(ctx, req, def, auth)
	}
	return nil, core.Payload("operation", "known operation", string(req.Operation))
}

// authorize evaluates the resource's rule set for the operation.
func (e *Engine) authorize(ctx context.Context, def *schema.ResourceDefinition, op core.Operation, auth *access.AuthContext, minimal core.Record, scopeVars map[string]string) *core.Error {
	rules := def.AuthRules[op.AuthOperation()]
	if err := e.checkers.Evaluate(ctx, rules, auth, &access.CheckerInput{
		Resource:      def,
		MinimalRecord: minimal,
		ScopeVars:     scopeVars,
	}); err != nil {
		return core.AsError(err)
	}
	return nil
}

// loadMinimal prefetches the ownership snapshot for id-targeted
// operations.
func (e *Engine) loadMinimal(ctx context.Context, tx storage.Tx, def *schema.ResourceDefinition, id string) (core.Record, *core.Error) {
	record, err := e.store.GetMinimal(ctx, tx, def.Name, id)
	if err != nil {
		return nil, e.storageError(def, id, err)
	}
	if record == nil {
		return nil, core.NotFound(def.Name, id)
	}
	return record, nil
}

// storageError maps adapter sentinels onto the error taxonomy.
func (e *Engine) storageError(def *schema.ResourceDefinition, id string, err error) *core.Error {
	switch err {
	case nil:
		return nil
	case storage.ErrNotFound:
		return core.NotFound(def.Name, id)
	case storage.ErrConflict:
		return core.Conflict("unique violation on " + def.Name)
	}
	return core.AsError(err)
}

// begin returns the request's transaction, opening an engine-owned one
// when the caller supplied none.
func (e *Engine) begin(ctx context.Context, req *Request) (storage.Tx, bool, *core.Error) {
	if req.Tx != nil {
		return req.Tx, false, nil
	}
	tx, err := e.store.NewTransaction(ctx)
	if err != nil {
		return nil, false, core.AsError(err)
	}
	return tx, true, nil
}

// rollback aborts an engine-owned transaction and discards its buffered
// events.
func (e *Engine) rollback(ctx context.Context, tx storage.Tx, owned bool) {
	if !owned {
		return
	}
	_ = tx.Rollback(ctx)
	e.DiscardEvents(tx)
}

// commit commits an engine-owned transaction and flushes its buffered
// events. Caller-supplied transactions stay open; their owner commits and
// flushes.
func (e *Engine) commit(ctx context.Context, tx storage.Tx, owned bool) *core.Error {
	if !owned {
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		e.DiscardEvents(tx)
		return core.AsError(err)
	}
	e.FlushEvents(ctx, tx)
	return nil
}
