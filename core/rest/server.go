/*Package rest binds the engine to HTTP and WebSockets.

URL layout per resource:

	GET/POST          /{resource}
	POST/PATCH/DELETE /{resource}/bulk
	GET/PUT/PATCH/DELETE /{resource}/{id}
	GET               /{resource}/{id}/{rel}
	GET/POST/PATCH/DELETE /{resource}/{id}/relationships/{rel}
	GET               /subscriptions (WebSocket upgrade)

Tokens arrive as bearer tokens; X-Auth-Provider selects the verifying
provider and X-Forwarded-Path overrides the link prefix.
*/
package rest

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/access"
	"github.com/relabs-tech/restio/core/engine"
	"github.com/relabs-tech/restio/core/jsonapi"
	"github.com/relabs-tech/restio/core/logger"
	"github.com/relabs-tech/restio/core/notify"
	"github.com/relabs-tech/restio/core/query"
)

// Config carries the collaborators of a server.
type Config struct {
	Engine *engine.Engine

	// Auth builds auth contexts for WebSocket connections; REST requests
	// carry their token through to the engine.
	Auth *access.ContextBuilder

	// Broadcaster enables the /subscriptions endpoint.
	Broadcaster *notify.Broadcaster

	// Prefix is the route prefix, e.g. "/api/v1".
	Prefix string
}

// Server serves the JSON:API surface over gorilla/mux.
type Server struct {
	engine      *engine.Engine
	auth        *access.ContextBuilder
	broadcaster *notify.Broadcaster
	prefix      string
}

// NewServer creates a server from the config.
func NewServer(config Config) *Server {
	if config.Engine == nil {
		panic("rest: engine is required")
	}
	return &Server{
		engine:      config.Engine,
		auth:        config.Auth,
		broadcaster: config.Broadcaster,
		prefix:      config.Prefix,
	}
}

// Routes installs the resource routes on the router.
func (s *Server) Routes(router *mux.Router) {
	r := router
	if s.prefix != "" {
		r = router.PathPrefix(s.prefix).Subrouter()
	}

	if s.broadcaster != nil {
		r.HandleFunc("/subscriptions", s.serveSubscriptions).Methods(http.MethodGet)
	}

	r.HandleFunc("/{resource}/bulk", s.serve(core.OperationPost, serveBulk)).Methods(http.MethodPost)
	r.HandleFunc("/{resource}/bulk", s.serve(core.OperationPatch, serveBulk)).Methods(http.MethodPatch)
	r.HandleFunc("/{resource}/bulk", s.serve(core.OperationDelete, serveBulk)).Methods(http.MethodDelete)

	r.HandleFunc("/{resource}/{id}/relationships/{rel}", s.serve(core.OperationRelGet, serveDefault)).Methods(http.MethodGet)
	r.HandleFunc("/{resource}/{id}/relationships/{rel}", s.serve(core.OperationRelPost, serveDefault)).Methods(http.MethodPost)
	r.HandleFunc("/{resource}/{id}/relationships/{rel}", s.serve(core.OperationRelPatch, serveDefault)).Methods(http.MethodPatch)
	r.HandleFunc("/{resource}/{id}/relationships/{rel}", s.serve(core.OperationRelDelete, serveDefault)).Methods(http.MethodDelete)

	r.HandleFunc("/{resource}/{id}/{rel}", s.serve(core.OperationRelGet, serveRelated)).Methods(http.MethodGet)

	r.HandleFunc("/{resource}/{id}", s.serve(core.OperationGet, serveDefault)).Methods(http.MethodGet)
	r.HandleFunc("/{resource}/{id}", s.serve(core.OperationPut, serveDefault)).Methods(http.MethodPut)
	r.HandleFunc("/{resource}/{id}", s.serve(core.OperationPatch, serveDefault)).Methods(http.MethodPatch)
	r.HandleFunc("/{resource}/{id}", s.serve(core.OperationDelete, serveDefault)).Methods(http.MethodDelete)

	r.HandleFunc("/{resource}", s.serve(core.OperationList, serveDefault)).Methods(http.MethodGet)
	r.HandleFunc("/{resource}", s.serve(core.OperationPost, serveDefault)).Methods(http.MethodPost)
}

// Handler returns the full handler stack: routing, request ids, CORS and
// response compression.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	logger.AddRequestID(router)
	s.Routes(router)
	return handlers.CompressHandler(handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Auth-Provider", "X-Forwarded-Path"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"}),
	)(router))
}

type serveMode int

const (
	serveDefault serveMode = iota
	serveRelated
	serveBulk
)

func (s *Server) serve(op core.Operation, mode serveMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, rlog := logger.ContextWithLogger(r.Context())
		vars := mux.Vars(r)

		req := &engine.Request{
			Operation:    op,
			Resource:     vars["resource"],
			ID:           vars["id"],
			Relationship: vars["rel"],
			Related:      mode == serveRelated,
			Bulk:         mode == serveBulk,
			Atomic:       r.URL.Query().Get("atomic") == "true",
			Params:       query.Parse(r.URL.Query()),
			Token:        bearerToken(r),
			AuthProvider: r.Header.Get("X-Auth-Provider"),
			URLPrefix:    r.Header.Get("X-Forwarded-Path"),
			ScopeVars:    vars,
		}

		if hasBody(op, mode) {
			if errC := checkContentType(r); errC != nil {
				writeError(w, errC)
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, core.Payload("", "readable body", err.Error()))
				return
			}
			req.Body = body
		}

		response := s.engine.Execute(ctx, req)
		if response.Status >= http.StatusInternalServerError {
			rlog.Errorln(op, req.Resource, "failed with status", response.Status)
		}
		writeResponse(w, response)
	}
}

func hasBody(op core.Operation, mode serveMode) bool {
	if mode == serveBulk {
		return true
	}
	switch op {
	case core.OperationPost, core.OperationPut, core.OperationPatch,
		core.OperationRelPost, core.OperationRelPatch, core.OperationRelDelete:
		return true
	}
	return false
}

func checkContentType(r *http.Request) *core.Error {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return core.Payload("", jsonapi.ContentType, contentType)
	}
	switch mediaType {
	case jsonapi.ContentType, "application/json":
		return nil
	}
	return core.Payload("", jsonapi.ContentType, mediaType)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func writeResponse(w http.ResponseWriter, response *engine.Response) {
	if response.Document == nil {
		w.WriteHeader(response.Status)
		return
	}
	w.Header().Set("Content-Type", jsonapi.ContentType)
	w.WriteHeader(response.Status)
	_ = json.NewEncoder(w).Encode(response.Document)
}

func writeError(w http.ResponseWriter, err *core.Error) {
	writeResponse(w, &engine.Response{Status: err.Status(), Document: jsonapi.ErrorDocument(err)})
}
