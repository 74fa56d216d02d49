/*Package client provides easy and fast in-process access to the REST api.

Instead of marshalling HTTP, the client talks directly to the mux router.
The client is the tool of choice if one request handler needs to call
other handlers to fulfill its task. It is also perfectly suited for unit
tests. A client created with NewWithURL talks real HTTP instead.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/restio/core/jsonapi"
)

// Client provides access to the JSON:API surface.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	provider   string
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client that makes pseudo-REST requests directly
// through the mux router.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client that makes REST requests to a server.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithToken returns a new client carrying the bearer token.
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAuthProvider returns a new client naming the verifying provider.
func (c Client) WithAuthProvider(provider string) Client {
	c.provider = provider
	return c
}

// WithHeader returns a new client with a default header added.
func (c Client) WithHeader(key, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	c.defaultHeaders = headers
	return c
}

// WithContext returns a new client with a specific request context.
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

func (c Client) context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Resource is a fluent path builder for one resource.
type Resource struct {
	client     *Client
	name       string
	parameters []string
}

// Resource returns a resource client.
func (c Client) Resource(name string) Resource {
	return Resource{client: &c, name: name}
}

// WithParameter returns a new resource client with a query parameter
// added.
func (r Resource) WithParameter(key, value string) Resource {
	parameter := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	// true copy to avoid side effects
	r.parameters = append(append([]string{}, r.parameters...), parameter)
	return r
}

// WithFilter is a shortcut for WithParameter("filter["+name+"]", value).
func (r Resource) WithFilter(name, value string) Resource {
	return r.WithParameter("filter["+name+"]", value)
}

// WithInclude is a shortcut for WithParameter("include", paths).
func (r Resource) WithInclude(paths string) Resource {
	return r.WithParameter("include", paths)
}

func (r Resource) path(segments ...string) string {
	path := "/" + r.name
	for _, segment := range segments {
		path += "/" + segment
	}
	if len(r.parameters) > 0 {
		path += "?" + strings.Join(r.parameters, "&")
	}
	return path
}

// List reads the collection.
func (r Resource) List() (*jsonapi.Document, int, error) {
	return r.client.do(http.MethodGet, r.path(), nil, http.StatusOK)
}

// Get reads one resource.
func (r Resource) Get(id string) (*jsonapi.Document, int, error) {
	return r.client.do(http.MethodGet, r.path(id), nil, http.StatusOK)
}

// Create posts a new resource. body is a JSON:API document or raw bytes.
func (r Resource) Create(body any) (*jsonapi.Document, int, error) {
	return r.client.do(http.MethodPost, r.path(), body, http.StatusCreated, http.StatusOK, http.StatusNoContent)
}

// Put replaces a resource.
func (r Resource) Put(id string, body any) (*jsonapi.Document, int, error) {
	return r.client.do(http.MethodPut, r.path(id), body, http.StatusOK, http.StatusNoContent)
}

// Patch updates a resource partially.
func (r Resource) Patch(id string, body any) (*jsonapi.Document, int, error) {
	return r.client.do(http.MethodPatch, r.path(id), body, http.StatusOK, http.StatusNoContent)
}

// Delete removes a resource.
func (r Resource) Delete(id string) (int, error) {
	_, status, err := r.client.do(http.MethodDelete, r.path(id), nil, http.StatusNoContent)
	return status, err
}

// Relationships reads the identifier linkage of a relationship.
func (r Resource) Relationships(id, relationship string) (*jsonapi.Document, int, error) {
	return r.client.do(http.MethodGet, r.path(id, "relationships", relationship), nil, http.StatusOK)
}

// AddRelationships links identifiers into a to-many relationship.
func (r Resource) AddRelationships(id, relationship string, body any) (*jsonapi.Document, int, error) {
	return r.client.do(http.MethodPost, r.path(id, "relationships", relationship), body, http.StatusOK)
}

// ReplaceRelationships replaces the linkage of a relationship.
func (r Resource) ReplaceRelationships(id, relationship string, body any) (*jsonapi.Document, int, error) {
	return r.client.do(http.MethodPatch, r.path(id, "relationships", relationship), body, http.StatusOK)
}

// RemoveRelationships unlinks identifiers from a to-many relationship.
func (r Resource) RemoveRelationships(id, relationship string, body any) (*jsonapi.Document, int, error) {
	return r.client.do(http.MethodDelete, r.path(id, "relationships", relationship), body, http.StatusOK)
}

// Related reads the related resources of a relationship.
func (r Resource) Related(id, relationship string) (*jsonapi.Document, int, error) {
	return r.client.do(http.MethodGet, r.path(id, relationship), nil, http.StatusOK)
}

// Bulk executes a bulk operation; method is POST, PATCH or DELETE.
func (r Resource) Bulk(method string, body any, atomic bool) (*jsonapi.Document, int, error) {
	path := r.path("bulk")
	if atomic {
		if strings.Contains(path, "?") {
			path += "&atomic=true"
		} else {
			path += "?atomic=true"
		}
	}
	return r.client.do(method, path, body, http.StatusOK)
}

// RawGet reads a path into result, which can be a *jsonapi.Document, any
// json target or a *[]byte.
func (c Client) RawGet(path string, result any) (int, error) {
	status, body, err := c.roundTrip(http.MethodGet, path, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK {
		return status, statusError(http.MethodGet, path, status, body)
	}
	return status, decode(body, result)
}

// RawRequest performs a request with a preencoded body and decodes the
// response into result when given.
func (c Client) RawRequest(method, path string, body []byte, result any) (int, error) {
	status, response, err := c.roundTrip(method, path, body)
	if err != nil {
		return status, err
	}
	if status >= http.StatusBadRequest {
		return status, statusError(method, path, status, response)
	}
	return status, decode(response, result)
}

func (c *Client) do(method, path string, body any, expected ...int) (*jsonapi.Document, int, error) {
	var encoded []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		encoded = b
	default:
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("%s %s: %w", method, path, err)
		}
	}

	status, response, err := c.roundTrip(method, path, encoded)
	if err != nil {
		return nil, status, err
	}

	var document *jsonapi.Document
	if len(response) > 0 {
		document = &jsonapi.Document{}
		if err := json.Unmarshal(response, document); err != nil {
			return nil, status, fmt.Errorf("%s %s: %w", method, path, err)
		}
	}
	for _, want := range expected {
		if status == want {
			return document, status, nil
		}
	}
	return document, status, statusError(method, path, status, response)
}

func (c *Client) roundTrip(method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r, err := http.NewRequestWithContext(c.context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	if body != nil {
		r.Header.Set("Content-Type", jsonapi.ContentType)
	}
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.provider != "" {
		r.Header.Set("X-Auth-Provider", c.provider)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		return rec.Code, rec.Body.Bytes(), nil
	}

	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	defer res.Body.Close()
	response, _ := io.ReadAll(res.Body)
	return res.StatusCode, response, nil
}

func decode(body []byte, result any) error {
	if result == nil || len(body) == 0 {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = body
		return nil
	}
	return json.Unmarshal(body, result)
}

func statusError(method, path string, status int, body []byte) error {
	return fmt.Errorf("%s %s returned status %d: %s",
		method, path, status, strings.TrimSpace(string(body)))
}
