package client

import (
	"net/http"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestResourcePathBuilding(t *testing.T) {
	c := NewWithRouter(nil)

	r := c.Resource("articles")
	assert.Equal(t, "/articles", r.path())
	assert.Equal(t, "/articles/7", r.path("7"))
	assert.Equal(t, "/articles/7/relationships/tags", r.path("7", "relationships", "tags"))

	filtered := r.WithFilter("state", "open").WithInclude("author,tags")
	assert.Equal(t, "/articles?filter%5Bstate%5D=open&include=author%2Ctags", filtered.path())

	// the builder does not mutate its receiver
	assert.Equal(t, "/articles", r.path())
}

func TestRequestHeaders(t *testing.T) {
	var seen *http.Request
	router := mux.NewRouter()
	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		w.WriteHeader(http.StatusOK)
	})

	c := NewWithRouter(router).
		WithToken("secret-token").
		WithAuthProvider("github").
		WithHeader("X-Forwarded-Path", "/api")

	_, err := c.RawGet("/articles", nil)
	assert.NoError(t, err)
	if assert.NotNil(t, seen) {
		assert.Equal(t, "Bearer secret-token", seen.Header.Get("Authorization"))
		assert.Equal(t, "github", seen.Header.Get("X-Auth-Provider"))
		assert.Equal(t, "/api", seen.Header.Get("X-Forwarded-Path"))
	}
}

func TestStatusErrors(t *testing.T) {
	router := mux.NewRouter()
	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	})
	c := NewWithRouter(router)

	_, status, err := c.Resource("articles").List()
	assert.Equal(t, http.StatusTeapot, status)
	assert.Error(t, err)
}

func TestBulkAtomicParameter(t *testing.T) {
	var path string
	router := mux.NewRouter()
	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.RequestURI()
		w.WriteHeader(http.StatusOK)
	})
	c := NewWithRouter(router)

	_, _, err := c.Resource("articles").Bulk(http.MethodPost, []byte(`{"data":[]}`), true)
	assert.NoError(t, err)
	assert.Equal(t, "/articles/bulk?atomic=true", path)
}
