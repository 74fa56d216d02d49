package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/query"
	"github.com/relabs-tech/restio/core/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	b := schema.NewBuilder()
	b.MustAddResource(&schema.ResourceDefinition{
		Name: "users",
		Fields: map[string]schema.FieldSpec{
			"name": {Kind: schema.FieldString},
		},
	})
	b.MustAddResource(&schema.ResourceDefinition{
		Name: "articles",
		Fields: map[string]schema.FieldSpec{
			"title":     {Kind: schema.FieldString, Required: true},
			"author_id": {Kind: schema.FieldBelongsTo, Target: "users", Alias: "author"},
		},
		Search: schema.SearchSchema{
			Filterable: map[string]schema.FilterSpec{
				"title": {Operator: schema.OpLike},
			},
			Sortable: []string{"title"},
		},
	})
	registry, err := b.Freeze()
	if err != nil {
		t.Fatal(err)
	}
	return registry
}

func TestParseBodyPost(t *testing.T) {
	registry := testRegistry(t)
	body, err := ParseBody(core.OperationPost, registry, []byte(`{
		"data": {
			"type": "articles",
			"attributes": {"title": "hello"},
			"relationships": {"author": {"data": {"type": "users", "id": 7}}}
		}
	}`))
	assert.Nil(t, err)
	assert.Equal(t, "articles", body.Type)
	assert.Equal(t, "hello", body.Attributes["title"])
	// numeric ids stringify
	assert.Equal(t, "7", body.Relationships["author"].One.ID)
}

func TestParseBodyShapeErrors(t *testing.T) {
	registry := testRegistry(t)

	cases := []struct {
		name string
		body string
		code core.Code
		path string
	}{
		{"empty", ``, core.CodePayload, ""},
		{"no data", `{"meta":{}}`, core.CodePayload, "data"},
		{"missing type", `{"data":{"attributes":{}}}`, core.CodePayload, "data.type"},
		{"unknown type", `{"data":{"type":"gadgets"}}`, core.CodeValidation, "data.type"},
		{"boolean id", `{"data":{"type":"articles","id":true}}`, core.CodePayload, "data.id"},
		{"relationship without data", `{"data":{"type":"articles",
			"relationships":{"author":{"meta":{}}}}}`, core.CodePayload, "data.relationships.author.data"},
		{"null identifier id", `{"data":{"type":"articles",
			"relationships":{"author":{"data":{"type":"users","id":null}}}}}`,
			core.CodeValidation, "data.relationships.author.data.id"},
		{"unknown identifier type", `{"data":{"type":"articles",
			"relationships":{"author":{"data":{"type":"gadgets","id":"1"}}}}}`,
			core.CodeValidation, "data.relationships.author.data.type"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseBody(core.OperationPost, registry, []byte(c.body))
			if !assert.NotNil(t, err) {
				return
			}
			assert.Equal(t, c.code, err.Code)
			if c.path != "" {
				assert.Contains(t, pathsOf(err), c.path)
			}
		})
	}
}

// pathsOf collects the structural paths an error points at, both the
// payload path detail and validation violation paths.
func pathsOf(err *core.Error) []string {
	var paths []string
	if path, ok := err.Details["path"].(string); ok {
		paths = append(paths, path)
	}
	if violations, ok := err.Details["violations"].([]core.Violation); ok {
		for _, violation := range violations {
			paths = append(paths, violation.Path)
		}
	}
	return paths
}

func TestParseBodyUpdateNeedsID(t *testing.T) {
	registry := testRegistry(t)
	for _, op := range []core.Operation{core.OperationPut, core.OperationPatch} {
		_, err := ParseBody(op, registry, []byte(`{"data":{"type":"articles","attributes":{"title":"x"}}}`))
		assert.NotNil(t, err, op)
		assert.Equal(t, core.CodePayload, err.Code)
	}
}

func TestParseBodyPatchNeedsChanges(t *testing.T) {
	registry := testRegistry(t)
	_, err := ParseBody(core.OperationPatch, registry, []byte(`{"data":{"type":"articles","id":"1"}}`))
	assert.NotNil(t, err)

	body, err := ParseBody(core.OperationPatch, registry, []byte(
		`{"data":{"type":"articles","id":"1","relationships":{"author":{"data":null}}}}`))
	assert.Nil(t, err)
	assert.True(t, body.Relationships["author"].Null)
}

func TestParseBodyIncludedOnlyOnPost(t *testing.T) {
	registry := testRegistry(t)
	withIncluded := `{"data":{"type":"articles","id":"1","attributes":{"title":"x"}},
		"included":[{"type":"users","id":"2","attributes":{"name":"Ann"}}]}`

	body, err := ParseBody(core.OperationPost, registry, []byte(withIncluded))
	assert.Nil(t, err)
	assert.Len(t, body.Included, 1)

	_, err = ParseBody(core.OperationPut, registry, []byte(withIncluded))
	assert.NotNil(t, err)
}

func TestParseLinkage(t *testing.T) {
	registry := testRegistry(t)

	rel, err := ParseLinkage(registry, []byte(`{"data":null}`))
	assert.Nil(t, err)
	assert.True(t, rel.Null)

	rel, err = ParseLinkage(registry, []byte(`{"data":{"type":"users","id":"3"}}`))
	assert.Nil(t, err)
	assert.Equal(t, "3", rel.One.ID)

	rel, err = ParseLinkage(registry, []byte(`{"data":[{"type":"users","id":"3"},{"type":"users","id":"4"}]}`))
	assert.Nil(t, err)
	assert.True(t, rel.Many)
	assert.Len(t, rel.List, 2)

	_, err = ParseLinkage(registry, []byte(`{"data":[{"type":"users"}]}`))
	assert.NotNil(t, err)
	assert.Contains(t, pathsOf(err), "data.0.id")
}

func TestQueryParams(t *testing.T) {
	registry := testRegistry(t)
	def, _ := registry.Resource("articles")

	assert.Nil(t, QueryParams(def, query.ParseString("filter[title]=x&sort=title")))

	err := QueryParams(def, query.ParseString("sort=body"))
	assert.NotNil(t, err)
	assert.Equal(t, core.CodeValidation, err.Code)

	err = QueryParams(def, query.ParseString("filter[body]=x"))
	assert.NotNil(t, err)
}

func TestFieldsFor(t *testing.T) {
	params := query.ParseString("fields[articles]=title, body")
	assert.Equal(t, []string{"title", "body"}, FieldsFor(params, "articles"))
	assert.Nil(t, FieldsFor(params, "users"))
}
