package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/query"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
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
			"title":     {Kind: schema.FieldString},
			"rating":    {Kind: schema.FieldNumber},
			"author_id": {Kind: schema.FieldBelongsTo, Target: "users", Alias: "author"},
		},
		Relationships: map[string]schema.RelationshipSpec{
			"tags": {
				Kind: schema.ManyToMany, Target: "tags",
				Through: "article_tags", LocalKey: "article_id", OtherKey: "tag_id",
			},
		},
	})
	b.MustAddResource(&schema.ResourceDefinition{
		Name:   "tags",
		Fields: map[string]schema.FieldSpec{"name": {Kind: schema.FieldString}},
	})
	registry, err := b.Freeze()
	if err != nil {
		t.Fatal(err)
	}
	return registry
}

func post(t *testing.T, s *Store, resource string, attributes core.Record) string {
	t.Helper()
	created, err := s.Post(context.Background(), nil, resource, attributes)
	if err != nil {
		t.Fatal(err)
	}
	return core.IDString(created["id"])
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	s := New(testRegistry(t))

	id := post(t, s, "articles", core.Record{"title": "one", "rating": 3})
	assert.Equal(t, "1", id)

	exists, err := s.Exists(ctx, nil, "articles", id)
	assert.NoError(t, err)
	assert.True(t, exists)

	row, err := s.Get(ctx, nil, "articles", id, nil)
	assert.NoError(t, err)
	assert.Equal(t, "one", row["title"])

	// patch merges
	_, err = s.Patch(ctx, nil, "articles", id, core.Record{"rating": 5})
	assert.NoError(t, err)
	row, _ = s.Get(ctx, nil, "articles", id, nil)
	assert.Equal(t, "one", row["title"])
	assert.Equal(t, 5, row["rating"])

	// put replaces
	_, err = s.Put(ctx, nil, "articles", id, core.Record{"title": "two"})
	assert.NoError(t, err)
	row, _ = s.Get(ctx, nil, "articles", id, nil)
	assert.Equal(t, "two", row["title"])
	_, hasRating := row["rating"]
	assert.False(t, hasRating)

	assert.NoError(t, s.Delete(ctx, nil, "articles", id))
	assert.Equal(t, storage.ErrNotFound, s.Delete(ctx, nil, "articles", id))
	row, err = s.GetMinimal(ctx, nil, "articles", id)
	assert.NoError(t, err)
	assert.Nil(t, row)
}

func TestPostKeepsExplicitID(t *testing.T) {
	ctx := context.Background()
	s := New(testRegistry(t))

	created, err := s.Post(ctx, nil, "articles", core.Record{"id": "42", "title": "x"})
	assert.NoError(t, err)
	assert.Equal(t, "42", core.IDString(created["id"]))

	// duplicate ids conflict
	_, err = s.Post(ctx, nil, "articles", core.Record{"id": "42"})
	assert.Equal(t, storage.ErrConflict, err)

	// the sequence continues past the explicit id
	assert.Equal(t, "43", post(t, s, "articles", core.Record{"title": "y"}))
}

func TestQueryFilterSortPaginate(t *testing.T) {
	ctx := context.Background()
	s := New(testRegistry(t))
	for _, row := range []core.Record{
		{"title": "banana", "rating": 2},
		{"title": "apple", "rating": 5},
		{"title": "cherry", "rating": 5},
		{"title": "apricot", "rating": 1},
	} {
		post(t, s, "articles", row)
	}

	result, err := s.Query(ctx, nil, "articles", storage.Query{
		Clauses: []storage.Clause{{Field: "rating", Op: schema.OpEqual, Value: 5}},
		Sort:    []query.SortKey{{Field: "title"}},
	})
	assert.NoError(t, err)
	if assert.Len(t, result.Records, 2) {
		assert.Equal(t, "apple", result.Records[0]["title"])
		assert.Equal(t, "cherry", result.Records[1]["title"])
	}

	result, err = s.Query(ctx, nil, "articles", storage.Query{
		Clauses: []storage.Clause{{Field: "title", Op: schema.OpLike, Value: "ap%"}},
	})
	assert.NoError(t, err)
	assert.Len(t, result.Records, 2)

	// page 2 of size 3 with totals
	result, err = s.Query(ctx, nil, "articles", storage.Query{
		Sort: []query.SortKey{{Field: "title"}}, Page: 2, PageSize: 3,
	})
	assert.NoError(t, err)
	if assert.Len(t, result.Records, 1) {
		assert.Equal(t, "cherry", result.Records[0]["title"])
	}
	if assert.NotNil(t, result.Pagination) {
		assert.Equal(t, 4, result.Pagination.Total)
		assert.Equal(t, 2, result.Pagination.PageCount)
	}

	// descending numeric sort
	result, _ = s.Query(ctx, nil, "articles", storage.Query{
		Sort: []query.SortKey{{Field: "rating", Descending: true}, {Field: "title"}},
	})
	assert.Equal(t, "apple", result.Records[0]["title"])

	// field selection keeps the id
	result, _ = s.Query(ctx, nil, "articles", storage.Query{Fields: []string{"rating"}})
	_, hasTitle := result.Records[0]["title"]
	assert.False(t, hasTitle)
	assert.NotEmpty(t, core.IDString(result.Records[0]["id"]))
}

func TestQueryWindowLimitsPerParent(t *testing.T) {
	ctx := context.Background()
	s := New(testRegistry(t))
	for _, row := range []core.Record{
		{"title": "a1", "author_id": "1"},
		{"title": "a2", "author_id": "1"},
		{"title": "a3", "author_id": "1"},
		{"title": "b1", "author_id": "2"},
	} {
		post(t, s, "articles", row)
	}

	result, err := s.Query(ctx, nil, "articles", storage.Query{
		Clauses: []storage.Clause{{Field: "author_id", Op: schema.OpIn, Value: []any{"1", "2"}}},
		Window: &storage.Window{
			PartitionBy: "author_id",
			OrderBy:     []query.SortKey{{Field: "title"}},
			Limit:       2,
		},
	})
	assert.NoError(t, err)
	titles := make([]string, len(result.Records))
	for i, row := range result.Records {
		titles[i] = row["title"].(string)
	}
	assert.Equal(t, []string{"a1", "a2", "b1"}, titles)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := New(testRegistry(t))

	userID := post(t, s, "users", core.Record{"name": "Ann"})
	articleID := post(t, s, "articles", core.Record{"title": "x", "author_id": userID})
	tagID := post(t, s, "tags", core.Record{"name": "go"})
	assert.NoError(t, s.PivotInsert(ctx, nil, "article_tags", []core.Record{
		{"article_id": articleID, "tag_id": tagID},
	}))

	assert.NoError(t, s.Delete(ctx, nil, "users", userID))

	// the dependent article and its pivot rows are gone, the tag survives
	exists, _ := s.Exists(ctx, nil, "articles", articleID)
	assert.False(t, exists)
	result, _ := s.Query(ctx, nil, "article_tags", storage.Query{})
	assert.Len(t, result.Records, 0)
	exists, _ = s.Exists(ctx, nil, "tags", tagID)
	assert.True(t, exists)
}

func TestPivotInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(testRegistry(t))

	rows := []core.Record{{"article_id": "1", "tag_id": "2"}}
	assert.NoError(t, s.PivotInsert(ctx, nil, "article_tags", rows))
	assert.NoError(t, s.PivotInsert(ctx, nil, "article_tags", rows))

	result, _ := s.Query(ctx, nil, "article_tags", storage.Query{})
	assert.Len(t, result.Records, 1)

	assert.NoError(t, s.PivotDelete(ctx, nil, "article_tags", []storage.Clause{
		storage.Equal("article_id", "1"),
		storage.Equal("tag_id", "2"),
	}))
	result, _ = s.Query(ctx, nil, "article_tags", storage.Query{})
	assert.Len(t, result.Records, 0)
}

func TestTransactionRollbackRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	s := New(testRegistry(t))
	keeper := post(t, s, "articles", core.Record{"title": "kept"})

	tx, err := s.NewTransaction(ctx)
	assert.NoError(t, err)
	doomed := post(t, s, "articles", core.Record{"title": "doomed"})
	_, err = s.Patch(ctx, tx, "articles", keeper, core.Record{"title": "mutated"})
	assert.NoError(t, err)
	assert.NoError(t, tx.Rollback(ctx))

	exists, _ := s.Exists(ctx, nil, "articles", doomed)
	assert.False(t, exists)
	row, _ := s.Get(ctx, nil, "articles", keeper, nil)
	assert.Equal(t, "kept", row["title"])

	// commit keeps the writes
	tx, _ = s.NewTransaction(ctx)
	post(t, s, "articles", core.Record{"title": "committed"})
	assert.NoError(t, tx.Commit(ctx))
	result, _ := s.Query(ctx, nil, "articles", storage.Query{
		Clauses: []storage.Clause{storage.Equal("title", "committed")},
	})
	assert.Len(t, result.Records, 1)
}
