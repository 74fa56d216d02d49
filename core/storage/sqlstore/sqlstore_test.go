package sqlstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

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

type SQLStoreTestSuite struct {
	suite.Suite
	container testcontainers.Container
	store     *Store
}

func TestSQLStoreTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	suite.Run(t, new(SQLStoreTestSuite))
}

func (s *SQLStoreTestSuite) SetupSuite() {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	s.Require().NoError(err)
	s.container = container

	host, err := container.Host(ctx)
	s.Require().NoError(err)
	port, err := container.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable",
		host, port.Port())
	s.store, err = Open(dsn, "restio_test", testRegistry(s.T()))
	s.Require().NoError(err)
}

func (s *SQLStoreTestSuite) TearDownSuite() {
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(context.Background()))
	}
}

func (s *SQLStoreTestSuite) SetupTest() {
	s.Require().NoError(s.store.ClearSchema())
}

func (s *SQLStoreTestSuite) TestCRUD() {
	ctx := context.Background()

	created, err := s.store.Post(ctx, nil, "articles", core.Record{"title": "one", "rating": 3})
	s.Require().NoError(err)
	id := core.IDString(created["id"])
	s.NotEmpty(id)
	s.Equal("one", created["title"])

	exists, err := s.store.Exists(ctx, nil, "articles", id)
	s.Require().NoError(err)
	s.True(exists)

	// patch merges into the jsonb properties
	patched, err := s.store.Patch(ctx, nil, "articles", id, core.Record{"rating": 5})
	s.Require().NoError(err)
	s.Equal("one", patched["title"])
	s.EqualValues(5, patched["rating"])

	// put replaces them
	replaced, err := s.store.Put(ctx, nil, "articles", id, core.Record{"title": "two"})
	s.Require().NoError(err)
	s.Equal("two", replaced["title"])
	_, hasRating := replaced["rating"]
	s.False(hasRating)

	s.Require().NoError(s.store.Delete(ctx, nil, "articles", id))
	s.Equal(storage.ErrNotFound, s.store.Delete(ctx, nil, "articles", id))
	row, err := s.store.GetMinimal(ctx, nil, "articles", id)
	s.Require().NoError(err)
	s.Nil(row)
}

func (s *SQLStoreTestSuite) TestExplicitIDConflicts() {
	ctx := context.Background()

	created, err := s.store.Post(ctx, nil, "articles", core.Record{"id": "42", "title": "x"})
	s.Require().NoError(err)
	s.Equal("42", core.IDString(created["id"]))

	_, err = s.store.Post(ctx, nil, "articles", core.Record{"id": "42", "title": "y"})
	s.Equal(storage.ErrConflict, err)
}

func (s *SQLStoreTestSuite) TestQueryFilterSortPaginate() {
	ctx := context.Background()
	for _, row := range []core.Record{
		{"title": "banana", "rating": 2},
		{"title": "apple", "rating": 5},
		{"title": "cherry", "rating": 5},
		{"title": "apricot", "rating": 1},
	} {
		_, err := s.store.Post(ctx, nil, "articles", row)
		s.Require().NoError(err)
	}

	result, err := s.store.Query(ctx, nil, "articles", storage.Query{
		Clauses: []storage.Clause{{Field: "rating", Op: schema.OpEqual, Value: 5}},
		Sort:    []query.SortKey{{Field: "title"}},
	})
	s.Require().NoError(err)
	s.Require().Len(result.Records, 2)
	s.Equal("apple", result.Records[0]["title"])
	s.Equal("cherry", result.Records[1]["title"])

	result, err = s.store.Query(ctx, nil, "articles", storage.Query{
		Clauses: []storage.Clause{{Field: "title", Op: schema.OpLike, Value: "ap%"}},
	})
	s.Require().NoError(err)
	s.Len(result.Records, 2)

	result, err = s.store.Query(ctx, nil, "articles", storage.Query{
		Sort: []query.SortKey{{Field: "title"}}, Page: 2, PageSize: 3,
	})
	s.Require().NoError(err)
	s.Require().Len(result.Records, 1)
	s.Equal("cherry", result.Records[0]["title"])
	s.Require().NotNil(result.Pagination)
	s.Equal(4, result.Pagination.Total)
	s.Equal(2, result.Pagination.PageCount)
}

func (s *SQLStoreTestSuite) TestWindowLimitsPerParent() {
	ctx := context.Background()
	for _, row := range []core.Record{
		{"title": "a1", "author_id": "1"},
		{"title": "a2", "author_id": "1"},
		{"title": "a3", "author_id": "1"},
		{"title": "b1", "author_id": "2"},
	} {
		_, err := s.store.Post(ctx, nil, "articles", row)
		s.Require().NoError(err)
	}

	result, err := s.store.Query(ctx, nil, "articles", storage.Query{
		Clauses: []storage.Clause{{Field: "author_id", Op: schema.OpIn, Value: []any{"1", "2"}}},
		Window: &storage.Window{
			PartitionBy: "author_id",
			OrderBy:     []query.SortKey{{Field: "title"}},
			Limit:       2,
		},
	})
	s.Require().NoError(err)
	s.Require().Len(result.Records, 3)
	titles := map[string]bool{}
	for _, row := range result.Records {
		titles[row["title"].(string)] = true
	}
	s.True(titles["a1"] && titles["a2"] && titles["b1"])
}

func (s *SQLStoreTestSuite) TestDeleteCascades() {
	ctx := context.Background()

	user, err := s.store.Post(ctx, nil, "users", core.Record{"name": "Ann"})
	s.Require().NoError(err)
	userID := core.IDString(user["id"])
	article, err := s.store.Post(ctx, nil, "articles", core.Record{"title": "x", "author_id": userID})
	s.Require().NoError(err)
	articleID := core.IDString(article["id"])
	tag, err := s.store.Post(ctx, nil, "tags", core.Record{"name": "go"})
	s.Require().NoError(err)
	tagID := core.IDString(tag["id"])

	pivot := []core.Record{{"article_id": articleID, "tag_id": tagID}}
	s.Require().NoError(s.store.PivotInsert(ctx, nil, "article_tags", pivot))
	// a second insert of the same pair is a no-op
	s.Require().NoError(s.store.PivotInsert(ctx, nil, "article_tags", pivot))

	s.Require().NoError(s.store.Delete(ctx, nil, "users", userID))

	exists, err := s.store.Exists(ctx, nil, "articles", articleID)
	s.Require().NoError(err)
	s.False(exists)
	exists, err = s.store.Exists(ctx, nil, "tags", tagID)
	s.Require().NoError(err)
	s.True(exists)
}

func (s *SQLStoreTestSuite) TestTransaction() {
	ctx := context.Background()

	tx, err := s.store.NewTransaction(ctx)
	s.Require().NoError(err)
	created, err := s.store.Post(ctx, tx, "articles", core.Record{"title": "doomed"})
	s.Require().NoError(err)
	id := core.IDString(created["id"])
	s.Require().NoError(tx.Rollback(ctx))

	exists, err := s.store.Exists(ctx, nil, "articles", id)
	s.Require().NoError(err)
	s.False(exists)

	tx, err = s.store.NewTransaction(ctx)
	s.Require().NoError(err)
	created, err = s.store.Post(ctx, tx, "articles", core.Record{"title": "kept"})
	s.Require().NoError(err)
	s.Require().NoError(tx.Commit(ctx))

	exists, err = s.store.Exists(ctx, nil, "articles", core.IDString(created["id"]))
	s.Require().NoError(err)
	s.True(exists)
}

func (s *SQLStoreTestSuite) TestCapabilities() {
	caps := s.store.Capabilities()
	s.True(caps.WindowFunctions)
	s.Equal("postgres", caps.Dialect)
	s.NotEmpty(caps.Version)
}
