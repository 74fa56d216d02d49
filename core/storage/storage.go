/*Package storage declares the adapter capability the engine runs against.

Physical drivers live in subpackages; the engine only ever sees this
interface. All methods accept an optional transaction handle; a nil handle
means auto-commit.
*/
package storage

import (
	"context"
	"errors"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/query"
	"github.com/relabs-tech/restio/core/schema"
)

// ErrNotFound is returned by write operations targeting an absent id.
var ErrNotFound = errors.New("storage: record not found")

// ErrConflict is returned when the driver reports a unique violation.
var ErrConflict = errors.New("storage: unique violation")

// Tx is a transaction handle. Handles are comparable by ID, which the
// notification buffer uses as its key.
type Tx interface {
	ID() string
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Clause is a single filter predicate.
type Clause struct {
	Field string
	Op    schema.Operator
	Value any // for OpIn a []any, for OpBetween a [2]any
	// SQL optionally carries a custom predicate fragment from the search
	// schema; drivers that cannot interpret it must reject the query.
	SQL string
}

// In builds an id-set clause, the backbone of batch loading.
func In(field string, values []any) Clause {
	return Clause{Field: field, Op: schema.OpIn, Value: values}
}

// Equal builds an equality clause.
func Equal(field string, value any) Clause {
	return Clause{Field: field, Op: schema.OpEqual, Value: value}
}

// Window requests a per-partition row limit: a row-number ranking over
// PARTITION BY PartitionBy ORDER BY OrderBy with rowNumber <= Limit.
// Drivers without window function support must refuse queries carrying a
// window.
type Window struct {
	PartitionBy string
	OrderBy     []query.SortKey
	Limit       int
}

// Query is a normalized storage query.
type Query struct {
	Clauses  []Clause
	Sort     []query.SortKey
	Page     int
	PageSize int
	Window   *Window
	// Fields selects a subset of columns; empty means all.
	Fields []string
}

// PageMeta is pagination metadata as reported by the driver.
type PageMeta struct {
	Page      int
	PageSize  int
	PageCount int
	Total     int
}

// QueryResult is the result of a collection query.
type QueryResult struct {
	Records    []core.Record
	Pagination *PageMeta
	// Links are pagination links (first/prev/next/last) as provided by
	// the driver, if any.
	Links map[string]string
}

// Capabilities reports what the driver can do.
type Capabilities struct {
	WindowFunctions bool
	Dialect         string
	Version         string
}

// Adapter is the pluggable storage capability.
type Adapter interface {
	Exists(ctx context.Context, tx Tx, resource, id string) (bool, error)

	// GetMinimal returns a snapshot sufficient to evaluate ownership,
	// or nil when the id is absent.
	GetMinimal(ctx context.Context, tx Tx, resource, id string) (core.Record, error)

	Get(ctx context.Context, tx Tx, resource, id string, fields []string) (core.Record, error)
	Query(ctx context.Context, tx Tx, resource string, q Query) (QueryResult, error)

	Post(ctx context.Context, tx Tx, resource string, attributes core.Record) (core.Record, error)
	Put(ctx context.Context, tx Tx, resource, id string, attributes core.Record) (core.Record, error)
	Patch(ctx context.Context, tx Tx, resource, id string, attributes core.Record) (core.Record, error)
	Delete(ctx context.Context, tx Tx, resource, id string) error

	PivotInsert(ctx context.Context, tx Tx, through string, rows []core.Record) error
	PivotDelete(ctx context.Context, tx Tx, through string, clauses []Clause) error

	NewTransaction(ctx context.Context) (Tx, error)
	Capabilities() Capabilities
}
