/*Package sqlstore is the postgres storage adapter.

Each resource maps to one table in the configured database schema: a text
id column fed from a sequence, one text column per foreign key and
polymorphic discriminator, and a jsonb properties column for everything
else. Pivot tables carry the two key columns with a composite primary
key, so duplicate links are impossible by construction.
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/restio/core/logger"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
)

// Store is a storage.Adapter backed by postgres.
type Store struct {
	db       *sql.DB
	schema   string
	registry *schema.Registry
	caps     storage.Capabilities
}

var _ storage.Adapter = (*Store)(nil)

// Open connects to postgres, ensures the database schema exists and
// creates the resource tables. An empty schema name selects public.
func Open(dataSourceName, schemaName string, registry *schema.Registry) (*Store, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return New(db, schemaName, registry)
}

// New wraps an existing connection pool. The database schema is created
// if it does not exist and the resource tables are brought up.
func New(db *sql.DB, schemaName string, registry *schema.Registry) (*Store, error) {
	if schemaName == "" {
		schemaName = "public"
	}
	s := &Store{
		db:       db,
		schema:   schemaName,
		registry: registry,
		caps: storage.Capabilities{
			WindowFunctions: true,
			Dialect:         "postgres",
		},
	}
	var version string
	if err := db.QueryRow(`SHOW server_version`).Scan(&version); err == nil {
		s.caps.Version = version
	}
	if schemaName != "public" {
		if _, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(schemaName)); err != nil {
			return nil, err
		}
	}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	logger.Default().Infoln("sqlstore ready, schema", schemaName, "postgres", s.caps.Version)
	return s, nil
}

func (s *Store) tableName(resource string) string {
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(resource)
}

// keyColumns returns the resource's dedicated columns besides the id:
// foreign keys and polymorphic discriminators, in stable order.
func keyColumns(def *schema.ResourceDefinition) []string {
	stripped := def.ForeignKeyColumns()
	columns := make([]string, 0, len(stripped))
	for name := range stripped {
		columns = append(columns, name)
	}
	sort.Strings(columns)
	return columns
}

func (s *Store) createTables() error {
	pivots := map[string][2]string{}
	for _, name := range s.registry.Names() {
		def, _ := s.registry.Resource(name)

		sequence := pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(name+"_id_seq")
		var b strings.Builder
		fmt.Fprintf(&b, "CREATE SEQUENCE IF NOT EXISTS %s;\n", sequence)
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", s.tableName(name))
		fmt.Fprintf(&b, "  %s TEXT PRIMARY KEY DEFAULT nextval('%s.%s')::text",
			pq.QuoteIdentifier(def.ID()), s.schema, name+"_id_seq")
		for _, column := range keyColumns(def) {
			fmt.Fprintf(&b, ",\n  %s TEXT", pq.QuoteIdentifier(column))
		}
		b.WriteString(",\n  properties JSONB NOT NULL DEFAULT '{}'::jsonb\n);")
		if _, err := s.db.Exec(b.String()); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}

		for _, rel := range def.AllRelationships() {
			if rel.Kind == schema.ManyToMany {
				pivots[rel.Through] = [2]string{rel.LocalKey, rel.OtherKey}
			}
		}
	}
	for through, keys := range pivots {
		statement := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (\n  %s TEXT NOT NULL,\n  %s TEXT NOT NULL,\n  PRIMARY KEY (%s, %s)\n);",
			s.tableName(through),
			pq.QuoteIdentifier(keys[0]), pq.QuoteIdentifier(keys[1]),
			pq.QuoteIdentifier(keys[0]), pq.QuoteIdentifier(keys[1]))
		if _, err := s.db.Exec(statement); err != nil {
			return fmt.Errorf("create pivot table %s: %w", through, err)
		}
	}
	return nil
}

// ClearSchema drops and recreates the database schema; used by tests.
// Refuses to drop public.
func (s *Store) ClearSchema() error {
	if s.schema == "public" {
		return fmt.Errorf("refuse to drop public schema")
	}
	quoted := pq.QuoteIdentifier(s.schema)
	if _, err := s.db.Exec(`DROP SCHEMA ` + quoted + ` CASCADE; CREATE SCHEMA ` + quoted); err != nil {
		return err
	}
	return s.createTables()
}

// Capabilities implements storage.Adapter.
func (s *Store) Capabilities() storage.Capabilities {
	return s.caps
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type transaction struct {
	id string
	tx *sql.Tx
}

func (t *transaction) ID() string { return t.id }

func (t *transaction) Commit(ctx context.Context) error { return t.tx.Commit() }

func (t *transaction) Rollback(ctx context.Context) error { return t.tx.Rollback() }

// NewTransaction implements storage.Adapter.
func (s *Store) NewTransaction(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &transaction{id: uuid.NewString(), tx: tx}, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) on(tx storage.Tx) querier {
	if t, ok := tx.(*transaction); ok && t != nil {
		return t.tx
	}
	return s.db
}

// wrapError maps driver errors onto the storage sentinel errors.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505": // unique_violation
			return storage.ErrConflict
		case "22P02": // invalid_text_representation
			return storage.ErrNotFound
		}
	}
	return err
}
