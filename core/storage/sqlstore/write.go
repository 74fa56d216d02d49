package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
)

// splitAttributes separates a flat attribute record into the dedicated
// columns and the jsonb properties payload.
func splitAttributes(def *schema.ResourceDefinition, attributes core.Record) (id any, keys core.Record, properties core.Record) {
	stripped := def.ForeignKeyColumns()
	keys = core.Record{}
	properties = core.Record{}
	for name, value := range attributes {
		switch {
		case name == def.ID():
			id = value
		case stripped[name]:
			keys[name] = value
		default:
			properties[name] = value
		}
	}
	return id, keys, properties
}

// Post implements storage.Adapter. An absent id falls back to the table's
// sequence default.
func (s *Store) Post(ctx context.Context, tx storage.Tx, resource string, attributes core.Record) (core.Record, error) {
	def, ok := s.registry.Resource(resource)
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", resource)
	}
	id, keys, properties := splitAttributes(def, attributes)
	payload, err := json.Marshal(properties)
	if err != nil {
		return nil, err
	}

	args := &argList{}
	columns := []string{}
	values := []string{}
	if id != nil {
		columns = append(columns, pq.QuoteIdentifier(def.ID()))
		values = append(values, args.add(core.IDString(id)))
	}
	for _, column := range keyColumns(def) {
		columns = append(columns, pq.QuoteIdentifier(column))
		if value, ok := keys[column]; ok && value != nil {
			values = append(values, args.add(core.IDString(value)))
		} else {
			values = append(values, "NULL")
		}
	}
	columns = append(columns, "properties")
	values = append(values, args.add(payload))

	statement := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		s.tableName(resource),
		strings.Join(columns, ", "), strings.Join(values, ", "),
		strings.Join(selectColumns(def), ", "))
	record, err := scanRecord(def, s.on(tx).QueryRowContext(ctx, statement, args.args...).Scan)
	if err != nil {
		return nil, wrapError(err)
	}
	return record, nil
}

// Put implements storage.Adapter: a full replacement of the row.
func (s *Store) Put(ctx context.Context, tx storage.Tx, resource, id string, attributes core.Record) (core.Record, error) {
	return s.update(ctx, tx, resource, id, attributes, false)
}

// Patch implements storage.Adapter: dedicated columns are set where
// present, the jsonb properties are merged.
func (s *Store) Patch(ctx context.Context, tx storage.Tx, resource, id string, attributes core.Record) (core.Record, error) {
	return s.update(ctx, tx, resource, id, attributes, true)
}

func (s *Store) update(ctx context.Context, tx storage.Tx, resource, id string, attributes core.Record, merge bool) (core.Record, error) {
	def, ok := s.registry.Resource(resource)
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", resource)
	}
	_, keys, properties := splitAttributes(def, attributes)
	payload, err := json.Marshal(properties)
	if err != nil {
		return nil, err
	}

	args := &argList{}
	sets := []string{}
	if merge {
		sets = append(sets, "properties = properties || "+args.add(payload)+"::jsonb")
		for _, column := range keyColumns(def) {
			if value, ok := keys[column]; ok {
				if value == nil {
					sets = append(sets, pq.QuoteIdentifier(column)+" = NULL")
				} else {
					sets = append(sets, pq.QuoteIdentifier(column)+" = "+args.add(core.IDString(value)))
				}
			}
		}
	} else {
		sets = append(sets, "properties = "+args.add(payload)+"::jsonb")
		for _, column := range keyColumns(def) {
			if value, ok := keys[column]; ok && value != nil {
				sets = append(sets, pq.QuoteIdentifier(column)+" = "+args.add(core.IDString(value)))
			} else {
				sets = append(sets, pq.QuoteIdentifier(column)+" = NULL")
			}
		}
	}

	statement := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s RETURNING %s",
		s.tableName(resource),
		strings.Join(sets, ", "),
		pq.QuoteIdentifier(def.ID()), args.add(id),
		strings.Join(selectColumns(def), ", "))
	record, err := scanRecord(def, s.on(tx).QueryRowContext(ctx, statement, args.args...).Scan)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapError(err)
	}
	return record, nil
}

// Delete implements storage.Adapter. Deleting cascades to has-many
// children and clears pivot rows, matching the declared relationships
// rather than database-level constraints.
func (s *Store) Delete(ctx context.Context, tx storage.Tx, resource, id string) error {
	def, ok := s.registry.Resource(resource)
	if !ok {
		return fmt.Errorf("unknown resource %q", resource)
	}
	statement := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		s.tableName(resource), pq.QuoteIdentifier(def.ID()))
	result, err := s.on(tx).ExecContext(ctx, statement, id)
	if err != nil {
		return wrapError(err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return storage.ErrNotFound
	}

	for _, rel := range def.AllRelationships() {
		switch rel.Kind {
		case schema.HasMany:
			childDef, ok := s.registry.Resource(rel.Target)
			if !ok {
				continue
			}
			childIDs, err := s.selectIDs(ctx, tx, childDef,
				fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
					pq.QuoteIdentifier(childDef.ID()), s.tableName(rel.Target),
					pq.QuoteIdentifier(rel.ForeignKey)), id)
			if err != nil {
				return err
			}
			for _, childID := range childIDs {
				if err := s.Delete(ctx, tx, rel.Target, childID); err != nil && err != storage.ErrNotFound {
					return err
				}
			}
		case schema.ManyToMany:
			statement := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
				s.tableName(rel.Through), pq.QuoteIdentifier(rel.LocalKey))
			if _, err := s.on(tx).ExecContext(ctx, statement, id); err != nil {
				return wrapError(err)
			}
		}
	}
	return nil
}

func (s *Store) selectIDs(ctx context.Context, tx storage.Tx, def *schema.ResourceDefinition, statement string, args ...any) ([]string, error) {
	rows, err := s.on(tx).QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, wrapError(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, wrapError(rows.Err())
}

// PivotInsert implements storage.Adapter. The composite primary key makes
// the insert idempotent via ON CONFLICT DO NOTHING.
func (s *Store) PivotInsert(ctx context.Context, tx storage.Tx, through string, rows []core.Record) error {
	for _, row := range rows {
		columns := make([]string, 0, len(row))
		for column := range row {
			columns = append(columns, column)
		}
		// stable column order for reproducible statements
		sort.Strings(columns)

		args := &argList{}
		quoted := make([]string, len(columns))
		values := make([]string, len(columns))
		for i, column := range columns {
			quoted[i] = pq.QuoteIdentifier(column)
			values[i] = args.add(core.IDString(row[column]))
		}
		statement := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
			s.tableName(through), strings.Join(quoted, ", "), strings.Join(values, ", "))
		if _, err := s.on(tx).ExecContext(ctx, statement, args.args...); err != nil {
			return wrapError(err)
		}
	}
	return nil
}

// PivotDelete implements storage.Adapter.
func (s *Store) PivotDelete(ctx context.Context, tx storage.Tx, through string, clauses []storage.Clause) error {
	args := &argList{}
	where, err := whereSQL(nil, clauses, args)
	if err != nil {
		return err
	}
	statement := "DELETE FROM " + s.tableName(through) + where
	if _, err := s.on(tx).ExecContext(ctx, statement, args.args...); err != nil {
		return wrapError(err)
	}
	return nil
}
