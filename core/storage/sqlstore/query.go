package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/query"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
)

// argList collects positional arguments while SQL is being built.
type argList struct {
	args []any
}

func (a *argList) add(value any) string {
	a.args = append(a.args, value)
	return "$" + strconv.Itoa(len(a.args))
}

// columnExpr renders the SQL expression for a logical field: dedicated
// columns as themselves, everything else out of the jsonb properties.
func columnExpr(def *schema.ResourceDefinition, field string) string {
	if def == nil {
		return pq.QuoteIdentifier(field)
	}
	if field == def.ID() || def.ForeignKeyColumns()[field] {
		return pq.QuoteIdentifier(field)
	}
	return "properties->>" + quoteLiteral(field)
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// comparable renders the expression for an ordering comparison, casting
// to numeric when the bound value is a number so that "9" < "10".
func comparable(expr string, value any) string {
	switch value.(type) {
	case int, int64, float64:
		return "(" + expr + ")::numeric"
	}
	if _, err := strconv.ParseFloat(fmt.Sprint(value), 64); err == nil {
		return "(" + expr + ")::numeric"
	}
	return expr
}

func renderClause(def *schema.ResourceDefinition, clause storage.Clause, args *argList) (string, error) {
	if clause.SQL != "" {
		// custom predicate fragment from the search schema; every ?
		// binds the same value
		placeholder := args.add(clause.Value)
		return "(" + strings.ReplaceAll(clause.SQL, "?", placeholder) + ")", nil
	}
	expr := columnExpr(def, clause.Field)
	switch clause.Op {
	case schema.OpEqual, "":
		if clause.Value == nil {
			return expr + " IS NULL", nil
		}
		return expr + " = " + args.add(fmt.Sprint(clause.Value)), nil
	case schema.OpNotEqual:
		if clause.Value == nil {
			return expr + " IS NOT NULL", nil
		}
		return expr + " <> " + args.add(fmt.Sprint(clause.Value)), nil
	case schema.OpLike:
		return expr + " LIKE " + args.add(fmt.Sprint(clause.Value)), nil
	case schema.OpIn:
		values, ok := clause.Value.([]any)
		if !ok {
			return "", fmt.Errorf("in filter on %q needs a value list", clause.Field)
		}
		if len(values) == 0 {
			return "FALSE", nil
		}
		placeholders := make([]string, len(values))
		for i, value := range values {
			placeholders[i] = args.add(fmt.Sprint(value))
		}
		return expr + " IN (" + strings.Join(placeholders, ", ") + ")", nil
	case schema.OpBetween:
		bounds, ok := clause.Value.([2]any)
		if !ok {
			return "", fmt.Errorf("between filter on %q needs two bounds", clause.Field)
		}
		expr = comparable(expr, bounds[0])
		return expr + " BETWEEN " + args.add(fmt.Sprint(bounds[0])) + " AND " + args.add(fmt.Sprint(bounds[1])), nil
	case schema.OpLess, schema.OpLessEqual, schema.OpGreater, schema.OpGreaterEqual:
		expr = comparable(expr, clause.Value)
		return expr + " " + string(clause.Op) + " " + args.add(fmt.Sprint(clause.Value)), nil
	}
	return "", fmt.Errorf("unsupported filter operator %q", clause.Op)
}

func whereSQL(def *schema.ResourceDefinition, clauses []storage.Clause, args *argList) (string, error) {
	if len(clauses) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(clauses))
	for _, clause := range clauses {
		part, err := renderClause(def, clause, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

func orderSQL(def *schema.ResourceDefinition, sort []query.SortKey, fallback string) string {
	if len(sort) == 0 {
		if fallback == "" {
			return ""
		}
		return " ORDER BY (" + fallback + ")::numeric"
	}
	parts := make([]string, len(sort))
	for i, key := range sort {
		part := columnExpr(def, key.Field)
		if key.Descending {
			part += " DESC"
		}
		parts[i] = part
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

// selectColumns is the fixed select list of a resource table.
func selectColumns(def *schema.ResourceDefinition) []string {
	columns := []string{pq.QuoteIdentifier(def.ID())}
	for _, column := range keyColumns(def) {
		columns = append(columns, pq.QuoteIdentifier(column))
	}
	return append(columns, "properties")
}

// scanRecord reads one row back into a flat record: the id, the key
// columns and the unpacked properties side by side.
func scanRecord(def *schema.ResourceDefinition, scan func(dest ...any) error) (core.Record, error) {
	keys := keyColumns(def)
	dest := make([]any, 0, len(keys)+2)
	var id string
	dest = append(dest, &id)
	nulls := make([]sql.NullString, len(keys))
	for i := range nulls {
		dest = append(dest, &nulls[i])
	}
	var properties []byte
	dest = append(dest, &properties)

	if err := scan(dest...); err != nil {
		return nil, err
	}
	record := core.Record{}
	if len(properties) > 0 {
		if err := json.Unmarshal(properties, &record); err != nil {
			return nil, err
		}
	}
	record[def.ID()] = id
	for i, key := range keys {
		if nulls[i].Valid {
			record[key] = nulls[i].String
		} else {
			record[key] = nil
		}
	}
	return record, nil
}

// applyFields strips the record down to the requested attribute subset;
// the id and the key columns always survive.
func applyFields(def *schema.ResourceDefinition, record core.Record, fields []string) core.Record {
	if record == nil || fields == nil {
		return record
	}
	keep := map[string]bool{def.ID(): true}
	for key := range def.ForeignKeyColumns() {
		keep[key] = true
	}
	for _, field := range fields {
		keep[field] = true
	}
	for name := range record {
		if !keep[name] {
			delete(record, name)
		}
	}
	return record
}

// Exists implements storage.Adapter.
func (s *Store) Exists(ctx context.Context, tx storage.Tx, resource, id string) (bool, error) {
	def, ok := s.registry.Resource(resource)
	if !ok {
		return false, fmt.Errorf("unknown resource %q", resource)
	}
	statement := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = $1",
		s.tableName(resource), pq.QuoteIdentifier(def.ID()))
	var one int
	err := s.on(tx).QueryRowContext(ctx, statement, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapError(err)
	}
	return true, nil
}

func (s *Store) get(ctx context.Context, tx storage.Tx, resource, id string) (core.Record, error) {
	def, ok := s.registry.Resource(resource)
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", resource)
	}
	statement := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		strings.Join(selectColumns(def), ", "), s.tableName(resource), pq.QuoteIdentifier(def.ID()))
	record, err := scanRecord(def, s.on(tx).QueryRowContext(ctx, statement, id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err)
	}
	return record, nil
}

// GetMinimal implements storage.Adapter. The full row doubles as the
// ownership snapshot.
func (s *Store) GetMinimal(ctx context.Context, tx storage.Tx, resource, id string) (core.Record, error) {
	return s.get(ctx, tx, resource, id)
}

// Get implements storage.Adapter.
func (s *Store) Get(ctx context.Context, tx storage.Tx, resource, id string, fields []string) (core.Record, error) {
	def, _ := s.registry.Resource(resource)
	record, err := s.get(ctx, tx, resource, id)
	if err != nil || record == nil {
		return record, err
	}
	return applyFields(def, record, fields), nil
}

// Query implements storage.Adapter. A window request becomes a
// ROW_NUMBER() ranking in a subquery.
func (s *Store) Query(ctx context.Context, tx storage.Tx, resource string, q storage.Query) (storage.QueryResult, error) {
	def, ok := s.registry.Resource(resource)
	if !ok {
		return storage.QueryResult{}, fmt.Errorf("unknown resource %q", resource)
	}

	args := &argList{}
	where, err := whereSQL(def, q.Clauses, args)
	if err != nil {
		return storage.QueryResult{}, err
	}

	columns := strings.Join(selectColumns(def), ", ")
	var statement string
	if q.Window != nil {
		over := "PARTITION BY " + columnExpr(def, q.Window.PartitionBy) +
			orderSQL(def, q.Window.OrderBy, def.ID())
		statement = fmt.Sprintf(
			"SELECT %s FROM (SELECT %s, ROW_NUMBER() OVER (%s) AS rn FROM %s%s) windowed WHERE rn <= %s",
			columns, columns, over, s.tableName(resource), where, args.add(q.Window.Limit))
	} else {
		statement = "SELECT " + columns + " FROM " + s.tableName(resource) + where +
			orderSQL(def, q.Sort, def.ID())
	}

	var meta *storage.PageMeta
	if q.PageSize > 0 {
		page := q.Page
		if page < 1 {
			page = 1
		}
		countArgs := &argList{}
		countWhere, _ := whereSQL(def, q.Clauses, countArgs)
		var total int
		countStatement := "SELECT COUNT(*) FROM " + s.tableName(resource) + countWhere
		if err := s.on(tx).QueryRowContext(ctx, countStatement, countArgs.args...).Scan(&total); err != nil {
			return storage.QueryResult{}, wrapError(err)
		}
		statement += " LIMIT " + args.add(q.PageSize) + " OFFSET " + args.add((page-1)*q.PageSize)
		meta = &storage.PageMeta{
			Page:      page,
			PageSize:  q.PageSize,
			PageCount: (total + q.PageSize - 1) / q.PageSize,
			Total:     total,
		}
	}

	rows, err := s.on(tx).QueryContext(ctx, statement, args.args...)
	if err != nil {
		return storage.QueryResult{}, wrapError(err)
	}
	defer rows.Close()

	result := storage.QueryResult{Pagination: meta}
	for rows.Next() {
		record, err := scanRecord(def, rows.Scan)
		if err != nil {
			return storage.QueryResult{}, err
		}
		result.Records = append(result.Records, applyFields(def, record, q.Fields))
	}
	return result, wrapError(rows.Err())
}
