/*Package memstore provides an in-memory storage adapter.

It implements the full adapter surface including pivot tables, filter
operators, sorting, pagination and per-parent window limits, and is used
by the test suite and by embedded deployments that do not need
persistence. Transactions are serialized: the store supports one open
transaction at a time and rolls back by restoring a snapshot.
*/
package memstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/query"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
)

type table struct {
	rows   map[string]core.Record // keyed by decimal id string
	order  []string               // insertion order
	nextID int64
}

// Store is the in-memory adapter.
type Store struct {
	registry *schema.Registry

	mu     sync.RWMutex
	tables map[string]*table

	txMu sync.Mutex // serializes transactions
}

// New creates an empty store for the given registry. The registry supplies
// id field names and the relationship topology used for delete cascades.
func New(registry *schema.Registry) *Store {
	return &Store{
		registry: registry,
		tables:   map[string]*table{},
	}
}

func (s *Store) table(resource string) *table {
	t, ok := s.tables[resource]
	if !ok {
		t = &table{rows: map[string]core.Record{}, nextID: 0}
		s.tables[resource] = t
	}
	return t
}

func (s *Store) idField(resource string) string {
	if def, ok := s.registry.Resource(resource); ok {
		return def.ID()
	}
	return "id"
}

func copyRecord(r core.Record) core.Record {
	out := make(core.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// tx is a snapshot transaction.
type tx struct {
	id       string
	store    *Store
	snapshot map[string]*table
	done     bool
}

func (t *tx) ID() string { return t.id }

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	t.store.tables = t.snapshot
	t.store.mu.Unlock()
	t.store.txMu.Unlock()
	return nil
}

// NewTransaction opens a transaction. Only one transaction may be open at
// a time; the second caller blocks until the first commits or rolls back.
func (s *Store) NewTransaction(ctx context.Context) (storage.Tx, error) {
	s.txMu.Lock()
	s.mu.RLock()
	snapshot := make(map[string]*table, len(s.tables))
	for name, t := range s.tables {
		cp := &table{
			rows:   make(map[string]core.Record, len(t.rows)),
			order:  append([]string(nil), t.order...),
			nextID: t.nextID,
		}
		for id, row := range t.rows {
			cp.rows[id] = copyRecord(row)
		}
		snapshot[name] = cp
	}
	s.mu.RUnlock()
	return &tx{id: uuid.NewString(), store: s, snapshot: snapshot}, nil
}

// Capabilities reports window function support; the store emulates
// partitioned ranking in memory.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{WindowFunctions: true, Dialect: "memory", Version: "1"}
}

// Exists reports whether the id is present.
func (s *Store) Exists(ctx context.Context, _ storage.Tx, resource, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[resource]
	if !ok {
		return false, nil
	}
	_, ok = t.rows[id]
	return ok, nil
}

// GetMinimal returns a copy of the record, or nil when absent.
func (s *Store) GetMinimal(ctx context.Context, _ storage.Tx, resource, id string) (core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[resource]
	if !ok {
		return nil, nil
	}
	row, ok := t.rows[id]
	if !ok {
		return nil, nil
	}
	return copyRecord(row), nil
}

// Get returns the record with an optional field selection.
func (s *Store) Get(ctx context.Context, tx storage.Tx, resource, id string, fields []string) (core.Record, error) {
	row, err := s.GetMinimal(ctx, tx, resource, id)
	if err != nil || row == nil {
		return row, err
	}
	return selectFields(row, fields, s.idField(resource)), nil
}

func selectFields(row core.Record, fields []string, idField string) core.Record {
	if len(fields) == 0 {
		return row
	}
	out := core.Record{idField: row[idField]}
	for _, f := range fields {
		if v, ok := row[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Query runs a collection query.
func (s *Store) Query(ctx context.Context, _ storage.Tx, resource string, q storage.Query) (storage.QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idField := s.idField(resource)
	var rows []core.Record
	if t, ok := s.tables[resource]; ok {
		for _, id := range t.order {
			row, ok := t.rows[id]
			if !ok {
				continue
			}
			if matchesAll(row, q.Clauses) {
				rows = append(rows, copyRecord(row))
			}
		}
	}

	orderBy := q.Sort
	if len(orderBy) == 0 {
		orderBy = []query.SortKey{{Field: idField}}
	}
	sortRecords(rows, orderBy)

	if q.Window != nil {
		rows = applyWindow(rows, *q.Window, idField)
	}

	result := storage.QueryResult{}
	total := len(rows)
	if q.PageSize > 0 {
		page := q.Page
		if page < 1 {
			page = 1
		}
		pageCount := (total + q.PageSize - 1) / q.PageSize
		from := (page - 1) * q.PageSize
		if from > total {
			from = total
		}
		to := from + q.PageSize
		if to > total {
			to = total
		}
		rows = rows[from:to]
		result.Pagination = &storage.PageMeta{
			Page:      page,
			PageSize:  q.PageSize,
			PageCount: pageCount,
			Total:     total,
		}
	}

	if len(q.Fields) > 0 {
		for i, row := range rows {
			rows[i] = selectFields(row, q.Fields, idField)
		}
	}
	if rows == nil {
		rows = []core.Record{}
	}
	result.Records = rows
	return result, nil
}

func applyWindow(rows []core.Record, w storage.Window, idField string) []core.Record {
	orderBy := w.OrderBy
	if len(orderBy) == 0 {
		orderBy = []query.SortKey{{Field: idField}}
	}
	groups := map[string][]core.Record{}
	var groupOrder []string
	for _, row := range rows {
		key := core.IDString(row[w.PartitionBy])
		if _, ok := groups[key]; !ok {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], row)
	}
	var out []core.Record
	for _, key := range groupOrder {
		group := groups[key]
		sortRecords(group, orderBy)
		if w.Limit > 0 && len(group) > w.Limit {
			group = group[:w.Limit]
		}
		out = append(out, group...)
	}
	return out
}

// Post inserts a record, assigning the next numeric id unless the caller
// supplies one.
func (s *Store) Post(ctx context.Context, _ storage.Tx, resource string, attributes core.Record) (core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idField := s.idField(resource)
	t := s.table(resource)
	row := copyRecord(attributes)

	id := core.IDString(row[idField])
	if id == "" {
		t.nextID++
		row[idField] = t.nextID
		id = strconv.FormatInt(t.nextID, 10)
	} else if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > t.nextID {
		t.nextID = n
	}
	if _, exists := t.rows[id]; exists {
		return nil, storage.ErrConflict
	}
	t.rows[id] = row
	t.order = append(t.order, id)
	return copyRecord(row), nil
}

// Put fully replaces the record with the given id.
func (s *Store) Put(ctx context.Context, _ storage.Tx, resource, id string, attributes core.Record) (core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(resource)
	old, ok := t.rows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	idField := s.idField(resource)
	row := copyRecord(attributes)
	row[idField] = old[idField]
	t.rows[id] = row
	return copyRecord(row), nil
}

// Patch merges attributes into the record with the given id.
func (s *Store) Patch(ctx context.Context, _ storage.Tx, resource, id string, attributes core.Record) (core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(resource)
	row, ok := t.rows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	idField := s.idField(resource)
	for k, v := range attributes {
		if k == idField {
			continue
		}
		row[k] = v
	}
	return copyRecord(row), nil
}

// Delete removes the record and cascades along the registry's
// relationship topology: dependent has-many children and pivot rows go
// with their parent.
func (s *Store) Delete(ctx context.Context, tx storage.Tx, resource, id string) error {
	s.mu.Lock()
	deleted := s.deleteLocked(resource, id)
	s.mu.Unlock()
	if !deleted {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) deleteLocked(resource, id string) bool {
	t, ok := s.tables[resource]
	if !ok {
		return false
	}
	if _, ok := t.rows[id]; !ok {
		return false
	}
	delete(t.rows, id)
	for i, ordered := range t.order {
		if ordered == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}

	def, ok := s.registry.Resource(resource)
	if !ok {
		return true
	}
	for _, rel := range def.AllRelationships() {
		switch rel.Kind {
		case schema.HasMany:
			child, ok := s.tables[rel.Target]
			if !ok {
				continue
			}
			var victims []string
			for childID, row := range child.rows {
				if core.SameID(row[rel.ForeignKey], id) {
					victims = append(victims, childID)
				}
			}
			for _, childID := range victims {
				s.deleteLocked(rel.Target, childID)
			}
		case schema.ManyToMany:
			pivot, ok := s.tables[rel.Through]
			if !ok {
				continue
			}
			var victims []string
			for pivotID, row := range pivot.rows {
				if core.SameID(row[rel.LocalKey], id) {
					victims = append(victims, pivotID)
				}
			}
			for _, pivotID := range victims {
				delete(pivot.rows, pivotID)
				for i, ordered := range pivot.order {
					if ordered == pivotID {
						pivot.order = append(pivot.order[:i], pivot.order[i+1:]...)
						break
					}
				}
			}
		}
	}
	return true
}

// PivotInsert adds rows to a pivot table, skipping duplicates.
func (s *Store) PivotInsert(ctx context.Context, _ storage.Tx, through string, rows []core.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(through)
	for _, row := range rows {
		key := pivotKey(row)
		if _, exists := t.rows[key]; exists {
			continue
		}
		t.rows[key] = copyRecord(row)
		t.order = append(t.order, key)
	}
	return nil
}

// PivotDelete removes pivot rows matching all clauses.
func (s *Store) PivotDelete(ctx context.Context, _ storage.Tx, through string, clauses []storage.Clause) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[through]
	if !ok {
		return nil
	}
	var victims []string
	for key, row := range t.rows {
		if matchesAll(row, clauses) {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		delete(t.rows, key)
		for i, ordered := range t.order {
			if ordered == key {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func pivotKey(row core.Record) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + core.IDString(row[k])
	}
	return strings.Join(parts, "&")
}

func matchesAll(row core.Record, clauses []storage.Clause) bool {
	for _, clause := range clauses {
		if !storage.Matches(row, clause) {
			return false
		}
	}
	return true
}

func sortRecords(rows []core.Record, keys []query.SortKey) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, key := range keys {
			c := storage.Compare(rows[i][key.Field], rows[j][key.Field])
			if c == 0 {
				continue
			}
			if key.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
