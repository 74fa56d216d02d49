package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/jsonapi"
	"github.com/relabs-tech/restio/core/query"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
)

// includeNode is one level of the include tree; "comments.author" becomes
// comments → author.
type includeNode struct {
	children map[string]*includeNode
}

func buildIncludeTree(paths []string) *includeNode {
	root := &includeNode{children: map[string]*includeNode{}}
	for _, path := range paths {
		node := root
		for _, segment := range splitPath(path) {
			child, ok := node.children[segment]
			if !ok {
				child = &includeNode{children: map[string]*includeNode{}}
				node.children[segment] = child
			}
			node = child
		}
	}
	return root
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	return segments
}

// includedRecord pairs a fetched record with its resource definition so
// the assembler can build the resource object after expansion completes.
type includedRecord struct {
	def    *schema.ResourceDefinition
	record core.Record
}

// includeResult is the outcome of include expansion: the loaded to-many
// linkage per parent and the deduplicated included set in first-insertion
// order.
type includeResult struct {
	links map[string]map[string][]jsonapi.Identifier
	order []includedRecord
	seen  map[jsonapi.Identifier]bool
}

func recordKey(def *schema.ResourceDefinition, record core.Record) string {
	return def.Name + "/" + core.IDString(record[def.ID()])
}

func (r *includeResult) markLoaded(def *schema.ResourceDefinition, record core.Record, alias string) {
	key := recordKey(def, record)
	if r.links[key] == nil {
		r.links[key] = map[string][]jsonapi.Identifier{}
	}
	if r.links[key][alias] == nil {
		r.links[key][alias] = []jsonapi.Identifier{}
	}
}

func (r *includeResult) attach(def *schema.ResourceDefinition, record core.Record, alias string, identifier jsonapi.Identifier) {
	key := recordKey(def, record)
	if r.links[key] == nil {
		r.links[key] = map[string][]jsonapi.Identifier{}
	}
	r.links[key][alias] = append(r.links[key][alias], identifier)
}

func (r *includeResult) add(def *schema.ResourceDefinition, record core.Record) {
	identifier := jsonapi.Identifier{Type: def.Name, ID: core.IDString(record[def.ID()])}
	if r.seen[identifier] {
		return
	}
	r.seen[identifier] = true
	r.order = append(r.order, includedRecord{def: def, record: record})
}

// expandIncludes batch-loads the relationships named by the include
// parameter for the primary records and returns the loaded linkage plus
// the deduplicated included set.
func (e *Engine) expandIncludes(ctx context.Context, tx storage.Tx, def *schema.ResourceDefinition, records []core.Record, params query.Params) (*includeResult, *core.Error) {
	result := &includeResult{
		links: map[string]map[string][]jsonapi.Identifier{},
		seen:  map[jsonapi.Identifier]bool{},
	}
	// primary records never re-enter included
	for _, record := range records {
		result.seen[jsonapi.Identifier{Type: def.Name, ID: core.IDString(record[def.ID()])}] = true
	}
	if len(params.Include) == 0 || len(records) == 0 {
		return result, nil
	}
	tree := buildIncludeTree(params.Include)
	if err := e.expandNode(ctx, tx, def, records, tree, params, result, map[string]bool{}); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) expandNode(ctx context.Context, tx storage.Tx, def *schema.ResourceDefinition, records []core.Record, node *includeNode, params query.Params, result *includeResult, visited map[string]bool) *core.Error {
	if len(records) == 0 {
		return nil
	}
	aliases := make([]string, 0, len(node.children))
	for alias := range node.children {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		edge := def.Name + "." + alias
		if visited[edge] {
			continue
		}
		visited[edge] = true

		rel, ok := def.Relationship(alias)
		if !ok {
			return core.Validation(core.Violation{
				Field:   alias,
				Rule:    "known_relationship",
				Message: fmt.Sprintf("resource %q has no relationship %q", def.Name, alias),
			})
		}

		var related []includedRecord
		var err *core.Error
		switch rel.Kind {
		case schema.BelongsTo:
			related, err = e.loadBelongsTo(ctx, tx, rel, records)
		case schema.PolymorphicBelongsTo:
			related, err = e.loadPolymorphic(ctx, tx, rel, records)
		case schema.HasMany:
			related, err = e.loadHasMany(ctx, tx, def, rel, alias, records, params, result)
		case schema.ManyToMany:
			related, err = e.loadManyToMany(ctx, tx, def, rel, alias, records, params, result)
		case schema.ReversePolymorphic:
			related, err = e.loadReversePolymorphic(ctx, tx, def, rel, alias, records, params, result)
		}
		if err != nil {
			return err
		}

		byTarget := map[*schema.ResourceDefinition][]core.Record{}
		for _, item := range related {
			result.add(item.def, item.record)
			byTarget[item.def] = append(byTarget[item.def], item.record)
		}
		child := node.children[alias]
		if len(child.children) > 0 {
			for targetDef, targetRecords := range byTarget {
				if err := e.expandNode(ctx, tx, targetDef, targetRecords, child, params, result, visited); err != nil {
					return err
				}
			}
		}
		delete(visited, edge)
	}
	return nil
}

func (e *Engine) targetDef(name string) (*schema.ResourceDefinition, *core.Error) {
	def, ok := e.registry.Resource(name)
	if !ok {
		return nil, core.NotFound(name, "")
	}
	return def, nil
}

// loadBelongsTo collects the unique foreign-key values and runs a single
// id-set query against the target. The parent's identifier linkage comes
// from the foreign-key column at assembly time.
func (e *Engine) loadBelongsTo(ctx context.Context, tx storage.Tx, rel schema.RelationshipSpec, records []core.Record) ([]includedRecord, *core.Error) {
	targetDef, errT := e.targetDef(rel.Target)
	if errT != nil {
		return nil, errT
	}
	var ids []any
	seen := map[string]bool{}
	for _, record := range records {
		value := record[rel.ForeignKey]
		if value == nil {
			continue
		}
		id := core.IDString(value)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, value)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	queried, err := e.store.Query(ctx, tx, targetDef.Name, storage.Query{
		Clauses: []storage.Clause{storage.In(targetDef.ID(), ids)},
	})
	if err != nil {
		return nil, core.AsError(err)
	}
	related := make([]includedRecord, 0, len(queried.Records))
	for _, record := range queried.Records {
		related = append(related, includedRecord{def: targetDef, record: record})
	}
	return related, nil
}

// loadPolymorphic groups parents by their discriminator value and runs
// one id-set query per allowed type.
func (e *Engine) loadPolymorphic(ctx context.Context, tx storage.Tx, rel schema.RelationshipSpec, records []core.Record) ([]includedRecord, *core.Error) {
	groups := map[string][]any{}
	seen := map[string]bool{}
	for _, record := range records {
		typeName, _ := record[rel.TypeField].(string)
		value := record[rel.IDField]
		if typeName == "" || value == nil || !contains(rel.AllowedTypes, typeName) {
			continue
		}
		key := typeName + "/" + core.IDString(value)
		if seen[key] {
			continue
		}
		seen[key] = true
		groups[typeName] = append(groups[typeName], value)
	}

	typeNames := make([]string, 0, len(groups))
	for typeName := range groups {
		typeNames = append(typeNames, typeName)
	}
	sort.Strings(typeNames)

	var related []includedRecord
	for _, typeName := range typeNames {
		targetDef, errT := e.targetDef(typeName)
		if errT != nil {
			return nil, errT
		}
		queried, err := e.store.Query(ctx, tx, targetDef.Name, storage.Query{
			Clauses: []storage.Clause{storage.In(targetDef.ID(), groups[typeName])},
		})
		if err != nil {
			return nil, core.AsError(err)
		}
		for _, record := range queried.Records {
			related = append(related, includedRecord{def: targetDef, record: record})
		}
	}
	return related, nil
}

// loadHasMany runs one foreign-key-set query against the target and
// groups the children by parent, windowed per parent when a limit
// applies.
func (e *Engine) loadHasMany(ctx context.Context, tx storage.Tx, def *schema.ResourceDefinition, rel schema.RelationshipSpec, alias string, records []core.Record, params query.Params, result *includeResult) ([]includedRecord, *core.Error) {
	targetDef, errT := e.targetDef(rel.Target)
	if errT != nil {
		return nil, errT
	}
	parentIDs := parentIDValues(def, records)
	q := storage.Query{Clauses: []storage.Clause{storage.In(rel.ForeignKey, parentIDs)}}

	limit := e.includeLimit(targetDef, params, alias)
	if limit > 0 {
		window, err := e.windowFor(targetDef, rel.ForeignKey, limit)
		if err != nil {
			return nil, err
		}
		q.Window = window
	}
	queried, err := e.store.Query(ctx, tx, targetDef.Name, q)
	if err != nil {
		return nil, core.AsError(err)
	}

	byParent := groupByParent(def, records, result, alias)
	related := make([]includedRecord, 0, len(queried.Records))
	for _, record := range queried.Records {
		related = append(related, includedRecord{def: targetDef, record: record})
		parentID := core.IDString(record[rel.ForeignKey])
		if parent, ok := byParent[parentID]; ok {
			result.attach(def, parent, alias, jsonapi.Identifier{
				Type: targetDef.Name,
				ID:   core.IDString(record[targetDef.ID()]),
			})
		}
	}
	return related, nil
}

// loadManyToMany windows the pivot query per parent, then loads the
// distinct targets with one id-set query and regroups via the pivot rows.
func (e *Engine) loadManyToMany(ctx context.Context, tx storage.Tx, def *schema.ResourceDefinition, rel schema.RelationshipSpec, alias string, records []core.Record, params query.Params, result *includeResult) ([]includedRecord, *core.Error) {
	targetDef, errT := e.targetDef(rel.Target)
	if errT != nil {
		return nil, errT
	}
	parentIDs := parentIDValues(def, records)
	pivotQuery := storage.Query{Clauses: []storage.Clause{storage.In(rel.LocalKey, parentIDs)}}

	limit := e.includeLimit(targetDef, params, alias)
	if limit > 0 {
		window, err := e.windowFor(targetDef, rel.LocalKey, limit)
		if err != nil {
			return nil, err
		}
		window.OrderBy = []query.SortKey{{Field: rel.OtherKey}}
		pivotQuery.Window = window
	}
	pivots, err := e.store.Query(ctx, tx, rel.Through, pivotQuery)
	if err != nil {
		return nil, core.AsError(err)
	}

	var targetIDs []any
	seen := map[string]bool{}
	for _, row := range pivots.Records {
		value := row[rel.OtherKey]
		id := core.IDString(value)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		targetIDs = append(targetIDs, value)
	}

	targets := map[string]core.Record{}
	var related []includedRecord
	if len(targetIDs) > 0 {
		queried, err := e.store.Query(ctx, tx, targetDef.Name, storage.Query{
			Clauses: []storage.Clause{storage.In(targetDef.ID(), targetIDs)},
		})
		if err != nil {
			return nil, core.AsError(err)
		}
		for _, record := range queried.Records {
			targets[core.IDString(record[targetDef.ID()])] = record
			related = append(related, includedRecord{def: targetDef, record: record})
		}
	}

	byParent := groupByParent(def, records, result, alias)
	for _, row := range pivots.Records {
		parent, ok := byParent[core.IDString(row[rel.LocalKey])]
		if !ok {
			continue
		}
		targetID := core.IDString(row[rel.OtherKey])
		if _, ok := targets[targetID]; !ok {
			continue
		}
		result.attach(def, parent, alias, jsonapi.Identifier{Type: targetDef.Name, ID: targetID})
	}
	return related, nil
}

// loadReversePolymorphic queries the target filtered by the polymorphic
// discriminator pointing back at this resource.
func (e *Engine) loadReversePolymorphic(ctx context.Context, tx storage.Tx, def *schema.ResourceDefinition, rel schema.RelationshipSpec, alias string, records []core.Record, params query.Params, result *includeResult) ([]includedRecord, *core.Error) {
	targetDef, errT := e.targetDef(rel.Target)
	if errT != nil {
		return nil, errT
	}
	via, ok := targetDef.Relationship(rel.Via)
	if !ok || via.Kind != schema.PolymorphicBelongsTo {
		return nil, core.Validation(core.Violation{
			Field:   alias,
			Rule:    "known_relationship",
			Message: fmt.Sprintf("relationship %q has no polymorphic inverse %q on %q", alias, rel.Via, rel.Target),
		})
	}
	parentIDs := parentIDValues(def, records)
	q := storage.Query{Clauses: []storage.Clause{
		storage.Equal(via.TypeField, def.Name),
		storage.In(via.IDField, parentIDs),
	}}

	limit := e.includeLimit(targetDef, params, alias)
	if limit > 0 {
		window, err := e.windowFor(targetDef, via.IDField, limit)
		if err != nil {
			return nil, err
		}
		q.Window = window
	}
	queried, err := e.store.Query(ctx, tx, targetDef.Name, q)
	if err != nil {
		return nil, core.AsError(err)
	}

	byParent := groupByParent(def, records, result, alias)
	related := make([]includedRecord, 0, len(queried.Records))
	for _, record := range queried.Records {
		related = append(related, includedRecord{def: targetDef, record: record})
		if parent, ok := byParent[core.IDString(record[via.IDField])]; ok {
			result.attach(def, parent, alias, jsonapi.Identifier{
				Type: targetDef.Name,
				ID:   core.IDString(record[targetDef.ID()]),
			})
		}
	}
	return related, nil
}

// includeLimit resolves the per-parent limit hierarchy: the requested
// limit (page[<alias>]) wins, else the target resource's default, clamped
// by the resource maximum and the engine-wide maximum. The string values
// "null" and "false" explicitly disable the cap.
func (e *Engine) includeLimit(targetDef *schema.ResourceDefinition, params query.Params, alias string) int {
	limit := targetDef.Include.Default
	switch requested := params.Page[alias].(type) {
	case int:
		limit = requested
	case string:
		if requested == "null" || requested == "false" {
			return 0
		}
	}
	if max := targetDef.Include.Max; max > 0 && (limit == 0 || limit > max) {
		limit = max
	}
	if max := e.maxIncludeLimit; max > 0 && limit > max {
		limit = max
	}
	if limit < 0 {
		limit = 0
	}
	return limit
}

// windowFor builds the per-parent window, gated on the adapter's window
// function capability. Without the capability the include either falls
// back to an unbounded load (when the resource permits it) or fails
// naming the missing feature.
func (e *Engine) windowFor(targetDef *schema.ResourceDefinition, partitionBy string, limit int) (*storage.Window, *core.Error) {
	if !e.store.Capabilities().WindowFunctions {
		if targetDef.Include.AllowUnlimited {
			return nil, nil
		}
		return nil, core.Unsupported("window_functions",
			fmt.Sprintf("per-parent include limit on %q requires window function support", targetDef.Name))
	}
	return &storage.Window{
		PartitionBy: partitionBy,
		OrderBy:     []query.SortKey{{Field: targetDef.ID()}},
		Limit:       limit,
	}, nil
}

func parentIDValues(def *schema.ResourceDefinition, records []core.Record) []any {
	ids := make([]any, 0, len(records))
	for _, record := range records {
		ids = append(ids, record[def.ID()])
	}
	return ids
}

// groupByParent indexes the parents by id string and marks the alias as
// loaded on each of them, so parents without children assemble an empty
// identifier list rather than a links-only relationship.
func groupByParent(def *schema.ResourceDefinition, records []core.Record, result *includeResult, alias string) map[string]core.Record {
	byParent := make(map[string]core.Record, len(records))
	for _, record := range records {
		byParent[core.IDString(record[def.ID()])] = record
		result.markLoaded(def, record, alias)
	}
	return byParent
}
