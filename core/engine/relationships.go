package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
	"github.com/relabs-tech/restio/core/validate"
)

// pivotOp is a deferred many-to-many write: the pivot rows are written
// after the primary record exists.
type pivotOp struct {
	Alias       string
	Through     string
	LocalKey    string
	OtherKey    string
	Identifiers []validate.Identifier
}

// decomposed is the outcome of relationship decomposition on a write:
// foreign-key column writes folded into the primary record plus pivot
// operations executed afterwards.
type decomposed struct {
	ForeignKeys core.Record
	Pivots      []pivotOp
}

// decompose converts the validated relationship payload entries into
// storage-level writes, dispatching on the declared relationship kind.
func decompose(def *schema.ResourceDefinition, relationships map[string]validate.Relationship) (*decomposed, *core.Error) {
	out := &decomposed{ForeignKeys: core.Record{}}
	if len(relationships) == 0 {
		return out, nil
	}

	aliases := make([]string, 0, len(relationships))
	for alias := range relationships {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		payload := relationships[alias]
		path := "data.relationships." + alias
		rel, ok := def.Relationship(alias)
		if !ok {
			return nil, core.Validation(core.Violation{
				Path:    path,
				Rule:    "known_relationship",
				Message: fmt.Sprintf("resource %q has no relationship %q", def.Name, alias),
			})
		}

		switch rel.Kind {
		case schema.BelongsTo:
			if payload.Many {
				return nil, core.Payload(path+".data", "object or null", "array")
			}
			if payload.Null {
				out.ForeignKeys[rel.ForeignKey] = nil
				continue
			}
			if payload.One.Type != rel.Target {
				return nil, core.Validation(core.Violation{
					Path:    path + ".data.type",
					Rule:    "allowed_type",
					Message: fmt.Sprintf("relationship %q expects type %q, got %q", alias, rel.Target, payload.One.Type),
				})
			}
			out.ForeignKeys[rel.ForeignKey] = payload.One.ID

		case schema.PolymorphicBelongsTo:
			if payload.Many {
				return nil, core.Payload(path+".data", "object or null", "array")
			}
			if payload.Null {
				out.ForeignKeys[rel.TypeField] = nil
				out.ForeignKeys[rel.IDField] = nil
				continue
			}
			if !contains(rel.AllowedTypes, payload.One.Type) {
				return nil, core.Validation(core.Violation{
					Path:    path + ".data.type",
					Rule:    "allowed_type",
					Message: fmt.Sprintf("type %q is not allowed for relationship %q", payload.One.Type, alias),
				})
			}
			out.ForeignKeys[rel.TypeField] = payload.One.Type
			out.ForeignKeys[rel.IDField] = payload.One.ID

		case schema.ManyToMany:
			identifiers := payload.List
			if payload.Null {
				identifiers = nil
			} else if !payload.Many {
				return nil, core.Payload(path+".data", "array or null", "object")
			}
			for i, identifier := range identifiers {
				if identifier.Type != rel.Target {
					return nil, core.Validation(core.Violation{
						Path:    fmt.Sprintf("%s.data.%d.type", path, i),
						Rule:    "allowed_type",
						Message: fmt.Sprintf("relationship %q expects type %q, got %q", alias, rel.Target, identifier.Type),
					})
				}
			}
			out.Pivots = append(out.Pivots, pivotOp{
				Alias:       alias,
				Through:     rel.Through,
				LocalKey:    rel.LocalKey,
				OtherKey:    rel.OtherKey,
				Identifiers: identifiers,
			})

		default:
			return nil, core.Validation(core.Violation{
				Path:    path,
				Rule:    "writable",
				Message: fmt.Sprintf("relationship %q is managed through its relationship endpoint", alias),
			})
		}
	}
	return out, nil
}

// applyPivots writes the pivot rows of a decomposition. When replace is
// set the existing rows for the primary id are removed first, giving the
// set-replacement semantics of full writes.
func (e *Engine) applyPivots(ctx context.Context, tx storage.Tx, def *schema.ResourceDefinition, id string, pivots []pivotOp, replace bool) *core.Error {
	for _, op := range pivots {
		if replace {
			clauses := []storage.Clause{storage.Equal(op.LocalKey, id)}
			if err := e.store.PivotDelete(ctx, tx, op.Through, clauses); err != nil {
				return e.storageError(def, id, err)
			}
		}
		if len(op.Identifiers) == 0 {
			continue
		}
		rows := make([]core.Record, len(op.Identifiers))
		for i, identifier := range op.Identifiers {
			rows[i] = core.Record{op.LocalKey: id, op.OtherKey: identifier.ID}
		}
		if err := e.store.PivotInsert(ctx, tx, op.Through, rows); err != nil {
			return e.storageError(def, id, err)
		}
	}
	return nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
