/*Package schema holds the resource registry: resource definitions, field
kinds, relationship topology, search schemas and authorization rules.

The registry has a builder phase terminated by Freeze. After Freeze it is
immutable and safe for concurrent readers without coordination.
*/
package schema

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Registry is the frozen set of resource definitions.
type Registry struct {
	resources map[string]*ResourceDefinition
	frozen    bool
}

// Builder collects resource definitions before Freeze.
type Builder struct {
	resources map[string]*ResourceDefinition
}

// NewBuilder creates an empty registry builder.
func NewBuilder() *Builder {
	return &Builder{resources: map[string]*ResourceDefinition{}}
}

// NewBuilderFromJSON creates a builder from a JSON configuration, the
// declarative form used by services.
func NewBuilderFromJSON(config string) (*Builder, error) {
	var parsed struct {
		Resources []*ResourceDefinition `json:"resources"`
	}
	if err := json.Unmarshal([]byte(config), &parsed); err != nil {
		return nil, fmt.Errorf("parse error in resource configuration: %w", err)
	}
	b := NewBuilder()
	for _, def := range parsed.Resources {
		if err := b.AddResource(def); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// AddResource adds a resource definition to the builder.
func (b *Builder) AddResource(def *ResourceDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("resource without a name")
	}
	if _, ok := b.resources[def.Name]; ok {
		return fmt.Errorf("duplicate resource %q", def.Name)
	}
	if def.Fields == nil {
		def.Fields = map[string]FieldSpec{}
	}
	b.resources[def.Name] = def
	return nil
}

// MustAddResource adds a resource definition and panics on error. Resource
// declarations are startup code; a bad declaration is a programming error.
func (b *Builder) MustAddResource(def *ResourceDefinition) *Builder {
	if err := b.AddResource(def); err != nil {
		panic(err)
	}
	return b
}

// Freeze validates the configured topology and returns the immutable
// registry. Validation enforces the schema invariants: relationship
// targets exist, aliases are unique, every foreign key has exactly one
// alias, owner fields exist or are injected depending on ownership mode,
// and polymorphic type sets reference known resources.
func (b *Builder) Freeze() (*Registry, error) {
	for name, def := range b.resources {
		if _, ok := def.Fields[def.ID()]; !ok {
			def.Fields[def.ID()] = FieldSpec{Kind: FieldID}
		}

		switch def.Ownership {
		case OwnershipAlways:
			if _, ok := def.Fields[def.Owner()]; !ok {
				def.Fields[def.Owner()] = FieldSpec{Kind: FieldBelongsTo, Target: "users", Alias: "owner"}
			}
		case OwnershipNever, OwnershipAuto, "":
		default:
			return nil, fmt.Errorf("resource %q: unknown ownership mode %q", name, def.Ownership)
		}

		aliases := map[string]string{} // alias -> foreign key (or relationship marker)
		fkAliases := map[string]string{}
		for fieldName, field := range def.Fields {
			switch field.Kind {
			case FieldBelongsTo:
				if field.Target == "" {
					return nil, fmt.Errorf("resource %q: belongsTo field %q lacks a target", name, fieldName)
				}
				if _, ok := b.resources[field.Target]; !ok {
					return nil, fmt.Errorf("resource %q: belongsTo field %q targets unknown resource %q", name, fieldName, field.Target)
				}
				if field.Alias != "" {
					if prev, dup := aliases[field.Alias]; dup {
						return nil, fmt.Errorf("resource %q: relationship alias %q declared twice (%s, %s)", name, field.Alias, prev, fieldName)
					}
					aliases[field.Alias] = fieldName
					fkAliases[fieldName] = field.Alias
				}
			case FieldPolymorphicBelongsTo:
				if len(field.AllowedTypes) == 0 || field.TypeField == "" || field.IDField == "" {
					return nil, fmt.Errorf("resource %q: polymorphic field %q needs allowed types and type/id columns", name, fieldName)
				}
				for _, t := range field.AllowedTypes {
					if _, ok := b.resources[t]; !ok {
						return nil, fmt.Errorf("resource %q: polymorphic field %q allows unknown type %q", name, fieldName, t)
					}
				}
				if field.Alias != "" {
					if prev, dup := aliases[field.Alias]; dup {
						return nil, fmt.Errorf("resource %q: relationship alias %q declared twice (%s, %s)", name, field.Alias, prev, fieldName)
					}
					aliases[field.Alias] = fieldName
				}
			}
		}

		for alias, rel := range def.Relationships {
			if prev, dup := aliases[alias]; dup {
				return nil, fmt.Errorf("resource %q: relationship alias %q declared twice (%s, relationships)", name, alias, prev)
			}
			aliases[alias] = "relationships." + alias

			switch rel.Kind {
			case BelongsTo:
				if rel.ForeignKey == "" {
					return nil, fmt.Errorf("resource %q: belongsTo relationship %q lacks a foreign key", name, alias)
				}
				if other, dup := fkAliases[rel.ForeignKey]; dup {
					return nil, fmt.Errorf("resource %q: foreign key %q has two aliases (%s, %s)", name, rel.ForeignKey, other, alias)
				}
				fkAliases[rel.ForeignKey] = alias
				fallthrough
			case HasMany:
				if _, ok := b.resources[rel.Target]; !ok {
					return nil, fmt.Errorf("resource %q: relationship %q targets unknown resource %q", name, alias, rel.Target)
				}
			case ManyToMany:
				if _, ok := b.resources[rel.Target]; !ok {
					return nil, fmt.Errorf("resource %q: relationship %q targets unknown resource %q", name, alias, rel.Target)
				}
				if rel.Through == "" || rel.LocalKey == "" || rel.OtherKey == "" {
					return nil, fmt.Errorf("resource %q: manyToMany relationship %q needs through, local key and other key", name, alias)
				}
			case PolymorphicBelongsTo:
				if len(rel.AllowedTypes) == 0 || rel.TypeField == "" || rel.IDField == "" {
					return nil, fmt.Errorf("resource %q: polymorphic relationship %q needs allowed types and type/id columns", name, alias)
				}
				for _, t := range rel.AllowedTypes {
					if _, ok := b.resources[t]; !ok {
						return nil, fmt.Errorf("resource %q: polymorphic relationship %q allows unknown type %q", name, alias, t)
					}
				}
			case ReversePolymorphic:
				target, ok := b.resources[rel.Target]
				if !ok {
					return nil, fmt.Errorf("resource %q: relationship %q targets unknown resource %q", name, alias, rel.Target)
				}
				via, ok := target.Relationship(rel.Via)
				if !ok || via.Kind != PolymorphicBelongsTo {
					return nil, fmt.Errorf("resource %q: relationship %q: %q is not a polymorphic relationship on %q", name, alias, rel.Via, rel.Target)
				}
			default:
				return nil, fmt.Errorf("resource %q: relationship %q has unknown kind %q", name, alias, rel.Kind)
			}
		}

		// a relationship filter on an unknown alias is a configuration bug
		for field, filter := range def.Search.Filterable {
			if filter.Relationship {
				if _, ok := def.Relationship(field); !ok {
					return nil, fmt.Errorf("resource %q: relationship filter %q has no relationship alias", name, field)
				}
			}
			if filter.SQL != "" && filter.FilterRecord == nil {
				return nil, fmt.Errorf("resource %q: filter %q has custom SQL but no in-memory predicate", name, field)
			}
		}
	}

	return &Registry{resources: b.resources, frozen: true}, nil
}

// MustFreeze freezes the builder and panics on configuration errors.
func (b *Builder) MustFreeze() *Registry {
	registry, err := b.Freeze()
	if err != nil {
		panic(err)
	}
	return registry
}

// Resource looks up a resource definition by name.
func (r *Registry) Resource(name string) (*ResourceDefinition, bool) {
	def, ok := r.resources[name]
	return def, ok
}

// Has returns true if the resource is known.
func (r *Registry) Has(name string) bool {
	_, ok := r.resources[name]
	return ok
}

// Names returns the names of all registered resources.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.resources))
	for name := range r.resources {
		names = append(names, name)
	}
	return names
}
