package schema

import (
	"github.com/relabs-tech/restio/core"
)

// Ownership controls multi-tenancy enforcement for a resource.
type Ownership string

// ownership modes
const (
	// OwnershipAlways enforces ownership; the owner field is injected into
	// the schema if the declaration lacks it.
	OwnershipAlways Ownership = "always"
	// OwnershipNever disables ownership enforcement.
	OwnershipNever Ownership = "never"
	// OwnershipAuto enforces ownership only when the declared owner field
	// exists in the schema.
	OwnershipAuto Ownership = "auto"
)

// FieldKind is the kind of a field.
type FieldKind string

// all field kinds
const (
	FieldID                   FieldKind = "id"
	FieldString               FieldKind = "string"
	FieldInteger              FieldKind = "integer"
	FieldNumber               FieldKind = "number"
	FieldBoolean              FieldKind = "boolean"
	FieldTimestamp            FieldKind = "timestamp"
	FieldFile                 FieldKind = "file"
	FieldBelongsTo            FieldKind = "belongsTo"
	FieldPolymorphicBelongsTo FieldKind = "polymorphicBelongsTo"
)

// FieldSpec describes a single field of a resource.
type FieldSpec struct {
	Kind     FieldKind `json:"kind"`
	Required bool      `json:"required,omitempty"`
	Nullable bool      `json:"nullable,omitempty"`
	Max      float64   `json:"max,omitempty"`
	Default  any       `json:"default,omitempty"`

	// relationship kinds only
	Target       string   `json:"target,omitempty"`        // belongsTo target resource
	AllowedTypes []string `json:"allowed_types,omitempty"` // polymorphicBelongsTo
	TypeField    string   `json:"type_field,omitempty"`    // polymorphic discriminator column
	IDField      string   `json:"id_field,omitempty"`      // polymorphic id column
	Alias        string   `json:"alias,omitempty"`         // exposed relationship alias
}

// RelationshipKind discriminates the relationship tagged union.
type RelationshipKind string

// all relationship kinds
const (
	BelongsTo            RelationshipKind = "belongs-to"
	HasMany              RelationshipKind = "has-many"
	ManyToMany           RelationshipKind = "many-to-many"
	PolymorphicBelongsTo RelationshipKind = "polymorphic-belongs-to"
	ReversePolymorphic   RelationshipKind = "reverse-polymorphic"
)

// RelationshipSpec describes one relationship of a resource. Which fields
// are meaningful depends on Kind; dispatch is always by Kind, never by
// probing fields.
type RelationshipSpec struct {
	Kind   RelationshipKind `json:"kind"`
	Target string           `json:"target,omitempty"`

	// BelongsTo: local foreign-key column. HasMany: foreign-key column on
	// the target resource.
	ForeignKey string `json:"foreign_key,omitempty"`

	// ManyToMany
	Through  string `json:"through,omitempty"`
	LocalKey string `json:"local_key,omitempty"`
	OtherKey string `json:"other_key,omitempty"`

	// PolymorphicBelongsTo
	AllowedTypes []string `json:"allowed_types,omitempty"`
	TypeField    string   `json:"type_field,omitempty"`
	IDField      string   `json:"id_field,omitempty"`

	// ReversePolymorphic: name of the polymorphic relationship on Target
	// whose type discriminator points back at this resource.
	Via string `json:"via,omitempty"`
}

// ToOne returns true for single-valued relationship kinds.
func (r RelationshipSpec) ToOne() bool {
	return r.Kind == BelongsTo || r.Kind == PolymorphicBelongsTo
}

// Operator is a filter operator from the search schema.
type Operator string

// all filter operators
const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpLike         Operator = "like"
	OpIn           Operator = "in"
	OpBetween      Operator = "between"
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
)

// FilterSpec declares how one search-schema field is filtered.
type FilterSpec struct {
	Operator Operator `json:"operator"`

	// SQL is an optional custom predicate fragment handed verbatim to the
	// storage adapter. A filter with custom SQL must also provide
	// FilterRecord so that subscriptions can match changed records in
	// memory.
	SQL string `json:"sql,omitempty"`

	// FilterRecord evaluates the filter against an in-memory record. When
	// nil, the engine derives the predicate from Operator.
	FilterRecord func(record core.Record, value any) bool `json:"-"`

	// Relationship marks filters that compare against a relationship's
	// stringified id rather than a plain attribute.
	Relationship bool `json:"relationship,omitempty"`
}

// SearchSchema declares the filterable and sortable surface of a resource.
type SearchSchema struct {
	Filterable map[string]FilterSpec `json:"filterable,omitempty"`
	Sortable   []string              `json:"sortable,omitempty"`
}

// CanSort returns true if the field is declared sortable.
func (s SearchSchema) CanSort(field string) bool {
	for _, f := range s.Sortable {
		if f == field {
			return true
		}
	}
	return false
}

// ReadBackMode controls what a write operation returns.
type ReadBackMode string

// read-back modes
const (
	ReadBackNone       ReadBackMode = "none"
	ReadBackIdentifier ReadBackMode = "identifier"
	ReadBackFull       ReadBackMode = "full"
)

// IncludeLimits configures the per-parent window hierarchy for to-many
// includes: the requested limit wins, then the resource default, clamped
// by the resource maximum and the engine-wide maximum.
type IncludeLimits struct {
	Default int `json:"default,omitempty"`
	Max     int `json:"max,omitempty"`
	// AllowUnlimited permits falling back to an unbounded load when the
	// storage adapter lacks window functions.
	AllowUnlimited bool `json:"allow_unlimited,omitempty"`
}

// ResourceDefinition is the complete declaration of one resource.
type ResourceDefinition struct {
	Name          string                          `json:"name"`
	Description   string                          `json:"description,omitempty"`
	IDField       string                          `json:"id_field,omitempty"` // defaults to "id"
	Fields        map[string]FieldSpec            `json:"fields"`
	Relationships map[string]RelationshipSpec     `json:"relationships,omitempty"`
	AuthRules     map[core.Operation][]string     `json:"auth_rules,omitempty"`
	Ownership     Ownership                       `json:"ownership,omitempty"`
	OwnerField    string                          `json:"owner_field,omitempty"` // defaults to "user_id"
	Search        SearchSchema                    `json:"search,omitempty"`
	SchemaID      string                          `json:"schema_id,omitempty"` // JSON schema for attributes
	BasePath      string                          `json:"base_path,omitempty"`
	Include       IncludeLimits                   `json:"include,omitempty"`
	ReadBack      map[core.Operation]ReadBackMode `json:"read_back,omitempty"`
}

// ID returns the resource's id field name.
func (d *ResourceDefinition) ID() string {
	if d.IDField == "" {
		return "id"
	}
	return d.IDField
}

// Owner returns the resource's owner field name.
func (d *ResourceDefinition) Owner() string {
	if d.OwnerField == "" {
		return "user_id"
	}
	return d.OwnerField
}

// Owned returns true if ownership applies to this resource. For auto mode
// the owner field must exist in the schema.
func (d *ResourceDefinition) Owned() bool {
	switch d.Ownership {
	case OwnershipAlways:
		return true
	case OwnershipAuto:
		_, ok := d.Fields[d.Owner()]
		return ok
	default:
		return false
	}
}

// ReadBackFor returns the read-back mode for the operation, defaulting to
// a full read-back on writes.
func (d *ResourceDefinition) ReadBackFor(op core.Operation) ReadBackMode {
	if mode, ok := d.ReadBack[op]; ok {
		return mode
	}
	return ReadBackFull
}

// Relationship resolves a relationship by alias. Both declaration forms
// are supported: explicit relationship entries and belongsTo fields with
// an alias.
func (d *ResourceDefinition) Relationship(alias string) (RelationshipSpec, bool) {
	if rel, ok := d.Relationships[alias]; ok {
		return rel, true
	}
	for name, field := range d.Fields {
		a := field.Alias
		if a == "" {
			continue
		}
		if a != alias {
			continue
		}
		switch field.Kind {
		case FieldBelongsTo:
			return RelationshipSpec{Kind: BelongsTo, Target: field.Target, ForeignKey: name}, true
		case FieldPolymorphicBelongsTo:
			return RelationshipSpec{
				Kind:         PolymorphicBelongsTo,
				AllowedTypes: field.AllowedTypes,
				TypeField:    field.TypeField,
				IDField:      field.IDField,
			}, true
		}
	}
	return RelationshipSpec{}, false
}

// AllRelationships returns every relationship of the resource keyed by
// alias, merging explicit entries with aliased belongsTo fields.
func (d *ResourceDefinition) AllRelationships() map[string]RelationshipSpec {
	all := make(map[string]RelationshipSpec, len(d.Relationships))
	for alias, rel := range d.Relationships {
		all[alias] = rel
	}
	for name, field := range d.Fields {
		if field.Alias == "" {
			continue
		}
		if _, taken := all[field.Alias]; taken {
			continue
		}
		switch field.Kind {
		case FieldBelongsTo:
			all[field.Alias] = RelationshipSpec{Kind: BelongsTo, Target: field.Target, ForeignKey: name}
		case FieldPolymorphicBelongsTo:
			all[field.Alias] = RelationshipSpec{
				Kind:         PolymorphicBelongsTo,
				AllowedTypes: field.AllowedTypes,
				TypeField:    field.TypeField,
				IDField:      field.IDField,
			}
		}
	}
	return all
}

// ForeignKeyColumns returns the set of foreign-key and polymorphic
// discriminator columns, the columns stripped from JSON:API attributes.
func (d *ResourceDefinition) ForeignKeyColumns() map[string]bool {
	stripped := map[string]bool{}
	for name, field := range d.Fields {
		switch field.Kind {
		case FieldBelongsTo:
			stripped[name] = true
		case FieldPolymorphicBelongsTo:
			stripped[field.TypeField] = true
			stripped[field.IDField] = true
		}
	}
	for _, rel := range d.Relationships {
		switch rel.Kind {
		case BelongsTo:
			stripped[rel.ForeignKey] = true
		case PolymorphicBelongsTo:
			stripped[rel.TypeField] = true
			stripped[rel.IDField] = true
		}
	}
	return stripped
}
