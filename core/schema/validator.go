package schema

import (
	"embed"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/restio/core"
)

// Validator validates attribute payloads against JSON schemas. Resources
// opt in by declaring a SchemaID.
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// NewValidatorFromFS creates a new Validator using schemas from schemaFS.
// JSON files at the root are used as top level schemas, JSON files under
// refs/ as references.
func NewValidatorFromFS(schemaFS embed.FS) (*Validator, error) {
	readDir := func(dir string) ([]string, error) {
		var strs []string
		files, err := schemaFS.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("cannot read dir %w", err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			fullPath := f.Name()
			if dir != "." {
				fullPath = dir + "/" + f.Name()
			}
			str, err := schemaFS.ReadFile(fullPath)
			if err != nil {
				return nil, fmt.Errorf("cannot read file '%s' %w", f.Name(), err)
			}
			strs = append(strs, string(str))
		}
		return strs, nil
	}

	schemas, err := readDir(".")
	if err != nil {
		return nil, err
	}
	refs, err := readDir("refs")
	if err != nil {
		refs = nil // refs directory is optional
	}
	return NewValidator(schemas, refs)
}

// NewValidator creates a new Validator from top level schemas and refs.
// Top level schemas cannot reference each other; references can only come
// from refs.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type schemaHeader struct {
		ID string `json:"$id"`
	}
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		s := schemaHeader{}
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		sl := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := sl.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add ref: %s", err)
			}
		}
		compiled, err := sl.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s %s", s.ID, err)
		}
		validator.schemaValidators[s.ID] = compiled
	}
	return &validator, nil
}

// HasSchema returns true if schemaID is known.
func (v *Validator) HasSchema(schemaID string) bool {
	if v == nil {
		return false
	}
	_, ok := v.schemaValidators[schemaID]
	return ok
}

// ValidateAttributes validates an attribute map against schemaID and
// returns the violations, one per failing schema assertion.
func (v *Validator) ValidateAttributes(attributes core.Record, schemaID string) []core.Violation {
	schema, ok := v.schemaValidators[schemaID]
	if !ok {
		return []core.Violation{{Rule: "schema", Message: fmt.Sprintf("there is no schema %s", schemaID)}}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(attributes))
	if err != nil {
		return []core.Violation{{Rule: "schema", Message: err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	violations := make([]core.Violation, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, core.Violation{
			Field:   e.Field(),
			Rule:    e.Type(),
			Message: e.Description(),
		})
	}
	return violations
}
