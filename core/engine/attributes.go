package engine

import (
	"fmt"
	"sort"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/schema"
)

// applyWriteRules applies field defaults and checks the declared
// constraints on a write payload. Full writes (post, put) fill defaults
// and enforce required fields; partial writes only check constraints on
// the fields present.
func applyWriteRules(def *schema.ResourceDefinition, attributes core.Record, partial bool) *core.Error {
	names := make([]string, 0, len(def.Fields))
	for name := range def.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []core.Violation
	for _, name := range names {
		field := def.Fields[name]
		switch field.Kind {
		case schema.FieldID, schema.FieldBelongsTo, schema.FieldPolymorphicBelongsTo:
			continue
		}
		value, present := attributes[name]
		if !present {
			if partial {
				continue
			}
			if field.Default != nil {
				attributes[name] = field.Default
				continue
			}
			if field.Required {
				violations = append(violations, core.Violation{
					Field:   name,
					Path:    "data.attributes." + name,
					Rule:    "required",
					Message: fmt.Sprintf("attribute %q is required", name),
				})
			}
			continue
		}
		if value == nil {
			if !field.Nullable && field.Required {
				violations = append(violations, core.Violation{
					Field:   name,
					Path:    "data.attributes." + name,
					Rule:    "required",
					Message: fmt.Sprintf("attribute %q must not be null", name),
				})
			}
			continue
		}
		if field.Max > 0 && exceedsMax(value, field.Max) {
			violations = append(violations, core.Violation{
				Field:   name,
				Path:    "data.attributes." + name,
				Rule:    "max",
				Message: fmt.Sprintf("attribute %q exceeds maximum %v", name, field.Max),
			})
		}
	}
	if len(violations) > 0 {
		return core.Validation(violations...)
	}
	return nil
}

// exceedsMax checks strings against a length cap and numbers against a
// value cap.
func exceedsMax(value any, max float64) bool {
	switch v := value.(type) {
	case string:
		return float64(len(v)) > max
	case int:
		return float64(v) > max
	case int64:
		return float64(v) > max
	case float64:
		return v > max
	}
	return false
}

// validateSchema runs the resource's JSON schema over the attributes when
// one is declared and loaded.
func (e *Engine) validateSchema(def *schema.ResourceDefinition, attributes core.Record) *core.Error {
	if e.schemas == nil || def.SchemaID == "" || !e.schemas.HasSchema(def.SchemaID) {
		return nil
	}
	if violations := e.schemas.ValidateAttributes(attributes, def.SchemaID); len(violations) > 0 {
		return core.Validation(violations...)
	}
	return nil
}
