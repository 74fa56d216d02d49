package access

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/schema"
)

// CheckerInput is the extra material a checker may inspect.
type CheckerInput struct {
	// Resource is the definition of the resource under access.
	Resource *schema.ResourceDefinition
	// MinimalRecord is the prefetched target record for id-targeted
	// operations; nil for collection operations and creates.
	MinimalRecord core.Record
	// ScopeVars carries transport-scoped variables, e.g. path parameters.
	ScopeVars map[string]string
	// Param is the parameter of a "name:param" rule, empty otherwise.
	Param string
}

// CheckerFunc is a named authorization predicate.
type CheckerFunc func(ctx context.Context, auth *AuthContext, input *CheckerInput) (bool, error)

// Checkers is the registry of named authorization predicates. It is
// populated at startup and read-only afterwards; Freeze makes any later
// registration panic.
type Checkers struct {
	mu       sync.Mutex
	checkers map[string]CheckerFunc
	frozen   bool
}

// NewCheckers creates a registry with the built-in checkers public,
// authenticated and owns.
func NewCheckers() *Checkers {
	c := &Checkers{checkers: map[string]CheckerFunc{}}
	c.Register("public", func(ctx context.Context, auth *AuthContext, input *CheckerInput) (bool, error) {
		return true, nil
	})
	c.Register("authenticated", func(ctx context.Context, auth *AuthContext, input *CheckerInput) (bool, error) {
		return auth.Authenticated(), nil
	})
	c.Register("owns", func(ctx context.Context, auth *AuthContext, input *CheckerInput) (bool, error) {
		if input == nil || input.Resource == nil {
			return false, nil
		}
		return Owns(input.Resource, auth, input.MinimalRecord), nil
	})
	return c
}

// Register adds a named checker. Registration happens at startup, before
// the registry is frozen.
func (c *Checkers) Register(name string, checker CheckerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		panic(fmt.Sprintf("checker %q registered after freeze", name))
	}
	if _, ok := c.checkers[name]; ok {
		panic(fmt.Sprintf("checker %q registered twice", name))
	}
	c.checkers[name] = checker
}

// Freeze ends the registration phase.
func (c *Checkers) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

func (c *Checkers) lookup(name string) (CheckerFunc, bool) {
	checker, ok := c.checkers[name]
	return checker, ok
}

// Evaluate runs the rule list for one operation. Rules are of the form
// "name" or "name:param" and are OR-combined: the first rule that passes
// authorizes the request. An empty rule set denies.
func (c *Checkers) Evaluate(ctx context.Context, rules []string, auth *AuthContext, input *CheckerInput) error {
	if len(rules) == 0 {
		return core.AccessDenied(rules, []string{"no rule defined for operation"})
	}
	reasons := make([]string, 0, len(rules))
	for _, rule := range rules {
		name, param := rule, ""
		if i := strings.IndexRune(rule, ':'); i >= 0 {
			name, param = rule[:i], rule[i+1:]
		}
		checker, ok := c.lookup(name)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("%s: unknown checker", name))
			continue
		}
		in := CheckerInput{}
		if input != nil {
			in = *input
		}
		in.Param = param
		ok, err := checker(ctx, auth, &in)
		if err != nil {
			return core.AsError(err)
		}
		if ok {
			return nil
		}
		reasons = append(reasons, fmt.Sprintf("%s: not satisfied", rule))
	}
	return core.AccessDenied(rules, reasons)
}
