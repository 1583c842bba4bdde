// Package expr evaluates ${...} expressions against layered variable scopes.
package expr

// Scope is a layered, append-mostly mapping from names to runtime values.
// Lookups walk from the innermost layer outward. A layer is only ever
// written by the goroutine that owns it; parent layers are treated as
// read-only snapshots, which makes concurrent lookups from parallel
// branches safe without locking.
type Scope struct {
	parent *Scope
	vars   map[string]any
}

// NewScope creates a root scope seeded with the given variables.
func NewScope(vars map[string]any) *Scope {
	if vars == nil {
		vars = make(map[string]any)
	}

	return &Scope{vars: vars}
}

// Child creates a new scope layer on top of s.
func (s *Scope) Child() *Scope {
	return &Scope{parent: s, vars: make(map[string]any)}
}

// Set binds a name in the current layer, shadowing any outer binding.
func (s *Scope) Set(name string, value any) {
	s.vars[name] = value
}

// Lookup resolves a name, walking outward through parent layers.
func (s *Scope) Lookup(name string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}

	return nil, false
}

// Bindings returns a copy of the names bound in this layer only, without
// anything inherited from parents. Used to publish a completed block's
// contributions into its enclosing scope.
func (s *Scope) Bindings() map[string]any {
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}

	return out
}

// Values returns a flattened copy of every visible binding, with inner
// layers shadowing outer ones.
func (s *Scope) Values() map[string]any {
	var layers []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		layers = append(layers, cur)
	}

	flat := make(map[string]any)

	for i := len(layers) - 1; i >= 0; i-- {
		for k, v := range layers[i].vars {
			flat[k] = v
		}
	}

	return flat
}
