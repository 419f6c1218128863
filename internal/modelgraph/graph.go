// Package modelgraph holds the mutable model graph the quantization
// pipeline operates on: a tree of named modules addressed by dotted
// paths such as "blocks.0.attn.q_proj". The graph owns its modules;
// surgery replaces leaves in place via Replace.
package modelgraph

import (
	"fmt"
	"strings"
)

// Module is a node in the model graph.
type Module interface{}

// Layer is a leaf module transforming a single activation vector.
type Layer interface {
	Forward(x []float32) ([]float32, error)
}

// Shaped is implemented by modules with a fixed input/output width.
// Replace enforces matching shapes when swapping a Shaped module.
type Shaped interface {
	InDim() int
	OutDim() int
}

// Child is a named edge in the graph.
type Child struct {
	Name   string
	Module Module
}

// Container exposes named children in deterministic (insertion) order.
type Container interface {
	NamedChildren() []Child
}

// Replacer is implemented by containers whose direct children may be
// swapped during model surgery.
type Replacer interface {
	ReplaceChild(name string, m Module) error
}

// NotFoundError reports a dotted name absent from the graph.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("modelgraph: module not found: %s", e.Name)
}

// Matcher selects modules during traversal.
type Matcher func(Module) bool

// IsLinear matches full-precision linear layers.
func IsLinear(m Module) bool {
	_, ok := m.(*Linear)
	return ok
}

// Walk visits every descendant of root depth-first in insertion order,
// calling fn with the module's fully qualified dotted name. The root
// itself is not visited (it has no name).
func Walk(root Module, fn func(name string, m Module)) {
	walk(root, "", fn)
}

func walk(m Module, prefix string, fn func(string, Module)) {
	c, ok := m.(Container)
	if !ok {
		return
	}
	for _, child := range c.NamedChildren() {
		name := child.Name
		if prefix != "" {
			name = prefix + "." + name
		}
		fn(name, child.Module)
		walk(child.Module, name, fn)
	}
}

// FindLayers returns every module matched by match, keyed by dotted
// name. Traversal is deterministic; the returned map's iteration order
// is not meaningful. Zero matches yields an empty map, not an error.
func FindLayers(root Module, match Matcher) map[string]Module {
	found := make(map[string]Module)
	Walk(root, func(name string, m Module) {
		if match(m) {
			found[name] = m
		}
	})
	return found
}

// Get resolves a dotted name to a module.
func Get(root Module, name string) (Module, error) {
	cur := root
	for _, seg := range strings.Split(name, ".") {
		c, ok := cur.(Container)
		if !ok {
			return nil, &NotFoundError{Name: name}
		}
		var next Module
		for _, child := range c.NamedChildren() {
			if child.Name == seg {
				next = child.Module
				break
			}
		}
		if next == nil {
			return nil, &NotFoundError{Name: name}
		}
		cur = next
	}
	return cur, nil
}

// Replace swaps the module at the given dotted name for repl, keeping
// the same position in the parent container. When both the old and new
// module report a shape, the substitution must preserve it.
func Replace(root Module, name string, repl Module) error {
	segs := strings.Split(name, ".")
	parent := root
	if len(segs) > 1 {
		p, err := Get(root, strings.Join(segs[:len(segs)-1], "."))
		if err != nil {
			return err
		}
		parent = p
	}
	leaf := segs[len(segs)-1]

	old, err := Get(parent, leaf)
	if err != nil {
		return &NotFoundError{Name: name}
	}
	if oldS, ok := old.(Shaped); ok {
		newS, ok := repl.(Shaped)
		if !ok {
			return fmt.Errorf("modelgraph: replacement for %s has no shape", name)
		}
		if oldS.InDim() != newS.InDim() || oldS.OutDim() != newS.OutDim() {
			return fmt.Errorf("modelgraph: shape mismatch replacing %s: have %dx%d, got %dx%d",
				name, oldS.OutDim(), oldS.InDim(), newS.OutDim(), newS.InDim())
		}
	}

	r, ok := parent.(Replacer)
	if !ok {
		return fmt.Errorf("modelgraph: parent of %s does not support replacement", name)
	}
	return r.ReplaceChild(leaf, repl)
}
