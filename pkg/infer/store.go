package infer

import (
	"math"
	"sort"

	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/tensor"
)

// Constraint restricts the domain of a stored parameter.
type Constraint int

const (
	// Real parameters are stored as-is.
	Real Constraint = iota
	// Positive parameters are stored unconstrained and mapped through a
	// softplus on every read.
	Positive
)

// Store is the explicit parameter store. It replaces the process-global
// store of the reference design: the caller creates one per experiment
// strategy, clears it between strategies and passes it to every guide and
// optimizer that needs trainable state.
type Store struct {
	entries map[string]*entry
}

type entry struct {
	leaf       *tensor.Tensor // unconstrained, requires grad
	constraint Constraint
}

// NewStore creates an empty parameter store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func softplusInv(y float64) float64 {
	if y > 30 {
		return y
	}
	return math.Log(math.Expm1(y))
}

// Param returns the constrained parameter, registering it from init on
// first use. Later calls ignore init (and its shape must match).
func (s *Store) Param(name string, init *tensor.Tensor, c Constraint) *tensor.Tensor {
	e, ok := s.entries[name]
	if !ok {
		var leaf *tensor.Tensor
		switch c {
		case Positive:
			leaf = tensor.Apply(init, softplusInv).RequireGrad()
		default:
			leaf = init.Clone().RequireGrad()
		}
		e = &entry{leaf: leaf, constraint: c}
		s.entries[name] = e
	}
	if e.constraint == Positive {
		return tensor.Softplus(e.leaf)
	}
	return e.leaf
}

// Get returns the constrained value of a registered parameter, or nil.
func (s *Store) Get(name string) *tensor.Tensor {
	e, ok := s.entries[name]
	if !ok {
		return nil
	}
	if e.constraint == Positive {
		return tensor.Softplus(e.leaf)
	}
	return e.leaf
}

// Leaf returns the unconstrained trainable tensor for a parameter, or nil.
func (s *Store) Leaf(name string) *tensor.Tensor {
	if e, ok := s.entries[name]; ok {
		return e.leaf
	}
	return nil
}

// Leaves returns the unconstrained tensors for the given names, or for
// every registered parameter when no names are given, in sorted order.
func (s *Store) Leaves(names ...string) []*tensor.Tensor {
	if len(names) == 0 {
		names = s.Names()
	}
	out := make([]*tensor.Tensor, 0, len(names))
	for _, n := range names {
		if e, ok := s.entries[n]; ok {
			out = append(out, e.leaf)
		}
	}
	return out
}

// Names returns registered parameter names, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Replace overwrites a registered parameter with a new constrained value,
// clearing its gradient. The design re-initialization between experiment
// rounds goes through here.
func (s *Store) Replace(name string, value *tensor.Tensor) error {
	e, ok := s.entries[name]
	if !ok {
		return boederr.Newf(boederr.LabelMismatch, "replace of unregistered param %q", name)
	}
	var raw *tensor.Tensor
	if e.constraint == Positive {
		raw = tensor.Apply(value, softplusInv)
	} else {
		raw = value
	}
	e.leaf.CopyFrom(raw)
	e.leaf.ZeroGrad()
	return nil
}

// Clear removes every registered parameter. Callers do this between
// independent experiment strategies or seeds.
func (s *Store) Clear() {
	s.entries = make(map[string]*entry)
}

// ZeroGrad clears the gradients of all registered parameters.
func (s *Store) ZeroGrad() {
	for _, e := range s.entries {
		e.leaf.ZeroGrad()
	}
}

// Snapshot returns detached clones of every constrained parameter value.
func (s *Store) Snapshot() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(s.entries))
	for n := range s.entries {
		out[n] = s.Get(n).Clone()
	}
	return out
}
