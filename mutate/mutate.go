// Package mutate holds the mutation operators the bandit chooses between.
package mutate

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/zkfuzz/beak/corpus"
)

// MaxProgramLen caps every mutated program regardless of configuration.
const MaxProgramLen = 2048

var (
	ErrUnknownOperator   = errors.New("unknown mutation operator")
	ErrDuplicateOperator = errors.New("duplicate mutation operator")
	ErrEmptyRegistry     = errors.New("no mutation operators enabled")
)

// Context carries what an operator may use besides the base program.
type Context struct {
	Rand *rand.Rand
	// MaxInstructions truncates candidates. Zero means MaxProgramLen.
	MaxInstructions int
	// Donor returns another corpus program for crossover. May be nil.
	Donor func() (corpus.Program, bool)
}

func (c *Context) limit() int {
	if c.MaxInstructions <= 0 || c.MaxInstructions > MaxProgramLen {
		return MaxProgramLen
	}
	return c.MaxInstructions
}

func (c *Context) truncate(p corpus.Program) corpus.Program {
	if n := c.limit(); len(p) > n {
		return p[:n]
	}
	return p
}

// Operator produces one or more candidates from a base program. The base is
// never modified.
type Operator interface {
	Name() string
	Mutate(ctx *Context, base corpus.Program) []corpus.Program
}

type opFunc struct {
	name string
	fn   func(ctx *Context, base corpus.Program) []corpus.Program
}

func (o *opFunc) Name() string { return o.name }

func (o *opFunc) Mutate(ctx *Context, base corpus.Program) []corpus.Program {
	out := o.fn(ctx, base)
	for i := range out {
		out[i] = ctx.truncate(out[i])
	}
	return out
}

// NewOperator wraps a function as a named operator. Candidates are
// truncated to the context limit.
func NewOperator(name string, fn func(ctx *Context, base corpus.Program) []corpus.Program) Operator {
	return &opFunc{name: name, fn: fn}
}

// Registry is an ordered set of operators; the order defines bandit arm indices.
type Registry struct {
	ops    []Operator
	byName map[string]int
}

func NewRegistry(ops ...Operator) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(ops))}
	for _, op := range ops {
		if _, ok := r.byName[op.Name()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOperator, op.Name())
		}
		r.byName[op.Name()] = len(r.ops)
		r.ops = append(r.ops, op)
	}
	return r, nil
}

// Select returns a registry limited to the named operators, in the given order.
// An empty list selects everything.
func (r *Registry) Select(names []string) (*Registry, error) {
	if len(names) == 0 {
		return r, nil
	}
	ops := make([]Operator, 0, len(names))
	for _, n := range names {
		i, ok := r.byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, n)
		}
		ops = append(ops, r.ops[i])
	}
	return NewRegistry(ops...)
}

func (r *Registry) Len() int {
	return len(r.ops)
}

func (r *Registry) At(i int) Operator {
	return r.ops[i]
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.ops))
	for i, op := range r.ops {
		out[i] = op.Name()
	}
	return out
}
