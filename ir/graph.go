package ir

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/tensorir/wrapgen/sizevars"
	"github.com/tensorir/wrapgen/types"
)

// Graph is the per-program compilation context shared between lowering and
// the wrapper generator. It is passed explicitly everywhere; there is no
// ambient global state, which keeps the planner pure and testable.
//
// Ownership contract: graph inputs and named constants are storage the caller
// owns beyond the generated routine. They never enter the reuse pool and the
// generated program never releases them.
type Graph struct {
	// SizeVars canonicalizes symbolic sizes for this program.
	SizeVars *sizevars.SizeVars

	// RemovedBuffers holds names proven dead by earlier optimization passes.
	// Every lifecycle event referencing one collapses to a no-op.
	RemovedBuffers types.Set[string]

	// RandomnessSeeds lists seed buffers the prologue must re-seed.
	RandomnessSeeds []string

	inputs        []Buffer
	inputNames    types.Set[string]
	outputs       []Buffer
	constants     map[string]Constant
	constantNames []string
}

// Constant is a named constant: its descriptor (for shape/device/dtype) and
// its serialized value (for content addressing).
type Constant struct {
	Buffer Buffer
	Value  []byte
}

// NewGraph creates an empty compilation context using the given size vars.
func NewGraph(vars *sizevars.SizeVars) *Graph {
	return &Graph{
		SizeVars:       vars,
		RemovedBuffers: types.MakeSet[string](),
		inputNames:     types.MakeSet[string](),
		constants:      make(map[string]Constant),
	}
}

// AddInput registers a graph input, in call-parameter order.
func (g *Graph) AddInput(b Buffer) {
	g.inputs = append(g.inputs, b)
	g.inputNames.Insert(b.Name())
}

// AddConstant registers a named constant with its serialized value.
// Registration order is preserved for emission.
func (g *Graph) AddConstant(b Buffer, value []byte) {
	name := b.Name()
	if _, found := g.constants[name]; !found {
		g.constantNames = append(g.constantNames, name)
	}
	g.constants[name] = Constant{Buffer: b, Value: value}
}

// AddOutput registers a final program output, in declared order.
func (g *Graph) AddOutput(b Buffer) {
	g.outputs = append(g.outputs, b)
}

// MarkRemoved adds names to the removed-buffer set.
func (g *Graph) MarkRemoved(names ...string) {
	g.RemovedBuffers.Insert(names...)
}

// IsRemoved reports whether name was proven dead upstream.
func (g *Graph) IsRemoved(name string) bool { return g.RemovedBuffers.Has(name) }

// IsInput reports whether name is a graph input.
func (g *Graph) IsInput(name string) bool { return g.inputNames.Has(name) }

// IsConstant reports whether name is a named constant.
func (g *Graph) IsConstant(name string) bool {
	_, found := g.constants[name]
	return found
}

// Inputs returns the graph inputs in call-parameter order.
func (g *Graph) Inputs() []Buffer { return g.inputs }

// InputNames returns the input names in call-parameter order.
func (g *Graph) InputNames() []string {
	names := make([]string, len(g.inputs))
	for i, b := range g.inputs {
		names[i] = b.Name()
	}
	return names
}

// Outputs returns the final program outputs in declared order.
func (g *Graph) Outputs() []Buffer { return g.outputs }

// OutputNames returns the output buffer names as a set, for the tail trim.
func (g *Graph) OutputNames() types.Set[string] {
	names := types.MakeSet[string](len(g.outputs))
	for _, b := range g.outputs {
		names.Insert(b.Name())
	}
	return names
}

// ConstantNames returns the constant names in registration order.
func (g *Graph) ConstantNames() []string { return g.constantNames }

// ConstantByName returns a registered constant.
func (g *Graph) ConstantByName(name string) Constant { return g.constants[name] }

// ConstantKey returns the content-addressed identity of a constant value, a
// hex sha256 of its serialization. External code caches rely on it being
// stable across compilations of the same value.
func ConstantKey(value []byte) string {
	digest := sha256.Sum256(value)
	return hex.EncodeToString(digest[:])
}
