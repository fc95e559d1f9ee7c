package codegen

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/tensorir/wrapgen/ir"
	"github.com/tensorir/wrapgen/sizevars"
	"github.com/tensorir/wrapgen/types"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// reuseKey defines storage interchangeability: two buffers may share a slot
// iff device, element type and simplified total element count all match.
// Shapes and strides are allowed to differ; reuse across them renders as a
// reinterpretation of the same storage.
type reuseKey struct {
	device ir.Device
	dtype  dtypes.DType
	size   string
}

func bufferReuseKey(b ir.Buffer, vars *sizevars.SizeVars) reuseKey {
	return reuseKey{
		device: b.Device(),
		dtype:  b.DType(),
		size:   vars.ProductOf(b.Size()).String(),
	}
}

// MemoryPlanningState is the pool of retired-but-reusable buffers consulted
// during the planning pass. Per key it is a LIFO stack: the most recently
// retired compatible buffer is preferred, which keeps the live-storage
// high-water mark low and favors locality.
//
// One instance is owned by a single planning pass; it is never shared.
type MemoryPlanningState struct {
	pool map[reuseKey][]*FreeIfNotReusedLine
}

// NewMemoryPlanningState creates an empty pool.
func NewMemoryPlanningState() *MemoryPlanningState {
	return &MemoryPlanningState{pool: make(map[reuseKey][]*FreeIfNotReusedLine)}
}

// Contains reports whether a reusable entry is pooled under key.
func (s *MemoryPlanningState) Contains(key reuseKey) bool {
	return len(s.pool[key]) > 0
}

// Pop removes and returns the most recently pushed entry for key.
// Popping an empty key or an entry already marked reused is a planner bug.
func (s *MemoryPlanningState) Pop(key reuseKey) *FreeIfNotReusedLine {
	stack := s.pool[key]
	if len(stack) == 0 {
		exceptions.Panicf("memory planner: pop from empty reuse pool for key %+v", key)
	}
	entry := stack[len(stack)-1]
	s.pool[key] = stack[:len(stack)-1]
	if entry.reused {
		exceptions.Panicf("memory planner: pooled entry for buffer %q was already reused", entry.node.Name())
	}
	return entry
}

// Push adds an entry to the stack for key.
func (s *MemoryPlanningState) Push(key reuseKey, entry *FreeIfNotReusedLine) {
	if entry.reused {
		exceptions.Panicf("memory planner: cannot pool buffer %q, it was already reused", entry.node.Name())
	}
	s.pool[key] = append(s.pool[key], entry)
}

// Leftover returns how many pooled entries were never consumed by a
// compatible allocation. Only used for logging.
func (s *MemoryPlanningState) Leftover() int {
	total := 0
	for _, stack := range maps.Values(s.pool) {
		total += len(stack)
	}
	return total
}

// MemoryPlanningLine is a buffer-lifecycle event in program order. The
// planner rewrites each line once (Plan, pass 1) and then emits its final
// statements (Render, pass 2).
type MemoryPlanningLine interface {
	Line

	// Plan returns the line's replacement after consulting the reuse pool.
	Plan(graph *ir.Graph, state *MemoryPlanningState) MemoryPlanningLine

	// Render writes the final statement(s) for this line, if any.
	Render(graph *ir.Graph, out *IndentedBuffer)

	// bufferNames lists the buffers the line references, for the dead-tail
	// trim.
	bufferNames() []string
}

// AllocateLine requests fresh storage for a buffer. The planning pass may
// rewrite it into a ReuseLine if a compatible retired slot is pooled.
type AllocateLine struct {
	node ir.Buffer
}

func (l *AllocateLine) isLine() {}
func (l *AllocateLine) bufferNames() []string { return []string{l.node.Name()} }

func (l *AllocateLine) Plan(graph *ir.Graph, state *MemoryPlanningState) MemoryPlanningLine {
	if graph.IsRemoved(l.node.Name()) {
		return &NullLine{}
	}

	// Try to reuse a recently freed buffer.
	key := bufferReuseKey(l.node, graph.SizeVars)
	if state.Contains(key) {
		freeLine := state.Pop(key)
		freeLine.reused = true
		klog.V(2).Infof("memory planner: %q reuses storage of %q", l.node.Name(), freeLine.node.Name())
		return &ReuseLine{node: freeLine.node, reusedAs: l.node}
	}
	return l
}

func (l *AllocateLine) Render(graph *ir.Graph, out *IndentedBuffer) {
	if graph.IsRemoved(l.node.Name()) {
		exceptions.Panicf("memory planner: rendering allocation of removed buffer %q", l.node.Name())
	}
	out.WriteLine(makeBufferAllocation(l.node, graph.SizeVars))
}

// FreeIfNotReusedLine retires a buffer into the reuse pool. Whether it
// renders a release depends on whether a later allocation consumed the slot:
// the decision is only known once the whole planning pass finished.
type FreeIfNotReusedLine struct {
	node   ir.Buffer
	reused bool
}

func (l *FreeIfNotReusedLine) isLine() {}
func (l *FreeIfNotReusedLine) bufferNames() []string { return []string{l.node.Name()} }

func (l *FreeIfNotReusedLine) Plan(graph *ir.Graph, state *MemoryPlanningState) MemoryPlanningLine {
	if l.reused {
		exceptions.Panicf("memory planner: buffer %q freed after its storage was already reused", l.node.Name())
	}
	if graph.IsRemoved(l.node.Name()) {
		return &NullLine{}
	}
	state.Push(bufferReuseKey(l.node, graph.SizeVars), l)
	return l
}

func (l *FreeIfNotReusedLine) Render(graph *ir.Graph, out *IndentedBuffer) {
	if graph.IsRemoved(l.node.Name()) {
		exceptions.Panicf("memory planner: rendering free of removed buffer %q", l.node.Name())
	}
	if !l.reused {
		out.WriteLine("release " + l.node.Name())
	}
}

// ReuseLine transfers node's storage to reusedAs. It is created either by the
// planning pass (pool-discovered reuse) or by an upstream-mandated in-place
// reuse request.
type ReuseLine struct {
	node     ir.Buffer
	reusedAs ir.Buffer
}

func (l *ReuseLine) isLine() {}
func (l *ReuseLine) bufferNames() []string {
	return []string{l.node.Name(), l.reusedAs.Name()}
}

func (l *ReuseLine) Plan(graph *ir.Graph, state *MemoryPlanningState) MemoryPlanningLine {
	if graph.IsRemoved(l.reusedAs.Name()) {
		// Only reachable for in-place buffers whose target was later proven
		// dead: the committed storage still has to be released.
		return (&FreeLine{node: l.node}).Plan(graph, state)
	}
	if graph.IsRemoved(l.node.Name()) {
		exceptions.Panicf("memory planner: reuse source %q is in the removed set", l.node.Name())
	}
	return l
}

func (l *ReuseLine) Render(graph *ir.Graph, out *IndentedBuffer) {
	if graph.IsRemoved(l.node.Name()) {
		exceptions.Panicf("memory planner: rendering reuse of removed buffer %q", l.node.Name())
	}
	if graph.IsRemoved(l.reusedAs.Name()) {
		exceptions.Panicf("memory planner: rendering reuse into removed buffer %q", l.reusedAs.Name())
	}
	out.WriteLine(makeBufferReuse(l.node, l.reusedAs, graph.SizeVars))
}

// FreeLine unconditionally releases a buffer, bypassing the reuse pool. Used
// for aliased and multi-output buffers, whose storage is shared.
type FreeLine struct {
	node ir.Buffer
}

func (l *FreeLine) isLine() {}
func (l *FreeLine) bufferNames() []string { return []string{l.node.Name()} }

func (l *FreeLine) Plan(graph *ir.Graph, state *MemoryPlanningState) MemoryPlanningLine {
	if graph.IsRemoved(l.node.Name()) {
		return &NullLine{}
	}
	return l
}

func (l *FreeLine) Render(graph *ir.Graph, out *IndentedBuffer) {
	if graph.IsRemoved(l.node.Name()) {
		exceptions.Panicf("memory planner: rendering free of removed buffer %q", l.node.Name())
	}
	out.WriteLine("release " + l.node.Name())
}

// NullLine is an elided lifecycle event. It plans to itself and renders
// nothing.
type NullLine struct{}

func (l *NullLine) isLine() {}
func (l *NullLine) bufferNames() []string { return nil }
func (l *NullLine) Render(graph *ir.Graph, out *IndentedBuffer) {}
func (l *NullLine) Plan(graph *ir.Graph, state *MemoryPlanningState) MemoryPlanningLine {
	return l
}

func makeBufferAllocation(b ir.Buffer, vars *sizevars.SizeVars) string {
	return "allocate " + b.Name() +
		"(shape=" + vars.ShapeTuple(b.Size()) +
		", stride=" + vars.ShapeTuple(b.Stride()) +
		", device=" + b.Device().String() +
		", dtype=" + b.DType().String() + ")"
}

func makeBufferReuse(old, new ir.Buffer, vars *sizevars.SizeVars) string {
	if old.DType() != new.DType() {
		exceptions.Panicf("memory planner: reuse of %q (%s) as %q (%s) with mismatched dtypes",
			old.Name(), old.DType(), new.Name(), new.DType())
	}
	if exprsEqual(old.Size(), new.Size()) && exprsEqual(old.Stride(), new.Stride()) {
		return "rebind " + new.Name() + " = " + old.Name() + "; release " + old.Name()
	}
	return "reinterpret " + new.Name() +
		" = view(" + old.Name() +
		", shape=" + vars.ShapeTuple(new.Size()) +
		", stride=" + vars.ShapeTuple(new.Stride()) +
		"); release " + old.Name()
}

func exprsEqual(a, b []sizevars.Expr) bool {
	return slices.EqualFunc(a, b, sizevars.Expr.Equal)
}

// trimDeadTail drops the trailing planning lines that reference no program
// output: whatever they allocate or free is unobservable past program end.
// Only a contiguous suffix is trimmed; interior dead lines are elided
// individually by the removed-buffer checks in Plan.
func trimDeadTail(lines []Line, outputs types.Set[string]) []Line {
	for len(lines) > 0 {
		planning, ok := lines[len(lines)-1].(MemoryPlanningLine)
		if !ok {
			break
		}
		live := false
		for _, name := range planning.bufferNames() {
			if outputs.Has(name) {
				live = true
				break
			}
		}
		if live {
			break
		}
		klog.V(2).Infof("memory planner: trimming dead tail line %v", planning.bufferNames())
		lines = lines[:len(lines)-1]
	}
	return lines
}

// planMemory runs the first planning pass: every planning line is mapped
// through Plan against one shared pool, into a fresh slice. Plain and
// deferred lines pass through untouched and never interact with the pool.
func planMemory(graph *ir.Graph, lines []Line) []Line {
	state := NewMemoryPlanningState()
	planned := make([]Line, 0, len(lines))
	for _, line := range lines {
		if planning, ok := line.(MemoryPlanningLine); ok {
			planned = append(planned, planning.Plan(graph, state))
		} else {
			planned = append(planned, line)
		}
	}
	if leftover := state.Leftover(); leftover > 0 {
		klog.V(2).Infof("memory planner: %d pooled slots never reused, releasing", leftover)
	}
	return planned
}

// renderLines runs the second pass, emitting the final statements in program
// order.
func renderLines(graph *ir.Graph, lines []Line, out *IndentedBuffer) {
	for _, line := range lines {
		switch l := line.(type) {
		case MemoryPlanningLine:
			l.Render(graph, out)
		case DeferredLine:
			l.Render(graph, out)
		case PlainLine:
			out.WriteLine(string(l))
		default:
			exceptions.Panicf("memory planner: unhandled line type %T", line)
		}
	}
}
