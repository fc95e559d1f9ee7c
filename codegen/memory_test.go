package codegen

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tensorir/wrapgen/ir"
	"github.com/tensorir/wrapgen/sizevars"
	"github.com/tensorir/wrapgen/types"
)

var cuda = ir.Device{Type: "cuda"}

func newTestGraph() *ir.Graph {
	return ir.NewGraph(sizevars.New())
}

// f32 creates a contiguous float32 buffer with the given literal dimensions.
func f32(name string, dims ...int) *ir.StaticBuffer {
	size := make([]sizevars.Expr, len(dims))
	for i, d := range dims {
		size[i] = sizevars.Const(d)
	}
	return ir.NewBuffer(name, cuda, dtypes.Float32, size, nil)
}

func TestMemoryPlanningStateLIFO(t *testing.T) {
	graph := newTestGraph()
	state := NewMemoryPlanningState()
	key := bufferReuseKey(f32("e1", 16), graph.SizeVars)

	first := &FreeIfNotReusedLine{node: f32("e1", 16)}
	second := &FreeIfNotReusedLine{node: f32("e2", 4, 4)}
	require.False(t, state.Contains(key))
	state.Push(key, first)
	state.Push(key, second)
	require.True(t, state.Contains(key))
	assert.Equal(t, 2, state.Leftover())

	// Most recently retired buffer comes back first.
	assert.Same(t, second, state.Pop(key))
	assert.Same(t, first, state.Pop(key))
	assert.False(t, state.Contains(key))
	assert.Equal(t, 0, state.Leftover())
}

func TestMemoryPlanningStateContract(t *testing.T) {
	graph := newTestGraph()
	state := NewMemoryPlanningState()
	key := bufferReuseKey(f32("e1", 16), graph.SizeVars)

	require.Panics(t, func() { state.Pop(key) })

	reused := &FreeIfNotReusedLine{node: f32("e1", 16), reused: true}
	require.Panics(t, func() { state.Push(key, reused) })

	entry := &FreeIfNotReusedLine{node: f32("e1", 16)}
	state.Push(key, entry)
	entry.reused = true
	require.Panics(t, func() { state.Pop(key) })
}

func TestReuseKey(t *testing.T) {
	graph := newTestGraph()
	// Same total element count, dtype and device: interchangeable storage,
	// regardless of shape.
	assert.Equal(t,
		bufferReuseKey(f32("a", 4, 4), graph.SizeVars),
		bufferReuseKey(f32("b", 16), graph.SizeVars))
	assert.NotEqual(t,
		bufferReuseKey(f32("a", 4, 4), graph.SizeVars),
		bufferReuseKey(f32("b", 4, 8), graph.SizeVars))
	assert.NotEqual(t,
		bufferReuseKey(f32("a", 16), graph.SizeVars),
		bufferReuseKey(ir.NewBuffer("b", cuda, dtypes.Int32, []sizevars.Expr{sizevars.Const(16)}, nil), graph.SizeVars))
	assert.NotEqual(t,
		bufferReuseKey(f32("a", 16), graph.SizeVars),
		bufferReuseKey(ir.NewBuffer("b", ir.Device{Type: "cuda", Ordinal: 1}, dtypes.Float32, []sizevars.Expr{sizevars.Const(16)}, nil), graph.SizeVars))
}

func TestAllocatePlanFindsReuse(t *testing.T) {
	graph := newTestGraph()
	state := NewMemoryPlanningState()

	freeLine := &FreeIfNotReusedLine{node: f32("a", 4, 4)}
	require.Same(t, freeLine, freeLine.Plan(graph, state))

	planned := (&AllocateLine{node: f32("b", 16)}).Plan(graph, state)
	reuse, ok := planned.(*ReuseLine)
	require.True(t, ok)
	assert.Equal(t, "a", reuse.node.Name())
	assert.Equal(t, "b", reuse.reusedAs.Name())
	assert.True(t, freeLine.reused)

	// The slot was consumed; the next compatible allocation stays fresh.
	planned = (&AllocateLine{node: f32("c", 16)}).Plan(graph, state)
	_, ok = planned.(*AllocateLine)
	assert.True(t, ok)
}

func TestPlanRemovedBuffers(t *testing.T) {
	graph := newTestGraph()
	graph.MarkRemoved("dead")
	state := NewMemoryPlanningState()

	for _, line := range []MemoryPlanningLine{
		&AllocateLine{node: f32("dead", 16)},
		&FreeIfNotReusedLine{node: f32("dead", 16)},
		&FreeLine{node: f32("dead", 16)},
	} {
		planned := line.Plan(graph, state)
		_, ok := planned.(*NullLine)
		assert.True(t, ok, "%T should plan to NullLine for a removed buffer", line)
	}
	// Nothing removed may enter the pool.
	assert.Equal(t, 0, state.Leftover())
}

func TestReusePlanRemovedTarget(t *testing.T) {
	// An in-place write whose target was later proven dead: the committed
	// storage still has to be released.
	graph := newTestGraph()
	graph.MarkRemoved("dead")
	state := NewMemoryPlanningState()

	planned := (&ReuseLine{node: f32("src", 16), reusedAs: f32("dead", 16)}).Plan(graph, state)
	freeLine, ok := planned.(*FreeLine)
	require.True(t, ok)
	assert.Equal(t, "src", freeLine.node.Name())

	// If the source is dead too, the whole event vanishes.
	graph.MarkRemoved("src")
	planned = (&ReuseLine{node: f32("src", 16), reusedAs: f32("dead", 16)}).Plan(graph, state)
	_, ok = planned.(*NullLine)
	assert.True(t, ok)
}

func TestReusePlanRemovedSourcePanics(t *testing.T) {
	graph := newTestGraph()
	graph.MarkRemoved("src")
	state := NewMemoryPlanningState()
	require.Panics(t, func() {
		(&ReuseLine{node: f32("src", 16), reusedAs: f32("live", 16)}).Plan(graph, state)
	})
}

func TestRenderRemovedBufferPanics(t *testing.T) {
	graph := newTestGraph()
	graph.MarkRemoved("dead")
	out := NewIndentedBuffer()
	require.Panics(t, func() { (&AllocateLine{node: f32("dead", 16)}).Render(graph, out) })
	require.Panics(t, func() { (&FreeLine{node: f32("dead", 16)}).Render(graph, out) })
	require.Panics(t, func() { (&FreeIfNotReusedLine{node: f32("dead", 16)}).Render(graph, out) })
	require.Panics(t, func() {
		(&ReuseLine{node: f32("dead", 16), reusedAs: f32("live", 16)}).Render(graph, out)
	})
}

func TestMakeBufferReuse(t *testing.T) {
	vars := sizevars.New()

	// Identical shape and stride: a direct rebind, no reinterpretation.
	assert.Equal(t, "rebind b = a; release a",
		makeBufferReuse(f32("a", 4, 4), f32("b", 4, 4), vars))

	// Same storage size, different shape: reinterpret.
	assert.Equal(t, "reinterpret b = view(a, shape=[16], stride=[1]); release a",
		makeBufferReuse(f32("a", 4, 4), f32("b", 16), vars))

	// Same shape, different stride: also a reinterpret.
	transposed := ir.NewBuffer("b", cuda, dtypes.Float32,
		[]sizevars.Expr{sizevars.Const(4), sizevars.Const(4)},
		[]sizevars.Expr{sizevars.One(), sizevars.Const(4)})
	assert.Equal(t, "reinterpret b = view(a, shape=[4, 4], stride=[1, 4]); release a",
		makeBufferReuse(f32("a", 4, 4), transposed, vars))

	// Element type mismatch is a planner bug.
	require.Panics(t, func() {
		makeBufferReuse(f32("a", 16),
			ir.NewBuffer("b", cuda, dtypes.Int32, []sizevars.Expr{sizevars.Const(16)}, nil), vars)
	})
}

func TestTrimDeadTail(t *testing.T) {
	outputs := types.SetWith("out")

	lines := []Line{
		&AllocateLine{node: f32("a", 16)},
		PlainLine("kernel0(a)"),
		&AllocateLine{node: f32("tmp", 16)},
		&FreeIfNotReusedLine{node: f32("tmp", 16)},
	}
	trimmed := trimDeadTail(lines, outputs)
	require.Len(t, trimmed, 2)

	// A trailing line for an output buffer is never elided.
	lines = append(lines, &AllocateLine{node: f32("out", 16)})
	trimmed = trimDeadTail(lines, outputs)
	require.Len(t, trimmed, 5)

	// A reuse producing an output keeps the whole suffix alive.
	lines = []Line{
		&AllocateLine{node: f32("a", 16)},
		&ReuseLine{node: f32("a", 16), reusedAs: f32("out", 16)},
	}
	require.Len(t, trimDeadTail(lines, outputs), 2)

	// Plain lines stop the trim.
	lines = []Line{PlainLine("kernel0()"), &FreeLine{node: f32("x", 16)}}
	require.Len(t, trimDeadTail(lines, types.MakeSet[string]()), 1)
}

func TestPlanMemoryLIFOOrder(t *testing.T) {
	// Two compatible retirements followed by two compatible allocations:
	// the second retiree is consumed first, then the first.
	graph := newTestGraph()
	lines := []Line{
		&FreeIfNotReusedLine{node: f32("e1", 16)},
		&FreeIfNotReusedLine{node: f32("e2", 16)},
		&AllocateLine{node: f32("f", 16)},
		&AllocateLine{node: f32("g", 16)},
	}
	planned := planMemory(graph, lines)
	require.Len(t, planned, 4)

	reuseF, ok := planned[2].(*ReuseLine)
	require.True(t, ok)
	assert.Equal(t, "e2", reuseF.node.Name())
	assert.Equal(t, "f", reuseF.reusedAs.Name())

	reuseG, ok := planned[3].(*ReuseLine)
	require.True(t, ok)
	assert.Equal(t, "e1", reuseG.node.Name())
	assert.Equal(t, "g", reuseG.reusedAs.Name())
}

func TestPlanMemoryPassesPlainLinesThrough(t *testing.T) {
	graph := newTestGraph()
	deferred := DeferredLine{Name: "v", Resolve: func() string { return "alias v = x" }}
	lines := []Line{PlainLine("kernel0(a)"), deferred, &NullLine{}}
	planned := planMemory(graph, lines)
	require.Len(t, planned, 3)
	assert.Equal(t, PlainLine("kernel0(a)"), planned[0])
	_, ok := planned[1].(DeferredLine)
	assert.True(t, ok)
}

func TestDeferredLineRender(t *testing.T) {
	graph := newTestGraph()
	out := NewIndentedBuffer()
	line := DeferredLine{Name: "v", Resolve: func() string { return "alias v = view(x, shape=[4], stride=[1])" }}
	line.Render(graph, out)
	assert.Equal(t, "alias v = view(x, shape=[4], stride=[1])\n", out.String())

	// Removed buffers render nothing, even if the line was enqueued before
	// the removal was known.
	graph.MarkRemoved("v")
	out = NewIndentedBuffer()
	line.Render(graph, out)
	assert.Equal(t, "", out.String())
}
