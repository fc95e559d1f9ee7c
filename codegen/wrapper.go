package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/tensorir/wrapgen/ir"
	"github.com/tensorir/wrapgen/types"
	"k8s.io/klog/v2"
)

// Config selects optional sections of the generated program.
type Config struct {
	// BenchmarkHarness appends a main section that materializes fake inputs
	// and times the generated call, for debugging generated programs.
	BenchmarkHarness bool
}

// WrapperGen generates the outer wrapper program that calls the lowered
// kernels. Graph lowering drives it through the Request* methods and
// CallKernel in program order; Generate then plans buffer lifetimes and
// renders the full program text.
//
// One WrapperGen compiles one program. It is not safe for concurrent use and
// is not reusable after Generate.
type WrapperGen struct {
	graph  *ir.Graph
	config Config

	header *IndentedBuffer
	prefix *IndentedBuffer
	lines  []Line

	kernels     map[string]string
	kernelCount int

	allocated types.Set[string]
	freed     types.Set[string]
}

// NewWrapperGen creates a generator for one program compilation.
func NewWrapperGen(graph *ir.Graph, config Config) *WrapperGen {
	w := &WrapperGen{
		graph:     graph,
		config:    config,
		header:    NewIndentedBuffer(),
		prefix:    NewIndentedBuffer(),
		kernels:   make(map[string]string),
		allocated: types.MakeSet[string](),
		freed:     types.MakeSet[string](),
	}

	w.header.WriteLine("# generated by wrapgen")
	for _, name := range graph.ConstantNames() {
		// The content hash gives the external code cache a stable identity
		// for each constant value.
		constant := graph.ConstantByName(name)
		w.header.WriteLinef("const %s  # %s", name, ir.ConstantKey(constant.Value))
	}

	w.prefix.WriteLines("", "")
	w.prefix.WriteLinef("func call(%s):", strings.Join(graph.InputNames(), ", "))
	w.prefix.Indent(func() {
		for _, name := range graph.RandomnessSeeds {
			w.prefix.WriteLinef("seed(%s)", name)
		}
	})
	return w
}

// WriteLine appends one body line in program order.
func (w *WrapperGen) WriteLine(line Line) {
	w.lines = append(w.lines, line)
}

// WriteStatement appends one plain body statement.
func (w *WrapperGen) WriteStatement(stmt string) {
	w.WriteLine(PlainLine(stmt))
}

// NextKernelName returns "kernel0", "kernel1", ... in sequence.
func (w *WrapperGen) NextKernelName() string {
	name := "kernel" + strconv.Itoa(w.kernelCount)
	w.kernelCount++
	return name
}

// DefineKernel splices a kernel definition into the program header.
func (w *WrapperGen) DefineKernel(name, src string) {
	w.kernels[name] = src
	w.header.WriteLine("")
	w.header.WriteLinef("define %s:", name)
	w.header.Indent(func() {
		w.header.SpliceText(src)
	})
}

// CallKernel appends a kernel invocation to the program body.
func (w *WrapperGen) CallKernel(name string, args ...string) {
	w.WriteStatement(fmt.Sprintf("%s(%s)", name, strings.Join(args, ", ")))
}

// RequestAllocation enqueues the allocation of b. It is idempotent per buffer
// name, a no-op for removed buffers, and layout-aware:
//
//   - MutationLayout: nothing is emitted, the storage belongs to the buffer
//     being overwritten and the producing operation handles it.
//   - AliasedLayout: the view source is allocated first (recursively), then a
//     deferred alias binding is enqueued -- deferred because the view
//     expression may depend on decisions made later in the same pass.
//   - Otherwise an AllocateLine enters the planning stream.
func (w *WrapperGen) RequestAllocation(b ir.Buffer) {
	name := b.Name()
	if w.graph.IsRemoved(name) || w.allocated.Has(name) {
		return
	}
	w.allocated.Insert(name)

	switch layout := b.Layout().(type) {
	case ir.MutationLayout:
		return
	case ir.AliasedLayout:
		view := layout.View
		w.RequestAllocation(view.Data)
		w.WriteLine(DeferredLine{
			Name: name,
			Resolve: func() string {
				return fmt.Sprintf("alias %s = %s", name, view.Reference(w.graph.SizeVars))
			},
		})
		return
	}
	w.WriteLine(&AllocateLine{node: b})
}

// canFree reports whether b's storage may be released by the generated
// program: removed buffers render nothing, graph inputs and constants are
// owned by the caller, and a buffer is freed at most once.
func (w *WrapperGen) canFree(b ir.Buffer) bool {
	name := b.Name()
	if w.graph.IsRemoved(name) || w.graph.IsInput(name) || w.graph.IsConstant(name) || w.freed.Has(name) {
		return false
	}
	return true
}

// RequestFree enqueues the retirement of b after its last use. Aliased and
// multi-output buffers share storage and are released unconditionally,
// bypassing the reuse pool; anything else retires into the pool so a later
// compatible allocation may take over the slot.
func (w *WrapperGen) RequestFree(b ir.Buffer) {
	if !w.canFree(b) {
		return
	}
	w.freed.Insert(b.Name())

	switch b.Layout().(type) {
	case ir.AliasedLayout, ir.MultiOutputLayout:
		w.WriteLine(&FreeLine{node: b})
		return
	}
	w.WriteLine(&FreeIfNotReusedLine{node: b})
}

// RequestInplaceReuse records an upstream-mandated reuse: the scheduled
// operation overwrites input's storage, producing output. Unlike
// pool-discovered reuse this is mandatory and known at schedule time, so the
// bookkeeping sets are updated directly and the ReuseLine is enqueued
// unconditionally. The two buffers must be storage-interchangeable.
func (w *WrapperGen) RequestInplaceReuse(input, output ir.Buffer) {
	inKey := bufferReuseKey(input, w.graph.SizeVars)
	outKey := bufferReuseKey(output, w.graph.SizeVars)
	if inKey != outKey {
		exceptions.Panicf("in-place reuse of %q as %q with incompatible storage: %+v vs %+v",
			input.Name(), output.Name(), inKey, outKey)
	}
	w.RequestAllocation(input)
	w.freed.Insert(input.Name())
	w.allocated.Insert(output.Name())
	w.WriteLine(&ReuseLine{node: input, reusedAs: output})
}

// Generate plans buffer lifetimes over the accumulated lines and renders the
// final program. Contract violations inside planning (see the Panicf calls in
// this package) indicate a scheduler or dead-buffer-elimination bug upstream;
// they abort generation and surface here as an error.
func (w *WrapperGen) Generate() (program string, err error) {
	err = exceptions.TryCatch[error](func() {
		program = w.generate()
	})
	if err != nil {
		return "", errors.WithMessage(err, "wrapper code generation failed")
	}
	return program, nil
}

func (w *WrapperGen) generate() string {
	result := NewIndentedBuffer()
	result.Splice(w.header)
	result.Splice(w.prefix)

	lines := trimDeadTail(w.lines, w.graph.OutputNames())
	trimmed := len(w.lines) - len(lines)
	lines = planMemory(w.graph, lines)

	result.Indent(func() {
		renderLines(w.graph, lines, result)

		outputs := w.graph.Outputs()
		refs := make([]string, len(outputs))
		for i, out := range outputs {
			refs[i] = ir.Reference(out, w.graph.SizeVars)
		}
		result.WriteLinef("return (%s)", strings.Join(refs, ", "))
	})

	w.logPlanningSummary(lines, trimmed)

	if w.config.BenchmarkHarness {
		w.addBenchmarkHarness(result)
	}
	return result.String()
}

func (w *WrapperGen) logPlanningSummary(planned []Line, trimmed int) {
	if !klog.V(1).Enabled() {
		return
	}
	var allocations, reuses int
	var allocatedBytes uint64
	symbolic := false
	for _, line := range planned {
		switch l := line.(type) {
		case *AllocateLine:
			allocations++
			if n, ok := w.graph.SizeVars.ProductOf(l.node.Size()).IsConst(); ok {
				allocatedBytes += uint64(n) * uint64(l.node.DType().Size())
			} else {
				symbolic = true
			}
		case *ReuseLine:
			reuses++
		}
	}
	sizeNote := humanize.Bytes(allocatedBytes)
	if symbolic {
		sizeNote = ">= " + sizeNote
	}
	klog.V(1).Infof("memory planner: %d allocations (%s), %d reuses, %d dead tail lines trimmed",
		allocations, sizeNote, reuses, trimmed)
}

// addBenchmarkHarness appends a main section that creates fake constants and
// inputs (symbolic dimensions resolved through the bound size hints) and
// times the generated call.
func (w *WrapperGen) addBenchmarkHarness(out *IndentedBuffer) {
	fakeInput := func(b ir.Buffer) {
		size, err := w.graph.SizeVars.HintAll(b.Size())
		if err != nil {
			exceptions.Panicf("benchmark harness: cannot materialize %q: %v", b.Name(), err)
		}
		stride, err := w.graph.SizeVars.HintAll(b.Stride())
		if err != nil {
			exceptions.Panicf("benchmark harness: cannot materialize %q: %v", b.Name(), err)
		}
		out.WriteLinef("%s = rand_strided(%s, %s, device=%s, dtype=%s)",
			b.Name(), intTuple(size), intTuple(stride), b.Device(), b.DType())
	}

	out.WriteLines("", "")
	out.WriteLine("func main():")
	out.Indent(func() {
		for _, name := range w.graph.ConstantNames() {
			fakeInput(w.graph.ConstantByName(name).Buffer)
		}
		for _, input := range w.graph.Inputs() {
			fakeInput(input)
		}
		out.WriteLinef("print_performance(call(%s))", strings.Join(w.graph.InputNames(), ", "))
	})
}

func intTuple(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
