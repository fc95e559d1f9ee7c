// Package codegen assembles the generated wrapper program: the text that
// allocates buffers, calls the lowered kernels and returns the program
// outputs. Its core is a two-pass memory planner that decides, per buffer,
// whether to allocate fresh storage, reuse storage just vacated by an earlier
// buffer, or elide the operation entirely.
package codegen

import (
	"fmt"
	"strings"

	"github.com/tensorir/wrapgen/ir"
)

// Line is one entry of the wrapper body: a plain statement, a deferred
// statement whose text only becomes resolvable after planning, or a
// memory-planning line rewritten by the planner.
type Line interface {
	isLine()
}

// PlainLine is a statement emitted verbatim, untouched by planning.
type PlainLine string

func (PlainLine) isLine() {}

// DeferredLine is a statement whose text depends on decisions made later in
// the same planning pass, typically the alias binding of a view buffer. The
// resolver runs during the render pass, after all allocation and reuse
// decisions are fixed. The line is dropped if its guarding buffer was removed.
type DeferredLine struct {
	// Name of the buffer this line defines. If it lands in the removed set,
	// the line renders as nothing.
	Name    string
	Resolve func() string
}

func (DeferredLine) isLine() {}

// Render emits the resolved statement, unless the guarding buffer is removed.
func (l DeferredLine) Render(graph *ir.Graph, out *IndentedBuffer) {
	if graph.IsRemoved(l.Name) {
		return
	}
	out.WriteLine(l.Resolve())
}

const indentSpaces = "    "

// IndentedBuffer accumulates generated program text with indentation.
type IndentedBuffer struct {
	lines  []string
	indent int
}

// NewIndentedBuffer creates an empty buffer at indentation level 0.
func NewIndentedBuffer() *IndentedBuffer {
	return &IndentedBuffer{}
}

// WriteLine appends one line at the current indentation. Empty lines are
// written without trailing indentation.
func (b *IndentedBuffer) WriteLine(line string) {
	if line == "" {
		b.lines = append(b.lines, "")
		return
	}
	b.lines = append(b.lines, strings.Repeat(indentSpaces, b.indent)+line)
}

// WriteLinef appends one formatted line at the current indentation.
func (b *IndentedBuffer) WriteLinef(format string, args ...any) {
	b.WriteLine(fmt.Sprintf(format, args...))
}

// WriteLines appends several lines at the current indentation.
func (b *IndentedBuffer) WriteLines(lines ...string) {
	for _, line := range lines {
		b.WriteLine(line)
	}
}

// Indent runs fn with the indentation level raised by one.
func (b *IndentedBuffer) Indent(fn func()) {
	b.indent++
	defer func() { b.indent-- }()
	fn()
}

// Splice appends the contents of another buffer, re-indented to the current
// level.
func (b *IndentedBuffer) Splice(other *IndentedBuffer) {
	for _, line := range other.lines {
		b.WriteLine(line)
	}
}

// SpliceText appends a multi-line string, stripping the common leading
// whitespace of its non-empty lines and re-indenting to the current level.
// Leading and trailing blank lines are dropped, which lets callers write the
// text as an indented Go raw string.
func (b *IndentedBuffer) SpliceText(text string) {
	lines := strings.Split(text, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	prefix := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		leading := len(line) - len(strings.TrimLeft(line, " \t"))
		if prefix < 0 || leading < prefix {
			prefix = leading
		}
	}
	if prefix < 0 {
		prefix = 0
	}
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			b.WriteLine("")
			continue
		}
		b.WriteLine(line[prefix:])
	}
}

// IsEmpty reports whether nothing has been written yet.
func (b *IndentedBuffer) IsEmpty() bool { return len(b.lines) == 0 }

// String returns the accumulated text, one line per entry, with a trailing
// newline.
func (b *IndentedBuffer) String() string {
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}
