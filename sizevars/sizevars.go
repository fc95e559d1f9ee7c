// Package sizevars implements the symbolic size/stride expressions used by the
// wrapper code generator.
//
// Dimensions and strides coming from graph lowering are not always literal
// integers: batch dimensions in particular are often left symbolic ("s0").
// Expr models the subset of expressions the generator needs -- an integer
// coefficient times a product of symbols -- in a canonical form, so that two
// buffers whose total element counts simplify to the same expression can share
// storage, and so that shape/stride tuples render deterministically.
package sizevars

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Expr is an integer coefficient times an ordered product of symbol factors.
// It is kept canonical by construction: symbols sorted, literals folded, and
// a zero coefficient absorbing all symbols. The zero value is the literal 0.
type Expr struct {
	coeff   int
	symbols []string
}

// Const returns the literal expression v.
func Const(v int) Expr {
	return Expr{coeff: v}
}

// Sym returns the symbolic expression for one symbol, e.g. "s0".
func Sym(name string) Expr {
	return Expr{coeff: 1, symbols: []string{name}}
}

// One is the empty product, the size of a scalar.
func One() Expr { return Const(1) }

// Mul returns the canonical product of the given expressions.
func Mul(exprs ...Expr) Expr {
	product := One()
	for _, e := range exprs {
		product.coeff *= e.coeff
		product.symbols = append(product.symbols, e.symbols...)
	}
	if product.coeff == 0 {
		return Const(0)
	}
	slices.Sort(product.symbols)
	return product
}

// IsConst returns the literal value of the expression, if it has no symbols.
func (e Expr) IsConst() (int, bool) {
	if len(e.symbols) > 0 {
		return 0, false
	}
	return e.coeff, true
}

// String renders the canonical form: "16", "s0", "4*s0*s1".
func (e Expr) String() string {
	if len(e.symbols) == 0 {
		return strconv.Itoa(e.coeff)
	}
	product := strings.Join(e.symbols, "*")
	if e.coeff == 1 {
		return product
	}
	return fmt.Sprintf("%d*%s", e.coeff, product)
}

// Equal reports whether two expressions have the same canonical form.
func (e Expr) Equal(e2 Expr) bool {
	return e.coeff == e2.coeff && slices.Equal(e.symbols, e2.symbols)
}

// SizeVars canonicalizes size expressions and resolves symbol hints.
// One instance is shared by a graph and the wrapper generator compiling it.
type SizeVars struct {
	hints map[string]int
}

// New creates an empty SizeVars.
func New() *SizeVars {
	return &SizeVars{hints: make(map[string]int)}
}

// BindHint associates a concrete value with a symbol. Hints are only consulted
// when materializing fake inputs (see Hint); they never affect Simplify, which
// must keep symbolic sizes symbolic in the generated text.
func (v *SizeVars) BindHint(symbol string, value int) {
	v.hints[symbol] = value
}

// Simplify returns the canonical form of e. Expressions built through Const,
// Sym and Mul are already canonical; Simplify exists as the explicit
// canonicalization point for expressions assembled elsewhere.
func (v *SizeVars) Simplify(e Expr) Expr {
	return Mul(e)
}

// ProductOf returns the canonical product of dims, the total element count of
// a shape. An empty dims is a scalar, with product 1.
func (v *SizeVars) ProductOf(dims []Expr) Expr {
	return Mul(dims...)
}

// ShapeTuple renders a size or stride sequence as "[4, s0, 1]".
func (v *SizeVars) ShapeTuple(dims []Expr) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = v.Simplify(d).String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Hint resolves e to a concrete value using the bound symbol hints.
// It returns an error if any symbol of e has no hint.
func (v *SizeVars) Hint(e Expr) (int, error) {
	value := e.coeff
	for _, symbol := range e.symbols {
		hint, found := v.hints[symbol]
		if !found {
			return 0, errors.Errorf("no size hint bound for symbol %q in expression %s", symbol, e)
		}
		value *= hint
	}
	return value, nil
}

// HintAll resolves every expression in dims. See Hint.
func (v *SizeVars) HintAll(dims []Expr) ([]int, error) {
	values := make([]int, len(dims))
	for i, d := range dims {
		value, err := v.Hint(d)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving dimension %d of %d", i, len(dims))
		}
		values[i] = value
	}
	return values, nil
}
