// Package scalarfn implements scalar-function dispatch over a tagged
// variant (one struct per function) rather than virtual dispatch, so that
// constant-folding and monotonicity inference can inspect a function's
// metadata without invoking it. Grounded on logiface's arrayfields.go,
// which dispatches a fixed set of field-writer variants (Str, Int, Bool,
// ...) through a single tagged interface rather than reflection.
package scalarfn

import "fmt"

// Datum is an evaluated scalar value. Nil represents SQL NULL.
type Datum any

// Arena owns transient per-query allocations; the Coordinator creates one
// per peek and drops it when the peek completes (spec.md §9 "Arena
// allocation for datums"). Datums returned from Eval may borrow from it and
// must be copied out before the arena is dropped.
type Arena struct {
	buf []byte
}

// NewArena returns an empty Arena with cap bytes pre-reserved.
func NewArena(cap int) *Arena {
	return &Arena{buf: make([]byte, 0, cap)}
}

// Alloc appends b to the arena's backing buffer and returns a view into it.
// The returned slice is only valid until the Arena is reused or discarded.
func (a *Arena) Alloc(b []byte) []byte {
	start := len(a.buf)
	a.buf = append(a.buf, b...)
	return a.buf[start:len(a.buf):len(a.buf)]
}

// Reset discards all allocations, retaining the backing array for reuse.
func (a *Arena) Reset() { a.buf = a.buf[:0] }

// Expr is a lazily-evaluated argument: functions that short-circuit
// (AND, OR, COALESCE) receive Exprs rather than pre-evaluated Datums, so
// they can avoid evaluating arguments they don't need.
type Expr interface {
	Eval(arena *Arena) (Datum, error)
}

// Func is the uniform contract every scalar function variant satisfies.
type Func interface {
	// Name identifies the function for error messages and plan explain.
	Name() string
	// Metadata returns the function's const-folding / inference metadata.
	Metadata() Metadata
	// Eval evaluates the function against already-evaluated arguments. Lazy
	// functions (Metadata().Lazy) must instead be invoked through EvalLazy.
	Eval(arena *Arena, args []Datum) (Datum, error)
}

// LazyFunc is implemented by functions whose Metadata().Lazy is true: they
// receive unevaluated Exprs and decide which to evaluate.
type LazyFunc interface {
	Func
	EvalLazy(arena *Arena, args []Expr) (Datum, error)
}

// Metadata carries the properties the planner needs without evaluating a
// function: whether it propagates or introduces nulls, whether it can
// error, and its algebraic properties.
type Metadata struct {
	PropagatesNulls bool
	IntroducesNulls bool
	CouldError      bool
	IsMonotone      bool
	IsAssociative   bool
	IsInfixOp       bool
	Lazy            bool
}

// EvalWithNullPropagation wraps a Func's Eval, short-circuiting to NULL
// without invoking the function body when Metadata().PropagatesNulls is
// set and any argument is NULL — the common case for scalar functions,
// factored out so individual Func variants don't each reimplement it.
func EvalWithNullPropagation(f Func, arena *Arena, args []Datum) (Datum, error) {
	if f.Metadata().PropagatesNulls {
		for _, a := range args {
			if a == nil {
				return nil, nil
			}
		}
	}
	return f.Eval(arena, args)
}

// Registry is the tagged-variant dispatch table: function name to its Func
// implementation. Builtin scalar functions are added by an explicit
// RegisterBuiltins call (there is no init-time registration), mirroring how arrayfields.go's field
// writers are a fixed, closed set rather than a plugin registry.
type Registry struct {
	byName map[string]Func
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Func)}
}

// Register adds fn under its own Name(). It panics on a duplicate name,
// since the scalar-function set is closed and fixed at build time — a
// duplicate registration is a programming error, not a runtime condition.
func (r *Registry) Register(fn Func) {
	name := fn.Name()
	if _, ok := r.byName[name]; ok {
		panic(fmt.Sprintf("scalarfn: duplicate registration of %q", name))
	}
	r.byName[name] = fn
}

// Lookup returns the Func registered under name, or (nil, false).
func (r *Registry) Lookup(name string) (Func, bool) {
	fn, ok := r.byName[name]
	return fn, ok
}
