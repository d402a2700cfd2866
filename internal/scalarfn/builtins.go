package scalarfn

import "fmt"

// andFunc implements SQL AND with short-circuit evaluation: FALSE wins
// over NULL (three-valued logic), so it must see unevaluated arguments.
type andFunc struct{}

func (andFunc) Name() string { return "and" }
func (andFunc) Metadata() Metadata {
	return Metadata{IsAssociative: true, IsInfixOp: true, Lazy: true, CouldError: true}
}
func (f andFunc) Eval(arena *Arena, args []Datum) (Datum, error) {
	return nil, fmt.Errorf("scalarfn: %s is lazy, call EvalLazy", f.Name())
}
func (f andFunc) EvalLazy(arena *Arena, args []Expr) (Datum, error) {
	sawNull := false
	for _, a := range args {
		v, err := a.Eval(arena)
		if err != nil {
			return nil, err
		}
		if v == nil {
			sawNull = true
			continue
		}
		if b, ok := v.(bool); ok && !b {
			return false, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return true, nil
}

// orFunc implements SQL OR with short-circuit evaluation: TRUE wins over
// NULL.
type orFunc struct{}

func (orFunc) Name() string { return "or" }
func (orFunc) Metadata() Metadata {
	return Metadata{IsAssociative: true, IsInfixOp: true, Lazy: true, CouldError: true}
}
func (f orFunc) Eval(arena *Arena, args []Datum) (Datum, error) {
	return nil, fmt.Errorf("scalarfn: %s is lazy, call EvalLazy", f.Name())
}
func (f orFunc) EvalLazy(arena *Arena, args []Expr) (Datum, error) {
	sawNull := false
	for _, a := range args {
		v, err := a.Eval(arena)
		if err != nil {
			return nil, err
		}
		if v == nil {
			sawNull = true
			continue
		}
		if b, ok := v.(bool); ok && b {
			return true, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return false, nil
}

// coalesceFunc returns the first non-NULL argument, evaluating arguments
// left to right and stopping at the first success.
type coalesceFunc struct{}

func (coalesceFunc) Name() string { return "coalesce" }
func (coalesceFunc) Metadata() Metadata {
	return Metadata{Lazy: true}
}
func (f coalesceFunc) Eval(arena *Arena, args []Datum) (Datum, error) {
	return nil, fmt.Errorf("scalarfn: %s is lazy, call EvalLazy", f.Name())
}
func (coalesceFunc) EvalLazy(arena *Arena, args []Expr) (Datum, error) {
	for _, a := range args {
		v, err := a.Eval(arena)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

// isNullFunc never propagates nulls: NULL IS NULL evaluates to true.
type isNullFunc struct{}

func (isNullFunc) Name() string { return "is_null" }
func (isNullFunc) Metadata() Metadata {
	return Metadata{PropagatesNulls: false, IsMonotone: false}
}
func (isNullFunc) Eval(arena *Arena, args []Datum) (Datum, error) {
	return args[0] == nil, nil
}

// int64AddFunc is a simple monotone, null-propagating, infix arithmetic
// function — the common shape the vast majority of scalar functions take.
type int64AddFunc struct{}

func (int64AddFunc) Name() string { return "int8_add" }
func (int64AddFunc) Metadata() Metadata {
	return Metadata{
		PropagatesNulls: true,
		IsMonotone:      true,
		IsAssociative:   true,
		IsInfixOp:       true,
		CouldError:      true,
	}
}
func (f int64AddFunc) Eval(arena *Arena, args []Datum) (Datum, error) {
	a, ok := args[0].(int64)
	if !ok {
		return nil, fmt.Errorf("scalarfn: %s: arg 0 not int64", f.Name())
	}
	b, ok := args[1].(int64)
	if !ok {
		return nil, fmt.Errorf("scalarfn: %s: arg 1 not int64", f.Name())
	}
	return a + b, nil
}

// RegisterBuiltins adds the fixed set of builtin scalar functions to r.
func RegisterBuiltins(r *Registry) {
	r.Register(andFunc{})
	r.Register(orFunc{})
	r.Register(coalesceFunc{})
	r.Register(isNullFunc{})
	r.Register(int64AddFunc{})
}
