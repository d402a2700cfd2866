package scalarfn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredbio/core/internal/scalarfn"
)

type literalExpr struct{ v scalarfn.Datum }

func (l literalExpr) Eval(*scalarfn.Arena) (scalarfn.Datum, error) { return l.v, nil }

func TestAndShortCircuitsOnFalse(t *testing.T) {
	r := scalarfn.NewRegistry()
	scalarfn.RegisterBuiltins(r)
	fn, ok := r.Lookup("and")
	require.True(t, ok)
	lazy := fn.(scalarfn.LazyFunc)

	v, err := lazy.EvalLazy(scalarfn.NewArena(0), []scalarfn.Expr{
		literalExpr{false}, literalExpr{nil},
	})
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestAndNullDominatesWhenNoFalse(t *testing.T) {
	r := scalarfn.NewRegistry()
	scalarfn.RegisterBuiltins(r)
	fn, _ := r.Lookup("and")
	lazy := fn.(scalarfn.LazyFunc)

	v, err := lazy.EvalLazy(scalarfn.NewArena(0), []scalarfn.Expr{
		literalExpr{true}, literalExpr{nil},
	})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestCoalesceReturnsFirstNonNull(t *testing.T) {
	r := scalarfn.NewRegistry()
	scalarfn.RegisterBuiltins(r)
	fn, _ := r.Lookup("coalesce")
	lazy := fn.(scalarfn.LazyFunc)

	v, err := lazy.EvalLazy(scalarfn.NewArena(0), []scalarfn.Expr{
		literalExpr{nil}, literalExpr{int64(7)}, literalExpr{int64(9)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestIsNullDoesNotPropagateNulls(t *testing.T) {
	r := scalarfn.NewRegistry()
	scalarfn.RegisterBuiltins(r)
	fn, _ := r.Lookup("is_null")

	v, err := fn.Eval(scalarfn.NewArena(0), []scalarfn.Datum{nil})
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvalWithNullPropagationShortCircuits(t *testing.T) {
	r := scalarfn.NewRegistry()
	scalarfn.RegisterBuiltins(r)
	fn, _ := r.Lookup("int8_add")

	v, err := scalarfn.EvalWithNullPropagation(fn, scalarfn.NewArena(0), []scalarfn.Datum{int64(1), nil})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = scalarfn.EvalWithNullPropagation(fn, scalarfn.NewArena(0), []scalarfn.Datum{int64(1), int64(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := scalarfn.NewRegistry()
	r.Register(fakeFunc{})
	assert.Panics(t, func() { r.Register(fakeFunc{}) })
}

type fakeFunc struct{}

func (fakeFunc) Name() string                                          { return "fake" }
func (fakeFunc) Metadata() scalarfn.Metadata                           { return scalarfn.Metadata{} }
func (fakeFunc) Eval(*scalarfn.Arena, []scalarfn.Datum) (scalarfn.Datum, error) { return nil, nil }
