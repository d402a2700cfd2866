package schemaregistry_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredbio/core/internal/schemaregistry"
)

type fakeFetcher struct {
	calls   int32
	schemas map[schemaregistry.SubjectID]schemaregistry.Schema
}

func (f *fakeFetcher) Fetch(_ context.Context, id schemaregistry.SubjectID) (schemaregistry.Schema, error) {
	atomic.AddInt32(&f.calls, 1)
	s, ok := f.schemas[id]
	if !ok {
		return schemaregistry.Schema{}, assert.AnError
	}
	return s, nil
}

func TestGetCachesAfterFirstFetch(t *testing.T) {
	a := schemaregistry.SubjectID{Subject: "orders", Version: 1}
	f := &fakeFetcher{schemas: map[schemaregistry.SubjectID]schemaregistry.Schema{
		a: {ID: a, Encoded: []byte("v1")},
	}}
	c, err := schemaregistry.New(f, 8)
	require.NoError(t, err)

	s1, err := c.Get(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), s1.Encoded)

	s2, err := c.Get(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), s2.Encoded)

	assert.EqualValues(t, 1, f.calls)
}

func TestResolveOrdersReferencesBeforeReferencer(t *testing.T) {
	base := schemaregistry.SubjectID{Subject: "address", Version: 1}
	mid := schemaregistry.SubjectID{Subject: "customer", Version: 1}
	top := schemaregistry.SubjectID{Subject: "order", Version: 1}

	f := &fakeFetcher{schemas: map[schemaregistry.SubjectID]schemaregistry.Schema{
		base: {ID: base, Encoded: []byte("address")},
		mid:  {ID: mid, Encoded: []byte("customer"), References: []schemaregistry.SubjectID{base}},
		top:  {ID: top, Encoded: []byte("order"), References: []schemaregistry.SubjectID{mid}},
	}}
	c, err := schemaregistry.New(f, 8)
	require.NoError(t, err)

	ordered, err := c.Resolve(context.Background(), top)
	require.NoError(t, err)
	require.Len(t, ordered, 3)

	pos := make(map[schemaregistry.SubjectID]int)
	for i, s := range ordered {
		pos[s.ID] = i
	}
	assert.Less(t, pos[base], pos[mid])
	assert.Less(t, pos[mid], pos[top])
}

func TestResolvePropagatesFetchError(t *testing.T) {
	missing := schemaregistry.SubjectID{Subject: "ghost", Version: 1}
	f := &fakeFetcher{schemas: map[schemaregistry.SubjectID]schemaregistry.Schema{}}
	c, err := schemaregistry.New(f, 8)
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), missing)
	assert.Error(t, err)
}
