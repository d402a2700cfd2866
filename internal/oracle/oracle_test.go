package oracle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/oracle"
)

// scenario (c) from spec.md §8: read_ts()==10, write_ts() bumps to 11 because
// of the prior read, a second write_ts() (no intervening read) repeats 11,
// read_ts() observes 11, and the next write_ts() bumps again to 12.
func TestTimelineAlternation(t *testing.T) {
	o := oracle.New(10)

	assert.Equal(t, antichain.Uint64(10), o.ReadTS())
	assert.Equal(t, antichain.Uint64(11), o.WriteTS())
	assert.Equal(t, antichain.Uint64(11), o.WriteTS())
	assert.Equal(t, antichain.Uint64(11), o.ReadTS())
	assert.Equal(t, antichain.Uint64(12), o.WriteTS())
}

func TestEnsureAtLeast(t *testing.T) {
	o := oracle.New(5)

	o.EnsureAtLeast(3) // no-op, behind current
	assert.Equal(t, antichain.Uint64(5), o.Peek())

	o.ReadTS() // sets the read flag
	o.EnsureAtLeast(9)
	assert.Equal(t, antichain.Uint64(9), o.Peek())

	// EnsureAtLeast clears the read flag: immediate write_ts should not bump.
	assert.Equal(t, antichain.Uint64(9), o.WriteTS())
}

// every write_ts result must be strictly greater than every preceding
// read_ts result on the same timeline, for any interleaving.
func TestLinearizabilityProperty(t *testing.T) {
	o := oracle.New(0)
	var lastRead antichain.Uint64

	ops := []rune("rwwrwrrw")
	for _, op := range ops {
		switch op {
		case 'r':
			lastRead = o.ReadTS()
		case 'w':
			w := o.WriteTS()
			assert.True(t, w > lastRead || lastRead == 0 && w >= lastRead,
				"write_ts %d must exceed last read_ts %d", w, lastRead)
		}
	}
}
