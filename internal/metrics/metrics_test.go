package metrics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredbio/core/internal/metrics"
)

func TestRegistryCollectsCounters(t *testing.T) {
	r := metrics.New()
	r.MailboxMessagesTotal.WithLabelValues("peek").Inc()
	r.ActivePeeks.Set(3)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "core_coordinator_mailbox_messages_total" {
			found = true
		}
	}
	assert.True(t, found)
}
