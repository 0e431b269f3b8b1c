package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDefaultIsIdempotent(t *testing.T) {
	RegisterDefault()
	RegisterDefault()

	WebhookDeliveries.WithLabelValues("order.created", "SUCCEEDED").Inc()
	BreakerState.WithLabelValues("hooks.example.com").Set(2)

	families, err := Registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["webhook_deliveries_total"])
	assert.True(t, names["webhook_circuit_breaker_state"])
	assert.True(t, names["go_goroutines"])
	assert.Equal(t, float64(2), testutil.ToFloat64(BreakerState.WithLabelValues("hooks.example.com")))
}
