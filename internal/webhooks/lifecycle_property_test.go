package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"hookrelay/internal/events"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

// Whatever the receiver answers, a delivery only moves along edges of the
// state graph, ends terminal, and never makes more attempts than the policy allows.
func TestDeliveryLifecycleProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxRetries := rapid.IntRange(0, 6).Draw(rt, "maxRetries")
		codes := rapid.SliceOfN(rapid.SampledFrom([]int{200, 204, 301, 404, 410, 429, 500, 503}), 1, 10).Draw(rt, "codes")

		ctx := context.Background()
		st := store.NewMemory()
		clock := newFakeClock()
		broker := events.NewMemory()
		changes := broker.Subscribe(events.AllTopic)
		tr := answering(codes...)
		o := New(st, tr, FixedDelay{Retries: maxRetries, Delay: time.Minute}, WithClock(clock.Now), WithBroker(broker))

		w, err := model.NewWebhook("wh", "https://wh.example.com/hook", []string{"t"}, "s", true, "")
		require.NoError(rt, err)
		_, err = st.SaveWebhook(ctx, w)
		require.NoError(rt, err)
		ev, err := model.NewEvent("evt", "t", map[string]int{"n": 1}, clock.Now(), "")
		require.NoError(rt, err)
		res, err := o.Deliver(ctx, ev)
		require.NoError(rt, err)
		require.Len(rt, res.Scheduled, 1)

		for i := 0; i < maxRetries+2; i++ {
			_, err := o.ProcessPendingDeliveries(ctx)
			require.NoError(rt, err)
			clock.Advance(time.Minute)
		}

		final, err := st.FindDeliveryByID(ctx, res.Scheduled[0].ID)
		require.NoError(rt, err)
		require.True(rt, final.IsTerminal(), "ended in %s", final.Status)
		require.Equal(rt, tr.Calls(), final.AttemptNumber)
		require.LessOrEqual(rt, final.AttemptNumber, max(1, maxRetries))

		var prev model.DeliveryStatus
		for len(changes) > 0 {
			c := <-changes
			if prev != "" {
				require.True(rt, model.CanTransition(prev, c.Status), "%s -> %s", prev, c.Status)
			}
			prev = c.Status
		}
		require.Equal(rt, final.Status, prev)
	})
}
