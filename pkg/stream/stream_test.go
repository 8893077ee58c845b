package stream_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetor-ai/praetor/pkg/stream"
)

func drain(sub *stream.Subscription) []*stream.Event {
	var out []*stream.Event
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestPublishReachesChannelAndAll(t *testing.T) {
	p := stream.NewPublisher(10, 3, nil)

	onReflex := p.Subscribe(stream.Filter{Channels: []stream.Channel{stream.ChannelReflex}})
	onAll := p.Subscribe(stream.Filter{Channels: []stream.Channel{stream.ChannelAll}})
	onAudit := p.Subscribe(stream.Filter{Channels: []stream.Channel{stream.ChannelAudit}})

	p.Publish(stream.ChannelReflex, "job.suspended", map[string]any{"job_id": "j_1"})

	assert.Len(t, drain(onReflex), 1)
	assert.Len(t, drain(onAll), 1)
	assert.Empty(t, drain(onAudit))
}

func TestReplayBufferForLateJoiners(t *testing.T) {
	p := stream.NewPublisher(5, 3, nil)

	for i := 0; i < 8; i++ {
		p.Publish(stream.ChannelAudit, "event.recorded", nil)
	}

	// Buffer of 5: a late subscriber replaying sees only the last five.
	late := p.Subscribe(stream.Filter{
		Channels: []stream.Channel{stream.ChannelAudit},
		Replay:   true,
	})
	assert.Len(t, drain(late), 5)

	noReplay := p.Subscribe(stream.Filter{Channels: []stream.Channel{stream.ChannelAudit}})
	assert.Empty(t, drain(noReplay))
}

func TestReplayOnAllChannelCoversEverySource(t *testing.T) {
	p := stream.NewPublisher(10, 3, nil)

	p.Publish(stream.ChannelAudit, "event.recorded", nil)
	p.Publish(stream.ChannelReflex, "job.suspended", nil)
	p.Publish(stream.ChannelGovernor, "decision.evaluated", nil)

	// A default subscriber replaying sees every event, in publish order.
	late := p.Subscribe(stream.Filter{Replay: true})
	events := drain(late)
	require.Len(t, events, 3)
	assert.Equal(t, stream.ChannelAudit, events[0].Channel)
	assert.Equal(t, stream.ChannelReflex, events[1].Channel)
	assert.Equal(t, stream.ChannelGovernor, events[2].Channel)
}

func TestEventTypeFilter(t *testing.T) {
	p := stream.NewPublisher(10, 3, nil)

	sub := p.Subscribe(stream.Filter{
		Channels:   []stream.Channel{stream.ChannelLifecycle},
		EventTypes: []string{"job.suspended"},
	})

	p.Publish(stream.ChannelLifecycle, "job.suspended", nil)
	p.Publish(stream.ChannelLifecycle, "job.resumed", nil)

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, "job.suspended", got[0].EventType)
}

func TestEntityIDFilterMatchesAnyTraceID(t *testing.T) {
	p := stream.NewPublisher(10, 3, nil)

	sub := p.Subscribe(stream.Filter{
		Channels:  []stream.Channel{stream.ChannelAll},
		EntityIDs: []string{"j_7"},
	})

	p.Publish(stream.ChannelGovernor, "decision.persisted", map[string]any{"job_id": "j_7"})
	p.Publish(stream.ChannelGovernor, "decision.persisted", map[string]any{"job_id": "j_8"})
	p.Publish(stream.ChannelEnforcement, "budget.violated", map[string]any{"attempt_id": "j_7"})

	assert.Len(t, drain(sub), 2)
}

func TestSlowSubscriberDropsThenEvicted(t *testing.T) {
	// Queue of 2, eviction after 3 consecutive drops.
	p := stream.NewPublisher(2, 3, nil)
	sub := p.Subscribe(stream.Filter{Channels: []stream.Channel{stream.ChannelMetrics}})

	for i := 0; i < 5; i++ {
		p.Publish(stream.ChannelMetrics, "tick", nil)
	}
	assert.Zero(t, p.Subscribers(stream.ChannelMetrics))

	// Queue holds the two delivered before the drops; then the channel closes.
	got := drain(sub)
	assert.Len(t, got, 2)
	_, open := <-sub.C
	assert.False(t, open)
}

func TestDeliveryResetsDropCounter(t *testing.T) {
	p := stream.NewPublisher(1, 2, nil)
	sub := p.Subscribe(stream.Filter{Channels: []stream.Channel{stream.ChannelMetrics}})

	p.Publish(stream.ChannelMetrics, "tick", nil) // delivered
	p.Publish(stream.ChannelMetrics, "tick", nil) // dropped (1)
	drain(sub)
	p.Publish(stream.ChannelMetrics, "tick", nil) // delivered, counter resets
	p.Publish(stream.ChannelMetrics, "tick", nil) // dropped (1)

	assert.Equal(t, 1, p.Subscribers(stream.ChannelMetrics))
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	p := stream.NewPublisher(10, 3, nil)
	sub := p.Subscribe(stream.Filter{Channels: []stream.Channel{stream.ChannelAudit}})

	p.Unsubscribe(sub)
	assert.Zero(t, p.Subscribers(stream.ChannelAudit))
	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	p.Publish(stream.ChannelAudit, "event.recorded", nil)
}

func TestWireEncoding(t *testing.T) {
	e := &stream.Event{
		EventID:   "ev_42",
		Channel:   stream.ChannelReflex,
		EventType: "job.suspended",
		Data:      map[string]any{"job_id": "j_1"},
	}

	var sb strings.Builder
	require.NoError(t, stream.Encode(&sb, e))
	out := sb.String()

	assert.True(t, strings.HasPrefix(out, "id: ev_42\nevent: job.suspended\ndata: "))
	assert.True(t, strings.HasSuffix(out, "\n\n"))
	assert.Contains(t, out, `"job_id":"j_1"`)
}
