// Package stream is the live event fabric: a process-wide publisher fanning
// events out over named channels to bounded subscriber queues, with a
// per-channel replay buffer for late joiners. The publisher never blocks on
// a slow subscriber; it drops, and evicts subscribers that keep dropping.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Channel names events by their source component.
type Channel string

const (
	ChannelAudit       Channel = "audit"
	ChannelLifecycle   Channel = "lifecycle"
	ChannelMetrics     Channel = "metrics"
	ChannelReflex      Channel = "reflex"
	ChannelGovernor    Channel = "governor"
	ChannelEnforcement Channel = "enforcement"
	// ChannelAll receives everything published to any channel.
	ChannelAll Channel = "all"
)

// Event is the wire envelope.
type Event struct {
	EventID   string         `json:"event_id"`
	Channel   Channel        `json:"channel"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// entityIDs returns the trace IDs present in the event payload.
func (e *Event) entityIDs() []string {
	var out []string
	for _, key := range []string{"mission_id", "plan_id", "job_id", "attempt_id"} {
		if v, ok := e.Data[key].(string); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Filter narrows what a subscriber receives. Zero fields match everything.
type Filter struct {
	// Channels to subscribe to; empty means ChannelAll.
	Channels []Channel
	// EventTypes, when set, admits only these types.
	EventTypes []string
	// EntityIDs, when set, admits an event if any of its trace IDs matches.
	EntityIDs []string
	// Replay buffered events from each subscribed channel on subscribe.
	Replay bool
}

func (f Filter) admits(e *Event) bool {
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, e.EventType) {
		return false
	}
	if len(f.EntityIDs) > 0 {
		ids := e.entityIDs()
		matched := false
		for _, want := range f.EntityIDs {
			if contains(ids, want) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	ID     string
	C      <-chan *Event
	ch     chan *Event
	filter Filter
	drops  int
}

type ring struct {
	buf  []*Event
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]*Event, size)}
}

func (r *ring) add(e *Event) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) snapshot() []*Event {
	var out []*Event
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	out = append(out, r.buf[:r.next]...)
	return out
}

// Publisher fans events out to subscribers. One long-lived instance serves
// the whole runtime.
type Publisher struct {
	mu         sync.Mutex
	subs       map[Channel]map[string]*Subscription
	replay     map[Channel]*ring
	bufferSize int
	maxDrops   int
	clock      func() time.Time
	logger     *slog.Logger
}

// NewPublisher creates a publisher. bufferSize is both the replay depth per
// channel and each subscriber's queue size; maxDrops is how many consecutive
// drops evict a subscriber.
func NewPublisher(bufferSize, maxDrops int, logger *slog.Logger) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if maxDrops <= 0 {
		maxDrops = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		subs:       make(map[Channel]map[string]*Subscription),
		replay:     make(map[Channel]*ring),
		bufferSize: bufferSize,
		maxDrops:   maxDrops,
		clock:      time.Now,
		logger:     logger.With("component", "stream"),
	}
}

// Publish stamps and delivers the event to the channel's subscribers and to
// subscribers of ChannelAll. Never blocks.
func (p *Publisher) Publish(ch Channel, eventType string, data map[string]any) *Event {
	e := &Event{
		EventID:   uuid.NewString(),
		Channel:   ch,
		EventType: eventType,
		Timestamp: p.clock(),
		Data:      data,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Buffered under both the source channel and all, so late joiners on
	// either replay what they would have received live.
	p.ringFor(ch).add(e)
	p.deliver(ch, e)
	if ch != ChannelAll {
		p.ringFor(ChannelAll).add(e)
		p.deliver(ChannelAll, e)
	}
	return e
}

// ringFor is called with the lock held.
func (p *Publisher) ringFor(ch Channel) *ring {
	r, ok := p.replay[ch]
	if !ok {
		r = newRing(p.bufferSize)
		p.replay[ch] = r
	}
	return r
}

// deliver is called with the lock held.
func (p *Publisher) deliver(ch Channel, e *Event) {
	for id, sub := range p.subs[ch] {
		if !sub.filter.admits(e) {
			continue
		}
		select {
		case sub.ch <- e:
			sub.drops = 0
		default:
			sub.drops++
			if sub.drops >= p.maxDrops {
				p.evict(id)
				p.logger.Warn("dead subscriber evicted",
					"subscription_id", id, "channel", ch, "consecutive_drops", sub.drops)
			}
		}
	}
}

// Subscribe registers a bounded queue on the filter's channels, optionally
// replaying each channel's buffered events first.
func (p *Publisher) Subscribe(filter Filter) *Subscription {
	channels := filter.Channels
	if len(channels) == 0 {
		channels = []Channel{ChannelAll}
	}

	ch := make(chan *Event, p.bufferSize)
	sub := &Subscription{
		ID:     uuid.NewString(),
		C:      ch,
		ch:     ch,
		filter: filter,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if filter.Replay {
		for _, c := range channels {
			if r, ok := p.replay[c]; ok {
				for _, e := range r.snapshot() {
					if !filter.admits(e) {
						continue
					}
					select {
					case ch <- e:
					default:
					}
				}
			}
		}
	}
	for _, c := range channels {
		if p.subs[c] == nil {
			p.subs[c] = make(map[string]*Subscription)
		}
		p.subs[c][sub.ID] = sub
	}
	return sub
}

// Unsubscribe removes the subscription and closes its queue.
func (p *Publisher) Unsubscribe(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evict(sub.ID)
}

// evict removes the subscription from every channel and closes its queue
// exactly once. Called with the lock held.
func (p *Publisher) evict(id string) {
	var victim *Subscription
	for _, subs := range p.subs {
		if sub, ok := subs[id]; ok {
			victim = sub
			delete(subs, id)
		}
	}
	if victim != nil {
		close(victim.ch)
	}
}

// Subscribers returns the live subscriber count on a channel.
func (p *Publisher) Subscribers(ch Channel) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[ch])
}
