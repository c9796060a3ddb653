package eventbus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/gridwatch/gridwatch/pkg/model"
)

// Firehose receives every event irrespective of device.
const Firehose = "*"

// DefaultQueueSize bounds a subscription's outbound queue.
const DefaultQueueSize = 1024

var (
	metricPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "eventbus_published_total",
		Help:      "The total number of events published on the bus.",
	}, []string{"kind"})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "eventbus_dropped_total",
		Help:      "The total number of events dropped due to slow subscribers.",
	})
	metricSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridwatch",
		Name:      "eventbus_subscriptions",
		Help:      "The current number of active subscriptions.",
	})
)

// DeviceTopic returns the per-device topic name.
func DeviceTopic(deviceID string) string {
	return "device:" + deviceID
}

// Bus is an in-process topic hub. Publish never blocks: slow subscribers
// lose their oldest events instead.
type Bus struct {
	mtx    sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// Subscription is one subscriber's bounded event queue plus the set of
// topics it listens on. A subscription delivers an event at most once even
// when it matches several of its topics.
type Subscription struct {
	bus     *Bus
	ch      chan model.Event
	dropped atomic.Int64
	closed  bool
}

func New() *Bus {
	return &Bus{
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe creates a subscription with the given queue bound, listening on
// the given topics. More topics can be attached later with Add.
func (b *Bus) Subscribe(queueSize int, topics ...string) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Subscription{
		bus: b,
		ch:  make(chan model.Event, queueSize),
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, t := range topics {
		b.attach(s, t)
	}
	metricSubscriptions.Inc()
	return s
}

// Publish delivers ev to every subscription of topic and of the firehose.
// It never blocks; on a full queue the subscriber's oldest event is dropped.
func (b *Bus) Publish(topic string, ev model.Event) {
	metricPublished.WithLabelValues(ev.Kind).Inc()

	b.mtx.RLock()
	defer b.mtx.RUnlock()

	for s := range b.topics[topic] {
		s.offer(ev)
	}
	if topic != Firehose {
		for s := range b.topics[Firehose] {
			// skip subs already served via the device topic
			if _, ok := b.topics[topic][s]; ok {
				continue
			}
			s.offer(ev)
		}
	}
}

func (b *Bus) attach(s *Subscription, topic string) {
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
}

func (b *Bus) detach(s *Subscription, topic string) {
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Chan is the subscription's delivery channel. It is closed by Close.
func (s *Subscription) Chan() <-chan model.Event {
	return s.ch
}

// Add attaches an additional topic to the subscription.
func (s *Subscription) Add(topic string) {
	s.bus.mtx.Lock()
	defer s.bus.mtx.Unlock()
	if s.closed {
		return
	}
	s.bus.attach(s, topic)
}

// Remove detaches a topic from the subscription.
func (s *Subscription) Remove(topic string) {
	s.bus.mtx.Lock()
	defer s.bus.mtx.Unlock()
	s.bus.detach(s, topic)
}

// Dropped returns the number of events this subscription has lost to
// queue overflow.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from every topic and closes its channel.
func (s *Subscription) Close() {
	s.bus.mtx.Lock()
	defer s.bus.mtx.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for topic := range s.bus.topics {
		s.bus.detach(s, topic)
	}
	close(s.ch)
	metricSubscriptions.Dec()
}

// offer is called with the bus lock held, which excludes Close. Liveness is
// favoured over completeness: a full queue sheds its oldest event.
func (s *Subscription) offer(ev model.Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	select {
	case <-s.ch:
		s.dropped.Inc()
		metricDropped.Inc()
	default:
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped.Inc()
		metricDropped.Inc()
	}
}
