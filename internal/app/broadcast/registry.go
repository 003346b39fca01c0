package broadcast

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/todo-sync/backend/internal/contracts"
	"github.com/todo-sync/backend/internal/platform/metrics"
	"github.com/todo-sync/backend/internal/sharding"
)

// connBuffer is the per-connection event queue. A receiver that falls this
// far behind starts losing events; the next sync closes the gap.
const connBuffer = 64

var ErrClosed = errors.New("broadcast registry is closed")

var (
	activeConns = metrics.NewGauge(metrics.Opts{
		Name: "broadcast_active_connections",
		Help: "Connections currently attached to the change broadcaster.",
	})
	droppedEvents = metrics.NewCounterVec(metrics.Opts{
		Name: "broadcast_dropped_events_total",
		Help: "Change events dropped because a connection buffer was full.",
	}, []string{"reason"})
)

func init() {
	metrics.Default.MustRegister(activeConns, droppedEvents)
}

// Subscription is the handle returned by a SubscribeFunc. *nats.Subscription
// satisfies it.
type Subscription interface {
	Unsubscribe() error
}

// SubscribeFunc opens an upstream feed of raw change events for one subject.
type SubscribeFunc func(subject string, handle func(payload []byte)) (Subscription, error)

// JetStreamSubscriber adapts a JetStream context into a SubscribeFunc.
// DeliverNew: attached connections only care about events from now on, the
// backlog is the sync endpoint's job.
func JetStreamSubscriber(js nats.JetStreamContext) SubscribeFunc {
	return func(subject string, handle func(payload []byte)) (Subscription, error) {
		return js.Subscribe(subject, func(msg *nats.Msg) {
			handle(msg.Data)
			_ = msg.Ack()
		}, nats.DeliverNew())
	}
}

type conn struct {
	clientID string
	events   chan contracts.ChangeEvent
}

type ownerFeed struct {
	sub Subscription

	mu    sync.Mutex
	conns map[uint64]*conn
}

// Registry fans change events out to the live connections of each owner.
// The upstream subscription for an owner exists only while at least one of
// that owner's devices is attached.
type Registry struct {
	subscribe SubscribeFunc

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	byOwner map[string]*ownerFeed
}

func NewRegistry(subscribe SubscribeFunc) *Registry {
	return &Registry{
		subscribe: subscribe,
		byOwner:   map[string]*ownerFeed{},
	}
}

// Attach registers a connection for ownerID. Events originated by clientID
// itself are suppressed. The returned func detaches the connection; after it
// returns no more events are delivered on the channel.
func (r *Registry) Attach(ownerID, clientID string) (<-chan contracts.ChangeEvent, func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, ErrClosed
	}

	feed, ok := r.byOwner[ownerID]
	if !ok {
		feed = &ownerFeed{conns: map[uint64]*conn{}}
		r.byOwner[ownerID] = feed
	}
	r.nextID++
	connID := r.nextID
	r.mu.Unlock()

	c := &conn{
		clientID: clientID,
		events:   make(chan contracts.ChangeEvent, connBuffer),
	}

	feed.mu.Lock()
	needSubscribe := feed.sub == nil
	feed.conns[connID] = c
	feed.mu.Unlock()

	if needSubscribe {
		sub, err := r.subscribe(sharding.ChangeSubject(ownerID), func(payload []byte) {
			r.dispatch(ownerID, payload)
		})
		if err != nil {
			feed.mu.Lock()
			delete(feed.conns, connID)
			empty := len(feed.conns) == 0
			feed.mu.Unlock()
			if empty {
				r.mu.Lock()
				delete(r.byOwner, ownerID)
				r.mu.Unlock()
			}
			return nil, nil, err
		}
		feed.mu.Lock()
		feed.sub = sub
		feed.mu.Unlock()
	}

	activeConns.Inc()

	var once sync.Once
	detach := func() {
		once.Do(func() {
			r.detach(ownerID, connID)
			activeConns.Dec()
		})
	}
	return c.events, detach, nil
}

func (r *Registry) detach(ownerID string, connID uint64) {
	r.mu.Lock()
	feed, ok := r.byOwner[ownerID]
	if !ok {
		r.mu.Unlock()
		return
	}

	feed.mu.Lock()
	delete(feed.conns, connID)
	var sub Subscription
	if len(feed.conns) == 0 {
		sub = feed.sub
		delete(r.byOwner, ownerID)
	}
	feed.mu.Unlock()
	r.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("unsubscribe change feed for owner %s: %v", ownerID, err)
		}
	}
}

// dispatch decodes one upstream event and offers it to every attached
// connection of the owner except the one that produced it. Sends never
// block: a full buffer drops the event for that connection only.
func (r *Registry) dispatch(ownerID string, payload []byte) {
	var event contracts.ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("decode change event for owner %s: %v", ownerID, err)
		droppedEvents.WithLabelValues("decode_error").Inc()
		return
	}

	r.mu.Lock()
	feed, ok := r.byOwner[ownerID]
	r.mu.Unlock()
	if !ok {
		return
	}

	feed.mu.Lock()
	targets := make([]*conn, 0, len(feed.conns))
	for _, c := range feed.conns {
		targets = append(targets, c)
	}
	feed.mu.Unlock()

	for _, c := range targets {
		if event.OriginClientID != "" && c.clientID == event.OriginClientID {
			continue
		}
		select {
		case c.events <- event:
		default:
			droppedEvents.WithLabelValues("buffer_full").Inc()
		}
	}
}

// Close detaches everything and tears down all upstream subscriptions.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	feeds := r.byOwner
	r.byOwner = map[string]*ownerFeed{}
	r.mu.Unlock()

	for ownerID, feed := range feeds {
		feed.mu.Lock()
		sub := feed.sub
		feed.conns = map[uint64]*conn{}
		feed.mu.Unlock()
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				log.Printf("unsubscribe change feed for owner %s: %v", ownerID, err)
			}
		}
	}
}
