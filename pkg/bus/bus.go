package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrBusClosed is returned by Publish and Subscribe after Close.
	ErrBusClosed = errors.New("bus: closed")

	// ErrDispatcherSaturated is returned by Subscribe when every
	// dispatcher slot is already held by a live event type. Raise
	// DispatcherPoolSize to admit more distinct types.
	ErrDispatcherSaturated = errors.New("bus: dispatcher pool saturated")
)

// Config holds bus tuning parameters.
type Config struct {
	// DispatcherPoolSize bounds the number of concurrently live event
	// types: each type owns one dispatcher slot in the shared pool for
	// as long as the bus runs. Subscribing to a new type past the
	// bound fails with ErrDispatcherSaturated rather than queueing.
	DispatcherPoolSize int

	// DrainBatch is the maximum number of events a dispatcher pulls
	// from its lane queue per wakeup.
	DrainBatch int

	// Gate, when set, is consulted before delivering to a subscription
	// with a non-empty owner. Returning false skips the delivery (the
	// runtime wires the registry's liveness check here so destroyed
	// components never receive events).
	Gate func(owner string) bool

	Logger zerolog.Logger
}

// DefaultConfig returns the bus defaults: 64 dispatcher slots and a
// drain batch of 32.
func DefaultConfig() Config {
	return Config{
		DispatcherPoolSize: 64,
		DrainBatch:         32,
		Logger:             zerolog.Nop(),
	}
}

// VerifyConfig validates cfg before New uses it.
func VerifyConfig(cfg Config) error {
	if cfg.DispatcherPoolSize <= 0 {
		return fmt.Errorf("bus: DispatcherPoolSize must be positive, got %d", cfg.DispatcherPoolSize)
	}
	if cfg.DrainBatch <= 0 {
		return fmt.Errorf("bus: DrainBatch must be positive, got %d", cfg.DrainBatch)
	}
	return nil
}

type subscriber struct {
	sub Subscription
	fn  Handler
}

// Bus routes typed events. One lane exists per live event type; each
// lane drains its own FIFO queue on a pooled dispatcher goroutine, so
// per-type order per subscriber holds while unrelated types dispatch
// in parallel.
type Bus struct {
	cfg     Config
	log     zerolog.Logger
	pool    *ants.Pool
	lanes   cmap.ConcurrentMap[string, *lane]
	metrics *Metrics
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// New builds a bus from cfg and starts its dispatcher pool.
func New(cfg Config, metrics *Metrics) (*Bus, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	// Nonblocking: a full pool must surface an error from Subscribe,
	// not park the caller on the pool condvar until some lane exits.
	pool, err := ants.NewPool(cfg.DispatcherPoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("bus: dispatcher pool: %w", err)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Bus{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("subsystem", "bus").Logger(),
		pool:    pool,
		lanes:   cmap.New[*lane](),
		metrics: metrics,
	}, nil
}

// Subscribe binds fn to eventType. Owner associates the subscription
// with a component id for bulk removal via DropOwner; it may be empty.
func (b *Bus) Subscribe(eventType, owner string, fn Handler) (Subscription, error) {
	if b.closed.Load() {
		return Subscription{}, ErrBusClosed
	}
	if eventType == "" {
		return Subscription{}, errors.New("bus: empty event type")
	}
	if fn == nil {
		return Subscription{}, errors.New("bus: nil handler")
	}
	l, err := b.lane(eventType)
	if err != nil {
		return Subscription{}, err
	}
	sub := Subscription{ID: uuid.New(), Type: eventType, Owner: owner}
	l.add(subscriber{sub: sub, fn: fn})
	return sub, nil
}

// Unsubscribe removes one subscription. Removing an unknown or
// already-removed subscription is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	if l, ok := b.lanes.Get(sub.Type); ok {
		l.remove(func(s subscriber) bool { return s.sub.ID == sub.ID })
	}
}

// DropOwner removes every subscription owned by the given component.
// The registry calls this when a component is destroyed.
func (b *Bus) DropOwner(owner string) {
	if owner == "" {
		return
	}
	for item := range b.lanes.IterBuffered() {
		item.Val.remove(func(s subscriber) bool { return s.sub.Owner == owner })
	}
}

// Publish enqueues ev and returns immediately; it never blocks on
// handler execution. Events with no live subscribers for their type
// are dropped (counted, not an error).
func (b *Bus) Publish(ev Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	l, ok := b.lanes.Get(ev.Type)
	if !ok {
		b.metrics.dropped.Inc()
		return nil
	}
	if err := l.q.Put(ev); err != nil {
		return ErrBusClosed
	}
	b.metrics.published.Inc()
	b.metrics.laneDepth.WithLabelValues(ev.Type).Set(float64(l.q.Len()))
	return nil
}

// Close stops delivery. Queued events that have not been dispatched
// yet are discarded; in-flight handler invocations run to completion.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	for item := range b.lanes.IterBuffered() {
		item.Val.q.Dispose()
	}
	b.wg.Wait()
	b.pool.Release()
}

// lane returns the dispatcher lane for eventType, creating and
// starting it on first use.
func (b *Bus) lane(eventType string) (*lane, error) {
	if l, ok := b.lanes.Get(eventType); ok {
		return l, nil
	}
	l := &lane{
		typ: eventType,
		q:   queue.New(int64(b.cfg.DrainBatch)),
		bus: b,
	}
	l.subs.Store([]subscriber{})
	if !b.lanes.SetIfAbsent(eventType, l) {
		existing, _ := b.lanes.Get(eventType)
		return existing, nil
	}
	b.wg.Add(1)
	if err := b.pool.Submit(l.run); err != nil {
		b.wg.Done()
		b.lanes.Remove(eventType)
		l.q.Dispose()
		if errors.Is(err, ants.ErrPoolOverload) {
			return nil, fmt.Errorf("bus: start dispatcher for %q: %w", eventType, ErrDispatcherSaturated)
		}
		return nil, fmt.Errorf("bus: start dispatcher for %q: %w", eventType, err)
	}
	return l, nil
}

// lane is one event type's FIFO queue plus its copy-on-write
// subscriber list. The drain loop is the only reader of the queue, so
// publish order is delivery order.
type lane struct {
	typ  string
	q    *queue.Queue
	bus  *Bus
	mu   sync.Mutex   // guards subscriber list writes
	subs atomic.Value // []subscriber
}

func (l *lane) add(s subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.subs.Load().([]subscriber)
	next := make([]subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	l.subs.Store(append(next, s))
}

func (l *lane) remove(match func(subscriber) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.subs.Load().([]subscriber)
	next := make([]subscriber, 0, len(cur))
	for _, s := range cur {
		if !match(s) {
			next = append(next, s)
		}
	}
	l.subs.Store(next)
}

func (l *lane) run() {
	defer l.bus.wg.Done()
	batch := int64(l.bus.cfg.DrainBatch)
	for {
		items, err := l.q.Get(batch)
		if err != nil {
			// Disposed on Close.
			return
		}
		for _, item := range items {
			ev := item.(Event)
			subs := l.subs.Load().([]subscriber)
			for _, s := range subs {
				if gate := l.bus.cfg.Gate; gate != nil && s.sub.Owner != "" && !gate(s.sub.Owner) {
					l.bus.metrics.skipped.Inc()
					l.bus.log.Debug().
						Str("event_type", ev.Type).
						Str("owner", s.sub.Owner).
						Msg("skipping delivery to destroyed owner")
					continue
				}
				l.dispatch(s, ev)
			}
		}
		l.bus.metrics.laneDepth.WithLabelValues(l.typ).Set(float64(l.q.Len()))
	}
}

// dispatch invokes one handler with panic isolation. A panicking
// handler is logged and counted; it never reaches the publisher or
// other subscribers.
func (l *lane) dispatch(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.bus.metrics.handlerPanics.Inc()
			l.bus.log.Error().
				Str("event_type", ev.Type).
				Str("owner", s.sub.Owner).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()
	s.fn(ev)
	l.bus.metrics.delivered.Inc()
}
