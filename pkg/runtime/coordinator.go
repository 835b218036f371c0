package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/component-runtime/api"
	"github.com/srediag/component-runtime/pkg/bus"
	"github.com/srediag/component-runtime/pkg/component"
	"github.com/srediag/component-runtime/pkg/health"
	"github.com/srediag/component-runtime/pkg/hibernate"
	"github.com/srediag/component-runtime/pkg/migration"
	"github.com/srediag/component-runtime/pkg/snapshot"
)

// ErrClosed is returned by operations on a closed coordinator.
var ErrClosed = errors.New("runtime: closed")

// Coordinator is the single explicit instance callers pass around;
// there is no ambient global state. It owns every component, routes
// events between them, bounds memory through hibernation, persists
// recoverable state, and coordinates phased migration with automated
// rollback.
type Coordinator struct {
	cfg Config
	log zerolog.Logger

	bus      *bus.Bus
	registry *component.Registry
	store    api.SnapshotStore
	cache    *hibernate.Cache
	recorder *health.Recorder
	mig      *migration.Coordinator

	tracer trace.Tracer
	ops    metric.Int64Counter

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// liveGate bridges the bus's delivery gate to the registry, which does
// not exist yet when the bus is constructed.
type liveGate struct {
	check atomic.Value // func(string) bool
}

func (g *liveGate) isLive(owner string) bool {
	if fn, ok := g.check.Load().(func(string) bool); ok {
		return fn(owner)
	}
	return true
}

// New wires a coordinator from cfg and starts its background timers.
// Callers must Close it.
func New(cfg Config) (*Coordinator, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	log := cfg.Logger.With().Str("component", "runtime").Logger()

	gate := &liveGate{}
	busCfg := cfg.Bus
	busCfg.Logger = cfg.Logger
	busCfg.Gate = gate.isLive
	busMetrics := bus.NewMetrics(cfg.Registerer)
	b, err := bus.New(busCfg, busMetrics)
	if err != nil {
		busMetrics.Unregister()
		return nil, err
	}

	healthCfg := cfg.Health
	healthCfg.Logger = cfg.Logger
	recorder, err := health.NewRecorder(healthCfg, cfg.Registerer)
	if err != nil {
		b.Close()
		busMetrics.Unregister()
		return nil, err
	}

	registry := component.NewRegistry(b, cfg.Logger)
	gate.check.Store(registry.IsLive)

	var backend api.SnapshotStore
	if cfg.SnapshotPath == "" {
		backend = snapshot.NewMemoryStore()
	} else {
		backend, err = snapshot.NewSQLiteStore(cfg.SnapshotPath, cfg.Logger)
		if err != nil {
			// Unregister what earlier steps registered so a retried New
			// against the same registerer does not panic in MustRegister.
			b.Close()
			busMetrics.Unregister()
			recorder.Unregister()
			return nil, err
		}
	}
	retry := snapshot.NewRetryStore(backend, cfg.SnapshotRetryBudget, cfg.Logger)
	retry.OnExhausted = func(id string, err error) {
		// A persistently failing disk is a health problem, not a
		// reason to block hibernation forever.
		recorder.Report(id, health.MetricSnapshotFailure, 1)
	}

	cache, err := hibernate.NewCache(registry, retry, recorder, cfg.Hibernation, cfg.Logger, cfg.Registerer)
	if err != nil {
		b.Close()
		_ = retry.Close()
		busMetrics.Unregister()
		recorder.Unregister()
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		log:      log,
		bus:      b,
		registry: registry,
		store:    retry,
		cache:    cache,
		recorder: recorder,
		stop:     make(chan struct{}),
	}
	c.mig = migration.NewCoordinator(
		migration.NewTable(), b, recorder,
		c.pinSnapshot, c.revertComponent,
		cfg.Logger, cfg.Registerer,
	)

	if cfg.Tracer != nil {
		c.tracer = cfg.Tracer
	}
	if cfg.Meter != nil {
		c.ops, err = cfg.Meter.Int64Counter("runtime.operations")
		if err != nil {
			log.Warn().Err(err).Msg("otel counter unavailable")
		}
	}

	c.startTimers()
	log.Info().
		Str("snapshot_path", cfg.SnapshotPath).
		Dur("snapshot_interval", cfg.SnapshotInterval).
		Dur("health_interval", cfg.HealthInterval).
		Msg("runtime started")
	return c, nil
}

// Close stops timers, takes a final snapshot of every active
// component, and shuts down the bus and store.
func (c *Coordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SnapshotRetryBudget)
	defer cancel()
	c.snapshotPass(ctx)

	c.bus.Close()
	err := c.store.Close()
	c.log.Info().Msg("runtime stopped")
	return err
}

// ---- component lifecycle ----

// RegisterComponent creates a component. Capabilities are validated
// here, once; the runtime never inspects behavior types afterwards.
func (c *Coordinator) RegisterComponent(id string, caps component.Capabilities, behavior api.Behavior) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.count(context.Background())
	_, err := c.registry.Register(id, caps, behavior)
	return err
}

// UnregisterComponent destroys a component: terminal, removes all of
// its subscriptions and health series.
func (c *Coordinator) UnregisterComponent(id string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.registry.Unregister(id); err != nil {
		return err
	}
	c.recorder.Drop(id)
	return nil
}

// ---- events ----

// Publish enqueues an event; it never blocks on handler execution.
func (c *Coordinator) Publish(ev bus.Event) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.bus.Publish(ev)
}

// Subscribe binds a handler to an event type on behalf of owner (a
// component id, or empty for external consumers).
func (c *Coordinator) Subscribe(eventType, owner string, h bus.Handler) (bus.Subscription, error) {
	if c.closed.Load() {
		return bus.Subscription{}, ErrClosed
	}
	return c.bus.Subscribe(eventType, owner, h)
}

// Unsubscribe removes a subscription.
func (c *Coordinator) Unsubscribe(sub bus.Subscription) { c.bus.Unsubscribe(sub) }

// ---- hibernation ----

// Hibernate snapshots and suspends a hibernatable component.
func (c *Coordinator) Hibernate(ctx context.Context, id string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, end := c.span(ctx, "runtime.hibernate")
	defer end()
	c.count(ctx)
	return c.cache.Hibernate(ctx, id)
}

// Restore explicitly wakes a hibernated component. Concurrent restores
// for the same id collapse into one.
func (c *Coordinator) Restore(ctx context.Context, id string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, end := c.span(ctx, "runtime.restore")
	defer end()
	c.count(ctx)
	return c.cache.Restore(ctx, id)
}

// ---- opaque state ----

// GetComponentState returns the component's opaque state, waking it
// first if hibernated.
func (c *Coordinator) GetComponentState(ctx context.Context, id string) (any, error) {
	comp, err := c.wake(ctx, id)
	if err != nil {
		return nil, err
	}
	comp.Touch()
	return comp.Value(), nil
}

// SetComponentState installs the component's opaque state, waking it
// first if hibernated. The value must be CBOR-serializable for
// snapshots to succeed.
func (c *Coordinator) SetComponentState(ctx context.Context, id string, state any) error {
	comp, err := c.wake(ctx, id)
	if err != nil {
		return err
	}
	comp.SetValue(state)
	comp.Touch()
	return nil
}

// wake implements implicit wake: any access to a hibernated component
// transparently restores it before the access completes.
func (c *Coordinator) wake(ctx context.Context, id string) (*component.Component, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	comp, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if comp.State() == component.StateHibernated {
		if err := c.cache.Restore(ctx, id); err != nil {
			return nil, err
		}
	}
	return comp, nil
}

// ---- migration ----

// SetFlag defines or updates a migration flag.
func (c *Coordinator) SetFlag(f migration.Flag) error { return c.mig.Table().Set(f) }

// OverrideFlag forces a generation; manual overrides beat automation.
func (c *Coordinator) OverrideFlag(name string, g migration.Generation) {
	c.mig.Table().Override(name, g)
}

// EvaluateFlag routes one operation. The decision is atomic: it reads
// a single immutable flag snapshot.
func (c *Coordinator) EvaluateFlag(scopeKey, flagName string) migration.Generation {
	return c.mig.Table().Evaluate(scopeKey, flagName)
}

// BeginCutover pins pre-migration snapshots for the components a
// flag's rollout touches; rollback restores exactly these versions.
func (c *Coordinator) BeginCutover(ctx context.Context, flagName string, componentIDs []string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.mig.BeginCutover(ctx, flagName, componentIDs)
}

// TriggerRollback manually rolls a flag back. Duplicate triggers while
// one is in flight return ErrRollbackInProgress.
func (c *Coordinator) TriggerRollback(ctx context.Context, flagName, reason string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.mig.TriggerRollback(ctx, flagName, reason)
}

// ---- health ----

// ReportHealth records one health observation for a component.
func (c *Coordinator) ReportHealth(componentID, metricName string, value float64) {
	c.recorder.Report(componentID, metricName, value)
}

// Status returns one component's status; errored components stay
// visible here while excluded from normal routing.
func (c *Coordinator) Status(id string) (component.Info, error) {
	comp, err := c.registry.Get(id)
	if err != nil {
		return component.Info{}, err
	}
	errored, reason := comp.Errored()
	return component.Info{
		ID:           comp.ID(),
		Capabilities: comp.Capabilities(),
		State:        comp.State(),
		Errored:      errored,
		ErrReason:    reason,
		LastActive:   comp.LastActive(),
	}, nil
}

// StatusAll returns the enumeration snapshot of every live component.
func (c *Coordinator) StatusAll() []component.Info { return c.registry.List() }

// Healthy reports whether the runtime is open and no component sits in
// the error sub-state.
func (c *Coordinator) Healthy() error {
	if c.closed.Load() {
		return ErrClosed
	}
	for _, info := range c.registry.List() {
		if info.Errored {
			return fmt.Errorf("runtime: component %q errored: %s", info.ID, info.ErrReason)
		}
	}
	return nil
}

// ---- migration hooks ----

// pinSnapshot captures the current state of a component and pins the
// version against pruning.
func (c *Coordinator) pinSnapshot(ctx context.Context, id string) (uint64, error) {
	comp, err := c.registry.Get(id)
	if err != nil {
		return 0, err
	}
	payload, err := snapshot.Encode(comp.Value())
	if err != nil {
		return 0, err
	}
	version, err := c.store.Save(ctx, id, payload)
	if err != nil {
		return 0, err
	}
	if err := c.store.Pin(ctx, id, version); err != nil {
		return 0, err
	}
	return version, nil
}

// revertComponent returns a component to its pinned pre-migration
// state via hibernate-then-restore. Components that cannot hibernate
// get their state replayed in place by RestoreAt.
func (c *Coordinator) revertComponent(ctx context.Context, id string, version uint64) error {
	comp, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if comp.State() == component.StateActive && comp.Capabilities().Has(component.CapHibernatable) {
		if err := c.cache.Hibernate(ctx, id); err != nil {
			return err
		}
	}
	if err := c.cache.RestoreAt(ctx, id, version); err != nil {
		return err
	}
	if err := c.store.Unpin(ctx, id); err != nil {
		c.log.Warn().Err(err).Str("component", id).Msg("unpin after revert failed")
	}
	return nil
}

// ---- background timers ----

func (c *Coordinator) startTimers() {
	if c.cfg.SnapshotInterval > 0 {
		c.loop(c.cfg.SnapshotInterval, func(ctx context.Context) {
			c.snapshotPass(ctx)
		})
	}
	c.loop(c.cfg.HealthInterval, func(ctx context.Context) {
		c.mig.EvaluateHealth(ctx, time.Now())
	})
	c.loop(c.cfg.EvictionInterval, func(ctx context.Context) {
		c.cache.EvictionPass(ctx)
	})
}

func (c *Coordinator) loop(interval time.Duration, fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				fn(ctx)
				cancel()
			}
		}
	}()
}

// snapshotPass captures every active, non-errored component and prunes
// the store to the retention window.
func (c *Coordinator) snapshotPass(ctx context.Context) {
	ctx, end := c.span(ctx, "runtime.snapshot_pass")
	defer end()
	for _, info := range c.registry.List() {
		if info.State != component.StateActive || info.Errored {
			continue
		}
		comp, err := c.registry.Get(info.ID)
		if err != nil {
			continue
		}
		payload, err := snapshot.Encode(comp.Value())
		if err != nil {
			c.log.Warn().Err(err).Str("component", info.ID).Msg("state not serializable")
			continue
		}
		if _, err := c.store.Save(ctx, info.ID, payload); err != nil {
			c.log.Warn().Err(err).Str("component", info.ID).Msg("periodic snapshot failed")
		}
	}
	if err := c.store.Prune(ctx, c.cfg.SnapshotRetention); err != nil {
		c.log.Warn().Err(err).Msg("prune failed")
	}
}

// ---- instrumentation ----

func (c *Coordinator) span(ctx context.Context, name string) (context.Context, func()) {
	if c.tracer == nil {
		return ctx, func() {}
	}
	ctx, sp := c.tracer.Start(ctx, name)
	return ctx, func() { sp.End() }
}

func (c *Coordinator) count(ctx context.Context) {
	if c.ops != nil {
		c.ops.Add(ctx, 1)
	}
}
