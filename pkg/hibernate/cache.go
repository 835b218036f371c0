// Package hibernate bounds resident memory by evicting idle,
// hibernatable components and restoring them transparently on access.
package hibernate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/singleflight"

	"github.com/srediag/component-runtime/api"
	"github.com/srediag/component-runtime/pkg/component"
	"github.com/srediag/component-runtime/pkg/health"
	"github.com/srediag/component-runtime/pkg/snapshot"
)

// ErrRestoreTimeout means a restore exceeded its deadline and the
// reinitialize fallback also failed.
var ErrRestoreTimeout = errors.New("hibernate: restore timed out")

// Policy holds the eviction and restore knobs. All thresholds are
// configuration, not constants.
type Policy struct {
	// MinIdle is how long a component must sit idle before it becomes
	// an eviction candidate.
	MinIdle time.Duration

	// MaxResident caps the number of Active components; overage is
	// evicted LRU-first from the candidate set. 0 disables the cap.
	MaxResident int

	// MemoryHighWaterMB triggers aggressive eviction (the entire
	// candidate set) when process RSS exceeds it. 0 disables the
	// check.
	MemoryHighWaterMB uint64

	// RestoreTimeout bounds one restore attempt; on expiry the
	// component is reinitialized from its default state.
	RestoreTimeout time.Duration
}

// DefaultPolicy returns the documented defaults: 2 minute idle floor,
// 64 resident components, no memory high-water, 2 second restores.
func DefaultPolicy() Policy {
	return Policy{
		MinIdle:        2 * time.Minute,
		MaxResident:    64,
		RestoreTimeout: 2 * time.Second,
	}
}

// VerifyPolicy validates p.
func VerifyPolicy(p Policy) error {
	if p.MinIdle < 0 {
		return fmt.Errorf("hibernate: MinIdle must be >= 0, got %v", p.MinIdle)
	}
	if p.MaxResident < 0 {
		return fmt.Errorf("hibernate: MaxResident must be >= 0, got %d", p.MaxResident)
	}
	if p.RestoreTimeout <= 0 {
		return fmt.Errorf("hibernate: RestoreTimeout must be positive, got %v", p.RestoreTimeout)
	}
	return nil
}

// Cache drives hibernation round-trips. Restores for the same id
// collapse into one in-flight operation; late callers wait on the
// shared result instead of triggering duplicate resource acquisition.
type Cache struct {
	reg    *component.Registry
	store  api.SnapshotStore
	sink   api.HealthSink
	policy Policy
	log    zerolog.Logger

	flights singleflight.Group
	proc    *process.Process

	hibernations prometheus.Counter
	restores     prometheus.Counter
	fallbacks    prometheus.Counter
	evictions    prometheus.Counter
	restoreSecs  prometheus.Histogram
}

// NewCache builds a cache. sink may be nil when no health reporting is
// wired; promReg may be nil to leave collectors unregistered.
func NewCache(reg *component.Registry, store api.SnapshotStore, sink api.HealthSink, policy Policy, log zerolog.Logger, promReg prometheus.Registerer) (*Cache, error) {
	if err := VerifyPolicy(policy); err != nil {
		return nil, err
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("hibernate: self process handle: %w", err)
	}
	c := &Cache{
		reg:    reg,
		store:  store,
		sink:   sink,
		policy: policy,
		log:    log.With().Str("subsystem", "hibernate").Logger(),
		proc:   proc,
		hibernations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runtime", Subsystem: "hibernate",
			Name: "hibernations_total", Help: "Completed hibernations.",
		}),
		restores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runtime", Subsystem: "hibernate",
			Name: "restores_total", Help: "Completed restores.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runtime", Subsystem: "hibernate",
			Name: "restore_fallbacks_total", Help: "Restores that fell back to reinitialize-from-default.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runtime", Subsystem: "hibernate",
			Name: "evictions_total", Help: "Hibernations triggered by the eviction pass.",
		}),
		restoreSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runtime", Subsystem: "hibernate",
			Name: "restore_seconds", Help: "Restore latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .3, .5, 1, 2},
		}),
	}
	if promReg != nil {
		promReg.MustRegister(c.hibernations, c.restores, c.fallbacks, c.evictions, c.restoreSecs)
	}
	return c, nil
}

// Hibernate captures a snapshot, suspends the behavior, and moves the
// component to Hibernated. Already-hibernated components are a no-op.
func (c *Cache) Hibernate(ctx context.Context, id string) error {
	return c.hibernate(ctx, id, false)
}

// ForceHibernate proceeds even when the snapshot write fails,
// accepting the data-loss risk. The failure is still logged and
// escalated through the store's exhaustion hook.
func (c *Cache) ForceHibernate(ctx context.Context, id string) error {
	return c.hibernate(ctx, id, true)
}

func (c *Cache) hibernate(ctx context.Context, id string, force bool) error {
	comp, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	if !comp.Capabilities().Has(component.CapHibernatable) {
		return fmt.Errorf("%w: %q", component.ErrNotHibernatable, id)
	}
	if comp.State() == component.StateHibernated {
		return nil
	}

	payload, err := snapshot.Encode(comp.Value())
	if err != nil {
		return err
	}
	if _, err := c.store.Save(ctx, id, payload); err != nil {
		if !force {
			return err
		}
		c.log.Warn().Err(err).Str("component", id).Msg("hibernating without snapshot (forced)")
	}

	if b := comp.Behavior(); b != nil {
		if err := b.Suspend(ctx); err != nil {
			return fmt.Errorf("hibernate: suspend %q: %w", id, err)
		}
	}
	if err := c.reg.Transition(id, component.StateHibernated); err != nil {
		return err
	}
	c.hibernations.Inc()
	c.log.Info().Str("component", id).Msg("hibernated")
	return nil
}

// Restore brings a hibernated component back to Active. Concurrent
// calls for the same id share one in-flight restore. Active components
// return immediately.
func (c *Cache) Restore(ctx context.Context, id string) error {
	comp, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	if comp.State() == component.StateActive {
		comp.Touch()
		return nil
	}
	_, err, _ = c.flights.Do(id, func() (any, error) {
		// Detached context with the policy deadline: a shared restore
		// must not die with the first caller's context.
		rctx, cancel := context.WithTimeout(context.Background(), c.policy.RestoreTimeout)
		defer cancel()
		return nil, c.restore(rctx, comp, 0)
	})
	return err
}

// RestoreAt restores from an exact snapshot version instead of the
// latest. Rollback uses it to return components to their pinned
// pre-migration state; an Active component has the versioned state
// replayed in place. The flight is keyed per version so an in-flight
// latest-snapshot wake never absorbs a versioned replay.
func (c *Cache) RestoreAt(ctx context.Context, id string, version uint64) error {
	comp, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	_, err, _ = c.flights.Do(id+"@"+strconv.FormatUint(version, 10), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.Background(), c.policy.RestoreTimeout)
		defer cancel()
		return nil, c.restore(rctx, comp, version)
	})
	return err
}

// restore replays the snapshot at version (0 = latest) and resumes the
// behavior. RestoreAt passes an exact version so pre-migration state
// wins over anything captured since.
func (c *Cache) restore(ctx context.Context, comp *component.Component, version uint64) error {
	if comp.State() == component.StateActive && version == 0 {
		return nil
	}
	id := comp.ID()
	start := time.Now()

	state, err := c.loadState(ctx, id, version)
	if err == nil {
		err = c.resume(ctx, comp, state)
	}
	switch {
	case err == nil:
		c.restores.Inc()
		c.restoreSecs.Observe(time.Since(start).Seconds())
		c.log.Info().Str("component", id).Dur("took", time.Since(start)).Msg("restored")
		return nil
	case errors.Is(err, snapshot.ErrCorrupted):
		c.log.Error().Err(err).Str("component", id).Msg("snapshot corrupted, reinitializing")
		if c.sink != nil {
			c.sink.Report(id, health.MetricSnapshotFailure, 1)
		}
		return c.fallback(comp, err)
	case errors.Is(err, context.DeadlineExceeded):
		c.log.Error().Str("component", id).Dur("timeout", c.policy.RestoreTimeout).Msg("restore timed out, reinitializing")
		return c.fallback(comp, ErrRestoreTimeout)
	default:
		if serr := c.reg.SetError(id, err.Error()); serr != nil {
			c.log.Warn().Err(serr).Str("component", id).Msg("error state not recorded")
		}
		return err
	}
}

// loadState fetches and decodes a snapshot (version 0 = latest). A
// component with no snapshot yet restores with a nil state.
func (c *Cache) loadState(ctx context.Context, id string, version uint64) (any, error) {
	var rec api.SnapshotRecord
	var err error
	if version == 0 {
		rec, err = c.store.Latest(ctx, id)
	} else {
		rec, err = c.store.Load(ctx, id, version)
	}
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snapshot.Decode(rec.Payload)
}

func (c *Cache) resume(ctx context.Context, comp *component.Component, state any) error {
	if b := comp.Behavior(); b != nil {
		if err := b.Resume(ctx, state); err != nil {
			return fmt.Errorf("hibernate: resume %q: %w", comp.ID(), err)
		}
	}
	comp.SetValue(state)
	if comp.State() != component.StateActive {
		if err := c.reg.Transition(comp.ID(), component.StateActive); err != nil {
			return err
		}
	}
	_ = c.reg.ClearError(comp.ID())
	comp.Touch()
	return nil
}

// fallback reinitializes the component from its default state. When
// even that fails the component enters the error sub-state and cause
// is returned; a successful fallback leaves the component Active and
// reports nil, with the incident logged and counted.
func (c *Cache) fallback(comp *component.Component, cause error) error {
	id := comp.ID()
	rctx, cancel := context.WithTimeout(context.Background(), c.policy.RestoreTimeout)
	defer cancel()

	var state any
	var err error
	if b := comp.Behavior(); b != nil {
		state, err = b.Reinitialize(rctx)
		if err != nil {
			_ = c.reg.SetError(id, fmt.Sprintf("%s; reinitialize failed: %s", cause, err))
			return cause
		}
	}
	comp.SetValue(state)
	if err := c.reg.Transition(id, component.StateActive); err != nil {
		_ = c.reg.SetError(id, cause.Error())
		return cause
	}
	_ = c.reg.ClearError(id)
	comp.Touch()
	c.fallbacks.Inc()
	c.log.Warn().Str("component", id).AnErr("cause", cause).Msg("reinitialized from default state")
	return nil
}

// EvictionPass hibernates idle candidates, least recently used first.
// Candidates are Active, hibernatable, not pinned, not errored, and
// idle longer than MinIdle. Overflow past MaxResident is evicted;
// under memory pressure the whole candidate set goes.
func (c *Cache) EvictionPass(ctx context.Context) int {
	infos := c.reg.List()
	resident := 0
	var candidates []component.Info
	now := time.Now()
	for _, info := range infos {
		if info.State != component.StateActive {
			continue
		}
		resident++
		if !info.Capabilities.Has(component.CapHibernatable) ||
			info.Capabilities.Has(component.CapPinned) ||
			info.Errored ||
			now.Sub(info.LastActive) <= c.policy.MinIdle {
			continue
		}
		candidates = append(candidates, info)
	}
	if len(candidates) == 0 {
		return 0
	}

	target := 0
	if c.policy.MaxResident > 0 && resident > c.policy.MaxResident {
		target = resident - c.policy.MaxResident
	}
	if c.memoryPressure() {
		target = len(candidates)
	}
	if target > len(candidates) {
		target = len(candidates)
	}
	if target == 0 {
		return 0
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActive.Before(candidates[j].LastActive)
	})

	evicted := 0
	for _, info := range candidates[:target] {
		if err := c.Hibernate(ctx, info.ID); err != nil {
			c.log.Warn().Err(err).Str("component", info.ID).Msg("eviction skipped")
			continue
		}
		c.evictions.Inc()
		evicted++
	}
	return evicted
}

func (c *Cache) memoryPressure() bool {
	if c.policy.MemoryHighWaterMB == 0 {
		return false
	}
	mi, err := c.proc.MemoryInfo()
	if err != nil {
		c.log.Warn().Err(err).Msg("rss probe failed")
		return false
	}
	return mi.RSS > c.policy.MemoryHighWaterMB<<20
}
