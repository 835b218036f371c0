package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/srediag/component-runtime/pkg/bus"
	"github.com/srediag/component-runtime/pkg/health"
)

// EventTypeRollback is the bus event type published when an automated
// or manual rollback starts.
const EventTypeRollback = "runtime.migration.rollback"

// RollbackEvent is the payload of EventTypeRollback events.
type RollbackEvent struct {
	Flag       string
	Reason     string
	Components []string
}

// PinFunc captures and pins a pre-migration snapshot for a component,
// returning the pinned version. RevertFunc returns a component to its
// pre-migration state by hibernate-then-restore at that version. Both
// are supplied by the runtime coordinator so this package stays
// decoupled from the hibernation machinery.
type (
	PinFunc    func(ctx context.Context, componentID string) (uint64, error)
	RevertFunc func(ctx context.Context, componentID string, version uint64) error
)

// Coordinator runs phased rollouts: it pins pre-cutover snapshots,
// watches health evaluations, and on breach flips the flag off and
// reverts every component the cutover touched.
type Coordinator struct {
	table    *Table
	bus      *bus.Bus
	recorder *health.Recorder
	pin      PinFunc
	revert   RevertFunc
	log      zerolog.Logger

	mu       sync.Mutex
	cutovers map[string]map[string]uint64 // flag -> component -> pinned version
	inflight map[string]bool

	rollbacks prometheus.Counter
}

// NewCoordinator wires the migration coordinator. promReg may be nil.
func NewCoordinator(table *Table, b *bus.Bus, recorder *health.Recorder, pin PinFunc, revert RevertFunc, log zerolog.Logger, promReg prometheus.Registerer) *Coordinator {
	c := &Coordinator{
		table:    table,
		bus:      b,
		recorder: recorder,
		pin:      pin,
		revert:   revert,
		log:      log.With().Str("subsystem", "migration").Logger(),
		cutovers: make(map[string]map[string]uint64),
		inflight: make(map[string]bool),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runtime", Subsystem: "migration",
			Name: "rollbacks_total", Help: "Rollbacks executed.",
		}),
	}
	if promReg != nil {
		promReg.MustRegister(c.rollbacks)
	}
	return c
}

// Table returns the flag table for decision reads.
func (c *Coordinator) Table() *Table { return c.table }

// BeginCutover records a known-good snapshot for every component the
// flag's rollout will touch, pinning each against pruning so rollback
// always has its restore point.
func (c *Coordinator) BeginCutover(ctx context.Context, flagName string, componentIDs []string) error {
	if _, err := c.table.Get(flagName); err != nil {
		return err
	}
	pinned := make(map[string]uint64, len(componentIDs))
	for _, id := range componentIDs {
		version, err := c.pin(ctx, id)
		if err != nil {
			return fmt.Errorf("migration: pin %q for flag %q: %w", id, flagName, err)
		}
		pinned[id] = version
	}
	c.mu.Lock()
	c.cutovers[flagName] = pinned
	c.mu.Unlock()
	c.log.Info().Str("flag", flagName).Int("components", len(pinned)).Msg("cutover snapshots pinned")
	return nil
}

// CutoverComponents lists the components recorded for a flag's
// in-flight cutover.
func (c *Coordinator) CutoverComponents(flagName string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.cutovers[flagName]))
	for id := range c.cutovers[flagName] {
		ids = append(ids, id)
	}
	return ids
}

// EvaluateHealth runs one health evaluation pass and triggers a
// rollback for every flag whose cutover set contains a breached
// component. Called from the runtime's health ticker.
func (c *Coordinator) EvaluateHealth(ctx context.Context, now time.Time) {
	breaches := c.recorder.Evaluate(now)
	if len(breaches) == 0 {
		return
	}
	for _, flagName := range c.flagsAffectedBy(breaches) {
		reason := fmt.Sprintf("health breach at %s", now.Format(time.RFC3339))
		if err := c.TriggerRollback(ctx, flagName, reason); err != nil {
			// Coalesced duplicate triggers are expected.
			c.log.Debug().Err(err).Str("flag", flagName).Msg("rollback trigger skipped")
		}
	}
}

func (c *Coordinator) flagsAffectedBy(breaches []health.Breach) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool)
	var flags []string
	for _, b := range breaches {
		for flagName, comps := range c.cutovers {
			if _, ok := comps[b.ComponentID]; ok && !seen[flagName] {
				seen[flagName] = true
				flags = append(flags, flagName)
			}
		}
	}
	return flags
}

// TriggerRollback flips the flag off (rollout 0) and reverts every
// component its cutover touched to the pinned pre-migration snapshot.
// Concurrent triggers for the same flag coalesce: the second caller
// gets ErrRollbackInProgress and nothing runs twice.
func (c *Coordinator) TriggerRollback(ctx context.Context, flagName, reason string) error {
	flag, err := c.table.Get(flagName)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.inflight[flagName] {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrRollbackInProgress, flagName)
	}
	c.inflight[flagName] = true
	pinned := c.cutovers[flagName]
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight[flagName] = false
		delete(c.cutovers, flagName)
		c.mu.Unlock()
	}()

	flag.Rollout = 0
	flag.State = FlagOff
	if err := c.table.Set(flag); err != nil {
		return err
	}

	ids := make([]string, 0, len(pinned))
	for id := range pinned {
		ids = append(ids, id)
	}
	c.log.Warn().Str("flag", flagName).Str("reason", reason).Strs("components", ids).Msg("rollback triggered")

	ev := bus.NewEvent(EventTypeRollback, "", RollbackEvent{Flag: flagName, Reason: reason, Components: ids})
	if err := c.bus.Publish(ev); err != nil {
		c.log.Warn().Err(err).Str("flag", flagName).Msg("rollback event publish failed")
	}

	for id, version := range pinned {
		if err := c.revert(ctx, id, version); err != nil {
			c.log.Error().Err(err).Str("component", id).Uint64("version", version).Msg("revert failed")
		}
	}
	c.rollbacks.Inc()
	return nil
}
