package component

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/srediag/component-runtime/api"
	"github.com/srediag/component-runtime/pkg/bus"
)

var (
	// ErrDuplicateID is returned by Register when the id is already
	// live (Created, Active or Hibernated).
	ErrDuplicateID = errors.New("component: duplicate id")

	// ErrNotFound is returned when no live component has the id.
	ErrNotFound = errors.New("component: not found")

	// ErrNotHibernatable is returned by a hibernate request against a
	// component that did not declare CapHibernatable.
	ErrNotHibernatable = errors.New("component: not hibernatable")

	// ErrInvalidTransition is returned when a requested lifecycle
	// transition is not in the state machine.
	ErrInvalidTransition = errors.New("component: invalid state transition")
)

// EventTypeState is the bus event type for lifecycle transitions.
const EventTypeState = "runtime.component.state"

// StateChange is the payload of EventTypeState events.
type StateChange struct {
	ID   string
	From State
	To   State
}

// Registry tracks every live component. Mutations are serialized by a
// single mutex; enumeration reads come from a copy-on-write snapshot
// so status queries and eviction scans never block on registry churn.
// Lifecycle transitions are announced on the bus.
type Registry struct {
	log zerolog.Logger
	bus *bus.Bus

	mu    sync.Mutex
	comps map[string]*Component
	view  atomic.Value // []Info
}

// NewRegistry builds a registry publishing lifecycle events to b.
func NewRegistry(b *bus.Bus, log zerolog.Logger) *Registry {
	r := &Registry{
		log:   log.With().Str("subsystem", "registry").Logger(),
		bus:   b,
		comps: make(map[string]*Component),
	}
	r.view.Store([]Info{})
	return r
}

// Register creates a component in StateCreated and immediately
// advances it to StateActive. behavior may be nil for components with
// no heavy resources.
func (r *Registry) Register(id string, caps Capabilities, behavior api.Behavior) (*Component, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	r.mu.Lock()
	if _, ok := r.comps[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	c := &Component{id: id, caps: caps, behavior: behavior, state: StateCreated}
	c.Touch()
	r.comps[id] = c
	c.setState(StateActive)
	r.rebuildViewLocked()
	r.mu.Unlock()

	r.log.Info().Str("component", id).Stringer("capabilities", caps).Msg("registered")
	r.announce(id, StateCreated, StateActive)
	return c, nil
}

// Unregister transitions the component to Destroyed, removes all of
// its subscriptions, and forgets it. The id becomes reusable.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	c, ok := r.comps[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	from := c.State()
	c.setState(StateDestroyed)
	delete(r.comps, id)
	r.rebuildViewLocked()
	r.mu.Unlock()

	r.bus.DropOwner(id)
	r.log.Info().Str("component", id).Msg("unregistered")
	r.announce(id, from, StateDestroyed)
	return nil
}

// Get returns the live component for id.
func (r *Registry) Get(id string) (*Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.comps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return c, nil
}

// IsLive reports whether id names a non-destroyed component. The bus
// uses this as its delivery gate.
func (r *Registry) IsLive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.comps[id]
	return ok
}

// Transition moves a component to the requested state, enforcing the
// state machine, and announces the change.
func (r *Registry) Transition(id string, to State) error {
	r.mu.Lock()
	c, ok := r.comps[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	from := c.State()
	if !from.canTransition(to) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, id, from, to)
	}
	c.setState(to)
	r.rebuildViewLocked()
	r.mu.Unlock()

	r.log.Debug().Str("component", id).Stringer("from", from).Stringer("to", to).Msg("transition")
	r.announce(id, from, to)
	return nil
}

// SetError puts a component in the error sub-state and refreshes the
// enumeration snapshot. The lifecycle state is unchanged; the
// component is excluded from normal routing until ClearError.
func (r *Registry) SetError(id, reason string) error {
	return r.setErrReason(id, reason)
}

// ClearError leaves the error sub-state.
func (r *Registry) ClearError(id string) error {
	return r.setErrReason(id, "")
}

func (r *Registry) setErrReason(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.comps[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if reason == "" {
		c.ClearError()
	} else {
		c.SetError(reason)
	}
	r.rebuildViewLocked()
	return nil
}

// List returns the current enumeration snapshot. The slice is shared;
// callers must not mutate it.
func (r *Registry) List() []Info {
	return r.view.Load().([]Info)
}

// Len returns the number of live components.
func (r *Registry) Len() int { return len(r.List()) }

func (r *Registry) rebuildViewLocked() {
	infos := make([]Info, 0, len(r.comps))
	for _, c := range r.comps {
		errored, reason := c.Errored()
		infos = append(infos, Info{
			ID:           c.id,
			Capabilities: c.caps,
			State:        c.State(),
			Errored:      errored,
			ErrReason:    reason,
			LastActive:   c.LastActive(),
		})
	}
	r.view.Store(infos)
}

// announce publishes outside the registry lock so dispatcher handlers
// that call back into the registry never deadlock.
func (r *Registry) announce(id string, from, to State) {
	err := r.bus.Publish(bus.NewEvent(EventTypeState, id, StateChange{ID: id, From: from, To: to}))
	if err != nil && !errors.Is(err, bus.ErrBusClosed) {
		r.log.Warn().Err(err).Str("component", id).Msg("state announcement failed")
	}
}
