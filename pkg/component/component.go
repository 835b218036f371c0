// Package component holds the component model and the registry that
// tracks identity and lifecycle state for every registered component.
package component

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srediag/component-runtime/api"
)

// Capabilities is the set of flags a component declares at
// registration. Capabilities are validated once, at registration time;
// the runtime never inspects component types to discover behavior.
type Capabilities uint32

const (
	// CapHibernatable permits the runtime to hibernate the component,
	// explicitly or through idle eviction.
	CapHibernatable Capabilities = 1 << iota

	// CapPinned exempts the component from idle eviction regardless of
	// how long it has been idle. Explicit Hibernate calls still work
	// if the component is also hibernatable.
	CapPinned
)

// Has reports whether all bits of c are set.
func (c Capabilities) Has(want Capabilities) bool { return c&want == want }

func (c Capabilities) String() string {
	var parts []string
	if c.Has(CapHibernatable) {
		parts = append(parts, "hibernatable")
	}
	if c.Has(CapPinned) {
		parts = append(parts, "pinned")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// State is a component's lifecycle state. Exactly one state holds at
// any instant; transitions go through Registry.Transition, which
// enforces the machine Created -> Active <-> Hibernated -> Destroyed.
type State uint8

const (
	StateCreated State = iota
	StateActive
	StateHibernated
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateHibernated:
		return "hibernated"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// validNext is the transition table. Created auto-advances to Active
// at the end of registration; Destroyed is terminal.
var validNext = map[State][]State{
	StateCreated:    {StateActive, StateDestroyed},
	StateActive:     {StateHibernated, StateDestroyed},
	StateHibernated: {StateActive, StateDestroyed},
	StateDestroyed:  {},
}

func (s State) canTransition(to State) bool {
	for _, n := range validNext[s] {
		if n == to {
			return true
		}
	}
	return false
}

// Component is one registered unit. The registry owns the lifecycle
// state; the value field holds the opaque user state the runtime
// snapshots and replays; the behavior owns heavy resources.
//
// Fields guarded by mu are only touched through Component methods or
// by the registry while holding its own lock for transitions.
type Component struct {
	id       string
	caps     Capabilities
	behavior api.Behavior

	mu        sync.Mutex
	state     State
	errReason string // non-empty while in the error sub-state
	value     any

	lastActive atomic.Int64 // unix nanos
}

// ID returns the component's unique identifier.
func (c *Component) ID() string { return c.id }

// Capabilities returns the flags declared at registration.
func (c *Component) Capabilities() Capabilities { return c.caps }

// Behavior returns the strategy supplied at registration, or nil.
func (c *Component) Behavior() api.Behavior { return c.behavior }

// State returns the current lifecycle state.
func (c *Component) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Errored reports the error sub-state and its reason. A component in
// the error sub-state keeps its lifecycle state but is excluded from
// normal routing until the condition clears.
func (c *Component) Errored() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errReason != "", c.errReason
}

// SetError enters the error sub-state with a reason; ClearError leaves
// it.
func (c *Component) SetError(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errReason = reason
}

func (c *Component) ClearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errReason = ""
}

// Value returns the opaque user state.
func (c *Component) Value() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// SetValue installs the opaque user state.
func (c *Component) SetValue(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
}

// Touch records activity for LRU eviction ordering.
func (c *Component) Touch() { c.lastActive.Store(time.Now().UnixNano()) }

// LastActive returns the most recent activity timestamp.
func (c *Component) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// setState is called by the registry with its lock held.
func (c *Component) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Info is the read-only view of a component used by enumeration
// snapshots and status queries.
type Info struct {
	ID           string
	Capabilities Capabilities
	State        State
	Errored      bool
	ErrReason    string
	LastActive   time.Time
}
