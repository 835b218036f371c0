// Package api defines public API contracts for component-runtime.
package api

import "context"

// Behavior is the pluggable strategy a component supplies at
// registration. The runtime owns the component's lifecycle state and
// its opaque serialized state; the behavior owns the heavy resources
// (handles, caches, goroutines) that hibernation releases.
//
// All hooks are invoked with the component outside the registry
// critical section, so a behavior may call back into the runtime.
type Behavior interface {
	// Suspend releases the component's heavy resources. The runtime
	// captures a state snapshot before calling Suspend, so the
	// behavior only tears down; it must not mutate component state.
	Suspend(ctx context.Context) error

	// Resume reacquires resources after a hibernation round-trip or
	// crash recovery. state is the replayed snapshot value; it is
	// installed on the component once Resume returns nil.
	Resume(ctx context.Context, state any) error

	// Reinitialize rebuilds the component from scratch, returning its
	// default state. Called when a restore times out or its snapshot
	// cannot be decoded.
	Reinitialize(ctx context.Context) (any, error)
}

// BehaviorFuncs adapts plain functions to Behavior. Nil fields are
// treated as no-ops (Reinitialize returns a nil state).
type BehaviorFuncs struct {
	OnSuspend      func(ctx context.Context) error
	OnResume       func(ctx context.Context, state any) error
	OnReinitialize func(ctx context.Context) (any, error)
}

func (b BehaviorFuncs) Suspend(ctx context.Context) error {
	if b.OnSuspend == nil {
		return nil
	}
	return b.OnSuspend(ctx)
}

func (b BehaviorFuncs) Resume(ctx context.Context, state any) error {
	if b.OnResume == nil {
		return nil
	}
	return b.OnResume(ctx, state)
}

func (b BehaviorFuncs) Reinitialize(ctx context.Context) (any, error) {
	if b.OnReinitialize == nil {
		return nil, nil
	}
	return b.OnReinitialize(ctx)
}
