package hibernate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/component-runtime/api"
	"github.com/srediag/component-runtime/pkg/bus"
	"github.com/srediag/component-runtime/pkg/component"
	"github.com/srediag/component-runtime/pkg/health"
	"github.com/srediag/component-runtime/pkg/snapshot"
)

type sinkRecorder struct {
	mu      sync.Mutex
	reports []string
}

func (s *sinkRecorder) Report(componentID, metric string, value float64) {
	s.mu.Lock()
	s.reports = append(s.reports, componentID+"/"+metric)
	s.mu.Unlock()
}

type fixture struct {
	reg   *component.Registry
	store *snapshot.MemoryStore
	sink  *sinkRecorder
	cache *Cache
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	b, err := bus.New(bus.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	f := &fixture{
		reg:   component.NewRegistry(b, zerolog.Nop()),
		store: snapshot.NewMemoryStore(),
		sink:  &sinkRecorder{},
	}
	f.cache, err = NewCache(f.reg, f.store, f.sink, policy, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	return f
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.RestoreTimeout = 200 * time.Millisecond
	return p
}

func TestHibernateRestoreRoundTrip(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	var suspended, resumed atomic.Int64
	var resumedState any
	behavior := api.BehaviorFuncs{
		OnSuspend: func(context.Context) error { suspended.Add(1); return nil },
		OnResume: func(_ context.Context, state any) error {
			resumed.Add(1)
			resumedState = state
			return nil
		},
	}
	comp, err := f.reg.Register("tab-1", component.CapHibernatable, behavior)
	require.NoError(t, err)
	comp.SetValue(map[string]any{"count": 5})

	require.NoError(t, f.cache.Hibernate(ctx, "tab-1"))
	assert.Equal(t, component.StateHibernated, comp.State())
	assert.Equal(t, int64(1), suspended.Load())

	require.NoError(t, f.cache.Restore(ctx, "tab-1"))
	assert.Equal(t, component.StateActive, comp.State())
	assert.Equal(t, int64(1), resumed.Load())

	state, ok := resumedState.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 5, state["count"])
	assert.EqualValues(t, 5, comp.Value().(map[string]any)["count"])
}

// brokenStore fails every Save.
type brokenStore struct{ *snapshot.MemoryStore }

func (b *brokenStore) Save(context.Context, string, []byte) (uint64, error) {
	return 0, errors.New("disk full")
}

func TestForceHibernateProceedsPastWriteFailure(t *testing.T) {
	f := newFixture(t, testPolicy())
	broken := &brokenStore{MemoryStore: f.store}
	cache, err := NewCache(f.reg, broken, f.sink, testPolicy(), zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)

	comp, err := f.reg.Register("tab-1", component.CapHibernatable, nil)
	require.NoError(t, err)

	assert.Error(t, cache.Hibernate(context.Background(), "tab-1"))
	assert.Equal(t, component.StateActive, comp.State())

	require.NoError(t, cache.ForceHibernate(context.Background(), "tab-1"))
	assert.Equal(t, component.StateHibernated, comp.State())
}

func TestHibernateRequiresCapability(t *testing.T) {
	f := newFixture(t, testPolicy())
	_, err := f.reg.Register("svc-1", 0, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, f.cache.Hibernate(context.Background(), "svc-1"), component.ErrNotHibernatable)
}

func TestHibernateUnknownComponent(t *testing.T) {
	f := newFixture(t, testPolicy())
	assert.ErrorIs(t, f.cache.Hibernate(context.Background(), "ghost"), component.ErrNotFound)
}

func TestHibernateAlreadyHibernatedIsNoop(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	_, err := f.reg.Register("tab-1", component.CapHibernatable, nil)
	require.NoError(t, err)

	require.NoError(t, f.cache.Hibernate(ctx, "tab-1"))
	require.NoError(t, f.cache.Hibernate(ctx, "tab-1"))

	versions, err := f.store.Versions(ctx, "tab-1")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestRestoreActiveComponentIsNoop(t *testing.T) {
	f := newFixture(t, testPolicy())
	var resumed atomic.Int64
	_, err := f.reg.Register("tab-1", component.CapHibernatable, api.BehaviorFuncs{
		OnResume: func(context.Context, any) error { resumed.Add(1); return nil },
	})
	require.NoError(t, err)

	require.NoError(t, f.cache.Restore(context.Background(), "tab-1"))
	assert.Equal(t, int64(0), resumed.Load())
}

func TestConcurrentRestoresCollapse(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	var resumed atomic.Int64
	release := make(chan struct{})
	behavior := api.BehaviorFuncs{
		OnResume: func(context.Context, any) error {
			resumed.Add(1)
			<-release
			return nil
		},
	}
	_, err := f.reg.Register("tab-1", component.CapHibernatable, behavior)
	require.NoError(t, err)
	require.NoError(t, f.cache.Hibernate(ctx, "tab-1"))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.cache.Restore(ctx, "tab-1")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), resumed.Load(), "resume must run exactly once")
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestRestoreTimeoutFallsBackToReinitialize(t *testing.T) {
	policy := testPolicy()
	policy.RestoreTimeout = 50 * time.Millisecond
	f := newFixture(t, policy)
	ctx := context.Background()

	behavior := api.BehaviorFuncs{
		OnResume: func(rctx context.Context, _ any) error {
			<-rctx.Done()
			return rctx.Err()
		},
		OnReinitialize: func(context.Context) (any, error) {
			return map[string]any{"count": 0}, nil
		},
	}
	comp, err := f.reg.Register("tab-1", component.CapHibernatable, behavior)
	require.NoError(t, err)
	comp.SetValue(map[string]any{"count": 9})
	require.NoError(t, f.cache.Hibernate(ctx, "tab-1"))

	require.NoError(t, f.cache.Restore(ctx, "tab-1"))
	assert.Equal(t, component.StateActive, comp.State())
	assert.EqualValues(t, 0, comp.Value().(map[string]any)["count"])
	errored, _ := comp.Errored()
	assert.False(t, errored)
}

func TestRestoreTimeoutWithFailedReinitErrors(t *testing.T) {
	policy := testPolicy()
	policy.RestoreTimeout = 50 * time.Millisecond
	f := newFixture(t, policy)
	ctx := context.Background()

	behavior := api.BehaviorFuncs{
		OnResume: func(rctx context.Context, _ any) error {
			<-rctx.Done()
			return rctx.Err()
		},
		OnReinitialize: func(context.Context) (any, error) {
			return nil, errors.New("backend down")
		},
	}
	comp, err := f.reg.Register("tab-1", component.CapHibernatable, behavior)
	require.NoError(t, err)
	require.NoError(t, f.cache.Hibernate(ctx, "tab-1"))

	err = f.cache.Restore(ctx, "tab-1")
	assert.ErrorIs(t, err, ErrRestoreTimeout)
	errored, reason := comp.Errored()
	assert.True(t, errored)
	assert.Contains(t, reason, "reinitialize failed")
}

func TestCorruptedSnapshotTriggersFallbackAndHealthReport(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	behavior := api.BehaviorFuncs{
		OnReinitialize: func(context.Context) (any, error) {
			return map[string]any{"count": 0}, nil
		},
	}
	comp, err := f.reg.Register("tab-1", component.CapHibernatable, behavior)
	require.NoError(t, err)
	comp.SetValue(map[string]any{"count": 7})
	require.NoError(t, f.cache.Hibernate(ctx, "tab-1"))

	// A newer, unreadable version shadows the good snapshot.
	_, err = f.store.Save(ctx, "tab-1", []byte{0xff, 0x00})
	require.NoError(t, err)

	require.NoError(t, f.cache.Restore(ctx, "tab-1"))
	assert.Equal(t, component.StateActive, comp.State())
	assert.EqualValues(t, 0, comp.Value().(map[string]any)["count"])

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Contains(t, f.sink.reports, "tab-1/"+health.MetricSnapshotFailure)
}

func TestRestoreWithoutSnapshotUsesNilState(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	var resumedState any = "sentinel"
	behavior := api.BehaviorFuncs{
		OnResume: func(_ context.Context, state any) error {
			resumedState = state
			return nil
		},
	}
	_, err := f.reg.Register("tab-1", component.CapHibernatable, behavior)
	require.NoError(t, err)
	require.NoError(t, f.reg.Transition("tab-1", component.StateHibernated))

	require.NoError(t, f.cache.Restore(ctx, "tab-1"))
	assert.Nil(t, resumedState)
}

func TestRestoreAtReplaysExactVersion(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	comp, err := f.reg.Register("tab-1", component.CapHibernatable, nil)
	require.NoError(t, err)

	old, err := snapshot.Encode(map[string]any{"count": 1})
	require.NoError(t, err)
	v1, err := f.store.Save(ctx, "tab-1", old)
	require.NoError(t, err)
	newer, err := snapshot.Encode(map[string]any{"count": 2})
	require.NoError(t, err)
	_, err = f.store.Save(ctx, "tab-1", newer)
	require.NoError(t, err)

	require.NoError(t, f.reg.Transition("tab-1", component.StateHibernated))
	require.NoError(t, f.cache.RestoreAt(ctx, "tab-1", v1))

	assert.Equal(t, component.StateActive, comp.State())
	assert.EqualValues(t, 1, comp.Value().(map[string]any)["count"])
}

func TestVersionedRestoreBypassesInFlightWake(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	release := make(chan struct{})
	blocked := make(chan struct{})
	var resumes atomic.Int32
	behavior := api.BehaviorFuncs{
		OnResume: func(context.Context, any) error {
			if resumes.Add(1) == 1 {
				close(blocked)
				<-release
			}
			return nil
		},
	}
	comp, err := f.reg.Register("tab-1", component.CapHibernatable, behavior)
	require.NoError(t, err)

	old, err := snapshot.Encode(map[string]any{"count": 1})
	require.NoError(t, err)
	v1, err := f.store.Save(ctx, "tab-1", old)
	require.NoError(t, err)
	comp.SetValue(map[string]any{"count": 2})
	require.NoError(t, f.cache.Hibernate(ctx, "tab-1"))

	done := make(chan error, 1)
	go func() { done <- f.cache.Restore(ctx, "tab-1") }()
	<-blocked

	// Rollback must replay the pinned version even though a wake for
	// the same component is mid-flight on the latest snapshot.
	require.NoError(t, f.cache.RestoreAt(ctx, "tab-1", v1))
	assert.Equal(t, component.StateActive, comp.State())
	assert.EqualValues(t, 1, comp.Value().(map[string]any)["count"])

	close(release)
	require.NoError(t, <-done)
	assert.EqualValues(t, 2, resumes.Load())
}

func TestEvictionPassHibernatesLRUOverflow(t *testing.T) {
	policy := testPolicy()
	policy.MinIdle = time.Millisecond
	policy.MaxResident = 1
	f := newFixture(t, policy)
	ctx := context.Background()

	oldest, err := f.reg.Register("tab-old", component.CapHibernatable, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	middle, err := f.reg.Register("tab-mid", component.CapHibernatable, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newest, err := f.reg.Register("tab-new", component.CapHibernatable, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 2, f.cache.EvictionPass(ctx))
	assert.Equal(t, component.StateHibernated, oldest.State())
	assert.Equal(t, component.StateHibernated, middle.State())
	assert.Equal(t, component.StateActive, newest.State())
}

func TestEvictionSkipsPinnedAndFreshComponents(t *testing.T) {
	policy := testPolicy()
	policy.MinIdle = time.Millisecond
	policy.MaxResident = 1
	f := newFixture(t, policy)
	ctx := context.Background()

	pinned, err := f.reg.Register("tab-pinned", component.CapHibernatable|component.CapPinned, nil)
	require.NoError(t, err)
	plain, err := f.reg.Register("svc-plain", 0, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 0, f.cache.EvictionPass(ctx))
	assert.Equal(t, component.StateActive, pinned.State())
	assert.Equal(t, component.StateActive, plain.State())
}

func TestEvictionRespectsMinIdle(t *testing.T) {
	policy := testPolicy()
	policy.MinIdle = time.Hour
	policy.MaxResident = 1
	f := newFixture(t, policy)

	for _, id := range []string{"a", "b", "c"} {
		_, err := f.reg.Register(id, component.CapHibernatable, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, f.cache.EvictionPass(context.Background()))
}

func TestVerifyPolicy(t *testing.T) {
	assert.NoError(t, VerifyPolicy(DefaultPolicy()))
	assert.Error(t, VerifyPolicy(Policy{MinIdle: -1, RestoreTimeout: time.Second}))
	assert.Error(t, VerifyPolicy(Policy{MaxResident: -1, RestoreTimeout: time.Second}))
	assert.Error(t, VerifyPolicy(Policy{RestoreTimeout: 0}))
}
