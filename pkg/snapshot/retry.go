package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/srediag/component-runtime/api"
)

// RetryStore wraps a SnapshotStore with bounded exponential backoff on
// Save. Exhausting the budget surfaces ErrWrite and fires OnExhausted,
// which the runtime wires to a health degradation signal so a failing
// disk escalates to the migration coordinator instead of silently
// blocking hibernation forever.
type RetryStore struct {
	inner api.SnapshotStore
	log   zerolog.Logger

	// MaxElapsed bounds the total retry budget per Save.
	MaxElapsed time.Duration

	// OnExhausted is called once per Save that runs out its budget.
	OnExhausted func(id string, err error)
}

var _ api.SnapshotStore = (*RetryStore)(nil)

// NewRetryStore wraps inner with a retry budget of maxElapsed.
func NewRetryStore(inner api.SnapshotStore, maxElapsed time.Duration, log zerolog.Logger) *RetryStore {
	return &RetryStore{
		inner:      inner,
		log:        log.With().Str("subsystem", "snapshot").Logger(),
		MaxElapsed: maxElapsed,
	}
}

func (s *RetryStore) Save(ctx context.Context, id string, payload []byte) (uint64, error) {
	var version uint64
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = s.MaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		v, err := s.inner.Save(ctx, id, payload)
		if err != nil {
			s.log.Warn().Err(err).Str("component", id).Int("attempt", attempt).Msg("snapshot write failed")
			return err
		}
		version = v
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if s.OnExhausted != nil {
			s.OnExhausted(id, err)
		}
		return 0, fmt.Errorf("%w: %q after %d attempts: %s", ErrWrite, id, attempt, err)
	}
	return version, nil
}

func (s *RetryStore) Load(ctx context.Context, id string, version uint64) (api.SnapshotRecord, error) {
	return s.inner.Load(ctx, id, version)
}

func (s *RetryStore) Latest(ctx context.Context, id string) (api.SnapshotRecord, error) {
	return s.inner.Latest(ctx, id)
}

func (s *RetryStore) Versions(ctx context.Context, id string) ([]uint64, error) {
	return s.inner.Versions(ctx, id)
}

func (s *RetryStore) Pin(ctx context.Context, id string, version uint64) error {
	return s.inner.Pin(ctx, id, version)
}

func (s *RetryStore) Unpin(ctx context.Context, id string) error {
	return s.inner.Unpin(ctx, id)
}

func (s *RetryStore) Prune(ctx context.Context, keep int) error {
	return s.inner.Prune(ctx, keep)
}

func (s *RetryStore) Close() error { return s.inner.Close() }
