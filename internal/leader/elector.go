package leader

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrLeaseLost reports that the leadership lease expired or moved to
// another instance while this one was leading.
var ErrLeaseLost = errors.New("leadership lease lost")

// Key is the well-known leadership key shared by a gateway fleet.
const Key = "gateway:leader"

// Elector runs a leader-elected function. At most one instance across
// the fleet leads at any time; the rest idle and retry.
type Elector struct {
	lease *Lease
	ttl   time.Duration
	lg    zerolog.Logger
}

// NewElector returns an elector over a lease of duration ttl on key.
func NewElector(client redis.Cmdable, key string, ttl time.Duration, lg zerolog.Logger) *Elector {
	return &Elector{
		lease: NewLease(client, key, ttl),
		ttl:   ttl,
		lg:    lg,
	}
}

// Run loops until ctx is cancelled. Whenever the lease is acquired,
// lead runs with a context that is cancelled as soon as the lease is
// lost or renewal fails; the elector then awaits lead's return before
// falling back to the follower loop.
func (e *Elector) Run(ctx context.Context, lead func(context.Context) error) error {
	for {
		acquired, err := e.lease.Acquire(ctx)
		if err != nil {
			e.lg.Warn().Err(err).Msg("lease acquire failed")
		} else if acquired {
			e.lg.Info().Msg("leadership acquired")
			if err := e.leadUntilLost(ctx, lead); err != nil && ctx.Err() == nil {
				e.lg.Warn().Err(err).Msg("stepping down")
			}
		} else {
			e.lg.Debug().Msg("following")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.renewInterval()):
		}
	}
}

func (e *Elector) leadUntilLost(ctx context.Context, lead func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return lead(gctx) })
	g.Go(func() error { return e.renew(gctx) })

	err := g.Wait()

	// release with a fresh context so shutdown is not starved by the
	// cancellation that triggered it
	releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if rerr := e.lease.Release(releaseCtx); rerr != nil {
		e.lg.Warn().Err(rerr).Msg("lease release failed")
	}
	return err
}

// renew extends the lease within half its duration and fails when the
// lease is gone, cancelling the sibling lead task via the errgroup.
func (e *Elector) renew(ctx context.Context) error {
	ticker := time.NewTicker(e.renewInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			held, err := e.lease.Extend(ctx)
			if err != nil {
				return err
			}
			if !held {
				return ErrLeaseLost
			}
		}
	}
}

func (e *Elector) renewInterval() time.Duration { return e.ttl / 2 }
