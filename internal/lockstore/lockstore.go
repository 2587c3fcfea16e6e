// Package lockstore provides tenant-scoped distributed leases on Redis.
//
// A lease is identified by (tenant, resource). Ownership is proven by a random token, so a
// holder whose lease expired can neither renew nor release a lease another worker now owns.
package lockstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Resource names. Pipeline locks and token refresh locks live in separate keys and never contend.
const (
	ResourcePipeline = "pipeline"
)

// OAuthResource is the refresh lock resource for a credential provider.
func OAuthResource(provider string) string { return "oauth:" + provider }

var (
	// ErrBusy means another holder owns the lease.
	ErrBusy = errors.New("lockstore: busy")
	// ErrLost means the lease expired or was taken over; the holder must abandon its work.
	ErrLost = errors.New("lockstore: lease lost")
)

// Store acquires leases via redislock.
type Store struct {
	locker *redislock.Client
	prefix string
}

func New(client redis.Scripter) *Store {
	return &Store{locker: redislock.New(client), prefix: "lock"}
}

// Lease is a held lock.
type Lease struct {
	TenantID string
	Resource string
	lock     *redislock.Lock
}

func (l *Lease) Key() string   { return l.lock.Key() }
func (l *Lease) Token() string { return l.lock.Token() }

// Key returns the Redis key guarding (tenant, resource).
func (s *Store) Key(tenantID, resource string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, tenantID, resource)
}

// Acquire makes a single set-if-absent attempt. It returns ErrBusy when the lease is held.
func (s *Store) Acquire(ctx context.Context, tenantID, resource string, ttl time.Duration) (*Lease, error) {
	lock, err := s.locker.Obtain(ctx, s.Key(tenantID, resource), ttl, &redislock.Options{
		Metadata: tenantID,
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, fmt.Errorf("acquire %s/%s: %w", tenantID, resource, err)
	}
	return &Lease{TenantID: tenantID, Resource: resource, lock: lock}, nil
}

// AcquireWait retries with linear backoff until the lease is obtained or wait elapses.
func (s *Store) AcquireWait(ctx context.Context, tenantID, resource string, ttl, wait time.Duration) (*Lease, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	lock, err := s.locker.Obtain(waitCtx, s.Key(tenantID, resource), ttl, &redislock.Options{
		Metadata:      tenantID,
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	switch {
	case err == nil:
		return &Lease{TenantID: tenantID, Resource: resource, lock: lock}, nil
	case errors.Is(err, redislock.ErrNotObtained):
		return nil, ErrBusy
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, ErrBusy
	default:
		return nil, fmt.Errorf("acquire %s/%s: %w", tenantID, resource, err)
	}
}

// Renew extends the lease. ErrLost means the caller no longer owns it.
func (s *Store) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	err := lease.lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrLost
	}
	if err != nil {
		return fmt.Errorf("renew %s: %w", lease.Key(), err)
	}
	return nil
}

// Release deletes the lease if the caller still owns it. It reports false when the lease had
// already expired or passed to another holder.
func (s *Store) Release(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, nil
	}
	err := lease.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release %s: %w", lease.Key(), err)
	}
	return true, nil
}

// Keepalive renews the lease every interval until ctx ends. The returned context is cancelled
// with cause ErrLost as soon as a renewal fails, which is the signal to stop touching tenant state.
// stop must be called to end renewals.
func (s *Store) Keepalive(ctx context.Context, lease *Lease, every, ttl time.Duration) (context.Context, func()) {
	leaseCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				renewCtx, renewCancel := context.WithTimeout(leaseCtx, every)
				err := s.Renew(renewCtx, lease, ttl)
				renewCancel()
				if err != nil {
					if !errors.Is(err, ErrLost) {
						err = fmt.Errorf("%w: %v", ErrLost, err)
					}
					cancel(err)
					return
				}
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			cancel(nil)
		})
	}
	return leaseCtx, stop
}

// Guard returns a check that renews the lease and reports ErrLost if ownership is gone.
// Callers invoke it before each state-changing write.
func (s *Store) Guard(lease *Lease, ttl time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		return s.Renew(ctx, lease, ttl)
	}
}
