// Package lock grants exclusive, time-bounded leases on relayer accounts.
// The Backend interface is the keyed conditional-write protocol every store
// must satisfy; the Manager layers selection, cooperative waiting and fencing
// on top of it.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrLockUnavailable means no eligible relayer could be leased within the
	// caller's timeout. Callers treat this as "pool exhausted", retryable on
	// their side.
	ErrLockUnavailable = errors.New("no relayer lock available")

	// ErrLeaseExpired means the presented fencing token has been superseded:
	// the lease expired and the relayer may already be in use by a new
	// holder. The caller must abort and treat its outcome as unknown.
	ErrLeaseExpired = errors.New("relayer lease expired")

	// ErrBusy is the backend-level signal that an unexpired lease exists for
	// the key. The Manager turns sustained busyness into ErrLockUnavailable.
	ErrBusy = errors.New("relayer already locked")
)

// Lease is an exclusive time-bounded claim on one relayer. The fencing token
// is strictly increasing per relayer across acquisitions; any write presented
// with an older token is rejected by the backend.
type Lease struct {
	Relayer    common.Address
	Holder     string
	Fencing    uint64
	AcquiredAt time.Time
	TTL        time.Duration
	ExpiresAt  time.Time
}

// Expired reports whether the lease's TTL has elapsed locally. The backend
// remains the source of truth; this is a cheap pre-check before use.
func (l *Lease) Expired() bool {
	return time.Now().After(l.ExpiresAt)
}

// Backend is the lease store protocol. It must be implementable over any
// keyed store with conditional writes and TTLs.
type Backend interface {
	// TryAcquire records (key -> fencing, holder, expiry) iff no unexpired
	// entry exists for the key. The returned fencing token is strictly
	// greater than any previously issued for that key. stolen reports that an
	// expired entry was reclaimed. Returns ErrBusy while a valid entry exists.
	TryAcquire(ctx context.Context, key common.Address, holder string, ttl time.Duration) (fencing uint64, stolen bool, err error)

	// Renew extends the entry's expiry iff the stored fencing token matches.
	// Returns ErrLeaseExpired when the token has been superseded or the entry
	// is gone.
	Renew(ctx context.Context, key common.Address, fencing uint64, ttl time.Duration) error

	// Release removes the entry iff the stored fencing token matches. A
	// missing entry is not an error (release is idempotent); a mismatched
	// token returns ErrLeaseExpired and leaves the current holder untouched.
	Release(ctx context.Context, key common.Address, fencing uint64) error

	// Locked lists the keys currently under an unexpired lease.
	Locked(ctx context.Context) ([]common.Address, error)
}

// freeNotifier is implemented by backends that can signal a key becoming
// free, letting the Manager wait cooperatively instead of polling.
type freeNotifier interface {
	FreeSignal() <-chan struct{}
}
