package lock

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type localEntry struct {
	holder    string
	fencing   uint64
	expiresAt time.Time
}

// LocalBackend is the single-process lease store: a mutex-guarded map with
// per-key monotonic fencing counters. Fencing counters survive release so a
// token can never be reissued.
type LocalBackend struct {
	mu      sync.Mutex
	entries map[common.Address]*localEntry
	fences  map[common.Address]uint64

	freeCh chan struct{}
}

// NewLocalBackend creates an empty in-process lease store.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		entries: make(map[common.Address]*localEntry),
		fences:  make(map[common.Address]uint64),
		freeCh:  make(chan struct{}, 1),
	}
}

func (b *LocalBackend) TryAcquire(ctx context.Context, key common.Address, holder string, ttl time.Duration) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	entry, exists := b.entries[key]
	if exists && now.Before(entry.expiresAt) {
		return 0, false, ErrBusy
	}

	// Either free or expired; an expired entry is stolen by advancing the
	// fence past it.
	stolen := exists

	b.fences[key]++
	fencing := b.fences[key]
	b.entries[key] = &localEntry{
		holder:    holder,
		fencing:   fencing,
		expiresAt: now.Add(ttl),
	}
	return fencing, stolen, nil
}

func (b *LocalBackend) Renew(ctx context.Context, key common.Address, fencing uint64, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, exists := b.entries[key]
	if !exists || entry.fencing != fencing || time.Now().After(entry.expiresAt) {
		return ErrLeaseExpired
	}
	entry.expiresAt = time.Now().Add(ttl)
	return nil
}

// Release never consults the context: handing a relayer back must work even
// for a caller whose deadline already expired.
func (b *LocalBackend) Release(ctx context.Context, key common.Address, fencing uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, exists := b.entries[key]
	if !exists {
		return nil
	}
	if entry.fencing != fencing {
		return ErrLeaseExpired
	}

	delete(b.entries, key)
	b.signalFree()
	return nil
}

func (b *LocalBackend) Locked(ctx context.Context) ([]common.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var keys []common.Address
	for key, entry := range b.entries {
		if now.Before(entry.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// FreeSignal returns a channel that receives after a release. The channel has
// capacity 1 and is written non-blockingly, so waiters coalesce.
func (b *LocalBackend) FreeSignal() <-chan struct{} {
	return b.freeCh
}

func (b *LocalBackend) signalFree() {
	select {
	case b.freeCh <- struct{}{}:
	default:
	}
}
