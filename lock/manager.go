package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gaslane/gaslane/metrics"
	"github.com/gaslane/gaslane/registry"
)

// Requirements narrows the candidate set for an acquisition. A zero GasToken
// matches every relayer.
type Requirements struct {
	GasToken common.Address
}

// ManagerOpts configures a Manager.
type ManagerOpts struct {
	Log      *logrus.Entry
	Registry *registry.Registry
	Backend  Backend
	Events   *metrics.Events

	LeaseTTL time.Duration

	// Strategy defaults to LeastRecentlyUsed.
	Strategy Strategy

	// PollInterval is the fallback wait between acquisition rounds when the
	// backend cannot signal frees (e.g. Redis). Defaults to 50ms.
	PollInterval time.Duration
}

// Manager hands out leases on relayers. The backend is the single source of
// truth for exclusivity; the registry status is updated to mirror it.
type Manager struct {
	log      *logrus.Entry
	registry *registry.Registry
	backend  Backend
	events   *metrics.Events

	holder   string
	ttl      time.Duration
	strategy Strategy
	poll     time.Duration
}

// NewManager creates a lease manager. The holder identity is unique per
// Manager instance and stamped on every lease it acquires.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Backend == nil {
		return nil, errors.New("no lock backend")
	}
	if opts.Registry == nil {
		return nil, errors.New("no registry")
	}
	if opts.LeaseTTL <= 0 {
		return nil, errors.New("lease TTL must be positive")
	}

	strategy := opts.Strategy
	if strategy == nil {
		strategy = LeastRecentlyUsed{}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}

	return &Manager{
		log:      opts.Log.WithField("module", "lock"),
		registry: opts.Registry,
		backend:  opts.Backend,
		events:   opts.Events,
		holder:   uuid.New().String(),
		ttl:      opts.LeaseTTL,
		strategy: strategy,
		poll:     poll,
	}, nil
}

// Holder returns this manager's holder identity.
func (m *Manager) Holder() string {
	return m.holder
}

// Acquire leases a relayer satisfying the requirements, blocking
// cooperatively up to timeout for one to free up. It fails with
// ErrLockUnavailable once the timeout elapses.
func (m *Manager) Acquire(ctx context.Context, req Requirements, timeout time.Duration) (*Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var freeSignal <-chan struct{}
	if n, ok := m.backend.(freeNotifier); ok {
		freeSignal = n.FreeSignal()
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		lease, err := m.tryAcquireOnce(ctx, req)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no relayer freed up within %s", ErrLockUnavailable, timeout)
		case <-freeSignal:
		case <-ticker.C:
		}
	}
}

// tryAcquireOnce walks the strategy's ordering over eligible relayers and
// takes the first one the backend grants. ErrBusy means every candidate was
// taken (or none was eligible this round).
func (m *Manager) tryAcquireOnce(ctx context.Context, req Requirements) (*Lease, error) {
	candidates := m.strategy.Order(m.registry.Eligible(req.GasToken))

	for _, addr := range candidates {
		fencing, stolen, err := m.backend.TryAcquire(ctx, addr, m.holder, m.ttl)
		if errors.Is(err, ErrBusy) {
			continue
		}
		if err != nil {
			return nil, err
		}

		now := time.Now()
		lease := &Lease{
			Relayer:    addr,
			Holder:     m.holder,
			Fencing:    fencing,
			AcquiredAt: now,
			TTL:        m.ttl,
			ExpiresAt:  now.Add(m.ttl),
		}

		// Mirror backend truth into the registry cache. A failed transition
		// means the relayer was disabled concurrently; hand the lease back.
		if err := m.registry.SetStatus(addr, registry.StatusLocked); err != nil {
			_ = m.backend.Release(ctx, addr, fencing)
			continue
		}
		m.registry.Touch(addr)

		if stolen {
			m.events.LeaseStolen(addr)
			m.log.WithFields(logrus.Fields{
				"relayer": addr.Hex(),
				"fencing": fencing,
			}).Warn("reclaimed expired lease")
		}
		m.events.LeaseAcquired(addr)
		m.events.SetFreeRelayers(m.registry.FreeCount())
		m.log.WithFields(logrus.Fields{
			"relayer": addr.Hex(),
			"holder":  m.holder,
			"fencing": fencing,
		}).Debug("lease acquired")

		return lease, nil
	}
	return nil, ErrBusy
}

// Renew extends the lease's TTL. A fencing mismatch surfaces as
// ErrLeaseExpired; the caller must abort its work on the relayer.
func (m *Manager) Renew(ctx context.Context, lease *Lease) (*Lease, error) {
	if err := m.backend.Renew(ctx, lease.Relayer, lease.Fencing, m.ttl); err != nil {
		if errors.Is(err, ErrLeaseExpired) {
			m.events.LeaseExpired(lease.Relayer)
		}
		return nil, err
	}

	renewed := *lease
	renewed.ExpiresAt = time.Now().Add(m.ttl)
	return &renewed, nil
}

// Release returns the relayer to the pool. Releasing an already-gone lease is
// a no-op; a fencing mismatch is reported as ErrLeaseExpired so the caller
// knows the lease was stolen mid-flight.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	err := m.backend.Release(ctx, lease.Relayer, lease.Fencing)

	// The registry transition happens regardless: the relayer is no longer
	// ours either way. SetStatus keeps Disabled sticky.
	if serr := m.registry.SetStatus(lease.Relayer, registry.StatusFree); serr != nil && !errors.Is(serr, registry.ErrInvalidTransition) {
		m.log.WithError(serr).WithField("relayer", lease.Relayer.Hex()).Warn("registry release transition failed")
	}
	m.events.SetFreeRelayers(m.registry.FreeCount())

	if err != nil {
		if errors.Is(err, ErrLeaseExpired) {
			m.events.LeaseExpired(lease.Relayer)
			m.log.WithFields(logrus.Fields{
				"relayer": lease.Relayer.Hex(),
				"fencing": lease.Fencing,
			}).Warn("lease superseded before release")
		}
		return err
	}

	m.events.LeaseReleased(lease.Relayer)
	m.log.WithFields(logrus.Fields{
		"relayer": lease.Relayer.Hex(),
		"fencing": lease.Fencing,
	}).Debug("lease released")
	return nil
}
