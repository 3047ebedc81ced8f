// Package registry holds the in-process authoritative view of the configured
// relayer accounts. It is a cache over the lock backend's truth: lease
// exclusivity is always decided by the backend, never by the status recorded
// here. All mutation goes through narrow methods that validate the status
// transitions.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/gaslane/gaslane/config"
)

// Status of a relayer within the pool.
type Status int

const (
	StatusFree Status = iota
	StatusLocked
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusLocked:
		return "locked"
	case StatusDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	ErrUnknownRelayer    = errors.New("unknown relayer")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// BalanceSnapshot is one observed balance for a relayer/token pair.
type BalanceSnapshot struct {
	Relayer    common.Address
	Token      common.Address
	Amount     *uint256.Int
	ObservedAt time.Time
}

// Info is a read-only copy of a relayer's state.
type Info struct {
	Address   common.Address
	KeyRef    string
	GasTokens []common.Address
	Status    Status
	LastUsed  time.Time
	Failures  int
	Balances  map[common.Address]BalanceSnapshot
}

// SupportsToken reports whether the relayer accepts the given gas token.
func (i *Info) SupportsToken(token common.Address) bool {
	for _, t := range i.GasTokens {
		if t == token {
			return true
		}
	}
	return false
}

type relayer struct {
	address   common.Address
	keyRef    string
	gasTokens []common.Address

	status   Status
	lastUsed time.Time
	failures int
	balances map[common.Address]BalanceSnapshot
}

// RegistryOpts configures a Registry.
type RegistryOpts struct {
	Log              *logrus.Entry
	Relayers         []config.RelayerEntry
	DisableThreshold int           // consecutive execution failures before disabling
	Staleness        time.Duration // how long a balance snapshot stays fresh
}

// Registry is the thread-safe relayer store. Relayers are constructed once at
// startup and never removed while the service runs.
type Registry struct {
	mu       sync.RWMutex
	relayers map[common.Address]*relayer
	order    []common.Address

	log              *logrus.Entry
	disableThreshold int
	staleness        time.Duration
}

// NewRegistry builds the registry from the configured relayer list.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if len(opts.Relayers) == 0 {
		return nil, fmt.Errorf("%w: no relayers", config.ErrConfigInvalid)
	}
	if opts.DisableThreshold < 1 {
		return nil, fmt.Errorf("%w: disable threshold must be at least 1", config.ErrConfigInvalid)
	}

	r := &Registry{
		relayers:         make(map[common.Address]*relayer, len(opts.Relayers)),
		order:            make([]common.Address, 0, len(opts.Relayers)),
		log:              opts.Log.WithField("module", "registry"),
		disableThreshold: opts.DisableThreshold,
		staleness:        opts.Staleness,
	}
	for _, entry := range opts.Relayers {
		if _, ok := r.relayers[entry.Address]; ok {
			return nil, fmt.Errorf("%w: duplicate relayer %s", config.ErrConfigInvalid, entry.Address.Hex())
		}
		r.relayers[entry.Address] = &relayer{
			address:   entry.Address,
			keyRef:    entry.KeyRef,
			gasTokens: append([]common.Address(nil), entry.GasTokens...),
			status:    StatusFree,
			balances:  make(map[common.Address]BalanceSnapshot),
		}
		r.order = append(r.order, entry.Address)
	}
	return r, nil
}

// Addresses returns every configured relayer in configuration order.
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]common.Address(nil), r.order...)
}

// Info returns a copy of the relayer's state.
func (r *Registry) Info(addr common.Address) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rel, ok := r.relayers[addr]
	if !ok {
		return Info{}, false
	}
	return rel.info(), true
}

func (rel *relayer) info() Info {
	balances := make(map[common.Address]BalanceSnapshot, len(rel.balances))
	for token, snap := range rel.balances {
		balances[token] = snap
	}
	return Info{
		Address:   rel.address,
		KeyRef:    rel.keyRef,
		GasTokens: append([]common.Address(nil), rel.gasTokens...),
		Status:    rel.status,
		LastUsed:  rel.lastUsed,
		Failures:  rel.failures,
		Balances:  balances,
	}
}

// Snapshot returns a copy of every relayer's state, in configuration order.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.relayers[addr].info())
	}
	return out
}

// Eligible returns the relayers that are Free and support the given token.
// A zero token address matches any relayer.
func (r *Registry) Eligible(token common.Address) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Info
	for _, addr := range r.order {
		rel := r.relayers[addr]
		if rel.status != StatusFree {
			continue
		}
		info := rel.info()
		if token != (common.Address{}) && !info.SupportsToken(token) {
			continue
		}
		out = append(out, info)
	}
	return out
}

// FreeCount returns the number of relayers currently Free.
func (r *Registry) FreeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rel := range r.relayers {
		if rel.status == StatusFree {
			n++
		}
	}
	return n
}

// SetStatus performs a validated status transition. Disabled relayers can
// only leave that state through Enable.
func (r *Registry) SetStatus(addr common.Address, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel, ok := r.relayers[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelayer, addr.Hex())
	}

	from := rel.status
	switch {
	case from == to:
		return nil
	case from == StatusFree && to == StatusLocked:
	case from == StatusLocked && to == StatusFree:
	case to == StatusDisabled:
	default:
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, to, addr.Hex())
	}

	rel.status = to
	return nil
}

// Touch records the relayer as just used, for least-recently-used selection.
func (r *Registry) Touch(addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rel, ok := r.relayers[addr]; ok {
		rel.lastUsed = time.Now()
	}
}

// RecordBalance stores a fresh balance snapshot for the relayer/token pair.
func (r *Registry) RecordBalance(addr, token common.Address, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel, ok := r.relayers[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelayer, addr.Hex())
	}
	rel.balances[token] = BalanceSnapshot{
		Relayer:    addr,
		Token:      token,
		Amount:     amount.Clone(),
		ObservedAt: time.Now(),
	}
	return nil
}

// Balance returns the cached snapshot for the pair and whether it is still
// within the staleness window.
func (r *Registry) Balance(addr, token common.Address) (snap BalanceSnapshot, fresh bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rel, ok := r.relayers[addr]
	if !ok {
		return BalanceSnapshot{}, false
	}
	snap, ok = rel.balances[token]
	if !ok {
		return BalanceSnapshot{}, false
	}
	if r.staleness > 0 && time.Since(snap.ObservedAt) > r.staleness {
		return snap, false
	}
	return snap, true
}

// RecordFailure increments the relayer's consecutive-failure counter and
// disables the relayer once the threshold is crossed. It reports whether the
// relayer was disabled by this call.
func (r *Registry) RecordFailure(addr common.Address) (disabled bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel, ok := r.relayers[addr]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRelayer, addr.Hex())
	}

	rel.failures++
	if rel.status != StatusDisabled && rel.failures >= r.disableThreshold {
		rel.status = StatusDisabled
		r.log.WithFields(logrus.Fields{
			"relayer":  addr.Hex(),
			"failures": rel.failures,
		}).Error("relayer disabled after repeated failures")
		return true, nil
	}
	return false, nil
}

// ResetFailures clears the consecutive-failure counter after a success.
func (r *Registry) ResetFailures(addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rel, ok := r.relayers[addr]; ok {
		rel.failures = 0
	}
}

// Enable is the operator path out of Disabled. It also clears the failure
// counter.
func (r *Registry) Enable(addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel, ok := r.relayers[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelayer, addr.Hex())
	}
	if rel.status != StatusDisabled {
		return nil
	}

	rel.status = StatusFree
	rel.failures = 0
	r.log.WithField("relayer", addr.Hex()).Info("relayer re-enabled")
	return nil
}
