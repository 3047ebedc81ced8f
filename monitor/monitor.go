// Package monitor keeps relayer balance snapshots fresh and raises deficit
// signals when a balance drops below its funding threshold. It only observes;
// acting on a deficit is the rebalancer's job.
package monitor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/gaslane/gaslane/chain"
	"github.com/gaslane/gaslane/metrics"
	"github.com/gaslane/gaslane/registry"
)

// Deficit is one observation of a relayer balance below its threshold.
type Deficit struct {
	Relayer   common.Address
	Token     common.Address
	Balance   *uint256.Int
	Threshold *uint256.Int
}

// Signaler receives deficit observations. The monitor re-raises a deficit on
// every cycle it persists; deduplication is the receiver's concern.
type Signaler interface {
	SignalDeficit(ctx context.Context, d Deficit)
}

// Opts configures a Monitor.
type Opts struct {
	Log      *logrus.Entry
	Registry *registry.Registry
	Chain    chain.Client
	Events   *metrics.Events
	Signaler Signaler

	// Thresholds maps token to the balance below which a deficit is raised.
	Thresholds map[common.Address]*uint256.Int

	// GasTank is the funder account whose holdings are gauged each cycle.
	// Zero disables the gauge.
	GasTank common.Address

	Interval     time.Duration
	FetchTimeout time.Duration

	// Workers bounds concurrent balance fetches. Defaults to 8.
	Workers int
}

// Monitor periodically sweeps the pool's balances.
type Monitor struct {
	log      *logrus.Entry
	registry *registry.Registry
	chain    chain.Client
	events   *metrics.Events
	signaler Signaler

	thresholds   map[common.Address]*uint256.Int
	gasTank      common.Address
	interval     time.Duration
	fetchTimeout time.Duration
	workers      int
}

// New creates a Monitor.
func New(opts Opts) (*Monitor, error) {
	if opts.Registry == nil || opts.Chain == nil {
		return nil, errors.New("missing collaborator")
	}
	if opts.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}

	return &Monitor{
		log:          opts.Log.WithField("module", "monitor"),
		registry:     opts.Registry,
		chain:        opts.Chain,
		events:       opts.Events,
		signaler:     opts.Signaler,
		thresholds:   opts.Thresholds,
		gasTank:      opts.GasTank,
		interval:     opts.Interval,
		fetchTimeout: fetchTimeout,
		workers:      workers,
	}, nil
}

// Run sweeps immediately, then on every tick, until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.log.WithField("interval", m.interval.String()).Info("balance monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.RunCycle(ctx)

		select {
		case <-ctx.Done():
			m.log.Info("balance monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

type fetchJob struct {
	relayer common.Address
	token   common.Address

	// tank marks a gas tank observation: gauge only, no snapshot and no
	// deficit signal.
	tank bool
}

// RunCycle fetches every monitored relayer×token balance once, with bounded
// concurrency. A failed fetch is logged and skipped; the relayer stays in the
// pool with its last snapshot. When a gas tank account is configured its
// holdings are gauged in the same sweep.
func (m *Monitor) RunCycle(ctx context.Context) {
	var jobs []fetchJob
	for _, info := range m.registry.Snapshot() {
		if info.Status == registry.StatusDisabled {
			continue
		}
		for token := range m.thresholds {
			if token != chain.NativeToken && !info.SupportsToken(token) {
				continue
			}
			jobs = append(jobs, fetchJob{relayer: info.Address, token: token})
		}
	}
	jobs = append(jobs, m.tankJobs()...)

	sem := make(chan struct{}, m.workers)
	var wg sync.WaitGroup
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(job fetchJob) {
			defer wg.Done()
			defer func() { <-sem }()
			m.fetchOne(ctx, job)
		}(job)
	}
	wg.Wait()
}

// tankJobs gauges the funder's holdings in every thresholded token, plus the
// native token it pays gas with.
func (m *Monitor) tankJobs() []fetchJob {
	if m.gasTank == (common.Address{}) {
		return nil
	}

	jobs := make([]fetchJob, 0, len(m.thresholds)+1)
	nativeCovered := false
	for token := range m.thresholds {
		if token == chain.NativeToken {
			nativeCovered = true
		}
		jobs = append(jobs, fetchJob{relayer: m.gasTank, token: token, tank: true})
	}
	if !nativeCovered {
		jobs = append(jobs, fetchJob{relayer: m.gasTank, token: chain.NativeToken, tank: true})
	}
	return jobs
}

func (m *Monitor) fetchOne(ctx context.Context, job fetchJob) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	balance, err := m.chain.GetBalance(fetchCtx, job.relayer, job.token)
	if err != nil {
		if job.tank {
			m.log.WithError(err).WithFields(logrus.Fields{
				"account": job.relayer.Hex(),
				"token":   job.token.Hex(),
			}).Warn("gas tank balance fetch failed")
		} else {
			m.log.WithError(err).WithFields(logrus.Fields{
				"relayer": job.relayer.Hex(),
				"token":   job.token.Hex(),
			}).Warn("balance fetch failed, skipping relayer this cycle")
		}
		return
	}

	if job.tank {
		m.events.SetGasTankBalance(job.token, balanceAsFloat(balance))
		return
	}

	if err := m.registry.RecordBalance(job.relayer, job.token, balance); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"relayer": job.relayer.Hex(),
			"token":   job.token.Hex(),
		}).Warn("couldn't record balance snapshot")
		return
	}
	m.events.SetRelayerBalance(job.relayer, job.token, balanceAsFloat(balance))

	threshold := m.thresholds[job.token]
	if balance.Cmp(threshold) < 0 {
		m.log.WithFields(logrus.Fields{
			"relayer":   job.relayer.Hex(),
			"token":     job.token.Hex(),
			"balance":   balance.Dec(),
			"threshold": threshold.Dec(),
		}).Info("relayer balance below threshold")

		if m.signaler != nil {
			m.signaler.SignalDeficit(ctx, Deficit{
				Relayer:   job.relayer,
				Token:     job.token,
				Balance:   balance.Clone(),
				Threshold: threshold.Clone(),
			})
		}
	}
}

func balanceAsFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
