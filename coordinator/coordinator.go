// Package coordinator drives one user execution through the relayer pool:
// lease a relayer, submit, release, and rotate to another relayer when the
// failure was transient.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/gaslane/gaslane/chain"
	"github.com/gaslane/gaslane/lock"
	"github.com/gaslane/gaslane/metrics"
	"github.com/gaslane/gaslane/registry"
)

// ErrExecutionFailed is returned when a request could not be executed within
// the attempt budget, or failed deterministically.
var ErrExecutionFailed = errors.New("execution failed")

// releaseTimeout bounds the lease hand-back, which must not inherit the
// caller's (possibly expired) deadline.
const releaseTimeout = 5 * time.Second

// Outcome describes how an execution ended. Ambiguous is set when the
// transaction was broadcast but its fate was still unknown when the caller's
// deadline hit; the caller must not assume it failed.
type Outcome struct {
	TxHash   common.Hash
	Relayer  common.Address
	Attempts int

	Ambiguous bool
}

// Opts configures a Coordinator.
type Opts struct {
	Log      *logrus.Entry
	Locks    *lock.Manager
	Registry *registry.Registry
	Chain    chain.Client
	Events   *metrics.Events

	// MaxAttempts caps relayer rotations per request.
	MaxAttempts int

	// AcquireTimeout bounds the wait for a free relayer per attempt.
	AcquireTimeout time.Duration

	// ConfirmInterval is the receipt polling cadence. Defaults to 1s.
	ConfirmInterval time.Duration
}

// Coordinator executes requests through leased relayers.
type Coordinator struct {
	log      *logrus.Entry
	locks    *lock.Manager
	registry *registry.Registry
	chain    chain.Client
	events   *metrics.Events

	maxAttempts     int
	acquireTimeout  time.Duration
	confirmInterval time.Duration
}

// New creates a Coordinator.
func New(opts Opts) (*Coordinator, error) {
	if opts.Locks == nil || opts.Registry == nil || opts.Chain == nil {
		return nil, errors.New("missing collaborator")
	}
	if opts.MaxAttempts <= 0 {
		return nil, errors.New("max attempts must be positive")
	}
	if opts.AcquireTimeout <= 0 {
		return nil, errors.New("acquire timeout must be positive")
	}

	confirm := opts.ConfirmInterval
	if confirm <= 0 {
		confirm = time.Second
	}

	return &Coordinator{
		log:             opts.Log.WithField("module", "coordinator"),
		locks:           opts.Locks,
		registry:        opts.Registry,
		chain:           opts.Chain,
		events:          opts.Events,
		maxAttempts:     opts.MaxAttempts,
		acquireTimeout:  opts.AcquireTimeout,
		confirmInterval: confirm,
	}, nil
}

// Execute routes the request through a leased relayer and waits for the
// transaction to land. Transient submission failures rotate to another
// relayer, up to the attempt budget. The lease is released as soon as the
// broadcast settles; the confirmation wait happens outside it.
func (c *Coordinator) Execute(ctx context.Context, req *chain.Request) (*Outcome, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			break
		}

		hash, relayer, err := c.submitOnce(ctx, req)
		if err != nil {
			lastErr = err
			if chain.IsRetryable(err) {
				c.log.WithError(err).WithFields(logrus.Fields{
					"relayer": relayer.Hex(),
					"attempt": attempt,
				}).Warn("submission failed, rotating relayer")
				continue
			}
			if errors.Is(err, lock.ErrLockUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", ErrExecutionFailed, err)
		}

		outcome := &Outcome{TxHash: hash, Relayer: relayer, Attempts: attempt}
		return c.awaitConfirmation(ctx, outcome)
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, fmt.Errorf("%w after %d attempts: %s", ErrExecutionFailed, c.maxAttempts, lastErr)
}

// submitOnce leases a relayer, broadcasts, and hands the relayer back. The
// release is unconditional; failure bookkeeping happens before it so a
// disable lands while the relayer is still ours.
func (c *Coordinator) submitOnce(ctx context.Context, req *chain.Request) (common.Hash, common.Address, error) {
	lease, err := c.locks.Acquire(ctx, lock.Requirements{GasToken: req.GasToken}, c.acquireTimeout)
	if err != nil {
		return common.Hash{}, common.Address{}, err
	}
	relayer := lease.Relayer

	hash, err := c.chain.Submit(ctx, relayer, req)
	switch {
	case err == nil:
		c.registry.ResetFailures(relayer)
	case callerAborted(ctx, err):
		// A submit error caused by our own expired deadline says nothing
		// about the relayer's health.
	default:
		c.recordFailure(relayer, err)
	}

	// The relayer goes back even when the caller's context is already dead.
	releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if rerr := c.locks.Release(releaseCtx, lease); rerr != nil && !errors.Is(rerr, lock.ErrLeaseExpired) {
		c.log.WithError(rerr).WithField("relayer", relayer.Hex()).Warn("lease release failed")
	}

	return hash, relayer, err
}

func callerAborted(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Coordinator) recordFailure(relayer common.Address, cause error) {
	disabled, err := c.registry.RecordFailure(relayer)
	if err != nil {
		c.log.WithError(err).WithField("relayer", relayer.Hex()).Warn("failure bookkeeping failed")
		return
	}
	if disabled {
		c.events.RelayerDisabled(relayer, "execution-failures")
		c.log.WithError(cause).WithField("relayer", relayer.Hex()).
			Error("relayer disabled after consecutive execution failures")
	}
}

// awaitConfirmation polls the transaction until it lands or the caller's
// deadline hits. A revert is a deterministic failure. An abandoned wait
// returns the outcome marked ambiguous: the transaction is on the wire and
// may still confirm.
func (c *Coordinator) awaitConfirmation(ctx context.Context, outcome *Outcome) (*Outcome, error) {
	ticker := time.NewTicker(c.confirmInterval)
	defer ticker.Stop()

	for {
		status, err := c.chain.PollStatus(ctx, outcome.TxHash)
		if err != nil && !chain.IsRetryable(err) {
			return nil, fmt.Errorf("%w: status of %s: %s", ErrExecutionFailed, outcome.TxHash.Hex(), err)
		}
		if err == nil {
			switch status {
			case chain.StatusConfirmed:
				c.log.WithFields(logrus.Fields{
					"tx":       outcome.TxHash.Hex(),
					"relayer":  outcome.Relayer.Hex(),
					"attempts": outcome.Attempts,
				}).Info("execution confirmed")
				return outcome, nil
			case chain.StatusReverted:
				return nil, fmt.Errorf("%w: transaction %s reverted", ErrExecutionFailed, outcome.TxHash.Hex())
			}
		}

		select {
		case <-ctx.Done():
			outcome.Ambiguous = true
			c.log.WithFields(logrus.Fields{
				"tx":      outcome.TxHash.Hex(),
				"relayer": outcome.Relayer.Hex(),
			}).Warn("abandoning confirmation wait, outcome ambiguous")
			return outcome, nil
		case <-ticker.C:
		}
	}
}
