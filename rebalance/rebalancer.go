// Package rebalance refills underfunded relayers from the gas tank. Each
// refill is a persisted task walked through a small state machine, so a crash
// mid-refill resumes where it left off instead of transferring twice.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/gaslane/gaslane/chain"
	"github.com/gaslane/gaslane/config"
	"github.com/gaslane/gaslane/metrics"
	"github.com/gaslane/gaslane/monitor"
	"github.com/gaslane/gaslane/registry"
	"github.com/gaslane/gaslane/swap"
)

// ErrInsufficientBalance is returned when the gas tank cannot cover a refill
// even after swapping out of its reserve token.
var ErrInsufficientBalance = errors.New("insufficient gas tank balance")

// Opts configures a Rebalancer.
type Opts struct {
	Log      *logrus.Entry
	Registry *registry.Registry
	Chain    chain.Client
	Funder   chain.Funder
	Swapper  swap.Swapper
	Store    TaskStore
	Events   *metrics.Events

	// FunderAccount is the gas tank address, used for its own balance reads.
	FunderAccount common.Address

	// Thresholds are the per-token funding floors shared with the monitor.
	Thresholds map[common.Address]*uint256.Int

	Config config.RebalanceConfig

	// VerifyInterval is the funding receipt polling cadence. Defaults to 2s.
	VerifyInterval time.Duration
}

// Rebalancer consumes deficit signals and refills relayers from the gas tank.
type Rebalancer struct {
	log      *logrus.Entry
	registry *registry.Registry
	chain    chain.Client
	funder   chain.Funder
	swapper  swap.Swapper
	store    TaskStore
	events   *metrics.Events

	funderAccount  common.Address
	thresholds     map[common.Address]*uint256.Int
	cfg            config.RebalanceConfig
	verifyInterval time.Duration

	queue chan *Task

	// live holds the one in-flight task per relayer and token pair.
	liveMu sync.Mutex
	live   map[string]struct{}
}

// New creates a Rebalancer.
func New(opts Opts) (*Rebalancer, error) {
	if opts.Registry == nil || opts.Chain == nil || opts.Funder == nil || opts.Store == nil {
		return nil, errors.New("missing collaborator")
	}
	if opts.Config.RetryBudget <= 0 {
		return nil, errors.New("retry budget must be positive")
	}

	verify := opts.VerifyInterval
	if verify <= 0 {
		verify = 2 * time.Second
	}

	return &Rebalancer{
		log:            opts.Log.WithField("module", "rebalance"),
		registry:       opts.Registry,
		chain:          opts.Chain,
		funder:         opts.Funder,
		swapper:        opts.Swapper,
		store:          opts.Store,
		events:         opts.Events,
		funderAccount:  opts.FunderAccount,
		thresholds:     opts.Thresholds,
		cfg:            opts.Config,
		verifyInterval: verify,
		queue:          make(chan *Task, 64),
		live:           make(map[string]struct{}),
	}, nil
}

func liveKey(relayer, token common.Address) string {
	return relayer.Hex() + "|" + token.Hex()
}

// claimLive reserves the relayer and token pair, reporting whether the claim
// succeeded. A false return means a live task already covers the pair.
func (r *Rebalancer) claimLive(key string) bool {
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	if _, exists := r.live[key]; exists {
		return false
	}
	r.live[key] = struct{}{}
	return true
}

// SignalDeficit implements monitor.Signaler. Repeated signals for a pair with
// a live task are dropped, so a persisting deficit produces exactly one task.
func (r *Rebalancer) SignalDeficit(ctx context.Context, d monitor.Deficit) {
	key := liveKey(d.Relayer, d.Token)
	if !r.claimLive(key) {
		return
	}

	// Refill to twice the threshold so the next few executions do not
	// immediately re-trigger the monitor.
	target := new(uint256.Int).Lsh(d.Threshold, 1)
	amount := new(uint256.Int).Sub(target, d.Balance)

	now := time.Now().UTC()
	task := &Task{
		ID:        uuid.New().String(),
		Relayer:   d.Relayer,
		Token:     d.Token,
		Amount:    amount,
		Target:    target,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.store.Save(ctx, task); err != nil {
		r.log.WithError(err).WithField("task", task.ID).Error("persisting new task failed")
		r.dropLive(key)
		return
	}
	r.events.TaskCreated(d.Relayer, d.Token)
	r.log.WithFields(logrus.Fields{
		"task":    task.ID,
		"relayer": d.Relayer.Hex(),
		"token":   d.Token.Hex(),
		"amount":  amount.Dec(),
	}).Info("rebalance task created")

	r.enqueue(task)
}

func (r *Rebalancer) dropLive(key string) {
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	delete(r.live, key)
}

func (r *Rebalancer) enqueue(task *Task) {
	select {
	case r.queue <- task:
	default:
		// The monitor re-raises unresolved deficits every cycle; dropping
		// here only delays the refill.
		r.log.WithField("task", task.ID).Warn("task queue full, deferring")
		r.dropLive(liveKey(task.Relayer, task.Token))
	}
}

// Resume reloads persisted tasks after a restart. Unfinished tasks re-enter
// the queue at their saved state; terminal leftovers are cleaned up.
func (r *Rebalancer) Resume(ctx context.Context) error {
	tasks, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted tasks: %w", err)
	}

	for _, task := range tasks {
		if task.State.Terminal() {
			if err := r.store.Remove(ctx, task.ID); err != nil {
				r.log.WithError(err).WithField("task", task.ID).Warn("removing finished task failed")
			}
			continue
		}

		r.claimLive(liveKey(task.Relayer, task.Token))

		r.log.WithFields(logrus.Fields{
			"task":  task.ID,
			"state": task.State.String(),
		}).Info("resuming rebalance task")
		r.enqueue(task)
	}
	return nil
}

// Run processes queued tasks until the context is cancelled.
func (r *Rebalancer) Run(ctx context.Context) {
	r.log.Info("rebalancer started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("rebalancer stopped")
			return
		case task := <-r.queue:
			r.process(ctx, task)
		}
	}
}

// process walks one task to a terminal state, retrying each failed step with
// exponential backoff until the retry budget is spent.
func (r *Rebalancer) process(ctx context.Context, task *Task) {
	defer r.dropLive(liveKey(task.Relayer, task.Token))

	for !task.State.Terminal() {
		if ctx.Err() != nil {
			// Saved state picks the task back up via Resume.
			return
		}

		err := r.step(ctx, task)
		if err == nil {
			r.persist(ctx, task)
			continue
		}

		task.Attempts++
		r.log.WithError(err).WithFields(logrus.Fields{
			"task":    task.ID,
			"state":   task.State.String(),
			"attempt": task.Attempts,
		}).Warn("rebalance step failed")

		if task.Attempts >= r.cfg.RetryBudget {
			r.fail(ctx, task, err)
			return
		}
		r.persist(ctx, task)

		if !r.sleep(ctx, r.backoff(task.Attempts)) {
			return
		}
	}

	if task.State == StateDone {
		r.finish(ctx, task)
	}
}

func (r *Rebalancer) step(ctx context.Context, task *Task) error {
	switch task.State {
	case StatePending:
		task.State = StateSwapping
		return nil
	case StateSwapping:
		if err := r.ensureTankFunds(ctx, task); err != nil {
			return err
		}
		task.State = StateFunding
		return nil
	case StateFunding:
		return r.fund(ctx, task)
	case StateVerifying:
		return r.verify(ctx, task)
	default:
		return fmt.Errorf("task %s in unexpected state %s", task.ID, task.State)
	}
}

// ensureTankFunds tops the gas tank's holding of the task token up to the
// task amount, swapping out of the reserve token when short. Native holdings
// below the configured gas reserve are never spent.
func (r *Rebalancer) ensureTankFunds(ctx context.Context, task *Task) error {
	available, err := r.tankAvailable(ctx, task.Token)
	if err != nil {
		return err
	}
	if available.Cmp(task.Amount) >= 0 {
		return nil
	}
	if r.swapper == nil || task.Token == r.cfg.ReserveToken {
		return fmt.Errorf("%w: have %s of %s, need %s", ErrInsufficientBalance,
			available.Dec(), task.Token.Hex(), task.Amount.Dec())
	}

	shortfall := new(uint256.Int).Sub(task.Amount, available)
	route, err := r.swapper.Quote(ctx, r.cfg.ReserveToken, task.Token, shortfall)
	if err != nil {
		return fmt.Errorf("quoting %s for task %s: %w", task.Token.Hex(), task.ID, err)
	}

	reserveBal, err := r.tankAvailable(ctx, r.cfg.ReserveToken)
	if err != nil {
		return err
	}
	if reserveBal.Cmp(route.SellAmount) < 0 {
		return fmt.Errorf("%w: reserve holds %s, swap needs %s", ErrInsufficientBalance,
			reserveBal.Dec(), route.SellAmount.Dec())
	}

	received, err := r.swapper.ExecuteSwap(ctx, route)
	if err != nil {
		return fmt.Errorf("swap for task %s: %w", task.ID, err)
	}
	r.log.WithFields(logrus.Fields{
		"task":     task.ID,
		"sold":     route.SellAmount.Dec(),
		"received": received.Dec(),
	}).Info("reserve swapped for refill")
	return nil
}

// tankAvailable is the gas tank's spendable balance of token, after holding
// back the native reserve it needs for its own fees.
func (r *Rebalancer) tankAvailable(ctx context.Context, token common.Address) (*uint256.Int, error) {
	balance, err := r.chain.GetBalance(ctx, r.funderAccount, token)
	if err != nil {
		return nil, fmt.Errorf("gas tank balance of %s: %w", token.Hex(), err)
	}
	if token == chain.NativeToken && r.cfg.GasReserve != nil {
		if balance.Cmp(r.cfg.GasReserve) <= 0 {
			return uint256.NewInt(0), nil
		}
		return new(uint256.Int).Sub(balance, r.cfg.GasReserve), nil
	}
	return balance, nil
}

// fund transfers the top-up to the relayer. Before transferring it re-reads
// the relayer's balance: if an earlier ambiguous attempt actually landed, the
// deficit is gone and no second transfer goes out.
func (r *Rebalancer) fund(ctx context.Context, task *Task) error {
	balance, err := r.chain.GetBalance(ctx, task.Relayer, task.Token)
	if err != nil {
		return fmt.Errorf("relayer balance before funding: %w", err)
	}
	if threshold, ok := r.thresholds[task.Token]; ok && balance.Cmp(threshold) >= 0 {
		r.log.WithField("task", task.ID).Info("deficit already covered, skipping transfer")
		task.State = StateDone
		return nil
	}

	hash, err := r.funder.Transfer(ctx, task.Relayer, task.Token, task.Amount)
	if err != nil {
		return fmt.Errorf("funding transfer for task %s: %w", task.ID, err)
	}

	task.FundingTx = hash
	task.State = StateVerifying
	r.log.WithFields(logrus.Fields{
		"task": task.ID,
		"tx":   hash.Hex(),
	}).Info("funding transfer broadcast")
	return nil
}

// verify waits for the funding transfer to land and confirms the relayer's
// balance actually recovered.
func (r *Rebalancer) verify(ctx context.Context, task *Task) error {
	ticker := time.NewTicker(r.verifyInterval)
	defer ticker.Stop()

	for {
		status, err := r.chain.PollStatus(ctx, task.FundingTx)
		if err != nil && !chain.IsRetryable(err) {
			return fmt.Errorf("status of funding tx %s: %w", task.FundingTx.Hex(), err)
		}
		if err == nil {
			switch status {
			case chain.StatusConfirmed:
				balance, err := r.chain.GetBalance(ctx, task.Relayer, task.Token)
				if err != nil {
					return fmt.Errorf("relayer balance after funding: %w", err)
				}
				if threshold, ok := r.thresholds[task.Token]; ok && balance.Cmp(threshold) < 0 {
					return fmt.Errorf("funding tx %s confirmed but balance %s still below threshold",
						task.FundingTx.Hex(), balance.Dec())
				}
				r.registry.RecordBalance(task.Relayer, task.Token, balance)
				task.State = StateDone
				return nil
			case chain.StatusReverted:
				// Back to funding; the pre-transfer balance check keeps the
				// retry idempotent.
				task.FundingTx = common.Hash{}
				task.State = StateFunding
				return fmt.Errorf("funding tx reverted")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Rebalancer) finish(ctx context.Context, task *Task) {
	r.events.TaskSucceeded(task.Relayer, task.Token)
	if err := r.store.Remove(ctx, task.ID); err != nil {
		r.log.WithError(err).WithField("task", task.ID).Warn("removing finished task failed")
	}
	r.log.WithFields(logrus.Fields{
		"task":    task.ID,
		"relayer": task.Relayer.Hex(),
		"token":   task.Token.Hex(),
	}).Info("rebalance task done")
}

// fail marks the task Failed and takes the relayer out of rotation. An
// operator re-enables it once the underlying cause is fixed.
func (r *Rebalancer) fail(ctx context.Context, task *Task, cause error) {
	task.State = StateFailed
	r.persist(ctx, task)
	r.events.TaskFailed(task.Relayer, task.Token)

	if err := r.registry.SetStatus(task.Relayer, registry.StatusDisabled); err != nil {
		r.log.WithError(err).WithField("relayer", task.Relayer.Hex()).Warn("disable transition failed")
	} else {
		r.events.RelayerDisabled(task.Relayer, "rebalance-failed")
	}

	r.log.WithError(cause).WithFields(logrus.Fields{
		"task":    task.ID,
		"relayer": task.Relayer.Hex(),
		"token":   task.Token.Hex(),
	}).Error("rebalance retry budget exhausted, relayer disabled")
}

func (r *Rebalancer) persist(ctx context.Context, task *Task) {
	task.UpdatedAt = time.Now().UTC()
	if err := r.store.Save(ctx, task); err != nil {
		r.log.WithError(err).WithField("task", task.ID).Error("persisting task failed")
	}
}

func (r *Rebalancer) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffMin << uint(attempt-1)
	if d > r.cfg.BackoffMax || d <= 0 {
		return r.cfg.BackoffMax
	}
	return d
}

func (r *Rebalancer) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
