package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gaslane/gaslane/chain"
	"github.com/gaslane/gaslane/config"
	"github.com/gaslane/gaslane/monitor"
	"github.com/gaslane/gaslane/registry"
	"github.com/gaslane/gaslane/swap"
)

var testLog = logrus.NewEntry(logrus.New())

var (
	relayerA = common.HexToAddress("0x0000000000000000000000000000000000000001")
	gasTank  = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	token    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	reserve  = common.HexToAddress("0x00000000000000000000000000000000000000c2")
)

type fakeChain struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*uint256.Int
	statuses map[common.Hash]chain.TxStatus
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances: make(map[common.Address]map[common.Address]*uint256.Int),
		statuses: make(map[common.Hash]chain.TxStatus),
	}
}

func (f *fakeChain) setBalance(account, tok common.Address, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[account] == nil {
		f.balances[account] = make(map[common.Address]*uint256.Int)
	}
	f.balances[account][tok] = uint256.NewInt(amount)
}

func (f *fakeChain) credit(account, tok common.Address, amount *uint256.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[account] == nil {
		f.balances[account] = make(map[common.Address]*uint256.Int)
	}
	current := f.balances[account][tok]
	if current == nil {
		current = uint256.NewInt(0)
	}
	f.balances[account][tok] = new(uint256.Int).Add(current, amount)
}

func (f *fakeChain) Submit(ctx context.Context, relayer common.Address, req *chain.Request) (common.Hash, error) {
	return common.Hash{}, errors.New("not implemented")
}

func (f *fakeChain) GetBalance(ctx context.Context, account, tok common.Address) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bal, ok := f.balances[account][tok]; ok {
		return bal.Clone(), nil
	}
	return uint256.NewInt(0), nil
}

func (f *fakeChain) PollStatus(ctx context.Context, tx common.Hash) (chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[tx]; ok {
		return status, nil
	}
	return chain.StatusConfirmed, nil
}

type fakeFunder struct {
	chain *fakeChain

	mu        sync.Mutex
	transfers int
	err       error
}

func (f *fakeFunder) Transfer(ctx context.Context, to, tok common.Address, amount *uint256.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.transfers++
	f.chain.credit(to, tok, amount)
	return common.HexToHash(fmt.Sprintf("0x%064x", f.transfers)), nil
}

func (f *fakeFunder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers
}

type fakeSwapper struct {
	chain *fakeChain

	mu    sync.Mutex
	swaps int
}

func (s *fakeSwapper) Quote(ctx context.Context, sellToken, buyToken common.Address, sellAmount *uint256.Int) (*swap.Route, error) {
	return &swap.Route{
		SellToken:    sellToken,
		BuyToken:     buyToken,
		SellAmount:   sellAmount.Clone(),
		BuyAmount:    sellAmount.Clone(),
		MinBuyAmount: sellAmount.Clone(),
	}, nil
}

func (s *fakeSwapper) ExecuteSwap(ctx context.Context, route *swap.Route) (*uint256.Int, error) {
	s.mu.Lock()
	s.swaps++
	s.mu.Unlock()
	s.chain.credit(gasTank, route.BuyToken, route.BuyAmount)
	return route.BuyAmount.Clone(), nil
}

type harness struct {
	chain   *fakeChain
	funder  *fakeFunder
	swapper *fakeSwapper
	store   TaskStore
	pool    *registry.Registry
	r       *Rebalancer
}

func newTestRebalancer(t *testing.T, store TaskStore) *harness {
	t.Helper()

	fc := newFakeChain()
	funder := &fakeFunder{chain: fc}
	swapper := &fakeSwapper{chain: fc}

	pool, err := registry.NewRegistry(registry.RegistryOpts{
		Log: testLog,
		Relayers: []config.RelayerEntry{
			{Address: relayerA, KeyRef: "KEY_A", GasTokens: []common.Address{token}},
		},
		DisableThreshold: 3,
	})
	require.NoError(t, err)

	r, err := New(Opts{
		Log:           testLog,
		Registry:      pool,
		Chain:         fc,
		Funder:        funder,
		Swapper:       swapper,
		Store:         store,
		FunderAccount: gasTank,
		Thresholds: map[common.Address]*uint256.Int{
			token: uint256.NewInt(100),
		},
		Config: config.RebalanceConfig{
			RetryBudget:  3,
			BackoffMin:   time.Millisecond,
			BackoffMax:   5 * time.Millisecond,
			ReserveToken: reserve,
		},
		VerifyInterval: time.Millisecond,
	})
	require.NoError(t, err)

	return &harness{chain: fc, funder: funder, swapper: swapper, store: store, pool: pool, r: r}
}

func deficit(balance uint64) monitor.Deficit {
	return monitor.Deficit{
		Relayer:   relayerA,
		Token:     token,
		Balance:   uint256.NewInt(balance),
		Threshold: uint256.NewInt(100),
	}
}

func (h *harness) takeTask(t *testing.T) *Task {
	t.Helper()
	select {
	case task := <-h.r.queue:
		return task
	default:
		t.Fatal("no task queued")
		return nil
	}
}

func TestTaskLifecycleToDone(t *testing.T) {
	ctx := context.Background()
	h := newTestRebalancer(t, NewMemoryStore())
	h.chain.setBalance(relayerA, token, 10)
	h.chain.setBalance(gasTank, token, 1000)

	h.r.SignalDeficit(ctx, deficit(10))
	task := h.takeTask(t)
	require.Equal(t, StatePending, task.State)
	require.Equal(t, uint256.NewInt(190), task.Amount, "top-up aims at twice the threshold")

	h.r.process(ctx, task)
	require.Equal(t, StateDone, task.State)
	require.Equal(t, 1, h.funder.count())

	balance, err := h.chain.GetBalance(ctx, relayerA, token)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(200), balance)

	t.Run("finished task leaves the store", func(t *testing.T) {
		tasks, err := h.store.Load(ctx)
		require.NoError(t, err)
		require.Empty(t, tasks)
	})

	t.Run("pair can be signaled again after completion", func(t *testing.T) {
		h.r.SignalDeficit(ctx, deficit(10))
		require.NotNil(t, h.takeTask(t))
	})
}

func TestDeficitSignalsAreDeduplicated(t *testing.T) {
	ctx := context.Background()
	h := newTestRebalancer(t, NewMemoryStore())

	h.r.SignalDeficit(ctx, deficit(10))
	h.r.SignalDeficit(ctx, deficit(10))
	h.r.SignalDeficit(ctx, deficit(15))

	tasks, err := h.store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestSwapCoversGasTankShortfall(t *testing.T) {
	ctx := context.Background()
	h := newTestRebalancer(t, NewMemoryStore())
	h.chain.setBalance(relayerA, token, 10)
	h.chain.setBalance(gasTank, reserve, 10_000)
	// gas tank holds none of the gas token

	h.r.SignalDeficit(ctx, deficit(10))
	task := h.takeTask(t)
	h.r.process(ctx, task)

	require.Equal(t, StateDone, task.State)
	require.Equal(t, 1, h.swapper.swaps)
	require.Equal(t, 1, h.funder.count())
}

// A restart must pick a persisted task back up, and the pre-transfer balance
// check must keep an already-landed transfer from being repeated.
func TestResumeDoesNotDoubleFund(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	h := newTestRebalancer(t, store)
	h.chain.setBalance(gasTank, token, 1000)
	// the previous run's transfer landed before the crash
	h.chain.setBalance(relayerA, token, 200)

	interrupted := &Task{
		ID:        "task-1",
		Relayer:   relayerA,
		Token:     token,
		Amount:    uint256.NewInt(190),
		Target:    uint256.NewInt(200),
		State:     StateFunding,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, interrupted))

	require.NoError(t, h.r.Resume(ctx))
	task := h.takeTask(t)
	require.Equal(t, "task-1", task.ID)
	require.Equal(t, StateFunding, task.State)

	h.r.process(ctx, task)
	require.Equal(t, StateDone, task.State)
	require.Zero(t, h.funder.count(), "covered deficit must not be funded again")
}

func TestResumeCleansUpTerminalTasks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, &Task{ID: "old", Relayer: relayerA, Token: token, State: StateDone}))

	h := newTestRebalancer(t, store)
	require.NoError(t, h.r.Resume(ctx))

	tasks, err := store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestRetryBudgetExhaustionDisablesRelayer(t *testing.T) {
	ctx := context.Background()
	h := newTestRebalancer(t, NewMemoryStore())
	h.chain.setBalance(relayerA, token, 10)
	h.chain.setBalance(gasTank, token, 1000)
	h.funder.err = errors.New("funder key unavailable")

	h.r.SignalDeficit(ctx, deficit(10))
	task := h.takeTask(t)
	h.r.process(ctx, task)

	require.Equal(t, StateFailed, task.State)

	info, ok := h.pool.Info(relayerA)
	require.True(t, ok)
	require.Equal(t, registry.StatusDisabled, info.Status)

	t.Run("failed task stays persisted for inspection", func(t *testing.T) {
		tasks, err := h.store.Load(ctx)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		require.Equal(t, StateFailed, tasks[0].State)
	})
}

func TestGasReserveIsNeverSpent(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain()
	funder := &fakeFunder{chain: fc}

	pool, err := registry.NewRegistry(registry.RegistryOpts{
		Log: testLog,
		Relayers: []config.RelayerEntry{
			{Address: relayerA, KeyRef: "KEY_A", GasTokens: []common.Address{chain.NativeToken}},
		},
		DisableThreshold: 3,
	})
	require.NoError(t, err)

	r, err := New(Opts{
		Log:           testLog,
		Registry:      pool,
		Chain:         fc,
		Funder:        funder,
		Store:         NewMemoryStore(),
		FunderAccount: gasTank,
		Thresholds: map[common.Address]*uint256.Int{
			chain.NativeToken: uint256.NewInt(100),
		},
		Config: config.RebalanceConfig{
			RetryBudget: 2,
			BackoffMin:  time.Millisecond,
			BackoffMax:  2 * time.Millisecond,
			GasReserve:  uint256.NewInt(500),
		},
		VerifyInterval: time.Millisecond,
	})
	require.NoError(t, err)

	// the tank holds only its own reserve, nothing spendable
	fc.setBalance(gasTank, chain.NativeToken, 500)
	fc.setBalance(relayerA, chain.NativeToken, 10)

	r.SignalDeficit(ctx, monitor.Deficit{
		Relayer:   relayerA,
		Token:     chain.NativeToken,
		Balance:   uint256.NewInt(10),
		Threshold: uint256.NewInt(100),
	})
	task := <-r.queue
	r.process(ctx, task)

	require.Equal(t, StateFailed, task.State)
	require.Zero(t, funder.count())
}
