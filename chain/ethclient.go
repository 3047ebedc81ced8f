package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// balanceOf(address) selector.
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// transfer(address,uint256) selector.
var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

const erc20TransferGasLimit = 90_000

// SignerFunc signs a transaction for the given account. The key material
// stays behind this closure; the chain client never sees it.
type SignerFunc func(account common.Address, tx *types.Transaction) (*types.Transaction, error)

// EthClientOpts configures an EthClient.
type EthClientOpts struct {
	Log    *logrus.Entry
	RPC    *ethclient.Client
	Signer SignerFunc
}

// EthClient submits transactions and reads balances through a JSON-RPC
// endpoint. One instance serves every relayer account; nonce safety across
// processes comes from the lease layer, so a simple per-account pending-nonce
// query suffices here.
type EthClient struct {
	log    *logrus.Entry
	rpc    *ethclient.Client
	signer SignerFunc

	// nonceMu serializes submissions per account within this process.
	nonceMu sync.Mutex
}

// NewEthClient creates the production chain client. The signer is bound to
// the target chain already; the client itself is chain-agnostic.
func NewEthClient(opts EthClientOpts) (*EthClient, error) {
	if opts.RPC == nil {
		return nil, errors.New("no RPC client")
	}
	if opts.Signer == nil {
		return nil, errors.New("no signer")
	}
	return &EthClient{
		log:    opts.Log.WithField("module", "chain"),
		rpc:    opts.RPC,
		signer: opts.Signer,
	}, nil
}

func (c *EthClient) Submit(ctx context.Context, relayer common.Address, req *Request) (common.Hash, error) {
	hash, err := c.send(ctx, relayer, req.To, nil, req.Data, req.GasLimit)
	if err != nil {
		return common.Hash{}, err
	}

	c.log.WithFields(logrus.Fields{
		"relayer": relayer.Hex(),
		"tx":      hash.Hex(),
	}).Debug("transaction submitted")
	return hash, nil
}

func (c *EthClient) GetBalance(ctx context.Context, account, token common.Address) (*uint256.Int, error) {
	if token == NativeToken {
		bal, err := c.rpc.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, Retryable(fmt.Errorf("native balance of %s: %w", account.Hex(), err))
		}
		out, overflow := uint256.FromBig(bal)
		if overflow {
			return nil, fmt.Errorf("native balance of %s overflows uint256", account.Hex())
		}
		return out, nil
	}

	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(account.Bytes(), 32)...)

	raw, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, Retryable(fmt.Errorf("balanceOf %s on %s: %w", account.Hex(), token.Hex(), err))
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("balanceOf %s on %s: short return (%d bytes)", account.Hex(), token.Hex(), len(raw))
	}
	return new(uint256.Int).SetBytes(raw[:32]), nil
}

func (c *EthClient) PollStatus(ctx context.Context, tx common.Hash) (TxStatus, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, tx)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return StatusPending, nil
		}
		return StatusPending, Retryable(fmt.Errorf("receipt for %s: %w", tx.Hex(), err))
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return StatusConfirmed, nil
	}
	return StatusReverted, nil
}

func (c *EthClient) send(ctx context.Context, from, to common.Address, value *big.Int, data []byte, gasLimit uint64) (common.Hash, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, Retryable(fmt.Errorf("pending nonce for %s: %w", from.Hex(), err))
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, Retryable(fmt.Errorf("gas price: %w", err))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.signer(from, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing from %s: %w", from.Hex(), err)
	}

	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, classifySendError(from, err)
	}
	return signed.Hash(), nil
}

// classifySendError separates transient broadcast failures, which the caller
// may retry on another relayer, from deterministic rejections.
func classifySendError(from common.Address, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "intrinsic gas too low"):
		return fmt.Errorf("send from %s: %w", from.Hex(), err)
	default:
		// Nonce races, replacement pricing and RPC transport errors clear up
		// on a fresh attempt.
		return Retryable(fmt.Errorf("send from %s: %w", from.Hex(), err))
	}
}

// GasTankOpts configures a GasTank.
type GasTankOpts struct {
	Log     *logrus.Entry
	RPC     *ethclient.Client
	Signer  SignerFunc
	Account common.Address
}

// GasTank is the dedicated funder account the rebalancer draws from. It is
// never part of the leased pool, so its nonce sequence is private to this
// component.
type GasTank struct {
	client  *EthClient
	account common.Address
}

// NewGasTank creates a funder bound to one privileged account.
func NewGasTank(opts GasTankOpts) (*GasTank, error) {
	if opts.Account == (common.Address{}) {
		return nil, errors.New("no gas tank account")
	}
	client, err := NewEthClient(EthClientOpts{
		Log:    opts.Log,
		RPC:    opts.RPC,
		Signer: opts.Signer,
	})
	if err != nil {
		return nil, err
	}
	return &GasTank{client: client, account: opts.Account}, nil
}

// Account returns the gas tank address.
func (t *GasTank) Account() common.Address {
	return t.account
}

// Transfer sends amount of token from the gas tank to the recipient. Native
// transfers carry the value directly; ERC-20 transfers go through the token
// contract.
func (t *GasTank) Transfer(ctx context.Context, to, token common.Address, amount *uint256.Int) (common.Hash, error) {
	if token == NativeToken {
		return t.client.send(ctx, t.account, to, amount.ToBig(), nil, 21_000)
	}

	data := make([]byte, 0, 68)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return t.client.send(ctx, t.account, token, nil, data, erc20TransferGasLimit)
}
