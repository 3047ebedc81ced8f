package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrConfigInvalid is returned for any startup configuration problem. The
// process must not start when it is raised.
var ErrConfigInvalid = fmt.Errorf("invalid configuration")

// RelayerEntry describes one pre-funded relayer account. KeyRef is an opaque
// reference to the key material (typically the name of an environment
// variable holding the hex private key) and is never interpreted by the
// coordination core.
type RelayerEntry struct {
	Address   common.Address   `json:"address"`
	KeyRef    string           `json:"keyRef"`
	GasTokens []common.Address `json:"gasTokens"`
}

// RebalanceConfig controls the swap + refill pipeline.
type RebalanceConfig struct {
	RetryBudget  int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	ReserveToken common.Address // accumulated token swapped into the native gas token
	GasReserve   *uint256.Int   // native amount the gas tank always keeps for its own fees
}

// Config is the full startup configuration for the relayer engine.
type Config struct {
	Relayers []RelayerEntry

	// FundingThresholds maps a gas token to the balance below which a relayer
	// is considered underfunded.
	FundingThresholds map[common.Address]*uint256.Int

	LeaseTTL         time.Duration
	AcquireTimeout   time.Duration
	MonitorInterval  time.Duration
	MaxAttempts      int // execution retries across distinct relayers
	DisableThreshold int // consecutive execution failures before a relayer is disabled

	// MaxExecutionDuration is the worst-case duration of a single chain
	// submission, used to validate the lease TTL.
	MaxExecutionDuration time.Duration
	JitterMargin         time.Duration

	Rebalance RebalanceConfig
}

// poolFile is the on-disk shape of the pool description: the relayer list,
// the per-token funding thresholds and the gas tank's reserve settings.
// Amounts are decimal strings in the token's base unit.
type poolFile struct {
	Relayers          []RelayerEntry    `json:"relayers"`
	FundingThresholds map[string]string `json:"fundingThresholds"`
	ReserveToken      string            `json:"reserveToken"`
	GasReserve        string            `json:"gasReserve"`
}

// LoadPool reads the pool description from a JSON file and fills the
// file-sourced parts of the config. Durations and budgets come from flags.
func (c *Config) LoadPool(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading pool file: %v", ErrConfigInvalid, err)
	}

	f := new(poolFile)
	if err := json.Unmarshal(data, f); err != nil {
		return fmt.Errorf("%w: parsing pool file %s: %v", ErrConfigInvalid, path, err)
	}

	c.Relayers = f.Relayers
	c.FundingThresholds = make(map[common.Address]*uint256.Int, len(f.FundingThresholds))
	for token, raw := range f.FundingThresholds {
		if !common.IsHexAddress(token) && token != "native" {
			return fmt.Errorf("%w: invalid threshold token %q", ErrConfigInvalid, token)
		}
		amount, err := uint256.FromDecimal(raw)
		if err != nil {
			return fmt.Errorf("%w: threshold for %s: %v", ErrConfigInvalid, token, err)
		}
		addr := common.Address{}
		if token != "native" {
			addr = common.HexToAddress(token)
		}
		c.FundingThresholds[addr] = amount
	}

	if f.ReserveToken != "" {
		if !common.IsHexAddress(f.ReserveToken) {
			return fmt.Errorf("%w: invalid reserve token %q", ErrConfigInvalid, f.ReserveToken)
		}
		c.Rebalance.ReserveToken = common.HexToAddress(f.ReserveToken)
	}
	if f.GasReserve != "" {
		reserve, err := uint256.FromDecimal(f.GasReserve)
		if err != nil {
			return fmt.Errorf("%w: gas reserve: %v", ErrConfigInvalid, err)
		}
		c.Rebalance.GasReserve = reserve
	}
	return nil
}

// Validate checks the configuration and returns an ErrConfigInvalid-wrapped
// error on the first problem found.
func (c *Config) Validate() error {
	if len(c.Relayers) == 0 {
		return fmt.Errorf("%w: no relayers configured", ErrConfigInvalid)
	}

	seen := make(map[common.Address]struct{}, len(c.Relayers))
	for i, r := range c.Relayers {
		if r.Address == (common.Address{}) {
			return fmt.Errorf("%w: relayer #%d has no address", ErrConfigInvalid, i)
		}
		if _, ok := seen[r.Address]; ok {
			return fmt.Errorf("%w: duplicate relayer %s", ErrConfigInvalid, r.Address.Hex())
		}
		seen[r.Address] = struct{}{}

		if r.KeyRef == "" {
			return fmt.Errorf("%w: relayer %s has no key reference", ErrConfigInvalid, r.Address.Hex())
		}
		if len(r.GasTokens) == 0 {
			return fmt.Errorf("%w: relayer %s supports no gas token", ErrConfigInvalid, r.Address.Hex())
		}
		for _, token := range r.GasTokens {
			if _, ok := c.FundingThresholds[token]; !ok {
				return fmt.Errorf("%w: no funding threshold for token %s", ErrConfigInvalid, token.Hex())
			}
		}
	}

	for token, threshold := range c.FundingThresholds {
		if threshold == nil || threshold.IsZero() {
			return fmt.Errorf("%w: funding threshold for token %s must be positive", ErrConfigInvalid, token.Hex())
		}
	}

	if c.LeaseTTL <= 0 {
		return fmt.Errorf("%w: lease TTL must be positive", ErrConfigInvalid)
	}
	// Invariant: the TTL has to outlive the slowest expected execution.
	if c.LeaseTTL <= c.MaxExecutionDuration+c.JitterMargin {
		return fmt.Errorf("%w: lease TTL %s must exceed max execution duration %s plus jitter margin %s",
			ErrConfigInvalid, c.LeaseTTL, c.MaxExecutionDuration, c.JitterMargin)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("%w: acquire timeout must be positive", ErrConfigInvalid)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("%w: monitor interval must be positive", ErrConfigInvalid)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrConfigInvalid)
	}
	if c.DisableThreshold < 1 {
		return fmt.Errorf("%w: disable threshold must be at least 1", ErrConfigInvalid)
	}

	if c.Rebalance.RetryBudget < 1 {
		return fmt.Errorf("%w: rebalance retry budget must be at least 1", ErrConfigInvalid)
	}
	if c.Rebalance.BackoffMin <= 0 || c.Rebalance.BackoffMax < c.Rebalance.BackoffMin {
		return fmt.Errorf("%w: rebalance backoff bounds are inconsistent", ErrConfigInvalid)
	}

	return nil
}
