package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	addrA = common.HexToAddress("0x0000000000000000000000000000000000000001")
	token = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func validConfig() *Config {
	return &Config{
		Relayers: []RelayerEntry{
			{Address: addrA, KeyRef: "KEY_A", GasTokens: []common.Address{token}},
		},
		FundingThresholds: map[common.Address]*uint256.Int{
			token: uint256.NewInt(100),
		},
		LeaseTTL:             30 * time.Second,
		AcquireTimeout:       5 * time.Second,
		MonitorInterval:      30 * time.Second,
		MaxAttempts:          3,
		DisableThreshold:     3,
		MaxExecutionDuration: 20 * time.Second,
		JitterMargin:         2 * time.Second,
		Rebalance: RebalanceConfig{
			RetryBudget: 5,
			BackoffMin:  time.Second,
			BackoffMax:  time.Minute,
		},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	t.Run("no relayers", func(t *testing.T) {
		cfg := validConfig()
		cfg.Relayers = nil
		require.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
	})

	t.Run("duplicate relayer", func(t *testing.T) {
		cfg := validConfig()
		cfg.Relayers = append(cfg.Relayers, cfg.Relayers[0])
		require.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
	})

	t.Run("missing key reference", func(t *testing.T) {
		cfg := validConfig()
		cfg.Relayers[0].KeyRef = ""
		require.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
	})

	t.Run("gas token without threshold", func(t *testing.T) {
		cfg := validConfig()
		cfg.Relayers[0].GasTokens = append(cfg.Relayers[0].GasTokens,
			common.HexToAddress("0x00000000000000000000000000000000000000c2"))
		require.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
	})

	t.Run("zero threshold", func(t *testing.T) {
		cfg := validConfig()
		cfg.FundingThresholds[token] = uint256.NewInt(0)
		require.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
	})

	t.Run("lease ttl must outlive executions", func(t *testing.T) {
		cfg := validConfig()
		cfg.LeaseTTL = cfg.MaxExecutionDuration
		require.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
	})

	t.Run("inconsistent backoff bounds", func(t *testing.T) {
		cfg := validConfig()
		cfg.Rebalance.BackoffMax = cfg.Rebalance.BackoffMin / 2
		require.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
	})
}

func TestLoadPool(t *testing.T) {
	writeFile := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "pool.json")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	t.Run("full pool file", func(t *testing.T) {
		path := writeFile(t, `{
			"relayers": [
				{"address": "0x0000000000000000000000000000000000000001", "keyRef": "KEY_A", "gasTokens": ["0x00000000000000000000000000000000000000c1"]}
			],
			"fundingThresholds": {
				"0x00000000000000000000000000000000000000c1": "100",
				"native": "2000000000000000000"
			},
			"reserveToken": "0x00000000000000000000000000000000000000c1",
			"gasReserve": "1000000000000000000"
		}`)

		cfg := new(Config)
		require.NoError(t, cfg.LoadPool(path))

		require.Len(t, cfg.Relayers, 1)
		require.Equal(t, addrA, cfg.Relayers[0].Address)
		require.Equal(t, uint256.NewInt(100), cfg.FundingThresholds[token])
		require.Equal(t, uint256.MustFromDecimal("2000000000000000000"), cfg.FundingThresholds[common.Address{}])
		require.Equal(t, token, cfg.Rebalance.ReserveToken)
		require.Equal(t, uint256.MustFromDecimal("1000000000000000000"), cfg.Rebalance.GasReserve)
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := new(Config)
		require.ErrorIs(t, cfg.LoadPool("does-not-exist.json"), ErrConfigInvalid)
	})

	t.Run("bad threshold amount", func(t *testing.T) {
		path := writeFile(t, `{
			"relayers": [],
			"fundingThresholds": {"0x00000000000000000000000000000000000000c1": "not-a-number"}
		}`)
		cfg := new(Config)
		require.ErrorIs(t, cfg.LoadPool(path), ErrConfigInvalid)
	})

	t.Run("bad threshold token", func(t *testing.T) {
		path := writeFile(t, `{
			"relayers": [],
			"fundingThresholds": {"usdc": "100"}
		}`)
		cfg := new(Config)
		require.ErrorIs(t, cfg.LoadPool(path), ErrConfigInvalid)
	})
}
