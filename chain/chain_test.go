package chain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestRetryableClassification(t *testing.T) {
	base := errors.New("connection refused")

	require.False(t, IsRetryable(base))
	require.True(t, IsRetryable(Retryable(base)))
	require.Nil(t, Retryable(nil))

	t.Run("survives wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("submitting: %w", Retryable(base))
		require.True(t, IsRetryable(wrapped))
		require.ErrorIs(t, wrapped, base)
	})
}

func TestClassifySendError(t *testing.T) {
	from := common.HexToAddress("0x01")

	t.Run("deterministic rejections are fatal", func(t *testing.T) {
		for _, msg := range []string{
			"execution reverted",
			"insufficient funds for gas * price + value",
			"intrinsic gas too low",
		} {
			err := classifySendError(from, errors.New(msg))
			require.False(t, IsRetryable(err), msg)
		}
	})

	t.Run("everything else is retryable", func(t *testing.T) {
		for _, msg := range []string{
			"nonce too low",
			"replacement transaction underpriced",
			"i/o timeout",
		} {
			err := classifySendError(from, errors.New(msg))
			require.True(t, IsRetryable(err), msg)
		}
	})
}

func TestTxStatusString(t *testing.T) {
	require.Equal(t, "pending", StatusPending.String())
	require.Equal(t, "confirmed", StatusConfirmed.String())
	require.Equal(t, "reverted", StatusReverted.String())
}
