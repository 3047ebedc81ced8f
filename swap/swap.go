// Package swap abstracts the venue that converts accumulated fee tokens into
// the gas token during rebalancing. The engine only needs quotes and
// execution; routing and venue choice live behind the interface.
package swap

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrSwapFailed is returned when a quote cannot be obtained or an executed
// swap does not complete. Swap failures are always retryable from the
// rebalancer's point of view.
var ErrSwapFailed = errors.New("swap failed")

// Route is a priced path from one token to another, valid for a short window.
type Route struct {
	SellToken common.Address
	BuyToken  common.Address

	// SellAmount is what the route consumes; BuyAmount is the quoted output
	// before slippage.
	SellAmount *uint256.Int
	BuyAmount  *uint256.Int

	// MinBuyAmount is the execution floor after the venue's slippage
	// tolerance is applied.
	MinBuyAmount *uint256.Int

	// CallData is venue-specific and opaque to the engine.
	CallData []byte
}

// Swapper quotes and executes conversions out of the gas tank's holdings.
type Swapper interface {
	// Quote prices selling sellAmount of sellToken for buyToken.
	Quote(ctx context.Context, sellToken, buyToken common.Address, sellAmount *uint256.Int) (*Route, error)

	// ExecuteSwap performs the quoted route and returns the amount actually
	// received.
	ExecuteSwap(ctx context.Context, route *Route) (*uint256.Int, error)
}
