package tools

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/chain"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
)

var feeTiers = []uint32{100, 500, 3000, 10000}

// SwapRouter02 resolves this recipient to the router itself, which lets a
// multicall hold WETH until unwrapWETH9 pays out native ETH.
var routerSelf = common.HexToAddress("0x0000000000000000000000000000000000000002")

type quoteExactInputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	AmountIn          *big.Int       `abi:"amountIn"`
	Fee               *big.Int       `abi:"fee"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

type exactInputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	Fee               *big.Int       `abi:"fee"`
	Recipient         common.Address `abi:"recipient"`
	AmountIn          *big.Int       `abi:"amountIn"`
	AmountOutMinimum  *big.Int       `abi:"amountOutMinimum"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

// swapTool is a single-pool Uniswap V3 swap between native ETH and USDC.
type swapTool struct {
	router      common.Address
	quoter      common.Address
	weth        common.Address
	slippageBps int64
	eth         id.Asset
	usdc        id.Asset
	toUSDC      bool
}

func (t *swapTool) Name() string {
	if t.toUSDC {
		return SwapETHToUSDC
	}
	return SwapUSDCToETH
}

func (t *swapTool) Description() string {
	if t.toUSDC {
		return "Swap ETH to USDC through the Uniswap V3 router"
	}
	return "Swap USDC to ETH through the Uniswap V3 router"
}

func (t *swapTool) Capability() Capability {
	if t.toUSDC {
		return Capability{Effect: EffectConvert, Spends: t.eth.Symbol, Receives: t.usdc.Symbol}
	}
	return Capability{Effect: EffectConvert, Spends: t.usdc.Symbol, Receives: t.eth.Symbol}
}

func (t *swapTool) pair() (in, out id.Asset, tokenIn, tokenOut common.Address) {
	usdc := common.HexToAddress(t.usdc.Address)
	if t.toUSDC {
		return t.eth, t.usdc, t.weth, usdc
	}
	return t.usdc, t.eth, usdc, t.weth
}

func (t *swapTool) Invoke(ctx context.Context, gw chain.Gateway, req Request) (Result, error) {
	if err := requireAmount(req); err != nil {
		return Result{}, err
	}
	slippage, err := slippageParam(req.Params, t.slippageBps)
	if err != nil {
		return Result{}, err
	}
	in, out, tokenIn, tokenOut := t.pair()

	quoted, fee, err := t.quoteBestFee(ctx, gw, tokenIn, tokenOut, req.Amount)
	if err != nil {
		return Result{}, err
	}
	minOut := new(big.Int).Mul(quoted, big.NewInt(10_000-slippage))
	minOut.Div(minOut, big.NewInt(10_000))

	var refs []string
	var tx chain.Tx
	if t.toUSDC {
		data, err := routerABI.Pack("exactInputSingle", exactInputSingleParams{
			TokenIn:           tokenIn,
			TokenOut:          tokenOut,
			Fee:               big.NewInt(int64(fee)),
			Recipient:         gw.Address(),
			AmountIn:          req.Amount,
			AmountOutMinimum:  minOut,
			SqrtPriceLimitX96: big.NewInt(0),
		})
		if err != nil {
			return Result{}, clierr.Wrap(clierr.CodeInternal, "pack swap calldata", err)
		}
		tx = chain.Tx{To: t.router, Value: req.Amount, Data: data}
	} else {
		approval, err := ensureAllowance(ctx, gw, tokenIn, t.router, req.Amount)
		if err != nil {
			return Result{TxRefs: nonEmpty(approval)}, err
		}
		refs = append(refs, nonEmpty(approval)...)
		swap, err := routerABI.Pack("exactInputSingle", exactInputSingleParams{
			TokenIn:           tokenIn,
			TokenOut:          tokenOut,
			Fee:               big.NewInt(int64(fee)),
			Recipient:         routerSelf,
			AmountIn:          req.Amount,
			AmountOutMinimum:  minOut,
			SqrtPriceLimitX96: big.NewInt(0),
		})
		if err != nil {
			return Result{}, clierr.Wrap(clierr.CodeInternal, "pack swap calldata", err)
		}
		unwrap, err := routerABI.Pack("unwrapWETH9", minOut, gw.Address())
		if err != nil {
			return Result{}, clierr.Wrap(clierr.CodeInternal, "pack unwrap calldata", err)
		}
		data, err := routerABI.Pack("multicall", [][]byte{swap, unwrap})
		if err != nil {
			return Result{}, clierr.Wrap(clierr.CodeInternal, "pack multicall calldata", err)
		}
		tx = chain.Tx{To: t.router, Data: data}
	}

	ref, err := gw.Send(ctx, tx)
	refs = append(refs, nonEmpty(ref)...)
	if err != nil {
		return Result{TxRefs: refs}, clierr.Wrap(clierr.CodeStepExecutionFailed, "swap transaction", err)
	}
	return Result{
		TxRef:       ref,
		TxRefs:      refs,
		MinReceived: minOut,
		Summary: fmt.Sprintf("swapped %s %s for at least %s %s (pool fee %d)",
			id.FormatAtomic(req.Amount, in.Decimals), in.Symbol,
			id.FormatAtomic(minOut, out.Decimals), out.Symbol, fee),
	}, nil
}

func (t *swapTool) quoteBestFee(ctx context.Context, gw chain.Gateway, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, uint32, error) {
	var (
		bestOut *big.Int
		bestGas *big.Int
		bestFee uint32
	)
	for _, fee := range feeTiers {
		callData, err := quoterABI.Pack("quoteExactInputSingle", quoteExactInputSingleParams{
			TokenIn:           tokenIn,
			TokenOut:          tokenOut,
			AmountIn:          amountIn,
			Fee:               big.NewInt(int64(fee)),
			SqrtPriceLimitX96: big.NewInt(0),
		})
		if err != nil {
			return nil, 0, clierr.Wrap(clierr.CodeInternal, "pack quoter calldata", err)
		}
		out, err := gw.Call(ctx, t.quoter, callData)
		if err != nil {
			continue
		}
		decoded, err := quoterABI.Unpack("quoteExactInputSingle", out)
		if err != nil || len(decoded) < 4 {
			continue
		}
		amountOut, ok := decoded[0].(*big.Int)
		if !ok || amountOut == nil || amountOut.Sign() <= 0 {
			continue
		}
		gasEstimate, ok := decoded[3].(*big.Int)
		if !ok || gasEstimate == nil {
			gasEstimate = big.NewInt(0)
		}
		if bestOut == nil || amountOut.Cmp(bestOut) > 0 || (amountOut.Cmp(bestOut) == 0 && gasEstimate.Cmp(bestGas) < 0) {
			bestOut = new(big.Int).Set(amountOut)
			bestGas = new(big.Int).Set(gasEstimate)
			bestFee = fee
		}
	}
	if bestOut == nil {
		return nil, 0, clierr.New(clierr.CodeStepExecutionFailed, "no pool liquidity for swap pair")
	}
	return bestOut, bestFee, nil
}

func nonEmpty(refs ...string) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref != "" {
			out = append(out, ref)
		}
	}
	return out
}
