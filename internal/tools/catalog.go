package tools

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/chain"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/registry"
)

const (
	SwapETHToUSDC = "swap_eth_to_usdc"
	SwapUSDCToETH = "swap_usdc_to_eth"
	StakeETH      = "stake_eth"
	UnstakeETH    = "unstake_eth"
	StakeUSDC     = "stake_usdc"
	UnstakeUSDC   = "unstake_usdc"

	ParamSlippageBps   = "slippage_bps"
	DefaultSlippageBps = 50
)

var (
	quoterABI = mustABI(registry.UniswapV3QuoterV2ABI)
	routerABI = mustABI(registry.UniswapV3RouterABI)
	poolABI   = mustABI(registry.AavePoolABI)
	vaultABI  = mustABI(registry.StakingVaultABI)
)

type CatalogConfig struct {
	Assets      id.Assets
	Contracts   registry.Contracts
	SlippageBps int64
}

// NewCatalog registers every tool whose contracts are configured for the chain.
// Tools with missing deployments are left out, so plans naming them fail
// validation instead of failing mid-saga.
func NewCatalog(cfg CatalogConfig) (*Registry, error) {
	eth, ok := cfg.Assets.Native()
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "asset set has no native asset")
	}
	usdc, ok := cfg.Assets.Lookup(id.SymbolUSDC)
	if !ok || !common.IsHexAddress(usdc.Address) {
		return nil, clierr.New(clierr.CodeUsage, "asset set has no USDC token")
	}
	slippage := cfg.SlippageBps
	if slippage <= 0 {
		slippage = DefaultSlippageBps
	}
	if slippage >= 10_000 {
		return nil, clierr.New(clierr.CodeUsage, "slippage bps must be less than 10000")
	}

	reg, _ := NewRegistry()
	c := cfg.Contracts
	if router, quoter, weth, err := swapContracts(c); err == nil {
		base := swapTool{router: router, quoter: quoter, weth: weth, slippageBps: slippage, eth: eth, usdc: usdc}
		ethToUSDC, usdcToETH := base, base
		ethToUSDC.toUSDC = true
		if err := reg.Register(&ethToUSDC); err != nil {
			return nil, err
		}
		if err := reg.Register(&usdcToETH); err != nil {
			return nil, err
		}
	}
	if vault, err := registry.Address("staking vault", c.StakingVault); err == nil {
		if err := reg.Register(&vaultStakeTool{vault: vault, eth: eth}); err != nil {
			return nil, err
		}
		if err := reg.Register(&vaultUnstakeTool{vault: vault, eth: eth}); err != nil {
			return nil, err
		}
	}
	if pool, err := registry.Address("aave pool", c.AavePool); err == nil {
		if err := reg.Register(&aaveSupplyTool{pool: pool, usdc: usdc}); err != nil {
			return nil, err
		}
		if aToken, err := registry.Address("aave usdc", c.AaveUSDC); err == nil {
			if err := reg.Register(&aaveWithdrawTool{pool: pool, aToken: aToken, usdc: usdc}); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

func swapContracts(c registry.Contracts) (router, quoter, weth common.Address, err error) {
	if router, err = registry.Address("swap router", c.SwapRouter); err != nil {
		return
	}
	if quoter, err = registry.Address("quoter", c.QuoterV2); err != nil {
		return
	}
	weth, err = registry.Address("weth", c.WETH)
	return
}

func slippageParam(params map[string]string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(params[ParamSlippageBps])
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 || v >= 10_000 {
		return 0, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid %s %q", ParamSlippageBps, raw))
	}
	return v, nil
}

// ensureAllowance approves spender for amount when the current allowance is
// short and returns the approval tx ref, if one was sent.
func ensureAllowance(ctx context.Context, gw chain.Gateway, token, spender common.Address, amount *big.Int) (string, error) {
	allowance, err := chain.Allowance(ctx, gw, token, gw.Address(), spender)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "read allowance", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return "", nil
	}
	data, err := chain.ApproveData(spender, amount)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	ref, err := gw.Send(ctx, chain.Tx{To: token, Data: data})
	if err != nil {
		return ref, clierr.Wrap(clierr.CodeStepExecutionFailed, "approve token spending", err)
	}
	return ref, nil
}

func requireAmount(req Request) error {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return clierr.New(clierr.CodeUsage, "amount must be positive")
	}
	return nil
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
