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

type vaultStakeTool struct {
	vault common.Address
	eth   id.Asset
}

func (t *vaultStakeTool) Name() string        { return StakeETH }
func (t *vaultStakeTool) Description() string { return "Stake ETH into the staking vault" }
func (t *vaultStakeTool) Capability() Capability {
	return Capability{Effect: EffectEscrow, Spends: t.eth.Symbol}
}

func (t *vaultStakeTool) Invoke(ctx context.Context, gw chain.Gateway, req Request) (Result, error) {
	if err := requireAmount(req); err != nil {
		return Result{}, err
	}
	paused, err := vaultPaused(ctx, gw, t.vault)
	if err != nil {
		return Result{}, err
	}
	if paused {
		return Result{}, clierr.New(clierr.CodeStepExecutionFailed, "staking vault is paused")
	}
	data, err := vaultABI.Pack("deposit")
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeInternal, "pack deposit calldata", err)
	}
	ref, err := gw.Send(ctx, chain.Tx{To: t.vault, Value: req.Amount, Data: data})
	if err != nil {
		return Result{TxRefs: nonEmpty(ref)}, clierr.Wrap(clierr.CodeStepExecutionFailed, "stake transaction", err)
	}
	return Result{
		TxRef:   ref,
		TxRefs:  []string{ref},
		Summary: fmt.Sprintf("staked %s %s", id.FormatAtomic(req.Amount, t.eth.Decimals), t.eth.Symbol),
	}, nil
}

type vaultUnstakeTool struct {
	vault common.Address
	eth   id.Asset
}

func (t *vaultUnstakeTool) Name() string        { return UnstakeETH }
func (t *vaultUnstakeTool) Description() string { return "Unstake ETH from the staking vault" }
func (t *vaultUnstakeTool) Capability() Capability {
	return Capability{Effect: EffectRelease, Spends: t.eth.Symbol, Receives: t.eth.Symbol}
}

func (t *vaultUnstakeTool) Invoke(ctx context.Context, gw chain.Gateway, req Request) (Result, error) {
	if err := requireAmount(req); err != nil {
		return Result{}, err
	}
	staked, err := vaultBalance(ctx, gw, t.vault, gw.Address())
	if err != nil {
		return Result{}, err
	}
	if staked.Cmp(req.Amount) < 0 {
		return Result{}, clierr.New(clierr.CodeStepExecutionFailed, fmt.Sprintf("vault position %s %s is below requested %s",
			id.FormatAtomic(staked, t.eth.Decimals), t.eth.Symbol, id.FormatAtomic(req.Amount, t.eth.Decimals)))
	}
	data, err := vaultABI.Pack("withdraw", req.Amount)
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeInternal, "pack withdraw calldata", err)
	}
	ref, err := gw.Send(ctx, chain.Tx{To: t.vault, Data: data})
	if err != nil {
		return Result{TxRefs: nonEmpty(ref)}, clierr.Wrap(clierr.CodeStepExecutionFailed, "unstake transaction", err)
	}
	return Result{
		TxRef:   ref,
		TxRefs:  []string{ref},
		Summary: fmt.Sprintf("unstaked %s %s", id.FormatAtomic(req.Amount, t.eth.Decimals), t.eth.Symbol),
	}, nil
}

func vaultPaused(ctx context.Context, gw chain.Caller, vault common.Address) (bool, error) {
	data, err := vaultABI.Pack("paused")
	if err != nil {
		return false, clierr.Wrap(clierr.CodeInternal, "pack paused call", err)
	}
	out, err := gw.Call(ctx, vault, data)
	if err != nil {
		return false, clierr.Wrap(clierr.CodeUnavailable, "read vault status", err)
	}
	decoded, err := vaultABI.Unpack("paused", out)
	if err != nil || len(decoded) == 0 {
		return false, clierr.New(clierr.CodeUnavailable, "decode vault status")
	}
	paused, _ := decoded[0].(bool)
	return paused, nil
}

func vaultBalance(ctx context.Context, gw chain.Caller, vault, owner common.Address) (*big.Int, error) {
	data, err := vaultABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack vault balance call", err)
	}
	out, err := gw.Call(ctx, vault, data)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read vault position", err)
	}
	decoded, err := vaultABI.Unpack("balanceOf", out)
	if err != nil || len(decoded) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, "decode vault position")
	}
	v, ok := decoded[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "invalid vault position response")
	}
	return v, nil
}

type aaveSupplyTool struct {
	pool common.Address
	usdc id.Asset
}

func (t *aaveSupplyTool) Name() string        { return StakeUSDC }
func (t *aaveSupplyTool) Description() string { return "Supply USDC to the Aave V3 pool" }
func (t *aaveSupplyTool) Capability() Capability {
	return Capability{Effect: EffectEscrow, Spends: t.usdc.Symbol}
}

func (t *aaveSupplyTool) Invoke(ctx context.Context, gw chain.Gateway, req Request) (Result, error) {
	if err := requireAmount(req); err != nil {
		return Result{}, err
	}
	token := common.HexToAddress(t.usdc.Address)
	approval, err := ensureAllowance(ctx, gw, token, t.pool, req.Amount)
	if err != nil {
		return Result{TxRefs: nonEmpty(approval)}, err
	}
	data, err := poolABI.Pack("supply", token, req.Amount, gw.Address(), uint16(0))
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeInternal, "pack supply calldata", err)
	}
	ref, err := gw.Send(ctx, chain.Tx{To: t.pool, Data: data})
	refs := nonEmpty(approval, ref)
	if err != nil {
		return Result{TxRefs: refs}, clierr.Wrap(clierr.CodeStepExecutionFailed, "supply transaction", err)
	}
	return Result{
		TxRef:   ref,
		TxRefs:  refs,
		Summary: fmt.Sprintf("supplied %s %s to aave", id.FormatAtomic(req.Amount, t.usdc.Decimals), t.usdc.Symbol),
	}, nil
}

type aaveWithdrawTool struct {
	pool   common.Address
	aToken common.Address
	usdc   id.Asset
}

func (t *aaveWithdrawTool) Name() string        { return UnstakeUSDC }
func (t *aaveWithdrawTool) Description() string { return "Withdraw USDC from the Aave V3 pool" }
func (t *aaveWithdrawTool) Capability() Capability {
	return Capability{Effect: EffectRelease, Spends: t.usdc.Symbol, Receives: t.usdc.Symbol}
}

func (t *aaveWithdrawTool) Invoke(ctx context.Context, gw chain.Gateway, req Request) (Result, error) {
	if err := requireAmount(req); err != nil {
		return Result{}, err
	}
	supplied, err := chain.BalanceOf(ctx, gw, t.aToken, gw.Address())
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeUnavailable, "read aave position", err)
	}
	if supplied.Cmp(req.Amount) < 0 {
		return Result{}, clierr.New(clierr.CodeStepExecutionFailed, fmt.Sprintf("aave position %s %s is below requested %s",
			id.FormatAtomic(supplied, t.usdc.Decimals), t.usdc.Symbol, id.FormatAtomic(req.Amount, t.usdc.Decimals)))
	}
	token := common.HexToAddress(t.usdc.Address)
	data, err := poolABI.Pack("withdraw", token, req.Amount, gw.Address())
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeInternal, "pack withdraw calldata", err)
	}
	ref, err := gw.Send(ctx, chain.Tx{To: t.pool, Data: data})
	if err != nil {
		return Result{TxRefs: nonEmpty(ref)}, clierr.Wrap(clierr.CodeStepExecutionFailed, "withdraw transaction", err)
	}
	return Result{
		TxRef:       ref,
		TxRefs:      []string{ref},
		MinReceived: new(big.Int).Set(req.Amount),
		Summary:     fmt.Sprintf("withdrew %s %s from aave", id.FormatAtomic(req.Amount, t.usdc.Decimals), t.usdc.Symbol),
	}, nil
}
