package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/registry"
)

var erc20ABI = mustABI(registry.ERC20MinimalABI)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// BalanceOf reads an ERC20 balance through any Caller.
func BalanceOf(ctx context.Context, c Caller, token, owner common.Address) (*big.Int, error) {
	return callUint(ctx, c, token, "balanceOf", owner)
}

// Allowance reads an ERC20 allowance through any Caller.
func Allowance(ctx context.Context, c Caller, token, owner, spender common.Address) (*big.Int, error) {
	return callUint(ctx, c, token, "allowance", owner, spender)
}

// ApproveData packs approve(spender, amount).
func ApproveData(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// TransferData packs transfer(to, amount).
func TransferData(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

func callUint(ctx context.Context, c Caller, token common.Address, method string, args ...any) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.Call(ctx, token, data)
	if err != nil {
		return nil, err
	}
	decoded, err := erc20ABI.Unpack(method, out)
	if err != nil || len(decoded) == 0 {
		return nil, fmt.Errorf("decode %s response", method)
	}
	value, ok := decoded[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("invalid %s response", method)
	}
	return value, nil
}
