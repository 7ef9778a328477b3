package execution

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/chain"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
)

// transferer sends up to a wanted amount of one asset, never more than the
// operating account holds, keeping a gas reserve out of native balances.
// Both the remainder step and compensation go through it.
type transferer struct {
	gw              chain.Gateway
	gasReserve      *big.Int
	retryGasReserve *big.Int
	log             *slog.Logger
}

type transferOutcome struct {
	Sent  *big.Int
	TxRef string
}

func (t transferer) sendable(ctx context.Context, asset id.Asset, want *big.Int, reserve *big.Int) (*big.Int, error) {
	balance, err := t.gw.Balance(ctx, asset)
	if err != nil {
		return nil, err
	}
	available := new(big.Int).Set(balance)
	if asset.Native && reserve != nil {
		available.Sub(available, reserve)
	}
	return minPositive(want, available), nil
}

// send returns a zero Sent with no error when nothing is sendable.
func (t transferer) send(ctx context.Context, asset id.Asset, to common.Address, want *big.Int) (transferOutcome, error) {
	zero := transferOutcome{Sent: new(big.Int)}
	amount, err := t.sendable(ctx, asset, want, t.gasReserve)
	if err != nil {
		return zero, err
	}
	if amount.Sign() <= 0 {
		return zero, nil
	}
	ref, err := t.gw.Transfer(ctx, asset, to, amount)
	if err == nil {
		return transferOutcome{Sent: amount, TxRef: ref}, nil
	}
	if !asset.Native || !isGasRelated(err) || t.retryGasReserve == nil {
		return transferOutcome{Sent: new(big.Int), TxRef: ref}, err
	}

	t.log.Warn("native transfer failed for gas, retrying with larger reserve",
		slog.String("asset", asset.Symbol),
		slog.String("error", err.Error()),
	)
	retry, rerr := t.sendable(ctx, asset, want, t.retryGasReserve)
	if rerr != nil {
		return zero, rerr
	}
	if retry.Sign() <= 0 {
		return transferOutcome{Sent: new(big.Int), TxRef: ref}, err
	}
	ref, err = t.gw.Transfer(ctx, asset, to, retry)
	if err != nil {
		return transferOutcome{Sent: new(big.Int), TxRef: ref}, err
	}
	return transferOutcome{Sent: retry, TxRef: ref}, nil
}

func isGasRelated(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "gas")
}

// minPositive returns min(a, b) floored at zero.
func minPositive(a, b *big.Int) *big.Int {
	out := new(big.Int)
	if a == nil || b == nil {
		return out
	}
	if a.Cmp(b) <= 0 {
		out.Set(a)
	} else {
		out.Set(b)
	}
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}
