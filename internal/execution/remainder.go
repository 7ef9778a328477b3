package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
)

// sendRemaining delivers the user's liquid ledger to the plan destination.
// Tokens go first so the native gas reserve still covers their fees.
// Escrowed positions stay where they are.
func (r *Runner) sendRemaining(ctx context.Context, state *ExecutionState) (stepOutcome, error) {
	dest := strings.TrimSpace(state.Plan.DestinationAddress)
	if !id.IsAddress(dest) {
		return stepOutcome{}, clierr.New(clierr.CodeStepExecutionFailed, "destination address is not set")
	}
	to := common.HexToAddress(dest)
	r.lockFunds()
	defer r.unlockFunds()

	ordered := make([]id.Asset, 0, len(r.assets))
	for _, asset := range r.assets {
		if !asset.Native {
			ordered = append(ordered, asset)
		}
	}
	for _, asset := range r.assets {
		if asset.Native {
			ordered = append(ordered, asset)
		}
	}

	var (
		refs []string
		sent []string
	)
	for _, asset := range ordered {
		want := state.UserShouldReceive.Get(asset.Symbol)
		if want.Sign() <= 0 {
			continue
		}
		res, err := r.xfer.send(ctx, asset, to, want)
		if err != nil {
			return stepOutcome{TxRefs: refs}, clierr.Wrap(clierr.CodeStepExecutionFailed, fmt.Sprintf("send remaining %s", asset.Symbol), err)
		}
		if res.Sent.Sign() <= 0 {
			r.log.Warn("remaining amount not sendable",
				slog.String("execution_id", state.ExecutionID),
				slog.String("asset", asset.Symbol),
				slog.String("owed", id.FormatAtomic(want, asset.Decimals)),
			)
			continue
		}
		state.UserShouldReceive.Sub(asset.Symbol, res.Sent)
		refs = append(refs, res.TxRef)
		sent = append(sent, fmt.Sprintf("%s %s", id.FormatAtomic(res.Sent, asset.Decimals), asset.Symbol))
	}

	if len(sent) == 0 {
		return stepOutcome{Result: "nothing to send"}, nil
	}
	out := stepOutcome{
		TxRefs: refs,
		Result: fmt.Sprintf("sent %s to %s", strings.Join(sent, " and "), dest),
	}
	out.TxRef = refs[0]
	return out, nil
}
