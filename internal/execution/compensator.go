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

// CompensationReport describes one refund attempt. Refunded holds atomic
// amounts per asset.
type CompensationReport struct {
	Destination string            `json:"destination"`
	Refunded    map[string]string `json:"refunded"`
	TxRefs      []string          `json:"tx_refs,omitempty"`
	// Full is true when the whole original deposit went back.
	Full bool `json:"full"`
}

// Compensator returns the originally deposited asset to the depositor,
// bounded by the deposit and by what the operating account still holds.
// Converted or escrowed funds are not unwound.
type Compensator struct {
	assets id.Assets
	xfer   transferer
	log    *slog.Logger
}

// RefundDestination prefers the recorded funding sender over the plan's
// destination address.
func RefundDestination(state ExecutionState) (string, bool) {
	if id.IsAddress(state.FundingSource) {
		return strings.TrimSpace(state.FundingSource), true
	}
	if id.IsAddress(state.Plan.DestinationAddress) {
		return strings.TrimSpace(state.Plan.DestinationAddress), true
	}
	return "", false
}

// Compensate moves funds and updates state's ledger; it never changes
// the execution's terminal flag.
func (c *Compensator) Compensate(ctx context.Context, state *ExecutionState, failedStepID int) (CompensationReport, error) {
	report := CompensationReport{Refunded: map[string]string{}}
	log := c.log.With(slog.String("execution_id", state.ExecutionID), slog.Int("failed_step_id", failedStepID))

	dest, ok := RefundDestination(*state)
	if !ok {
		return report, clierr.New(clierr.CodeCompensationFailed, "no refund destination: funding source and plan destination are both unset")
	}
	report.Destination = dest
	orig := state.OriginalUserAmount
	if orig == nil {
		return report, clierr.New(clierr.CodeCompensationFailed, "execution was never funded; nothing to refund")
	}
	asset, ok := c.assets.Lookup(orig.Asset)
	if !ok {
		return report, clierr.New(clierr.CodeCompensationFailed, fmt.Sprintf("deposited asset %s is not tracked", orig.Asset))
	}
	deposited, err := id.ParseAtomic(orig.AtomicAmount)
	if err != nil {
		return report, clierr.Wrap(clierr.CodeCompensationFailed, "decode deposited amount", err)
	}

	res, err := c.xfer.send(ctx, asset, common.HexToAddress(dest), deposited)
	report.TxRefs = nonEmptyRefs(res.TxRef)
	if err != nil {
		log.Error("refund transfer failed", slog.String("asset", asset.Symbol), slog.String("error", err.Error()))
		return report, clierr.Wrap(clierr.CodeCompensationFailed, fmt.Sprintf("refund %s to %s", asset.Symbol, dest), err)
	}
	if res.Sent.Sign() <= 0 {
		log.Error("nothing returnable", slog.String("asset", asset.Symbol))
		return report, clierr.New(clierr.CodeCompensationFailed, fmt.Sprintf("no returnable %s balance for refund", asset.Symbol))
	}
	report.Refunded[asset.Symbol] = res.Sent.String()
	report.Full = res.Sent.Cmp(deposited) == 0
	state.UserShouldReceive.Sub(asset.Symbol, res.Sent)

	log.Info("refund sent",
		slog.String("asset", asset.Symbol),
		slog.String("amount", id.FormatAtomic(res.Sent, asset.Decimals)),
		slog.String("destination", dest),
		slog.String("tx_ref", res.TxRef),
		slog.Bool("full", report.Full),
	)
	return report, nil
}

// Summary renders the report as the compensation step result.
func (r CompensationReport) Summary(assets id.Assets) string {
	if len(r.Refunded) == 0 {
		return "nothing refunded"
	}
	parts := make([]string, 0, len(r.Refunded))
	for _, symbol := range assets.Symbols() {
		raw, ok := r.Refunded[symbol]
		if !ok {
			continue
		}
		asset, _ := assets.Lookup(symbol)
		amount, _ := id.ParseAtomic(raw)
		parts = append(parts, fmt.Sprintf("%s %s", id.FormatAtomic(amount, asset.Decimals), symbol))
	}
	suffix := ""
	if !r.Full {
		suffix = " (partial: less than the original deposit)"
	}
	return fmt.Sprintf("refunded %s to %s%s", strings.Join(parts, " and "), r.Destination, suffix)
}

func nonEmptyRefs(refs ...string) []string {
	var out []string
	for _, ref := range refs {
		if ref != "" {
			out = append(out, ref)
		}
	}
	return out
}
