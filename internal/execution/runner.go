package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/chain"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/logger"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/tools"
)

var (
	DefaultGasReserve      = big.NewInt(500_000_000_000_000)   // 0.0005 ETH
	DefaultRetryGasReserve = big.NewInt(1_000_000_000_000_000) // 0.001 ETH
)

type RunnerConfig struct {
	Assets          id.Assets
	GasReserve      *big.Int
	RetryGasReserve *big.Int
	// Verify bounds post-step balance verification.
	Verify Awaiter
	// SerializeFunds runs the snapshot, invoke and verify phases of every
	// execution under one process-wide lock so concurrent executions never
	// observe each other's balance movements.
	SerializeFunds bool
	Observer       Observer
}

// Runner drives one execution's steps 1..N sequentially and compensates on
// the first failure. It is the final catcher for its background path: Run
// never returns an error and never panics.
type Runner struct {
	store    Store
	gw       chain.Gateway
	catalog  ToolCatalog
	assets   id.Assets
	awaiter  Awaiter
	comp     *Compensator
	xfer     transferer
	observer Observer
	log      *slog.Logger

	fundsMu *sync.Mutex

	activeMu sync.Mutex
	active   map[string]struct{}
}

func NewRunner(store Store, gw chain.Gateway, catalog ToolCatalog, cfg RunnerConfig) *Runner {
	if cfg.GasReserve == nil {
		cfg.GasReserve = DefaultGasReserve
	}
	if cfg.RetryGasReserve == nil {
		cfg.RetryGasReserve = DefaultRetryGasReserve
	}
	if cfg.Verify == nil {
		cfg.Verify = DefaultPollAwaiter()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	log := logger.Named("runner")
	xfer := transferer{gw: gw, gasReserve: cfg.GasReserve, retryGasReserve: cfg.RetryGasReserve, log: log}
	r := &Runner{
		store:    store,
		gw:       gw,
		catalog:  catalog,
		assets:   cfg.Assets,
		awaiter:  cfg.Verify,
		xfer:     xfer,
		observer: cfg.Observer,
		log:      log,
		comp:     &Compensator{assets: cfg.Assets, xfer: xfer, log: logger.Named("compensator")},
		active:   map[string]struct{}{},
	}
	if cfg.SerializeFunds {
		r.fundsMu = &sync.Mutex{}
	}
	return r
}

func (r *Runner) Compensator() *Compensator { return r.comp }

// Run executes every pending step after funding. It is safe to call on a
// state that already completed some steps; completed steps are skipped.
func (r *Runner) Run(ctx context.Context, executionID string) {
	log := r.log.With(slog.String("execution_id", executionID))
	if !r.enter(executionID) {
		log.Warn("execution already has an active runner")
		return
	}
	defer r.leave(executionID)

	state, err := r.store.Get(ctx, executionID)
	if err != nil {
		log.Error("load execution", slog.String("error", err.Error()))
		return
	}
	if state.IsComplete || !state.Funded() {
		log.Warn("execution not runnable", slog.Bool("complete", state.IsComplete), slog.Bool("funded", state.Funded()))
		return
	}

	current := state.CurrentStep
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("runner panic", slog.Any("panic", rec), slog.Int("step_id", current))
			r.fail(ctx, &state, current, stepOutcome{}, clierr.New(clierr.CodeStepExecutionFailed, fmt.Sprintf("internal error: %v", rec)))
		}
	}()

	state.Outcome = OutcomeRunning
	r.save(ctx, &state)

	for i := 1; i < len(state.Plan.Steps); i++ {
		if state.Steps[i].Status == StatusCompleted {
			continue
		}
		current = i
		step := state.Plan.Steps[i]
		state.CurrentStep = i
		state.Steps[i].Status = StatusRunning
		state.Steps[i].StartedAt = now()
		r.save(ctx, &state)

		started := time.Now()
		outcome, err := r.runStep(ctx, &state, step)
		if err != nil {
			r.observer.StepFinished(step.Action, StatusError, time.Since(started))
			r.fail(ctx, &state, i, outcome, err)
			return
		}
		r.observer.StepFinished(step.Action, StatusCompleted, time.Since(started))
		state.Steps[i].Status = StatusCompleted
		state.Steps[i].TxRef = outcome.TxRef
		state.Steps[i].TxRefs = outcome.TxRefs
		state.Steps[i].Result = outcome.Result
		state.Steps[i].FinishedAt = now()
		r.save(ctx, &state)
		log.Info("step completed",
			slog.Int("step_id", step.StepID),
			slog.String("action", step.Action),
			slog.String("tx_ref", outcome.TxRef),
			slog.String("ledger", state.UserShouldReceive.String()),
		)
	}

	state.IsComplete = true
	state.Outcome = OutcomeCompleted
	r.save(ctx, &state)
	r.observer.ExecutionFinished(OutcomeCompleted)
	log.Info("execution completed")
}

type stepOutcome struct {
	TxRef  string
	TxRefs []string
	Result string
}

func (r *Runner) runStep(ctx context.Context, state *ExecutionState, step Step) (stepOutcome, error) {
	switch step.Kind {
	case StepKindRemainder:
		return r.sendRemaining(ctx, state)
	case StepKindTool:
		return r.runTool(ctx, state, step)
	default:
		return stepOutcome{}, clierr.New(clierr.CodeStepExecutionFailed, fmt.Sprintf("step %d has unexpected kind %q", step.StepID, step.Kind))
	}
}

func (r *Runner) runTool(ctx context.Context, state *ExecutionState, step Step) (stepOutcome, error) {
	tool, ok := r.catalog.Lookup(step.Action)
	if !ok {
		return stepOutcome{}, clierr.New(clierr.CodeStepExecutionFailed, fmt.Sprintf("tool %q is not registered", step.Action))
	}
	capability := tool.Capability()
	spends, ok := r.assets.Lookup(capability.Spends)
	if !ok {
		return stepOutcome{}, clierr.New(clierr.CodeStepExecutionFailed, fmt.Sprintf("tool %s spends untracked asset %s", step.Action, capability.Spends))
	}

	amount, err := r.resolveAmount(state, step, capability, spends)
	if err != nil {
		return stepOutcome{}, err
	}

	r.lockFunds()
	defer r.unlockFunds()

	before, err := r.snapshot(ctx)
	if err != nil {
		return stepOutcome{}, clierr.Wrap(clierr.CodeStepExecutionFailed, "pre-step balance snapshot", err)
	}

	res, err := tool.Invoke(ctx, r.gw, tools.Request{Amount: amount, Params: step.Parameters})
	if err != nil {
		return stepOutcome{TxRefs: res.TxRefs}, stepFailure(fmt.Sprintf("%s failed", step.Action), err)
	}

	received := new(big.Int)
	if capability.Receives != "" {
		receives, ok := r.assets.Lookup(capability.Receives)
		if !ok {
			return stepOutcome{}, clierr.New(clierr.CodeStepExecutionFailed, fmt.Sprintf("tool %s receives untracked asset %s", step.Action, capability.Receives))
		}
		received, err = r.verifyIncrease(ctx, receives, before[receives.Symbol], res.MinReceived)
		if err != nil {
			return stepOutcome{TxRef: res.TxRef, TxRefs: res.TxRefs}, err
		}
	}

	switch capability.Effect {
	case tools.EffectConvert:
		state.UserShouldReceive.Set(capability.Receives, received)
		state.UserShouldReceive.Set(capability.Spends, new(big.Int))
	case tools.EffectEscrow:
		state.UserShouldReceive.Sub(capability.Spends, amount)
		state.UserEscrowed.Add(capability.Spends, amount)
	case tools.EffectRelease:
		state.UserShouldReceive.Add(capability.Receives, received)
		state.UserEscrowed.Sub(capability.Spends, amount)
	}
	if err := r.clampToBalances(ctx, state); err != nil {
		return stepOutcome{TxRef: res.TxRef, TxRefs: res.TxRefs}, clierr.Wrap(clierr.CodeStepExecutionFailed, "post-step balance read", err)
	}

	result := tool.Description()
	if res.Summary != "" {
		result = fmt.Sprintf("%s: %s", result, res.Summary)
	}
	if capability.Receives != "" {
		receives, _ := r.assets.Lookup(capability.Receives)
		result = fmt.Sprintf("%s; observed +%s %s", result, id.FormatAtomic(received, receives.Decimals), receives.Symbol)
	}
	return stepOutcome{TxRef: res.TxRef, TxRefs: res.TxRefs, Result: result}, nil
}

// resolveAmount substitutes ALL with the ledger entry the capability draws
// from and clamps concrete amounts to it.
func (r *Runner) resolveAmount(state *ExecutionState, step Step, capability tools.Capability, spends id.Asset) (*big.Int, error) {
	source := state.UserShouldReceive
	sourceName := "liquid"
	if capability.Effect == tools.EffectRelease {
		source = state.UserEscrowed
		sourceName = "escrowed"
	}
	held := source.Get(spends.Symbol)

	raw := strings.TrimSpace(step.Parameters[ParamAmount])
	var amount *big.Int
	if strings.EqualFold(raw, id.AmountAll) {
		amount = held
	} else {
		requested, err := id.ParseDecimal(raw, spends.Decimals)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeStepExecutionFailed, fmt.Sprintf("step %d amount", step.StepID), err)
		}
		amount = requested
		if requested.Cmp(held) > 0 {
			amount = held
			r.log.Warn("shortfall: requested amount clamped to user ledger",
				slog.String("execution_id", state.ExecutionID),
				slog.Int("step_id", step.StepID),
				slog.String("asset", spends.Symbol),
				slog.String("ledger", sourceName),
				slog.String("requested", id.FormatAtomic(requested, spends.Decimals)),
				slog.String("clamped_to", id.FormatAtomic(held, spends.Decimals)),
			)
			r.observer.Shortfall(spends.Symbol)
		}
	}
	if amount.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeStepExecutionFailed, fmt.Sprintf("step %d (%s): user holds no %s %s to use", step.StepID, step.Action, sourceName, spends.Symbol))
	}
	return amount, nil
}

func (r *Runner) snapshot(ctx context.Context) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(r.assets))
	for _, asset := range r.assets {
		balance, err := r.gw.Balance(ctx, asset)
		if err != nil {
			return nil, err
		}
		out[asset.Symbol] = balance
	}
	return out, nil
}

// verifyIncrease waits for the asset balance to rise above before, and by at
// least minimum for non-native assets, returning the observed delta. Native
// deltas are net of gas, so a minimum is not meaningful for them.
func (r *Runner) verifyIncrease(ctx context.Context, asset id.Asset, before, minimum *big.Int) (*big.Int, error) {
	if before == nil {
		before = new(big.Int)
	}
	threshold := new(big.Int)
	if !asset.Native && minimum != nil && minimum.Sign() > 0 {
		threshold.Set(minimum)
	}
	delta := new(big.Int)
	desc := fmt.Sprintf("%s balance increase", asset.Symbol)
	err := r.awaiter.Await(ctx, desc, func(ctx context.Context) (bool, error) {
		after, err := r.gw.Balance(ctx, asset)
		if err != nil {
			return false, err
		}
		delta.Sub(after, before)
		return delta.Sign() > 0 && delta.Cmp(threshold) >= 0, nil
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}

func (r *Runner) clampToBalances(ctx context.Context, state *ExecutionState) error {
	for _, asset := range r.assets {
		balance, err := r.gw.Balance(ctx, asset)
		if err != nil {
			return err
		}
		if removed := state.UserShouldReceive.Clamp(asset.Symbol, balance); removed.Sign() > 0 {
			r.log.Warn("shortfall: ledger exceeds operating balance",
				slog.String("execution_id", state.ExecutionID),
				slog.String("asset", asset.Symbol),
				slog.String("removed", id.FormatAtomic(removed, asset.Decimals)),
				slog.String("balance", id.FormatAtomic(balance, asset.Decimals)),
			)
			r.observer.Shortfall(asset.Symbol)
		}
	}
	return nil
}

// enter reserves executionID for one runner; leave releases it.
func (r *Runner) enter(executionID string) bool {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	if _, busy := r.active[executionID]; busy {
		return false
	}
	r.active[executionID] = struct{}{}
	return true
}

func (r *Runner) leave(executionID string) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	delete(r.active, executionID)
}

// fail records the failure, appends the compensation step and runs the
// compensator synchronously. Refs of writes the failed step already
// broadcast are kept on it. The execution is terminal afterwards whether
// or not the refund worked.
func (r *Runner) fail(ctx context.Context, state *ExecutionState, index int, outcome stepOutcome, cause error) {
	if !clierr.Is(cause, clierr.CodeStepExecutionFailed) && !clierr.Is(cause, clierr.CodeVerificationTimeout) {
		cause = clierr.Wrap(clierr.CodeStepExecutionFailed, "step failed", cause)
	}
	stepID := index
	action := ""
	if index >= 0 && index < len(state.Steps) {
		state.Steps[index].Status = StatusError
		state.Steps[index].Error = cause.Error()
		state.Steps[index].FinishedAt = now()
		if outcome.TxRef != "" {
			state.Steps[index].TxRef = outcome.TxRef
		}
		if len(outcome.TxRefs) > 0 {
			state.Steps[index].TxRefs = outcome.TxRefs
		}
		stepID = state.Steps[index].StepID
		action = state.Plan.Steps[index].Action
	}
	state.IsComplete = true
	state.CurrentStep = index
	state.Error = fmt.Sprintf("step %d (%s) failed: %v", stepID, action, cause)
	state.ErrorType = errorType(cause)
	r.log.Error("step failed",
		slog.String("execution_id", state.ExecutionID),
		slog.Int("step_id", stepID),
		slog.String("action", action),
		slog.String("error", cause.Error()),
	)
	r.compensate(ctx, state, stepID)
}

func (r *Runner) compensate(ctx context.Context, state *ExecutionState, failedStepID int) {
	idx := state.compensationIndex()
	if idx < 0 {
		state.Steps = append(state.Steps, StepStatus{StepID: CompensationStepID})
		idx = len(state.Steps) - 1
	}
	state.Steps[idx].Status = StatusRunning
	state.Steps[idx].StartedAt = now()
	state.Outcome = OutcomeRunning
	r.save(ctx, state)

	report, err := func() (CompensationReport, error) {
		r.lockFunds()
		defer r.unlockFunds()
		return r.comp.Compensate(ctx, state, failedStepID)
	}()
	comp := &state.Steps[idx]
	comp.FinishedAt = now()
	comp.TxRefs = report.TxRefs
	if len(report.TxRefs) > 0 {
		comp.TxRef = report.TxRefs[0]
	}
	switch {
	case err != nil:
		comp.Status = StatusError
		comp.Error = err.Error()
		state.Outcome = OutcomeCompensationFailed
		state.Error = fmt.Sprintf("%s; funds could not be returned: %v", state.Error, err)
	case report.Full:
		comp.Status = StatusCompleted
		comp.Result = report.Summary(r.assets)
		state.Outcome = OutcomeCompensated
	default:
		comp.Status = StatusCompleted
		comp.Result = report.Summary(r.assets)
		state.Outcome = OutcomeCompensatedPartial
	}
	r.save(ctx, state)
	r.observer.ExecutionFinished(state.Outcome)
}

func (r *Runner) lockFunds() {
	if r.fundsMu != nil {
		r.fundsMu.Lock()
	}
}

func (r *Runner) unlockFunds() {
	if r.fundsMu != nil {
		r.fundsMu.Unlock()
	}
}

// save persists state. A store failure here cannot be surfaced to any
// caller, so it is logged and the in-memory state keeps driving the saga.
func (r *Runner) save(ctx context.Context, state *ExecutionState) {
	state.Touch()
	if err := r.store.Update(ctx, *state); err != nil {
		r.log.Error("persist execution state",
			slog.String("execution_id", state.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}

func stepFailure(msg string, err error) error {
	if clierr.Is(err, clierr.CodeVerificationTimeout) {
		return err
	}
	return clierr.Wrap(clierr.CodeStepExecutionFailed, msg, err)
}

func errorType(err error) string {
	for _, code := range []clierr.Code{clierr.CodeVerificationTimeout, clierr.CodeStepExecutionFailed} {
		if clierr.Is(err, code) {
			return code.Name()
		}
	}
	return clierr.CodeOf(err).Name()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
