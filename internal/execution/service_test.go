package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
)

func TestStartExecutionRejectsInvalidPlan(t *testing.T) {
	h := newHarness(t, newFakeGateway(), catalogOf(t))
	plan := planOf(id.SymbolETH, "0.01", toolStep(1, "unknown_tool", "ALL"))
	_, err := h.svc.StartExecution(context.Background(), plan)
	if !clierr.Is(err, clierr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	states, _ := h.store.List(context.Background(), ListFilter{})
	if len(states) != 0 {
		t.Fatalf("invalid plan must not be stored")
	}
}

func TestStartExecutionStoresPendingState(t *testing.T) {
	h := newHarness(t, newFakeGateway(), catalogOf(t))
	state, err := h.svc.StartExecution(context.Background(), planOf("eth", "0.0100"))
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if state.ExecutionID == "" || state.Outcome != OutcomePending || state.IsComplete {
		t.Fatalf("unexpected initial state: %+v", state)
	}
	if state.Plan.InitialToken != id.SymbolETH || state.Plan.InitialAmount != "0.01" {
		t.Fatalf("expected normalized plan, got %s %s", state.Plan.InitialToken, state.Plan.InitialAmount)
	}
	if state.OriginalUserAmount != nil {
		t.Fatalf("ledger must not be set before funding")
	}
	for _, step := range state.Steps {
		if step.Status != StatusPending {
			t.Fatalf("expected pending steps, got %s", step.Status)
		}
	}
}

func TestConfirmFundingRecordsLedger(t *testing.T) {
	gw := newFakeGateway()
	h := newHarness(t, gw, catalogOf(t))
	ctx := context.Background()
	state, err := h.svc.StartExecution(ctx, planOf(id.SymbolUSDC, "25"))
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	gw.credit(id.SymbolUSDC, usdc(t, "100")) // unrelated funds already held
	gw.deposit(testFundingTx, id.SymbolUSDC, usdc(t, "25"))

	funded, err := h.svc.ConfirmFunding(ctx, state.ExecutionID, FundingClaim{TxRef: testFundingTx, Asset: "usdc", Amount: "25"})
	if err != nil {
		t.Fatalf("ConfirmFunding failed: %v", err)
	}
	h.svc.Wait()

	if funded.OriginalUserAmount == nil || funded.OriginalUserAmount.AtomicAmount != "25000000" {
		t.Fatalf("unexpected original amount %+v", funded.OriginalUserAmount)
	}
	if got := funded.UserShouldReceive.Get(id.SymbolUSDC); got.Cmp(usdc(t, "25")) != 0 {
		t.Fatalf("ledger must be the claimed amount, got %s", got)
	}
	if got := funded.UserShouldReceive.Get(id.SymbolETH); got.Sign() != 0 {
		t.Fatalf("other entries must start at zero, got %s", got)
	}
	if funded.FundingSource != testDepositor || funded.Steps[0].Status != StatusCompleted {
		t.Fatalf("unexpected funding step: %+v source=%s", funded.Steps[0], funded.FundingSource)
	}

	final, _ := h.svc.GetExecutionState(ctx, state.ExecutionID)
	assertOutcome(t, final, OutcomeCompleted)
	if got := totalSent(gw.sentTo(testDestination), id.SymbolUSDC); got.Cmp(usdc(t, "25")) != 0 {
		t.Fatalf("expected only the claimed 25 USDC delivered, got %s", got)
	}
}

func TestConfirmFundingUnknownTransaction(t *testing.T) {
	h := newHarness(t, newFakeGateway(), catalogOf(t))
	ctx := context.Background()
	state, _ := h.svc.StartExecution(ctx, planOf(id.SymbolETH, "0.01"))

	_, err := h.svc.ConfirmFunding(ctx, state.ExecutionID, FundingClaim{TxRef: testFundingTx})
	if !clierr.Is(err, clierr.CodeFundingNotConfirmed) {
		t.Fatalf("expected funding_not_confirmed, got %v", err)
	}
	after, _ := h.svc.GetExecutionState(ctx, state.ExecutionID)
	if after.Steps[0].Status != StatusPending || after.OriginalUserAmount != nil {
		t.Fatalf("failed confirmation must not advance state")
	}
}

func TestConfirmFundingRevertedTransaction(t *testing.T) {
	gw := newFakeGateway()
	h := newHarness(t, gw, catalogOf(t))
	ctx := context.Background()
	state, _ := h.svc.StartExecution(ctx, planOf(id.SymbolETH, "0.01"))
	gw.deposit(testFundingTx, id.SymbolETH, eth(t, "0.01"))
	fin := gw.finality[testFundingTx]
	fin.Reverted = true
	gw.finality[testFundingTx] = fin

	_, err := h.svc.ConfirmFunding(ctx, state.ExecutionID, FundingClaim{TxRef: testFundingTx})
	if !clierr.Is(err, clierr.CodeFundingNotConfirmed) {
		t.Fatalf("expected funding_not_confirmed, got %v", err)
	}
}

func TestConfirmFundingRejectsWrongAssetAndRepeat(t *testing.T) {
	gw := newFakeGateway()
	h := newHarness(t, gw, catalogOf(t))
	ctx := context.Background()
	state, _ := h.svc.StartExecution(ctx, planOf(id.SymbolETH, "0.01"))
	gw.deposit(testFundingTx, id.SymbolETH, eth(t, "0.01"))

	if _, err := h.svc.ConfirmFunding(ctx, state.ExecutionID, FundingClaim{TxRef: testFundingTx, Asset: "USDC"}); !clierr.Is(err, clierr.CodeValidation) {
		t.Fatalf("expected validation error for mismatched asset, got %v", err)
	}
	if _, err := h.svc.ConfirmFunding(ctx, state.ExecutionID, FundingClaim{TxRef: testFundingTx}); err != nil {
		t.Fatalf("ConfirmFunding failed: %v", err)
	}
	h.svc.Wait()
	if _, err := h.svc.ConfirmFunding(ctx, state.ExecutionID, FundingClaim{TxRef: testFundingTx}); !clierr.Is(err, clierr.CodeConflict) {
		t.Fatalf("expected conflict on repeated funding, got %v", err)
	}
}

func TestConfirmFundingConcurrentCallsRunOnce(t *testing.T) {
	gw := newFakeGateway()
	gw.credit(id.SymbolETH, eth(t, "5")) // other users' funds
	gw.finalityDelay = 50 * time.Millisecond
	swap := swapTool(gw, 3000)
	h := newHarness(t, gw, catalogOf(t, swap))
	ctx := context.Background()
	state, err := h.svc.StartExecution(ctx, planOf(id.SymbolETH, "0.01", toolStep(1, swap.name, "ALL")))
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	gw.deposit(testFundingTx, id.SymbolETH, eth(t, "0.01"))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.ConfirmFunding(ctx, state.ExecutionID, FundingClaim{TxRef: testFundingTx})
		}(i)
	}
	wg.Wait()
	h.svc.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case clierr.Is(err, clierr.CodeConflict):
			conflicts++
		default:
			t.Fatalf("unexpected ConfirmFunding error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one confirmation and one conflict, got %d ok %d conflicts", ok, conflicts)
	}
	if calls := swap.amounts(); len(calls) != 1 || calls[0].Cmp(eth(t, "0.01")) != 0 {
		t.Fatalf("expected the swap to run once on the deposit, got %v", calls)
	}
	final, _ := h.svc.GetExecutionState(ctx, state.ExecutionID)
	assertOutcome(t, final, OutcomeCompleted)
	if got := gw.balance(id.SymbolETH); got.Cmp(eth(t, "5")) != 0 {
		t.Fatalf("other users' ETH must be untouched, got %s", got)
	}
}

func TestConfirmFundingUnknownExecution(t *testing.T) {
	h := newHarness(t, newFakeGateway(), catalogOf(t))
	_, err := h.svc.ConfirmFunding(context.Background(), "missing", FundingClaim{TxRef: testFundingTx})
	if !clierr.Is(err, clierr.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

type stubPlanner struct {
	plan Plan
	err  error
}

func (p stubPlanner) Plan(context.Context, string) (Plan, error) { return p.plan, p.err }

func TestPlanAndStart(t *testing.T) {
	gw := newFakeGateway()
	store := NewMemoryStore()
	newSvc := func(p Planner) *Service {
		return NewService(context.Background(), store, gw, catalogOf(t), ServiceConfig{Runner: RunnerConfig{Assets: testAssets}, Planner: p})
	}
	ctx := context.Background()

	if _, err := newSvc(nil).PlanAndStart(ctx, "swap"); !clierr.Is(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported without planner, got %v", err)
	}
	rejected := newSvc(stubPlanner{plan: Plan{Valid: false, Reason: "cannot bridge"}})
	if _, err := rejected.PlanAndStart(ctx, "bridge to solana"); !clierr.Is(err, clierr.CodeValidation) {
		t.Fatalf("expected validation error for rejected intent, got %v", err)
	}
	broken := newSvc(stubPlanner{err: clierr.Wrap(clierr.CodeUnavailable, "planner down", errors.New("503"))})
	if _, err := broken.PlanAndStart(ctx, "swap"); !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected planner error to propagate, got %v", err)
	}
	ok := newSvc(stubPlanner{plan: planOf(id.SymbolETH, "0.01")})
	state, err := ok.PlanAndStart(ctx, "send 0.01 eth")
	if err != nil {
		t.Fatalf("PlanAndStart failed: %v", err)
	}
	if state.Outcome != OutcomePending {
		t.Fatalf("expected pending execution, got %s", state.Outcome)
	}
}

func TestRecoverCompensatesInterruptedExecutions(t *testing.T) {
	gw := newFakeGateway()
	gw.credit(id.SymbolETH, eth(t, "0.012"))
	h := newHarness(t, gw, catalogOf(t))
	ctx := context.Background()

	interrupted := fundedState(t, "exec-interrupted")
	interrupted.Steps[1].Status = StatusRunning
	interrupted.CurrentStep = 1
	unfunded := NewExecutionState("exec-unfunded", planOf(id.SymbolETH, "0.01"))
	done := fundedState(t, "exec-done")
	done.IsComplete = true
	done.Outcome = OutcomeCompleted
	for _, s := range []ExecutionState{interrupted, unfunded, done} {
		if err := h.store.Create(ctx, s); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	report, err := h.svc.Recover(ctx, RecoverCompensate)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(report.Compensated) != 1 || report.Compensated[0] != "exec-interrupted" {
		t.Fatalf("unexpected compensated list %v", report.Compensated)
	}
	if len(report.Pending) != 1 || report.Pending[0] != "exec-unfunded" {
		t.Fatalf("unexpected pending list %v", report.Pending)
	}
	got, _ := h.store.Get(ctx, "exec-interrupted")
	assertOutcome(t, got, OutcomeCompensated)
	if got.Steps[1].Status != StatusError {
		t.Fatalf("expected interrupted step in error, got %s", got.Steps[1].Status)
	}
	if refund := totalSent(gw.sentTo(testDepositor), id.SymbolETH); refund.Cmp(eth(t, "0.01")) != 0 {
		t.Fatalf("expected deposit refunded, got %s", refund)
	}
}

func TestRecoverMarksUnstartedStepAsFailed(t *testing.T) {
	gw := newFakeGateway()
	gw.credit(id.SymbolETH, eth(t, "0.012"))
	h := newHarness(t, gw, catalogOf(t))
	ctx := context.Background()
	// Funded, but the runner never saved step 1 before the process stopped.
	if err := h.store.Create(ctx, fundedState(t, "exec-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := h.svc.Recover(ctx, RecoverCompensate); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	got, _ := h.store.Get(ctx, "exec-1")
	assertOutcome(t, got, OutcomeCompensated)
	if got.Steps[1].Status != StatusError || got.Steps[1].Error != "interrupted by restart" {
		t.Fatalf("expected the unstarted current step in error, got %+v", got.Steps[1])
	}
}

func TestRecoverManualFlagsWithoutMovingFunds(t *testing.T) {
	gw := newFakeGateway()
	gw.credit(id.SymbolETH, eth(t, "0.012"))
	h := newHarness(t, gw, catalogOf(t))
	ctx := context.Background()
	if err := h.store.Create(ctx, fundedState(t, "exec-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	report, err := h.svc.Recover(ctx, RecoverManual)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(report.Flagged) != 1 {
		t.Fatalf("expected one flagged execution, got %v", report.Flagged)
	}
	got, _ := h.store.Get(ctx, "exec-1")
	assertOutcome(t, got, OutcomeInterrupted)
	if len(gw.transfers) != 0 {
		t.Fatalf("manual recovery must not move funds")
	}
}

func TestParseRecoveryPolicy(t *testing.T) {
	for in, want := range map[string]RecoveryPolicy{"": RecoverCompensate, "Manual": RecoverManual, "none": RecoverNone} {
		got, err := ParseRecoveryPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseRecoveryPolicy(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseRecoveryPolicy("resume"); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func fundedState(t *testing.T, executionID string) ExecutionState {
	t.Helper()
	state := NewExecutionState(executionID, planOf(id.SymbolETH, "0.01"))
	state.Steps[0].Status = StatusCompleted
	state.OriginalUserAmount = &AmountRecord{Asset: id.SymbolETH, HumanAmount: "0.01", AtomicAmount: eth(t, "0.01").String()}
	state.UserShouldReceive = NewLedger(testAssets.Symbols()...)
	state.UserShouldReceive.Set(id.SymbolETH, eth(t, "0.01"))
	state.UserEscrowed = NewLedger(testAssets.Symbols()...)
	state.FundingSource = testDepositor
	state.Outcome = OutcomeRunning
	state.CurrentStep = 1
	return state
}
