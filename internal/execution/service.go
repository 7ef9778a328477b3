package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/chain"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/logger"
)

// Planner turns a natural-language intent into a plan. Its output is
// validated like any other submitted plan.
type Planner interface {
	Plan(ctx context.Context, intent string) (Plan, error)
}

type ServiceConfig struct {
	Runner RunnerConfig
	// Planner is optional; PlanAndStart fails with CodeUnsupported without it.
	Planner Planner
}

// Service is the entry point used by the API and CLI surfaces. Executions
// run in background goroutines bound to the context given at construction,
// never to a request context.
type Service struct {
	store   Store
	gw      chain.Gateway
	catalog ToolCatalog
	assets  id.Assets
	runner  *Runner
	planner Planner
	log     *slog.Logger

	baseCtx context.Context
	wg      sync.WaitGroup

	// claims holds executions whose funding is being confirmed or whose
	// saga is running. A second ConfirmFunding for a claimed id conflicts.
	claimMu sync.Mutex
	claims  map[string]struct{}
}

func NewService(ctx context.Context, store Store, gw chain.Gateway, catalog ToolCatalog, cfg ServiceConfig) *Service {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Service{
		store:   store,
		gw:      gw,
		catalog: catalog,
		assets:  cfg.Runner.Assets,
		runner:  NewRunner(store, gw, catalog, cfg.Runner),
		planner: cfg.Planner,
		log:     logger.Named("service"),
		baseCtx: context.WithoutCancel(ctx),
		claims:  map[string]struct{}{},
	}
}

// StartExecution validates the plan and records a pending execution that
// waits for funding.
func (s *Service) StartExecution(ctx context.Context, plan Plan) (ExecutionState, error) {
	normalized, err := ValidatePlan(plan, s.catalog, s.assets)
	if err != nil {
		return ExecutionState{}, err
	}
	state := NewExecutionState(uuid.NewString(), normalized)
	if err := s.store.Create(ctx, state); err != nil {
		return ExecutionState{}, err
	}
	s.log.Info("execution created",
		slog.String("execution_id", state.ExecutionID),
		slog.String("initial_token", normalized.InitialToken),
		slog.String("initial_amount", normalized.InitialAmount),
		slog.Int("steps", len(normalized.Steps)),
	)
	return state, nil
}

// PlanAndStart asks the configured planner for a plan and starts it.
func (s *Service) PlanAndStart(ctx context.Context, intent string) (ExecutionState, error) {
	if s.planner == nil {
		return ExecutionState{}, clierr.New(clierr.CodeUnsupported, "no planner configured")
	}
	if strings.TrimSpace(intent) == "" {
		return ExecutionState{}, clierr.New(clierr.CodeUsage, "intent is required")
	}
	plan, err := s.planner.Plan(ctx, intent)
	if err != nil {
		return ExecutionState{}, err
	}
	if !plan.Valid {
		reason := strings.TrimSpace(plan.Reason)
		if reason == "" {
			reason = "planner rejected the intent"
		}
		return ExecutionState{}, clierr.New(clierr.CodeValidation, "invalid plan: "+reason)
	}
	return s.StartExecution(ctx, plan)
}

// FundingClaim is the caller's report of a deposit into the operating
// account. Amount is a human decimal.
type FundingClaim struct {
	TxRef  string
	Asset  string
	Amount string
}

// ConfirmFunding verifies the deposit transaction, records the user ledger
// and launches the saga in the background. It returns the state as of
// funding; later progress is visible through GetExecutionState.
func (s *Service) ConfirmFunding(ctx context.Context, executionID string, claim FundingClaim) (ExecutionState, error) {
	if !s.claim(executionID) {
		return ExecutionState{}, clierr.New(clierr.CodeConflict, fmt.Sprintf("funding for execution %s is already being confirmed", executionID))
	}
	launched := false
	defer func() {
		if !launched {
			s.release(executionID)
		}
	}()

	state, err := s.store.Get(ctx, executionID)
	if err != nil {
		return ExecutionState{}, err
	}
	if state.IsComplete || len(state.Steps) == 0 || state.Steps[0].Status != StatusPending {
		return ExecutionState{}, clierr.New(clierr.CodeConflict, fmt.Sprintf("execution %s is not awaiting funding", executionID))
	}

	symbol := id.NormalizeSymbol(claim.Asset)
	if symbol == "" {
		symbol = state.Plan.InitialToken
	}
	if symbol != state.Plan.InitialToken {
		return ExecutionState{}, clierr.New(clierr.CodeValidation, fmt.Sprintf("funding asset %s does not match plan token %s", symbol, state.Plan.InitialToken))
	}
	asset, ok := s.assets.Lookup(symbol)
	if !ok {
		return ExecutionState{}, clierr.New(clierr.CodeValidation, "unsupported funding asset: "+symbol)
	}
	rawAmount := strings.TrimSpace(claim.Amount)
	if rawAmount == "" {
		rawAmount = state.Plan.InitialAmount
	}
	amount, err := id.ParseDecimal(rawAmount, asset.Decimals)
	if err != nil {
		return ExecutionState{}, clierr.Wrap(clierr.CodeValidation, "funding amount", err)
	}
	if amount.Sign() <= 0 {
		return ExecutionState{}, clierr.New(clierr.CodeValidation, "funding amount must be positive")
	}

	fin, err := s.gw.WaitForFinality(ctx, claim.TxRef)
	if err != nil {
		if clierr.Is(err, clierr.CodeUsage) {
			return ExecutionState{}, clierr.Wrap(clierr.CodeValidation, "funding transaction reference", err)
		}
		return ExecutionState{}, clierr.Wrap(clierr.CodeFundingNotConfirmed, "funding transaction not confirmed", err)
	}
	if fin.Reverted {
		return ExecutionState{}, clierr.New(clierr.CodeFundingNotConfirmed, "funding transaction reverted: "+fin.TxRef)
	}

	log := s.log.With(slog.String("execution_id", executionID))
	// The balance is informational: other executions share the account.
	if balance, err := s.gw.Balance(ctx, asset); err == nil {
		log.Info("operating balance at funding",
			slog.String("asset", asset.Symbol),
			slog.String("balance", id.FormatAtomic(balance, asset.Decimals)),
			slog.String("claimed", id.FormatAtomic(amount, asset.Decimals)),
		)
	} else {
		log.Warn("read operating balance at funding", slog.String("error", err.Error()))
	}

	state.OriginalUserAmount = &AmountRecord{
		Asset:        asset.Symbol,
		HumanAmount:  id.FormatAtomic(amount, asset.Decimals),
		AtomicAmount: amount.String(),
	}
	state.UserShouldReceive = NewLedger(s.assets.Symbols()...)
	state.UserShouldReceive.Set(asset.Symbol, amount)
	state.UserEscrowed = NewLedger(s.assets.Symbols()...)
	if id.IsAddress(fin.From) {
		state.FundingSource = fin.From
	}
	state.FundingTxRef = fin.TxRef
	state.Steps[0].Status = StatusCompleted
	state.Steps[0].TxRef = fin.TxRef
	state.Steps[0].Result = fmt.Sprintf("received %s %s from %s", state.OriginalUserAmount.HumanAmount, asset.Symbol, state.FundingSource)
	state.Steps[0].StartedAt = now()
	state.Steps[0].FinishedAt = now()
	state.Outcome = OutcomeRunning
	state.CurrentStep = 1
	state.Touch()
	if err := s.store.Update(ctx, state); err != nil {
		return ExecutionState{}, err
	}
	log.Info("funding confirmed",
		slog.String("tx_ref", fin.TxRef),
		slog.String("funding_source", state.FundingSource),
		slog.String("amount", state.OriginalUserAmount.HumanAmount),
	)

	launched = true
	s.launch(executionID)
	return state, nil
}

// launch runs the saga in the background and keeps the funding claim
// until it returns.
func (s *Service) launch(executionID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(executionID)
		s.runner.Run(s.baseCtx, executionID)
	}()
}

func (s *Service) claim(executionID string) bool {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if _, held := s.claims[executionID]; held {
		return false
	}
	s.claims[executionID] = struct{}{}
	return true
}

func (s *Service) release(executionID string) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	delete(s.claims, executionID)
}

func (s *Service) GetExecutionState(ctx context.Context, executionID string) (ExecutionState, error) {
	return s.store.Get(ctx, executionID)
}

func (s *Service) ListExecutions(ctx context.Context, filter ListFilter) ([]ExecutionState, error) {
	return s.store.List(ctx, filter)
}

// Wait blocks until every background execution launched so far returns.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Operator reports the operating account deposits must be sent to.
func (s *Service) Operator() string {
	return s.gw.Address().Hex()
}

// Balances reads the operating account's balance of every tracked asset.
func (s *Service) Balances(ctx context.Context) (map[string]*big.Int, error) {
	return s.runner.snapshot(ctx)
}
