package execution

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/chain"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/tools"
)

const (
	testDepositor   = "0x00000000000000000000000000000000000000d1"
	testDestination = "0x00000000000000000000000000000000000000e1"
	testOperator    = "0x00000000000000000000000000000000000000f1"
	testFundingTx   = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

var testAssets, _ = id.DefaultAssets(8453)

func eth(t *testing.T, v string) *big.Int {
	t.Helper()
	out, err := id.ParseDecimal(v, 18)
	if err != nil {
		t.Fatalf("parse eth %q: %v", v, err)
	}
	return out
}

func usdc(t *testing.T, v string) *big.Int {
	t.Helper()
	out, err := id.ParseDecimal(v, 6)
	if err != nil {
		t.Fatalf("parse usdc %q: %v", v, err)
	}
	return out
}

type transferCall struct {
	Asset  string
	To     string
	Amount *big.Int
}

// fakeGateway is an in-memory operating account. Transfers debit balances;
// tools mutate balances through credit and debit.
type fakeGateway struct {
	mu          sync.Mutex
	balances    map[string]*big.Int
	finality    map[string]chain.Finality
	transfers   []transferCall
	transferErr func(asset id.Asset, amount *big.Int) error
	balanceErr  error
	// finalityDelay stalls WaitForFinality like a transaction still
	// collecting confirmations.
	finalityDelay time.Duration
	n             int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balances: map[string]*big.Int{id.SymbolETH: new(big.Int), id.SymbolUSDC: new(big.Int)},
		finality: map[string]chain.Finality{},
	}
}

func (g *fakeGateway) credit(symbol string, v *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[symbol] = new(big.Int).Add(g.balances[symbol], v)
}

func (g *fakeGateway) debit(symbol string, v *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[symbol] = new(big.Int).Sub(g.balances[symbol], v)
}

func (g *fakeGateway) balance(symbol string) *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(big.Int).Set(g.balances[symbol])
}

func (g *fakeGateway) sentTo(to string) []transferCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []transferCall
	for _, tr := range g.transfers {
		if tr.To == common.HexToAddress(to).Hex() {
			out = append(out, tr)
		}
	}
	return out
}

func (g *fakeGateway) nextRef() string {
	g.n++
	return common.BigToHash(big.NewInt(int64(g.n))).Hex()
}

func (g *fakeGateway) Address() common.Address { return common.HexToAddress(testOperator) }

func (g *fakeGateway) Balance(_ context.Context, asset id.Asset) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.balanceErr != nil {
		return nil, g.balanceErr
	}
	return new(big.Int).Set(g.balances[asset.Symbol]), nil
}

func (g *fakeGateway) Call(context.Context, common.Address, []byte) ([]byte, error) {
	return nil, fmt.Errorf("no contracts in fake gateway")
}

func (g *fakeGateway) Send(context.Context, chain.Tx) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextRef(), nil
}

func (g *fakeGateway) Transfer(_ context.Context, asset id.Asset, to common.Address, amount *big.Int) (string, error) {
	if g.transferErr != nil {
		if err := g.transferErr(asset, amount); err != nil {
			return "", err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.balances[asset.Symbol].Cmp(amount) < 0 {
		return "", fmt.Errorf("insufficient funds for transfer")
	}
	g.balances[asset.Symbol] = new(big.Int).Sub(g.balances[asset.Symbol], amount)
	g.transfers = append(g.transfers, transferCall{Asset: asset.Symbol, To: to.Hex(), Amount: new(big.Int).Set(amount)})
	return g.nextRef(), nil
}

func (g *fakeGateway) WaitForFinality(_ context.Context, txRef string) (chain.Finality, error) {
	g.mu.Lock()
	delay := g.finalityDelay
	g.mu.Unlock()
	time.Sleep(delay)

	g.mu.Lock()
	defer g.mu.Unlock()
	fin, ok := g.finality[txRef]
	if !ok {
		return chain.Finality{}, clierr.New(clierr.CodeNotFound, "transaction not final: "+txRef)
	}
	return fin, nil
}

// deposit simulates a user transfer into the operating account.
func (g *fakeGateway) deposit(txRef, symbol string, amount *big.Int) {
	g.credit(symbol, amount)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finality[txRef] = chain.Finality{TxRef: txRef, From: testDepositor, To: testOperator, Value: amount, BlockNumber: 10}
}

type fakeTool struct {
	name       string
	capability tools.Capability
	invoke     func(req tools.Request) (tools.Result, error)

	mu    sync.Mutex
	calls []*big.Int
}

func (f *fakeTool) Name() string                  { return f.name }
func (f *fakeTool) Description() string           { return "fake " + f.name }
func (f *fakeTool) Capability() tools.Capability { return f.capability }

func (f *fakeTool) Invoke(_ context.Context, _ chain.Gateway, req tools.Request) (tools.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, new(big.Int).Set(req.Amount))
	f.mu.Unlock()
	return f.invoke(req)
}

func (f *fakeTool) amounts() []*big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*big.Int(nil), f.calls...)
}

// swapTool converts ETH to USDC at usdcPerETH whole units.
func swapTool(gw *fakeGateway, usdcPerETH int64) *fakeTool {
	return &fakeTool{
		name:       "swap_eth_to_usdc",
		capability: tools.Capability{Effect: tools.EffectConvert, Spends: id.SymbolETH, Receives: id.SymbolUSDC},
		invoke: func(req tools.Request) (tools.Result, error) {
			gw.debit(id.SymbolETH, req.Amount)
			out := new(big.Int).Mul(req.Amount, big.NewInt(usdcPerETH))
			out.Div(out, big.NewInt(1_000_000_000_000))
			gw.credit(id.SymbolUSDC, out)
			return tools.Result{TxRef: "0xswap", TxRefs: []string{"0xswap"}, MinReceived: out, Summary: "swapped"}, nil
		},
	}
}

func stakeTools(gw *fakeGateway) (*fakeTool, *fakeTool) {
	position := new(big.Int)
	var mu sync.Mutex
	stake := &fakeTool{
		name:       "stake_eth",
		capability: tools.Capability{Effect: tools.EffectEscrow, Spends: id.SymbolETH},
		invoke: func(req tools.Request) (tools.Result, error) {
			gw.debit(id.SymbolETH, req.Amount)
			mu.Lock()
			position.Add(position, req.Amount)
			mu.Unlock()
			return tools.Result{TxRef: "0xstake", TxRefs: []string{"0xstake"}}, nil
		},
	}
	unstake := &fakeTool{
		name:       "unstake_eth",
		capability: tools.Capability{Effect: tools.EffectRelease, Spends: id.SymbolETH, Receives: id.SymbolETH},
		invoke: func(req tools.Request) (tools.Result, error) {
			mu.Lock()
			defer mu.Unlock()
			if position.Cmp(req.Amount) < 0 {
				return tools.Result{}, fmt.Errorf("position too small")
			}
			position.Sub(position, req.Amount)
			gw.credit(id.SymbolETH, req.Amount)
			return tools.Result{TxRef: "0xunstake", TxRefs: []string{"0xunstake"}}, nil
		},
	}
	return stake, unstake
}

func failingTool(name string, effect tools.Capability, before func(req tools.Request)) *fakeTool {
	return &fakeTool{
		name:       name,
		capability: effect,
		invoke: func(req tools.Request) (tools.Result, error) {
			if before != nil {
				before(req)
			}
			return tools.Result{}, fmt.Errorf("execution reverted")
		},
	}
}

func catalogOf(t *testing.T, list ...tools.Tool) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(list...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

type recordingObserver struct {
	mu         sync.Mutex
	steps      map[string]Status
	shortfalls map[string]int
	outcomes   []Outcome
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{steps: map[string]Status{}, shortfalls: map[string]int{}}
}

func (o *recordingObserver) StepFinished(action string, status Status, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps[action] = status
}

func (o *recordingObserver) Shortfall(asset string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shortfalls[asset]++
}

func (o *recordingObserver) ExecutionFinished(outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func toolStep(stepID int, action, amount string) Step {
	return Step{StepID: stepID, Kind: StepKindTool, Action: action, Parameters: map[string]string{ParamAmount: amount}}
}

func planOf(token, amount string, middle ...Step) Plan {
	steps := []Step{{StepID: 0, Kind: StepKindFunding, Action: ActionExternalFunding, Parameters: map[string]string{ParamAsset: token, ParamAmount: amount}}}
	steps = append(steps, middle...)
	steps = append(steps, Step{StepID: len(steps), Kind: StepKindRemainder, Action: ActionSendRemaining})
	return Plan{Valid: true, InitialToken: token, InitialAmount: amount, DestinationAddress: testDestination, Steps: steps}
}

type harness struct {
	gw       *fakeGateway
	store    *MemoryStore
	svc      *Service
	observer *recordingObserver
}

func newHarness(t *testing.T, gw *fakeGateway, catalog ToolCatalog) *harness {
	t.Helper()
	store := NewMemoryStore()
	observer := newRecordingObserver()
	svc := NewService(context.Background(), store, gw, catalog, ServiceConfig{
		Runner: RunnerConfig{
			Assets:   testAssets,
			Verify:   PollAwaiter{Attempts: 3, Delay: time.Millisecond},
			Observer: observer,
		},
	})
	return &harness{gw: gw, store: store, svc: svc, observer: observer}
}

// run starts the plan, deposits the initial amount, confirms funding and
// waits for the saga to finish.
func (h *harness) run(t *testing.T, plan Plan, deposit *big.Int) ExecutionState {
	t.Helper()
	ctx := context.Background()
	state, err := h.svc.StartExecution(ctx, plan)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	h.gw.deposit(testFundingTx, plan.InitialToken, deposit)
	if _, err := h.svc.ConfirmFunding(ctx, state.ExecutionID, FundingClaim{TxRef: testFundingTx, Asset: plan.InitialToken, Amount: plan.InitialAmount}); err != nil {
		t.Fatalf("ConfirmFunding failed: %v", err)
	}
	h.svc.Wait()
	final, err := h.svc.GetExecutionState(ctx, state.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecutionState failed: %v", err)
	}
	return final
}
