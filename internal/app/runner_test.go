package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/chain"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/config"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
)

const (
	testOperator    = "0x00000000000000000000000000000000000000f1"
	testDepositor   = "0x00000000000000000000000000000000000000d1"
	testDestination = "0x00000000000000000000000000000000000000e1"
	testFundingTx   = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

const testPlan = `valid: true
initial_token: ETH
initial_amount: "0.01"
destination_address: "` + testDestination + `"
steps:
  - step_id: 0
    kind: funding
    action: external_funding
    parameters: {asset: ETH, amount: "0.01"}
  - step_id: 1
    kind: remainder
    action: send_remaining
`

type fakeGateway struct {
	mu        sync.Mutex
	balances  map[string]*big.Int
	transfers []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{balances: map[string]*big.Int{
		"ETH":  new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		"USDC": big.NewInt(0),
	}}
}

func (g *fakeGateway) Address() common.Address { return common.HexToAddress(testOperator) }

func (g *fakeGateway) Balance(_ context.Context, asset id.Asset) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(big.Int).Set(g.balances[asset.Symbol]), nil
}

func (g *fakeGateway) WaitForFinality(_ context.Context, txRef string) (chain.Finality, error) {
	if txRef != testFundingTx {
		return chain.Finality{}, clierr.New(clierr.CodeNotFound, "transaction not found")
	}
	return chain.Finality{TxRef: txRef, From: testDepositor, To: testOperator}, nil
}

func (g *fakeGateway) Call(context.Context, common.Address, []byte) ([]byte, error) {
	return nil, clierr.New(clierr.CodeUnsupported, "no contracts in fake gateway")
}

func (g *fakeGateway) Send(context.Context, chain.Tx) (string, error) {
	return "", clierr.New(clierr.CodeUnsupported, "no contracts in fake gateway")
}

func (g *fakeGateway) Transfer(_ context.Context, asset id.Asset, to common.Address, amount *big.Int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[asset.Symbol] = new(big.Int).Sub(g.balances[asset.Symbol], amount)
	g.transfers = append(g.transfers, fmt.Sprintf("%s %s %s", asset.Symbol, amount, strings.ToLower(to.Hex())))
	return fmt.Sprintf("0x%064x", len(g.transfers)), nil
}

func isolateEnv(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmp, "data"))
	t.Setenv("ORCH_CONFIG", "")
	t.Setenv("ORCH_LOG_OUTPUT", filepath.Join(tmp, "orchestrator.log"))
	t.Setenv("ORCH_STORE_DRIVER", "bolt")
	t.Setenv("ORCH_STORE_PATH", filepath.Join(tmp, "data", "executions.bolt"))
	t.Setenv("ORCH_VERIFY_DELAY", "1ms")
	return tmp
}

func runCLI(t *testing.T, gw *fakeGateway, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	if gw != nil {
		r.WithDialer(func(context.Context, config.Settings) (chain.Gateway, func(), error) {
			return gw, nil, nil
		})
	}
	code := r.Run(args)
	return code, stdout.String(), stderr.String()
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("orchestrator execution start"); got != "execution start" {
		t.Fatalf("unexpected trim result: %s", got)
	}
}

func TestRunnerToolsList(t *testing.T) {
	isolateEnv(t)
	code, stdout, stderr := runCLI(t, nil, "tools", "list", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var out []map[string]any
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout)
	}
	names := map[string]bool{}
	for _, item := range out {
		names[item["name"].(string)] = true
	}
	if !names["swap_eth_to_usdc"] || !names["stake_usdc"] {
		t.Fatalf("expected base tools, got %v", names)
	}
}

func TestRunnerErrorEnvelopeIgnoresResultsOnly(t *testing.T) {
	isolateEnv(t)
	code, _, stderr := runCLI(t, nil, "tools", "list", "--enable-commands", "execution status", "--results-only")
	if code != 16 {
		t.Fatalf("expected exit 16, got %d stderr=%s", code, stderr)
	}
	var env map[string]any
	if err := json.Unmarshal([]byte(stderr), &env); err != nil {
		t.Fatalf("failed to parse error envelope: %v output=%s", err, stderr)
	}
	if env["success"] != false {
		t.Fatalf("expected success=false, got %v", env["success"])
	}
}

func TestRunnerPlanValidate(t *testing.T) {
	tmp := isolateEnv(t)
	path := filepath.Join(tmp, "plan.yaml")
	if err := os.WriteFile(path, []byte(testPlan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	code, stdout, stderr := runCLI(t, nil, "plan", "validate", "--file", path, "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, `"send_remaining"`) {
		t.Fatalf("expected normalized plan, got %s", stdout)
	}

	bad := filepath.Join(tmp, "bad.yaml")
	if err := os.WriteFile(bad, []byte(strings.Replace(testPlan, "kind: remainder", "kind: tool", 1)), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	code, _, _ = runCLI(t, nil, "plan", "validate", "--file", bad)
	if code != int(clierr.CodeValidation) {
		t.Fatalf("expected validation exit code, got %d", code)
	}
}

func TestRunnerStartFundStatus(t *testing.T) {
	tmp := isolateEnv(t)
	path := filepath.Join(tmp, "plan.yaml")
	if err := os.WriteFile(path, []byte(testPlan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	gw := newFakeGateway()

	code, stdout, stderr := runCLI(t, gw, "execution", "start", "--file", path, "--results-only")
	if code != 0 {
		t.Fatalf("start: expected exit 0, got %d stderr=%s", code, stderr)
	}
	var started struct {
		ExecutionID    string `json:"execution_id"`
		DepositAddress string `json:"deposit_address"`
		Outcome        string `json:"outcome"`
	}
	if err := json.Unmarshal([]byte(stdout), &started); err != nil {
		t.Fatalf("decode start output: %v %s", err, stdout)
	}
	if started.ExecutionID == "" || started.Outcome != "pending" || !strings.EqualFold(started.DepositAddress, testOperator) {
		t.Fatalf("unexpected start output: %+v", started)
	}

	code, stdout, stderr = runCLI(t, gw, "execution", "fund", "--id", started.ExecutionID, "--tx", testFundingTx, "--results-only")
	if code != 0 {
		t.Fatalf("fund: expected exit 0, got %d stderr=%s", code, stderr)
	}
	var funded struct {
		Outcome       string `json:"outcome"`
		IsComplete    bool   `json:"is_complete"`
		FundingSource string `json:"funding_source"`
	}
	if err := json.Unmarshal([]byte(stdout), &funded); err != nil {
		t.Fatalf("decode fund output: %v %s", err, stdout)
	}
	if funded.Outcome != "completed" || !funded.IsComplete || funded.FundingSource != testDepositor {
		t.Fatalf("unexpected fund output: %s", stdout)
	}
	if len(gw.transfers) != 1 || gw.transfers[0] != "ETH 10000000000000000 "+testDestination {
		t.Fatalf("unexpected transfers: %v", gw.transfers)
	}

	code, stdout, _ = runCLI(t, nil, "execution", "status", "--id", started.ExecutionID, "--results-only", "--select", "outcome")
	var status map[string]any
	if err := json.Unmarshal([]byte(stdout), &status); err != nil || code != 0 {
		t.Fatalf("unexpected status output (%d): %s", code, stdout)
	}
	if len(status) != 1 || status["outcome"] != "completed" {
		t.Fatalf("expected only the selected outcome field, got %v", status)
	}

	code, _, _ = runCLI(t, gw, "execution", "fund", "--id", started.ExecutionID, "--tx", testFundingTx)
	if code != int(clierr.CodeConflict) {
		t.Fatalf("expected conflict on repeated funding, got %d", code)
	}
}

func TestRunnerStatusNotFound(t *testing.T) {
	isolateEnv(t)
	code, _, stderr := runCLI(t, nil, "execution", "status", "--id", "missing")
	if code != int(clierr.CodeNotFound) {
		t.Fatalf("expected not found exit code, got %d stderr=%s", code, stderr)
	}
}

func TestRunnerStartRequiresOneSource(t *testing.T) {
	isolateEnv(t)
	code, _, _ := runCLI(t, newFakeGateway(), "execution", "start")
	if code != int(clierr.CodeUsage) {
		t.Fatalf("expected usage exit code, got %d", code)
	}
}

func TestRunnerSchema(t *testing.T) {
	isolateEnv(t)
	code, stdout, stderr := runCLI(t, nil, "schema", "execution", "fund", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, `"orchestrator execution fund"`) || !strings.Contains(stdout, `"tx"`) {
		t.Fatalf("unexpected schema output: %s", stdout)
	}
}
