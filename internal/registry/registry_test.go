package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestDefaultContracts(t *testing.T) {
	base := DefaultContracts(8453)
	if base.SwapRouter == "" || base.QuoterV2 == "" || base.WETH == "" || base.AavePool == "" {
		t.Fatalf("expected base deployments, got %+v", base)
	}
	if got := DefaultContracts(999); got != (Contracts{}) {
		t.Fatalf("did not expect contracts for unknown chain, got %+v", got)
	}
}

func TestContractsMerge(t *testing.T) {
	merged := DefaultContracts(84532).Merge(Contracts{StakingVault: " 0x00000000000000000000000000000000000000aa "})
	if merged.StakingVault != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("expected trimmed vault override, got %q", merged.StakingVault)
	}
	if merged.SwapRouter != DefaultContracts(84532).SwapRouter {
		t.Fatal("expected base router to be preserved")
	}
}

func TestAddress(t *testing.T) {
	if _, err := Address("staking vault", ""); err == nil {
		t.Fatal("expected missing contract error")
	}
	if _, err := Address("router", "0x123"); err == nil {
		t.Fatal("expected malformed contract error")
	}
	addr, err := Address("router", "0x2626664c2603336E57B271c5C0b26F421741e481")
	if err != nil {
		t.Fatalf("Address failed: %v", err)
	}
	if addr.Hex() != "0x2626664c2603336E57B271c5C0b26F421741e481" {
		t.Fatalf("unexpected address: %s", addr.Hex())
	}
}

func TestResolveRPCURL(t *testing.T) {
	if got, err := ResolveRPCURL(" http://localhost:8545 ", 8453); err != nil || got != "http://localhost:8545" {
		t.Fatalf("expected override, got %q err=%v", got, err)
	}
	if got, err := ResolveRPCURL("", 84532); err != nil || got == "" {
		t.Fatalf("expected default base sepolia rpc, got %q err=%v", got, err)
	}
	if _, err := ResolveRPCURL("", 31337); err == nil {
		t.Fatal("expected missing rpc error")
	}
}

func TestABIConstantsParse(t *testing.T) {
	abis := []string{
		ERC20MinimalABI,
		UniswapV3QuoterV2ABI,
		UniswapV3RouterABI,
		AavePoolABI,
		StakingVaultABI,
	}
	for _, raw := range abis {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("failed to parse abi json: %v", err)
		}
	}
}
