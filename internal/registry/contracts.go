package registry

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Contracts is the set of protocol deployments the tool catalog calls into.
// Empty fields mean the protocol is not deployed (or not configured) on the chain.
type Contracts struct {
	SwapRouter   string `json:"swap_router,omitempty" yaml:"swap_router"`
	QuoterV2     string `json:"quoter_v2,omitempty" yaml:"quoter_v2"`
	WETH         string `json:"weth,omitempty" yaml:"weth"`
	AavePool     string `json:"aave_pool,omitempty" yaml:"aave_pool"`
	AaveUSDC     string `json:"aave_usdc,omitempty" yaml:"aave_usdc"`
	StakingVault string `json:"staking_vault,omitempty" yaml:"staking_vault"`
}

// Canonical Uniswap V3 (SwapRouter02/QuoterV2) and Aave V3 deployments.
var contractsByChainID = map[int64]Contracts{
	8453: {
		SwapRouter: "0x2626664c2603336E57B271c5C0b26F421741e481",
		QuoterV2:   "0x3d4e44Eb1374240CE5F1B871ab261CD16335B76a",
		WETH:       "0x4200000000000000000000000000000000000006",
		AavePool:   "0xA238Dd80C259a72e81d7e4664a9801593F98d1c5",
		AaveUSDC:   "0x4e65fE4DbA92790696d040ac24Aa414708F5c0AB",
	},
	84532: {
		SwapRouter: "0x94cC0AaC535CCDB3C01d6787D6413C739ae12bc4",
		QuoterV2:   "0xC5290058841028F1614F3A6F0F5816cAd0df5E27",
		WETH:       "0x4200000000000000000000000000000000000006",
		AavePool:   "0x07eA79F68B2B3df564D0A34F8e19D9B1e339814b",
	},
}

func DefaultContracts(chainID int64) Contracts {
	return contractsByChainID[chainID]
}

// Merge overlays non-empty override fields onto c.
func (c Contracts) Merge(override Contracts) Contracts {
	pick := func(base, over string) string {
		if strings.TrimSpace(over) != "" {
			return strings.TrimSpace(over)
		}
		return base
	}
	return Contracts{
		SwapRouter:   pick(c.SwapRouter, override.SwapRouter),
		QuoterV2:     pick(c.QuoterV2, override.QuoterV2),
		WETH:         pick(c.WETH, override.WETH),
		AavePool:     pick(c.AavePool, override.AavePool),
		AaveUSDC:     pick(c.AaveUSDC, override.AaveUSDC),
		StakingVault: pick(c.StakingVault, override.StakingVault),
	}
}

// Address resolves a named deployment, failing when it is missing or malformed.
func Address(name, raw string) (common.Address, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return common.Address{}, fmt.Errorf("no %s contract configured for this chain", name)
	}
	if !common.IsHexAddress(clean) {
		return common.Address{}, fmt.Errorf("invalid %s contract address %q", name, raw)
	}
	return common.HexToAddress(clean), nil
}
