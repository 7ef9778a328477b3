// Package chain is the typed ledger gateway for the operating account: balance
// reads, contract calls, signed writes and finality waits against one EVM chain.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
)

// Tx is an unsigned write issued from the operating account.
type Tx struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Finality is what the gateway observed once a transaction was final.
type Finality struct {
	TxRef       string   `json:"tx_ref"`
	Reverted    bool     `json:"reverted"`
	From        string   `json:"from"`
	To          string   `json:"to,omitempty"`
	Value       *big.Int `json:"-"`
	BlockNumber uint64   `json:"block_number"`
}

// Caller performs read-only contract calls.
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Gateway is the ledger surface the orchestrator needs from one signer.
//
// Send returns only once the write has a successful receipt; a reverted or
// dropped write is an error.
type Gateway interface {
	Caller
	Address() common.Address
	Balance(ctx context.Context, asset id.Asset) (*big.Int, error)
	WaitForFinality(ctx context.Context, txRef string) (Finality, error)
	Send(ctx context.Context, tx Tx) (string, error)
	Transfer(ctx context.Context, asset id.Asset, to common.Address, amount *big.Int) (string, error)
}
