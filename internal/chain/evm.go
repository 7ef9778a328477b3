package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution/signer"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/logger"
)

type Options struct {
	// ChainID, when set, must match what the endpoint reports.
	ChainID            int64
	Simulate           bool
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	PollInterval       time.Duration
	ReceiptTimeout     time.Duration
	FinalityAttempts   int
	FinalityDelay      time.Duration
	Confirmations      uint64
}

func DefaultOptions() Options {
	return Options{
		Simulate:         true,
		GasMultiplier:    1.2,
		PollInterval:     2 * time.Second,
		ReceiptTimeout:   2 * time.Minute,
		FinalityAttempts: 30,
		FinalityDelay:    2 * time.Second,
		Confirmations:    1,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.GasMultiplier <= 1 {
		o.GasMultiplier = def.GasMultiplier
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = def.ReceiptTimeout
	}
	if o.FinalityAttempts <= 0 {
		o.FinalityAttempts = def.FinalityAttempts
	}
	if o.FinalityDelay < 0 {
		o.FinalityDelay = def.FinalityDelay
	}
	if o.Confirmations == 0 {
		o.Confirmations = 1
	}
	return o
}

// EVMGateway implements Gateway over a JSON-RPC endpoint with a local signer.
type EVMGateway struct {
	rpc     *gethrpc.Client
	client  *ethclient.Client
	signer  signer.Signer
	chainID *big.Int
	opts    Options
	log     *slog.Logger

	nonceMu   sync.Mutex
	nextNonce uint64
	haveNonce bool
}

// DialEVM connects to rpcURL and binds the gateway to txSigner.
func DialEVM(ctx context.Context, rpcURL string, txSigner signer.Signer, opts Options) (*EVMGateway, error) {
	if txSigner == nil {
		return nil, clierr.New(clierr.CodeSigner, "missing signer")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	client := ethclient.NewClient(rpcClient)
	chainID, err := client.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if opts.ChainID != 0 && chainID.Int64() != opts.ChainID {
		rpcClient.Close()
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("rpc chain mismatch: expected eip155:%d, got eip155:%d", opts.ChainID, chainID.Int64()))
	}
	return &EVMGateway{
		rpc:     rpcClient,
		client:  client,
		signer:  txSigner,
		chainID: chainID,
		opts:    opts.withDefaults(),
		log:     logger.Named("chain"),
	}, nil
}

func (g *EVMGateway) Close() {
	g.rpc.Close()
}

func (g *EVMGateway) Address() common.Address {
	return g.signer.Address()
}

func (g *EVMGateway) ChainID() int64 {
	return g.chainID.Int64()
}

func (g *EVMGateway) Balance(ctx context.Context, asset id.Asset) (*big.Int, error) {
	if asset.Native {
		balance, err := g.client.BalanceAt(ctx, g.Address(), nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "read native balance", err)
		}
		return balance, nil
	}
	if !common.IsHexAddress(asset.Address) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("asset %s has no token address", asset.Symbol))
	}
	balance, err := BalanceOf(ctx, g, common.HexToAddress(asset.Address), g.Address())
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("read %s balance", asset.Symbol), err)
	}
	return balance, nil
}

func (g *EVMGateway) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{From: g.Address(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "eth_call "+to.Hex(), err)
	}
	return out, nil
}

func (g *EVMGateway) Transfer(ctx context.Context, asset id.Asset, to common.Address, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", clierr.New(clierr.CodeUsage, "transfer amount must be positive")
	}
	if asset.Native {
		return g.Send(ctx, Tx{To: to, Value: amount})
	}
	if !common.IsHexAddress(asset.Address) {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("asset %s has no token address", asset.Symbol))
	}
	data, err := TransferData(to, amount)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "pack transfer calldata", err)
	}
	return g.Send(ctx, Tx{To: common.HexToAddress(asset.Address), Data: data})
}

func (g *EVMGateway) Send(ctx context.Context, tx Tx) (string, error) {
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	from := g.Address()
	msg := ethereum.CallMsg{From: from, To: &tx.To, Value: value, Data: tx.Data}

	if g.opts.Simulate {
		if _, err := g.client.CallContract(ctx, msg, nil); err != nil {
			return "", clierr.Wrap(clierr.CodeStepExecutionFailed, "simulate transaction (eth_call)", err)
		}
	}
	gasLimit, err := g.client.EstimateGas(ctx, msg)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeStepExecutionFailed, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * g.opts.GasMultiplier)

	tipCap, err := g.resolveTipCap(ctx)
	if err != nil {
		return "", err
	}
	baseFee, err := g.latestBaseFee(ctx)
	if err != nil {
		return "", err
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, g.opts.MaxFeeGwei)
	if err != nil {
		return "", err
	}

	signed, err := g.signAndBroadcast(ctx, func(nonce uint64) *types.Transaction {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   g.chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &tx.To,
			Value:     value,
			Data:      tx.Data,
		})
	})
	if err != nil {
		return "", err
	}
	hash := signed.Hash()
	g.log.Debug("transaction broadcast",
		slog.String("tx_hash", hash.Hex()),
		slog.String("to", tx.To.Hex()),
		slog.Uint64("nonce", signed.Nonce()),
	)

	receipt, err := g.awaitReceipt(ctx, hash)
	if err != nil {
		return hash.Hex(), err
	}
	if uint64(receipt.Status) != types.ReceiptStatusSuccessful {
		return hash.Hex(), clierr.New(clierr.CodeStepExecutionFailed, fmt.Sprintf("transaction %s reverted on-chain", hash.Hex()))
	}
	return hash.Hex(), nil
}

// signAndBroadcast holds the nonce lock from nonce selection until the node
// accepted the transaction, so concurrent executions never share a nonce.
func (g *EVMGateway) signAndBroadcast(ctx context.Context, build func(nonce uint64) *types.Transaction) (*types.Transaction, error) {
	g.nonceMu.Lock()
	defer g.nonceMu.Unlock()

	pending, err := g.client.PendingNonceAt(ctx, g.Address())
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	nonce := pending
	if g.haveNonce && g.nextNonce > nonce {
		nonce = g.nextNonce
	}
	signed, err := g.signer.SignTx(g.chainID, build(nonce))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		g.haveNonce = false
		return nil, clierr.Wrap(clierr.CodeStepExecutionFailed, "broadcast transaction", err)
	}
	g.nextNonce = nonce + 1
	g.haveNonce = true
	return signed, nil
}

type rpcReceipt struct {
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
}

type rpcTransaction struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
}

func (g *EVMGateway) receipt(ctx context.Context, hash common.Hash) (*rpcReceipt, error) {
	var receipt *rpcReceipt
	if err := g.rpc.CallContext(ctx, &receipt, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (g *EVMGateway) awaitReceipt(ctx context.Context, hash common.Hash) (*rpcReceipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.opts.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()
	for {
		// Transient polling failures are retried until the timeout.
		receipt, err := g.receipt(waitCtx, hash)
		if err == nil && receipt != nil && g.confirmed(waitCtx, receipt) {
			return receipt, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, clierr.Wrap(clierr.CodeUnavailable, "timed out waiting for receipt of "+hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (g *EVMGateway) confirmed(ctx context.Context, receipt *rpcReceipt) bool {
	if g.opts.Confirmations <= 1 {
		return true
	}
	if receipt.BlockNumber == nil {
		return false
	}
	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return false
	}
	mined := receipt.BlockNumber.ToInt().Uint64()
	return head+1 >= mined+g.opts.Confirmations
}

// WaitForFinality polls for a receipt up to the configured attempt bound.
func (g *EVMGateway) WaitForFinality(ctx context.Context, txRef string) (Finality, error) {
	clean := strings.TrimSpace(txRef)
	if !isTxHash(clean) {
		return Finality{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid transaction reference %q", txRef))
	}
	hash := common.HexToHash(clean)

	var receipt *rpcReceipt
	for attempt := 1; attempt <= g.opts.FinalityAttempts; attempt++ {
		r, err := g.receipt(ctx, hash)
		if err == nil && r != nil && g.confirmed(ctx, r) {
			receipt = r
			break
		}
		if attempt == g.opts.FinalityAttempts {
			break
		}
		if err := sleepContext(ctx, g.opts.FinalityDelay); err != nil {
			return Finality{}, clierr.Wrap(clierr.CodeUnavailable, "wait for finality", err)
		}
	}
	if receipt == nil {
		return Finality{}, clierr.New(clierr.CodeNotFound, fmt.Sprintf("transaction %s not final after %d attempts", hash.Hex(), g.opts.FinalityAttempts))
	}

	var txn *rpcTransaction
	if err := g.rpc.CallContext(ctx, &txn, "eth_getTransactionByHash", hash); err != nil {
		return Finality{}, clierr.Wrap(clierr.CodeUnavailable, "fetch transaction", err)
	}
	out := Finality{
		TxRef:    hash.Hex(),
		Reverted: uint64(receipt.Status) != types.ReceiptStatusSuccessful,
		Value:    new(big.Int),
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.ToInt().Uint64()
	}
	if txn != nil {
		out.From = txn.From.Hex()
		if txn.To != nil {
			out.To = txn.To.Hex()
		}
		if txn.Value != nil {
			out.Value = txn.Value.ToInt()
		}
	}
	return out, nil
}

func (g *EVMGateway) latestBaseFee(ctx context.Context) (*big.Int, error) {
	var header struct {
		BaseFee *hexutil.Big `json:"baseFeePerGas"`
	}
	if err := g.rpc.CallContext(ctx, &header, "eth_getBlockByNumber", "latest", false); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	if header.BaseFee == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return header.BaseFee.ToInt(), nil
}

func (g *EVMGateway) resolveTipCap(ctx context.Context) (*big.Int, error) {
	if strings.TrimSpace(g.opts.MaxPriorityFeeGwei) != "" {
		v, err := parseGwei(g.opts.MaxPriorityFeeGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max priority fee", err)
		}
		return v, nil
	}
	tipCap, err := g.client.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max fee", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "max fee must be >= max priority fee")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

func isTxHash(v string) bool {
	if !strings.HasPrefix(v, "0x") || len(v) != 66 {
		return false
	}
	_, err := hexutil.Decode(v)
	return err == nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
