package ostium

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// tradingABI is the subset of the venue trading contract this service
// calls: market open, market close, and protective-trigger updates.
const tradingABI = `[
  {"type":"function","name":"openTrade","stateMutability":"nonpayable","inputs":[
    {"name":"t","type":"tuple","components":[
      {"name":"collateral","type":"uint256"},
      {"name":"openPrice","type":"uint192"},
      {"name":"tp","type":"uint192"},
      {"name":"sl","type":"uint192"},
      {"name":"trader","type":"address"},
      {"name":"leverage","type":"uint32"},
      {"name":"pairIndex","type":"uint16"},
      {"name":"index","type":"uint8"},
      {"name":"buy","type":"bool"}]},
    {"name":"orderType","type":"uint8"},
    {"name":"slippageP","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"closeTradeMarket","stateMutability":"nonpayable","inputs":[
    {"name":"pairIndex","type":"uint16"},
    {"name":"index","type":"uint8"},
    {"name":"closePercentage","type":"uint16"}],"outputs":[]},
  {"type":"function","name":"updateSl","stateMutability":"nonpayable","inputs":[
    {"name":"pairIndex","type":"uint16"},
    {"name":"index","type":"uint8"},
    {"name":"newSl","type":"uint192"}],"outputs":[]},
  {"type":"function","name":"updateTp","stateMutability":"nonpayable","inputs":[
    {"name":"pairIndex","type":"uint16"},
    {"name":"index","type":"uint8"},
    {"name":"newTp","type":"uint192"}],"outputs":[]}
]`

// marketOrderType is the contract's enum value for a market order.
const marketOrderType = uint8(0)

// fullClosePercent closes 100% of the position.
const fullClosePercent = uint16(100)

// defaultSlippagePercent is the open-order slippage tolerance in
// 18-decimal percent units (1% = 1e18).
var defaultSlippagePercent = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// tradeTuple mirrors the contract's Trade struct for ABI packing.
type tradeTuple struct {
	Collateral *big.Int
	OpenPrice  *big.Int
	Tp         *big.Int
	Sl         *big.Int
	Trader     common.Address
	Leverage   uint32
	PairIndex  uint16
	Index      uint8
	Buy        bool
}

// Client submits signed transactions to the venue trading contract over
// one RPC endpoint. A Client is bound to a single signing key; the
// session pool owns construction and replacement.
type Client struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	opts     *bind.TransactOpts
	signer   common.Address
	endpoint string
}

// Dial connects to an RPC endpoint and binds the trading contract to
// the given signing key.
func Dial(ctx context.Context, rpcURL, contractAddr string, chainID int64, key *ecdsa.PrivateKey) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ostium: dialing %s: %w", rpcURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(tradingABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("ostium: parsing trading ABI: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("ostium: building transactor: %w", err)
	}

	addr := common.HexToAddress(contractAddr)
	return &Client{
		eth:      eth,
		contract: bind.NewBoundContract(addr, parsed, eth, eth, eth),
		opts:     opts,
		signer:   opts.From,
		endpoint: rpcURL,
	}, nil
}

// Endpoint returns the RPC URL this client is bound to.
func (c *Client) Endpoint() string { return c.endpoint }

// Signer returns the address transactions are signed with.
func (c *Client) Signer() common.Address { return c.signer }

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.eth.Close() }

// BlockNumber is the health probe: a live endpoint answers it in
// well under the probe timeout.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// EthBalance returns the native balance of addr, used for the
// low-gas-funds alert on the signing agent.
func (c *Client) EthBalance(ctx context.Context, addr string) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, common.HexToAddress(addr), nil)
}

// OpenParams are the decoded parameters for a market open.
type OpenParams struct {
	Trader     string // position owner; differs from the signer under delegation
	PairIndex  uint32
	Collateral float64
	Leverage   float64
	Long       bool
	AtPrice    float64
	StopLoss   float64 // 0 = none
	TakeProfit float64 // 0 = none
}

// TxReceipt is the mined outcome of a contract call.
type TxReceipt struct {
	TxHash  string
	OrderID string
	GasUsed uint64
}

// AcceptedTxError is a failure that happened after the node accepted
// the signed transaction: the wait for mining failed, or the receipt
// came back reverted. The transaction may still land, so resubmitting
// the operation risks a duplicate; callers must never retry on it.
type AcceptedTxError struct {
	Op     string
	TxHash string
	Err    error // nil when the receipt was mined but reverted
}

func (e *AcceptedTxError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ostium: %s %s reverted on-chain", e.Op, e.TxHash)
	}
	return fmt.Sprintf("ostium: waiting for %s %s: %v", e.Op, e.TxHash, e.Err)
}

func (e *AcceptedTxError) Unwrap() error { return e.Err }

// OpenTrade submits a market open and waits for it to be mined. The
// returned OrderID identifies the pending order, not the filled trade;
// the filled trade's index is only observable via the subgraph.
func (c *Client) OpenTrade(ctx context.Context, p OpenParams) (TxReceipt, error) {
	t := tradeTuple{
		Collateral: ToCollateralUnits(p.Collateral),
		OpenPrice:  ToPriceUnits(p.AtPrice),
		Tp:         ToPriceUnits(p.TakeProfit),
		Sl:         ToPriceUnits(p.StopLoss),
		Trader:     common.HexToAddress(p.Trader),
		Leverage:   ToLeverageUnits(p.Leverage),
		PairIndex:  uint16(p.PairIndex),
		Index:      0,
		Buy:        p.Long,
	}

	opts := *c.opts
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, "openTrade", t, marketOrderType, defaultSlippagePercent)
	if err != nil {
		return TxReceipt{}, fmt.Errorf("ostium: openTrade: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return TxReceipt{}, &AcceptedTxError{Op: "openTrade", TxHash: tx.Hash().Hex(), Err: err}
	}
	if receipt.Status == 0 {
		return TxReceipt{}, &AcceptedTxError{Op: "openTrade", TxHash: tx.Hash().Hex()}
	}

	out := TxReceipt{
		TxHash:  tx.Hash().Hex(),
		OrderID: tx.Hash().Hex(),
		GasUsed: receipt.GasUsed,
	}
	// The order-stored event carries the pending order id in its first
	// indexed topic; fall back to the tx hash when absent.
	for _, lg := range receipt.Logs {
		if lg.Address == *tx.To() && len(lg.Topics) >= 2 {
			out.OrderID = lg.Topics[1].Big().String()
			break
		}
	}
	return out, nil
}

// CloseTradeMarket submits a full market close for one trade slot.
func (c *Client) CloseTradeMarket(ctx context.Context, pairIndex, tradeIndex uint32) (TxReceipt, error) {
	opts := *c.opts
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, "closeTradeMarket", uint16(pairIndex), uint8(tradeIndex), fullClosePercent)
	if err != nil {
		return TxReceipt{}, fmt.Errorf("ostium: closeTradeMarket: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return TxReceipt{}, &AcceptedTxError{Op: "closeTradeMarket", TxHash: tx.Hash().Hex(), Err: err}
	}
	if receipt.Status == 0 {
		return TxReceipt{}, &AcceptedTxError{Op: "closeTradeMarket", TxHash: tx.Hash().Hex()}
	}
	return TxReceipt{TxHash: tx.Hash().Hex(), GasUsed: receipt.GasUsed}, nil
}

// UpdateStopLoss sets the stop-loss trigger on an open trade.
func (c *Client) UpdateStopLoss(ctx context.Context, pairIndex, tradeIndex uint32, price float64) (TxReceipt, error) {
	return c.updateTrigger(ctx, "updateSl", pairIndex, tradeIndex, price)
}

// UpdateTakeProfit sets the take-profit trigger on an open trade.
func (c *Client) UpdateTakeProfit(ctx context.Context, pairIndex, tradeIndex uint32, price float64) (TxReceipt, error) {
	return c.updateTrigger(ctx, "updateTp", pairIndex, tradeIndex, price)
}

func (c *Client) updateTrigger(ctx context.Context, method string, pairIndex, tradeIndex uint32, price float64) (TxReceipt, error) {
	opts := *c.opts
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, method, uint16(pairIndex), uint8(tradeIndex), ToPriceUnits(price))
	if err != nil {
		return TxReceipt{}, fmt.Errorf("ostium: %s: %w", method, err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return TxReceipt{}, &AcceptedTxError{Op: method, TxHash: tx.Hash().Hex(), Err: err}
	}
	if receipt.Status == 0 {
		return TxReceipt{}, &AcceptedTxError{Op: method, TxHash: tx.Hash().Hex()}
	}
	return TxReceipt{TxHash: tx.Hash().Hex(), GasUsed: receipt.GasUsed}, nil
}
