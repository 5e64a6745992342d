package ostium

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

// Subgraph is a GraphQL client for the venue's eventually-consistent
// read index. It lags the settlement layer: a freshly filled trade may
// take several seconds to appear, and rows may be stale after a close.
type Subgraph struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client
}

// NewSubgraph creates a subgraph client for the given endpoint.
func NewSubgraph(graphqlURL, apiKey string) *Subgraph {
	return &Subgraph{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// graphqlRequest is the standard GraphQL request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// OpenTrades returns all currently open trades for a trader address.
func (s *Subgraph) OpenTrades(ctx context.Context, trader string) ([]domain.IndexedTrade, error) {
	query := `
		query OpenTrades($trader: String!) {
			trades(
				where: { trader: $trader, isOpen: true }
				orderBy: timestamp
				orderDirection: desc
				first: 100
			) {
				id
				trader
				pair { id from to }
				index
				collateral
				leverage
				openPrice
				stopLossPrice
				takeProfitPrice
				isBuy
				isOpen
				timestamp
			}
		}
	`

	respData, err := s.doQuery(ctx, query, map[string]any{"trader": strings.ToLower(trader)})
	if err != nil {
		return nil, fmt.Errorf("ostium/subgraph: open trades: %w", err)
	}

	var result struct {
		Trades []sgTrade `json:"trades"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("ostium/subgraph: decode open trades: %w", err)
	}

	trades := make([]domain.IndexedTrade, 0, len(result.Trades))
	for _, t := range result.Trades {
		trades = append(trades, t.toDomain())
	}
	return trades, nil
}

// RecentOrders returns the trader's most recent order history rows,
// newest first. Used to enrich open positions with their entry
// transaction hashes and to build closed-position history.
func (s *Subgraph) RecentOrders(ctx context.Context, trader string, lastN int) ([]OrderEvent, error) {
	query := `
		query RecentOrders($trader: String!, $first: Int!) {
			orders(
				where: { trader: $trader }
				orderBy: timestamp
				orderDirection: desc
				first: $first
			) {
				id
				trader
				pair { id from to }
				tradeID
				tradeIndex
				collateral
				leverage
				openPrice
				closePrice
				profitPercent
				amountSentToTrader
				totalFees
				isBuy
				orderAction
				txHash
				timestamp
			}
		}
	`

	respData, err := s.doQuery(ctx, query, map[string]any{
		"trader": strings.ToLower(trader),
		"first":  lastN,
	})
	if err != nil {
		return nil, fmt.Errorf("ostium/subgraph: recent orders: %w", err)
	}

	var result struct {
		Orders []sgOrder `json:"orders"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("ostium/subgraph: decode recent orders: %w", err)
	}

	events := make([]OrderEvent, 0, len(result.Orders))
	for _, o := range result.Orders {
		events = append(events, o.toEvent())
	}
	return events, nil
}

// ClosedTrades returns the trader's close fills, newest first.
func (s *Subgraph) ClosedTrades(ctx context.Context, trader string, lastN int) ([]domain.ClosedFill, error) {
	events, err := s.RecentOrders(ctx, trader, lastN)
	if err != nil {
		return nil, err
	}
	fills := make([]domain.ClosedFill, 0, len(events))
	for _, e := range events {
		if !e.IsClose {
			continue
		}
		fills = append(fills, domain.ClosedFill{
			TradeID:     e.TradeID,
			Trader:      e.Trader,
			PairIndex:   e.PairIndex,
			Index:       e.TradeIndex,
			Market:      e.Market,
			Side:        e.Side,
			Collateral:  e.Collateral,
			Leverage:    e.Leverage,
			OpenPrice:   e.OpenPrice,
			ClosePrice:  e.ClosePrice,
			RealizedPnL: e.RealizedPnL,
			Fees:        e.Fees,
			CloseTxHash: e.TxHash,
			ClosedAt:    e.Timestamp,
		})
	}
	return fills, nil
}

// Pairs returns the venue's market catalog.
func (s *Subgraph) Pairs(ctx context.Context) ([]domain.Market, error) {
	query := `
		query Pairs {
			pairs(first: 200) {
				id
				from
				to
				maxLeverage
				minLeverage
			}
		}
	`

	respData, err := s.doQuery(ctx, query, nil)
	if err != nil {
		return nil, fmt.Errorf("ostium/subgraph: pairs: %w", err)
	}

	var result struct {
		Pairs []sgPairDetail `json:"pairs"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("ostium/subgraph: decode pairs: %w", err)
	}

	now := time.Now().UTC()
	markets := make([]domain.Market, 0, len(result.Pairs))
	for _, p := range result.Pairs {
		markets = append(markets, domain.Market{
			PairIndex:   parseUint(p.ID),
			Symbol:      strings.ToUpper(p.From),
			Quote:       strings.ToUpper(p.To),
			MaxLeverage: FromLeverageUnits(parseUint(p.MaxLeverage)),
			MinLeverage: FromLeverageUnits(parseUint(p.MinLeverage)),
			IsActive:    true,
			UpdatedAt:   now,
		})
	}
	return markets, nil
}

// LatestBlock returns the latest block number the index has processed,
// useful for monitoring indexing lag.
func (s *Subgraph) LatestBlock(ctx context.Context) (int64, error) {
	query := `
		query LatestBlock {
			_meta {
				block {
					number
				}
			}
		}
	`

	respData, err := s.doQuery(ctx, query, nil)
	if err != nil {
		return 0, fmt.Errorf("ostium/subgraph: latest block: %w", err)
	}

	var result struct {
		Meta struct {
			Block struct {
				Number int64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return 0, fmt.Errorf("ostium/subgraph: decode latest block: %w", err)
	}
	return result.Meta.Block.Number, nil
}

// OrderEvent is a decoded order history row.
type OrderEvent struct {
	OrderID     string
	Trader      string
	TradeID     string
	TradeIndex  uint32
	PairIndex   uint32
	Market      string
	Side        domain.TradeSide
	Collateral  float64
	Leverage    float64
	OpenPrice   float64
	ClosePrice  float64
	RealizedPnL float64
	Fees        float64
	IsClose     bool
	TxHash      string
	Timestamp   time.Time
}

func (o sgOrder) toEvent() OrderEvent {
	side := domain.SideShort
	if o.IsBuy {
		side = domain.SideLong
	}
	collateral := FromCollateralUnits(parseDecString(o.Collateral))
	// PnL = payout - collateral; payout is only present on close rows.
	var pnl float64
	isClose := strings.Contains(strings.ToLower(o.OrderType), "close")
	if isClose {
		pnl = FromCollateralUnits(parseDecString(o.AmountSent)) - collateral
	}
	ev := OrderEvent{
		OrderID:     o.ID,
		Trader:      strings.ToLower(o.Trader),
		TradeID:     o.TradeID,
		TradeIndex:  parseUint(o.TradeIndex),
		PairIndex:   parseUint(o.Pair.ID),
		Market:      strings.ToUpper(o.Pair.From),
		Side:        side,
		Collateral:  collateral,
		Leverage:    FromLeverageUnits(parseUint(o.Leverage)),
		OpenPrice:   FromPriceUnits(parseDecString(o.OpenPrice)),
		ClosePrice:  FromPriceUnits(parseDecString(o.ClosePrice)),
		RealizedPnL: pnl,
		Fees:        FromCollateralUnits(parseDecString(o.TotalFees)),
		IsClose:     isClose,
		TxHash:      o.TxHash,
	}
	if ts := parseDecString(o.Timestamp).Int64(); ts > 0 {
		ev.Timestamp = time.Unix(ts, 0).UTC()
	}
	return ev
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doQuery executes a GraphQL query against the subgraph endpoint and
// returns the raw "data" field from the response.
func (s *Subgraph) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	reqBody := graphqlRequest{
		Query:     query,
		Variables: variables,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.graphqlURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}

	return gqlResp.Data, nil
}
