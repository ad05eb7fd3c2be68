// exchange/client.go
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"pos_bian_go/logs"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Ensure APIClient implements the Client interface.
var _ Client = (*APIClient)(nil)

// Binance business codes mapped to idempotent successes.
const (
	codeUnknownOrder     = -2011
	codeMarginNoChange   = -4046
	codePositionModeSame = -4059
)

// A streamed price older than this is considered stale and the REST
// fallback takes over.
const priceStaleAfter = 10 * time.Second

type pricePoint struct {
	price float64
	at    time.Time
}

// APIClient talks to Binance USDT-M futures through go-binance. One client
// per user account; a shared limiter bounds the signed-request rate.
type APIClient struct {
	fc         *futures.Client
	label      string
	recvWindow int64
	limiter    *rate.Limiter

	symbolInfoMu    sync.RWMutex
	symbolInfoCache map[string]SymbolInfo

	priceMu    sync.RWMutex
	priceCache map[string]pricePoint
}

// NewAPIClient creates a client for one account. recvWindowSeconds is the
// signed-request validity window; requestsPerSecond bounds the call rate.
func NewAPIClient(label, apiKey, apiSecret, proxyURL string, timeoutSeconds, recvWindowSeconds int, requestsPerSecond float64, useTestnet bool) (*APIClient, error) {
	futures.UseTestnet = useTestnet
	fc := futures.NewClient(apiKey, apiSecret)
	fc.HTTPClient = &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second}

	if proxyURL != "" {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url for user %s: %w", label, err)
		}
		fc.HTTPClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxy)}
	}

	return &APIClient{
		fc:              fc,
		label:           label,
		recvWindow:      int64(recvWindowSeconds * 1000),
		limiter:         rate.NewLimiter(rate.Limit(requestsPerSecond), 2),
		symbolInfoCache: make(map[string]SymbolInfo),
		priceCache:      make(map[string]pricePoint),
	}, nil
}

// apiCode extracts the Binance business code from an error, 0 if none.
func apiCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func (c *APIClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter interrupted: %w", err)
	}
	return nil
}

// SyncTime aligns the client clock offset with the server and refreshes the
// exchange trading rules cache.
func (c *APIClient) SyncTime(ctx context.Context) error {
	offset, err := c.fc.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return fmt.Errorf("unable to sync server time for %s: %w", c.label, err)
	}
	logs.Infof("[API Client][%s] Time synchronization completed, offset: %d ms", c.label, offset)

	if err := c.fetchExchangeInfo(ctx); err != nil {
		// Price queries can still work without trading rules, so only warn.
		logs.Warnf("[API Client][%s] Failed to refresh exchange trading rules: %v", c.label, err)
	}
	return nil
}

func (c *APIClient) fetchExchangeInfo(ctx context.Context) error {
	info, err := c.fc.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("unable to get exchange info: %w", err)
	}

	c.symbolInfoMu.Lock()
	defer c.symbolInfoMu.Unlock()
	for _, s := range info.Symbols {
		c.symbolInfoCache[s.Symbol] = SymbolInfo{
			Symbol:            s.Symbol,
			Status:            s.Status,
			PricePrecision:    int32(s.PricePrecision),
			QuantityPrecision: int32(s.QuantityPrecision),
		}
	}
	logs.Infof("[API Client][%s] Exchange info cache updated, %d symbols.", c.label, len(c.symbolInfoCache))
	return nil
}

// SymbolInfo reads the cached trading rules for a symbol.
func (c *APIClient) SymbolInfo(symbol string) (SymbolInfo, bool) {
	c.symbolInfoMu.RLock()
	defer c.symbolInfoMu.RUnlock()
	info, ok := c.symbolInfoCache[symbol]
	return info, ok
}

// SetHedgeMode switches the account into (or out of) dual-side mode.
func (c *APIClient) SetHedgeMode(ctx context.Context, dual bool) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	err := c.fc.NewChangePositionModeService().DualSide(dual).Do(ctx, futures.WithRecvWindow(c.recvWindow))
	if err != nil && apiCode(err) != codePositionModeSame {
		return fmt.Errorf("failed to set hedge mode for %s: %w", c.label, err)
	}
	return nil
}

func (c *APIClient) SetMarginType(ctx context.Context, symbol, marginType string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	err := c.fc.NewChangeMarginTypeService().
		Symbol(symbol).
		MarginType(futures.MarginType(marginType)).
		Do(ctx, futures.WithRecvWindow(c.recvWindow))
	if err != nil && apiCode(err) != codeMarginNoChange {
		return fmt.Errorf("failed to set margin type %s on %s: %w", marginType, symbol, err)
	}
	return nil
}

func (c *APIClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.fc.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx, futures.WithRecvWindow(c.recvWindow))
	if err != nil {
		return fmt.Errorf("failed to set leverage %d on %s: %w", leverage, symbol, err)
	}
	return nil
}

// MakeOrder submits a market order with RESULT response type so the fill
// price and quantity come back in the same response.
func (c *APIClient) MakeOrder(ctx context.Context, symbol string, qty float64, side, positionSide string) (*OrderResult, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("refusing to submit non-positive quantity %.8f on %s", qty, symbol)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.fc.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		PositionSide(futures.PositionSideType(positionSide)).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
		NewClientOrderID("mk-" + uuid.NewString()[:18]).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx, futures.WithRecvWindow(c.recvWindow))
	if err != nil {
		return nil, fmt.Errorf("market order %s %s %s failed: %w", symbol, side, positionSide, err)
	}

	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	executed, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	return &OrderResult{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Status:      string(resp.Status),
		AvgPrice:    avgPrice,
		ExecutedQty: executed,
	}, nil
}

// PlaceRiskOrder submits a protective order: STOP_MARKET for sl,
// TAKE_PROFIT_MARKET or LIMIT for tp.
func (c *APIClient) PlaceRiskOrder(ctx context.Context, p RiskOrderParams) (*OrderResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	target := strconv.FormatFloat(p.TargetPrice, 'f', int(p.PricePrec), 64)
	svc := c.fc.NewCreateOrderService().
		Symbol(p.Symbol).
		Side(futures.SideType(p.Side)).
		PositionSide(futures.PositionSideType(p.PositionSide)).
		NewClientOrderID(p.Kind + "-" + uuid.NewString()[:18]).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	switch {
	case p.Kind == RiskSL:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(target).
			ClosePosition(true)
	case p.Kind == RiskTP && strings.EqualFold(p.OrderType, "LIMIT"):
		svc = svc.Type(futures.OrderTypeLimit).
			Price(target).
			Quantity(strconv.FormatFloat(p.Qty, 'f', -1, 64)).
			TimeInForce(futures.TimeInForceTypeGTC)
	case p.Kind == RiskTP:
		svc = svc.Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(target).
			ClosePosition(true)
	default:
		return nil, fmt.Errorf("unknown risk order kind '%s'", p.Kind)
	}

	resp, err := svc.Do(ctx, futures.WithRecvWindow(c.recvWindow))
	if err != nil {
		return nil, fmt.Errorf("%s order on %s %s at %s failed: %w", p.Kind, p.Symbol, p.PositionSide, target, err)
	}

	return &OrderResult{
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:  string(resp.Status),
	}, nil
}

// CancelOrderByID cancels an order; a missing order maps to ErrUnknownOrder.
func (c *APIClient) CancelOrderByID(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed order id '%s': %w", orderID, err)
	}
	if err := c.wait(ctx); err != nil {
		return err
	}

	_, err = c.fc.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx, futures.WithRecvWindow(c.recvWindow))
	if err != nil {
		if apiCode(err) == codeUnknownOrder {
			return ErrUnknownOrder
		}
		return fmt.Errorf("cancel of order %s on %s failed: %w", orderID, symbol, err)
	}
	return nil
}

// FetchPositions returns every reported position leg for the account.
func (c *APIClient) FetchPositions(ctx context.Context) ([]ReportedPosition, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	account, err := c.fc.NewGetAccountService().Do(ctx, futures.WithRecvWindow(c.recvWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions for %s: %w", c.label, err)
	}

	out := make([]ReportedPosition, 0, len(account.Positions))
	for _, p := range account.Positions {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		notional, _ := strconv.ParseFloat(p.Notional, 64)
		out = append(out, ReportedPosition{
			Symbol:       p.Symbol,
			PositionSide: string(p.PositionSide),
			PositionAmt:  amt,
			EntryPrice:   entry,
			Notional:     notional,
		})
	}
	return out, nil
}

// RealizedPnL sums realized PnL and commission from account trade history
// over [startMs, endMs], filtered by position side.
func (c *APIClient) RealizedPnL(ctx context.Context, symbol, positionSide string, startMs, endMs int64) (float64, float64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, 0, err
	}
	svc := c.fc.NewListAccountTradeService().Symbol(symbol)
	if startMs > 0 {
		svc = svc.StartTime(startMs)
	}
	if endMs > 0 {
		svc = svc.EndTime(endMs)
	}
	trades, err := svc.Do(ctx, futures.WithRecvWindow(c.recvWindow))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fetch trade history for %s: %w", symbol, err)
	}

	var pnl, commission float64
	for _, t := range trades {
		if t.Time < startMs {
			continue
		}
		if positionSide != "" && !strings.EqualFold(string(t.PositionSide), positionSide) {
			continue
		}
		p, _ := strconv.ParseFloat(t.RealizedPnl, 64)
		cm, _ := strconv.ParseFloat(t.Commission, 64)
		pnl += p
		commission += cm
	}
	return pnl, commission, nil
}

// HotPrice fetches the current price over REST.
func (c *APIClient) HotPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.fc.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch hot price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("empty price response for %s", symbol)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

// LastPrice reads the streaming price cache.
func (c *APIClient) LastPrice(symbol string) (float64, bool) {
	c.priceMu.RLock()
	defer c.priceMu.RUnlock()
	pt, ok := c.priceCache[symbol]
	if !ok || time.Since(pt.at) > priceStaleAfter {
		return 0, false
	}
	return pt.price, true
}

func (c *APIClient) storePrice(symbol string, price float64) {
	c.priceMu.Lock()
	c.priceCache[symbol] = pricePoint{price: price, at: time.Now()}
	c.priceMu.Unlock()
}

// StartPriceStream subscribes mark-price streams for the symbols and keeps
// the cache current. Each stream reconnects until the context ends.
func (c *APIClient) StartPriceStream(ctx context.Context, symbols []string) error {
	for _, symbol := range symbols {
		go c.runPriceStream(ctx, symbol)
	}
	return nil
}

func (c *APIClient) runPriceStream(ctx context.Context, symbol string) {
	for {
		doneC, stopC, err := futures.WsMarkPriceServe(symbol,
			func(event *futures.WsMarkPriceEvent) {
				price, perr := strconv.ParseFloat(event.MarkPrice, 64)
				if perr == nil && price > 0 {
					c.storePrice(symbol, price)
				}
			},
			func(err error) {
				logs.Warnf("[API Client][%s] Price stream error on %s: %v", c.label, symbol, err)
			})
		if err != nil {
			logs.Warnf("[API Client][%s] Price stream connect failed on %s: %v", c.label, symbol, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
				continue
			}
		}

		select {
		case <-ctx.Done():
			close(stopC)
			return
		case <-doneC:
			// Stream dropped, reconnect after a short pause.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}
