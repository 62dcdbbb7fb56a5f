// Package binance implements the Binance USDT-margined perpetual connector.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/venue"
)

const (
	restURL   = "https://fapi.binance.com"
	streamURL = "wss://fstream.binance.com/ws"
)

// Connector is the Binance venue connector. Funding rates arrive over the
// mark-price websocket stream; everything else goes through signed REST.
type Connector struct {
	*venue.Base
	rest   *venue.RESTClient
	apiKey string
}

var _ domain.VenueConnector = (*Connector)(nil)

// New creates a Binance connector. apiKey and secret may be empty for
// read-only (public market data) use.
func New(apiKey, secret string, intervals *venue.IntervalCache, logger *slog.Logger) *Connector {
	c := &Connector{
		Base:   venue.NewBase(domain.ExchangeBinance, intervals, logger),
		apiKey: apiKey,
	}
	c.rest = venue.NewRESTClient(domain.ExchangeBinance, restURL, signer(apiKey, secret))
	return c
}

// signer produces the Binance request signature: HMAC-SHA256 over the query
// string, appended as the signature parameter.
func signer(apiKey, secret string) venue.SignFunc {
	return func(req *http.Request, query url.Values, _ []byte) error {
		if query == nil {
			query = url.Values{}
		}
		query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		query.Set("recvWindow", "5000")

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(query.Encode()))
		query.Set("signature", hex.EncodeToString(mac.Sum(nil)))

		req.URL.RawQuery = query.Encode()
		req.Header.Set("X-MBX-APIKEY", apiKey)
		return nil
	}
}

// Connect verifies REST reachability.
func (c *Connector) Connect(ctx context.Context) error {
	err := c.Call(ctx, "ping", func(ctx context.Context) error {
		return c.rest.Get(ctx, "/fapi/v1/ping", nil, false, nil)
	})
	if err != nil {
		return fmt.Errorf("binance: connect: %w", err)
	}
	c.MarkConnected()
	return nil
}

// Close tears down subscriptions and the event stream.
func (c *Connector) Close() error {
	c.Shutdown()
	return nil
}

type premiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

func (c *Connector) sampleFromPremium(ctx context.Context, p premiumIndex) (domain.FundingRateSample, error) {
	rate, err := venue.ParseDecimal(c.Exchange, "lastFundingRate", p.LastFundingRate)
	if err != nil {
		return domain.FundingRateSample{}, err
	}
	mark, err := venue.ParseDecimalPtr(c.Exchange, "markPrice", p.MarkPrice)
	if err != nil {
		return domain.FundingRateSample{}, err
	}
	index, err := venue.ParseDecimalPtr(c.Exchange, "indexPrice", p.IndexPrice)
	if err != nil {
		return domain.FundingRateSample{}, err
	}

	next := time.UnixMilli(p.NextFundingTime)
	hours, source := c.Intervals.Resolve(c.Exchange, p.Symbol, func() (int, domain.IntervalSource, bool) {
		return c.lookupInterval(ctx, p.Symbol)
	}, next)

	return domain.FundingRateSample{
		Exchange:       c.Exchange,
		Symbol:         p.Symbol,
		Rate:           rate,
		NextSettlement: next,
		IntervalHours:  hours,
		IntervalSource: source,
		MarkPrice:      mark,
		IndexPrice:     index,
		RecordedAt:     time.Now(),
	}, nil
}

// lookupInterval queries the funding-info endpoint, which Binance only
// populates for symbols off the default 8h schedule.
func (c *Connector) lookupInterval(ctx context.Context, symbol string) (int, domain.IntervalSource, bool) {
	var infos []struct {
		Symbol               string `json:"symbol"`
		FundingIntervalHours int    `json:"fundingIntervalHours"`
	}
	if err := c.rest.Get(ctx, "/fapi/v1/fundingInfo", nil, false, &infos); err != nil {
		c.Logger.Warn("funding info lookup failed", slog.String("error", err.Error()))
		return 0, "", false
	}
	for _, info := range infos {
		if info.Symbol == symbol && info.FundingIntervalHours > 0 {
			return info.FundingIntervalHours, domain.IntervalSourceMetadata, true
		}
	}
	// Absent from fundingInfo means the default schedule.
	return 8, domain.IntervalSourceMetadata, true
}

// GetFundingRate returns the current funding sample for one symbol.
func (c *Connector) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRateSample, error) {
	var p premiumIndex
	err := c.Call(ctx, "fundingRate", func(ctx context.Context) error {
		return c.rest.Get(ctx, "/fapi/v1/premiumIndex", url.Values{"symbol": {symbol}}, false, &p)
	})
	if err != nil {
		return domain.FundingRateSample{}, fmt.Errorf("binance: funding rate %s: %w", symbol, err)
	}
	return c.sampleFromPremium(ctx, p)
}

// GetFundingRates fetches all premium indexes in one call and filters to the
// requested symbols. Symbols the venue does not list are omitted.
func (c *Connector) GetFundingRates(ctx context.Context, symbols []string) (map[string]domain.FundingRateSample, error) {
	var all []premiumIndex
	err := c.Call(ctx, "fundingRates", func(ctx context.Context) error {
		return c.rest.Get(ctx, "/fapi/v1/premiumIndex", nil, false, &all)
	})
	if err != nil {
		return nil, fmt.Errorf("binance: funding rates: %w", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	out := make(map[string]domain.FundingRateSample, len(symbols))
	for _, p := range all {
		if !wanted[p.Symbol] {
			continue
		}
		sample, err := c.sampleFromPremium(ctx, p)
		if err != nil {
			c.Logger.Warn("skipping malformed sample", slog.String("symbol", p.Symbol), slog.String("error", err.Error()))
			continue
		}
		out[p.Symbol] = sample
	}
	return out, nil
}

// GetPrice returns the current mark price.
func (c *Connector) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sample, err := c.GetFundingRate(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if sample.MarkPrice == nil {
		return decimal.Zero, &domain.APIError{Exchange: c.Exchange, Code: "no_mark_price", Message: symbol}
	}
	return *sample.MarkPrice, nil
}

// GetSymbolInfo returns contract metadata for one symbol.
func (c *Connector) GetSymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	var resp struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType string `json:"filterType"`
				MinQty     string `json:"minQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	err := c.Call(ctx, "symbolInfo", func(ctx context.Context) error {
		return c.rest.Get(ctx, "/fapi/v1/exchangeInfo", url.Values{"symbol": {symbol}}, false, &resp)
	})
	if err != nil {
		return domain.SymbolInfo{}, fmt.Errorf("binance: symbol info %s: %w", symbol, err)
	}
	for _, s := range resp.Symbols {
		if s.Symbol != symbol {
			continue
		}
		info := domain.SymbolInfo{
			Symbol:         symbol,
			VenueSymbol:    symbol,
			PricePrecision: s.PricePrecision,
			SizePrecision:  s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			if f.FilterType == "LOT_SIZE" {
				min, err := venue.ParseDecimal(c.Exchange, "minQty", f.MinQty)
				if err != nil {
					return domain.SymbolInfo{}, err
				}
				info.MinOrderSize = min
			}
		}
		if hours, _, ok := c.Intervals.Get(c.Exchange, symbol); ok {
			info.FundingIntervalHours = hours
		}
		return info, nil
	}
	return domain.SymbolInfo{}, fmt.Errorf("binance: symbol info %s: %w", symbol, domain.ErrNotFound)
}

// GetBalance returns the futures balance for one asset.
func (c *Connector) GetBalance(ctx context.Context, asset string) (domain.Balance, error) {
	var balances []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	err := c.Call(ctx, "balance", func(ctx context.Context) error {
		return c.rest.Get(ctx, "/fapi/v2/balance", url.Values{}, true, &balances)
	})
	if err != nil {
		return domain.Balance{}, fmt.Errorf("binance: balance: %w", err)
	}
	for _, b := range balances {
		if b.Asset != asset {
			continue
		}
		total, err := venue.ParseDecimal(c.Exchange, "balance", b.Balance)
		if err != nil {
			return domain.Balance{}, err
		}
		avail, err := venue.ParseDecimal(c.Exchange, "availableBalance", b.AvailableBalance)
		if err != nil {
			return domain.Balance{}, err
		}
		return domain.Balance{Exchange: c.Exchange, Asset: asset, Total: total, Available: avail}, nil
	}
	return domain.Balance{Exchange: c.Exchange, Asset: asset}, nil
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

func (c *Connector) positionFromRisk(p positionRisk) (*domain.VenuePosition, error) {
	amt, err := venue.ParseDecimal(c.Exchange, "positionAmt", p.PositionAmt)
	if err != nil {
		return nil, err
	}
	if amt.IsZero() {
		return nil, nil
	}
	entry, err := venue.ParseDecimal(c.Exchange, "entryPrice", p.EntryPrice)
	if err != nil {
		return nil, err
	}
	mark, err := venue.ParseDecimal(c.Exchange, "markPrice", p.MarkPrice)
	if err != nil {
		return nil, err
	}
	pnl, err := venue.ParseDecimal(c.Exchange, "unRealizedProfit", p.UnRealizedProfit)
	if err != nil {
		return nil, err
	}
	lev, _ := strconv.Atoi(p.Leverage)

	side := domain.LegLong
	if amt.IsNegative() {
		side = domain.LegShort
	}
	return &domain.VenuePosition{
		Exchange:      c.Exchange,
		Symbol:        p.Symbol,
		Side:          side,
		Size:          amt.Abs(),
		EntryPrice:    entry,
		MarkPrice:     mark,
		Leverage:      lev,
		UnrealizedPnL: pnl,
	}, nil
}

// GetPosition returns the live position for one symbol, or nil when flat.
func (c *Connector) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	var risks []positionRisk
	err := c.Call(ctx, "position", func(ctx context.Context) error {
		return c.rest.Get(ctx, "/fapi/v2/positionRisk", url.Values{"symbol": {symbol}}, true, &risks)
	})
	if err != nil {
		return nil, fmt.Errorf("binance: position %s: %w", symbol, err)
	}
	for _, r := range risks {
		pos, err := c.positionFromRisk(r)
		if err != nil {
			return nil, err
		}
		if pos != nil {
			return pos, nil
		}
	}
	return nil, nil
}

// GetPositions returns every non-flat position.
func (c *Connector) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	var risks []positionRisk
	err := c.Call(ctx, "positions", func(ctx context.Context) error {
		return c.rest.Get(ctx, "/fapi/v2/positionRisk", url.Values{}, true, &risks)
	})
	if err != nil {
		return nil, fmt.Errorf("binance: positions: %w", err)
	}
	var out []domain.VenuePosition
	for _, r := range risks {
		pos, err := c.positionFromRisk(r)
		if err != nil {
			return nil, err
		}
		if pos != nil {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// orderSide maps a leg side and reduce flag to the venue order direction.
// Opening a long buys; closing it sells.
func orderSide(side domain.LegSide, reduce bool) string {
	buy := side == domain.LegLong
	if reduce {
		buy = !buy
	}
	if buy {
		return "BUY"
	}
	return "SELL"
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	ReduceOnly    bool   `json:"reduceOnly"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	UpdateTime    int64  `json:"updateTime"`
}

func (c *Connector) orderFromResponse(o orderResponse) (domain.VenueOrder, error) {
	size, err := venue.ParseDecimal(c.Exchange, "origQty", o.OrigQty)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	filled, err := venue.ParseDecimal(c.Exchange, "executedQty", o.ExecutedQty)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	avg, err := venue.ParseDecimal(c.Exchange, "avgPrice", o.AvgPrice)
	if err != nil {
		return domain.VenueOrder{}, err
	}

	side := domain.LegLong
	if (o.Side == "SELL") != o.ReduceOnly {
		side = domain.LegShort
	}
	return domain.VenueOrder{
		Exchange:   c.Exchange,
		OrderID:    strconv.FormatInt(o.OrderID, 10),
		ClientID:   o.ClientOrderID,
		Symbol:     o.Symbol,
		Side:       side,
		Reduce:     o.ReduceOnly,
		Size:       size,
		FilledSize: filled,
		AvgPrice:   avg,
		Status:     normalizeStatus(o.Status),
		CreatedAt:  time.UnixMilli(o.UpdateTime),
	}, nil
}

func normalizeStatus(s string) string {
	switch s {
	case "NEW", "PARTIALLY_FILLED":
		return "new"
	case "FILLED":
		return "filled"
	case "CANCELED", "EXPIRED":
		return "cancelled"
	case "REJECTED":
		return "rejected"
	default:
		return strings.ToLower(s)
	}
}

// CreateOrder submits a market order for one leg.
func (c *Connector) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	params := url.Values{
		"symbol":           {req.Symbol},
		"side":             {orderSide(req.Side, req.Reduce)},
		"type":             {"MARKET"},
		"quantity":         {req.Size.String()},
		"newOrderRespType": {"RESULT"},
	}
	if req.Reduce {
		params.Set("reduceOnly", "true")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	var resp orderResponse
	err := c.Call(ctx, "createOrder", func(ctx context.Context) error {
		return c.rest.Post(ctx, "/fapi/v1/order", params, nil, &resp)
	})
	if err != nil {
		return domain.VenueOrder{}, fmt.Errorf("binance: create order %s: %w", req.Symbol, err)
	}
	return c.orderFromResponse(resp)
}

// CancelOrder cancels an open order.
func (c *Connector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	err := c.Call(ctx, "cancelOrder", func(ctx context.Context) error {
		return c.rest.Delete(ctx, "/fapi/v1/order", params, nil)
	})
	if err != nil {
		return fmt.Errorf("binance: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrder fetches one order's current state.
func (c *Connector) GetOrder(ctx context.Context, symbol, orderID string) (domain.VenueOrder, error) {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	var resp orderResponse
	err := c.Call(ctx, "getOrder", func(ctx context.Context) error {
		return c.rest.Get(ctx, "/fapi/v1/order", params, true, &resp)
	})
	if err != nil {
		return domain.VenueOrder{}, fmt.Errorf("binance: get order %s: %w", orderID, err)
	}
	return c.orderFromResponse(resp)
}

// SetLeverage sets the leverage for a symbol.
func (c *Connector) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{"symbol": {symbol}, "leverage": {strconv.Itoa(leverage)}}
	err := c.Call(ctx, "setLeverage", func(ctx context.Context) error {
		return c.rest.Post(ctx, "/fapi/v1/leverage", params, nil, nil)
	})
	if err != nil {
		return fmt.Errorf("binance: set leverage %s: %w", symbol, err)
	}
	return nil
}

// SetPositionMode switches between one-way and hedge mode. The venue rejects
// a no-op switch with a dedicated code, which is treated as success.
func (c *Connector) SetPositionMode(ctx context.Context, hedged bool) error {
	params := url.Values{"dualSidePosition": {strconv.FormatBool(hedged)}}
	err := c.Call(ctx, "setPositionMode", func(ctx context.Context) error {
		return c.rest.Post(ctx, "/fapi/v1/positionSide/dual", params, nil, nil)
	})
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) && apiErr.Code == "-4059" {
		return nil // "No need to change position side"
	}
	if err != nil {
		return fmt.Errorf("binance: set position mode: %w", err)
	}
	return nil
}

// markPriceEvent is one frame of the <symbol>@markPrice stream.
type markPriceEvent struct {
	EventType       string `json:"e"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

// Subscribe starts a supervised stream. Funding rates and mark prices ride
// the venue's mark-price push stream; position and balance updates poll REST.
func (c *Connector) Subscribe(ctx context.Context, typ domain.SubscriptionType, symbol string) error {
	if c.Closed() {
		return domain.ErrClosed
	}
	switch typ {
	case domain.SubFundingRate, domain.SubMarkPrice:
		stream := &venue.WSStream{
			URL: streamURL + "/" + strings.ToLower(symbol) + "@markPrice",
			Handle: func(msg []byte) error {
				var ev markPriceEvent
				if err := json.Unmarshal(msg, &ev); err != nil {
					c.Logger.Warn("undecodable stream frame", slog.String("error", err.Error()))
					return nil
				}
				if ev.EventType != "markPriceUpdate" {
					return nil
				}
				c.handleMarkPrice(ctx, ev)
				return nil
			},
		}
		return c.Supervisor.Start(ctx, typ, symbol, func(ctx context.Context) error {
			return stream.Watch(ctx, c.Exchange, c.Logger)
		})

	case domain.SubPosition:
		return c.Supervisor.Start(ctx, typ, symbol, func(ctx context.Context) error {
			return venue.Poll(ctx, 10*time.Second, func(ctx context.Context) error {
				pos, err := c.GetPosition(ctx, symbol)
				if err != nil {
					return err
				}
				if pos != nil {
					c.Emit(domain.ConnectorEvent{Type: domain.EventPositionUpdate, Exchange: c.Exchange, Position: pos, At: time.Now()})
				}
				return nil
			})
		})

	case domain.SubBalance:
		return c.Supervisor.Start(ctx, typ, symbol, func(ctx context.Context) error {
			return venue.Poll(ctx, 30*time.Second, func(ctx context.Context) error {
				bal, err := c.GetBalance(ctx, symbol)
				if err != nil {
					return err
				}
				c.Emit(domain.ConnectorEvent{Type: domain.EventBalanceUpdate, Exchange: c.Exchange, Balance: &bal, At: time.Now()})
				return nil
			})
		})

	default:
		return domain.NewValidationError("subscription", "unknown type "+string(typ))
	}
}

func (c *Connector) handleMarkPrice(ctx context.Context, ev markPriceEvent) {
	sample, err := c.sampleFromPremium(ctx, premiumIndex{
		Symbol:          ev.Symbol,
		MarkPrice:       ev.MarkPrice,
		IndexPrice:      ev.IndexPrice,
		LastFundingRate: ev.FundingRate,
		NextFundingTime: ev.NextFundingTime,
	})
	if err != nil {
		c.Logger.Warn("malformed stream sample", slog.String("symbol", ev.Symbol), slog.String("error", err.Error()))
		return
	}
	c.Emit(domain.ConnectorEvent{Type: domain.EventFundingRate, Exchange: c.Exchange, Sample: &sample, At: time.Now()})
}

// Unsubscribe stops the supervised stream.
func (c *Connector) Unsubscribe(typ domain.SubscriptionType, symbol string) error {
	c.Supervisor.Stop(typ, symbol)
	return nil
}
