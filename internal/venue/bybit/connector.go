// Package bybit implements the Bybit linear-perpetual connector (v5 API).
package bybit

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

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/venue"
)

const (
	restURL      = "https://api.bybit.com"
	streamURL    = "wss://stream.bybit.com/v5/public/linear"
	recvWindow   = "5000"
	pingInterval = 20 * time.Second
)

// Connector is the Bybit venue connector. Funding rates ride the public
// ticker stream; the rest is signed REST against the unified v5 API.
type Connector struct {
	*venue.Base
	rest *venue.RESTClient
}

var _ domain.VenueConnector = (*Connector)(nil)

// New creates a Bybit connector.
func New(apiKey, secret string, intervals *venue.IntervalCache, logger *slog.Logger) *Connector {
	c := &Connector{Base: venue.NewBase(domain.ExchangeBybit, intervals, logger)}
	c.rest = venue.NewRESTClient(domain.ExchangeBybit, restURL, signer(apiKey, secret))
	return c
}

// signer produces the v5 header signature: HMAC-SHA256 over
// timestamp + key + recvWindow + payload, where payload is the query string
// for GET and the raw body otherwise.
func signer(apiKey, secret string) venue.SignFunc {
	return func(req *http.Request, query url.Values, body []byte) error {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

		payload := string(body)
		if req.Method == http.MethodGet {
			payload = query.Encode()
		}

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(ts + apiKey + recvWindow + payload))

		req.Header.Set("X-BAPI-API-KEY", apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
		req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
		return nil
	}
}

// envelope is the uniform v5 response wrapper. retCode 0 means success; the
// transport layer only sees HTTP 200, so the wrapper is checked here.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Connector) get(ctx context.Context, path string, query url.Values, signed bool, out any) error {
	var env envelope
	if err := c.rest.Get(ctx, path, query, signed, &env); err != nil {
		return err
	}
	return c.unwrap(env, out)
}

func (c *Connector) post(ctx context.Context, path string, body any, out any) error {
	var env envelope
	if err := c.rest.Post(ctx, path, nil, body, &env); err != nil {
		return err
	}
	return c.unwrap(env, out)
}

func (c *Connector) unwrap(env envelope, out any) error {
	if env.RetCode != 0 {
		// 10006 is the documented throttle code.
		if env.RetCode == 10006 {
			return &domain.RateLimitError{Exchange: c.Exchange}
		}
		return &domain.APIError{Exchange: c.Exchange, Code: strconv.Itoa(env.RetCode), Message: env.RetMsg}
	}
	if out == nil || env.Result == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("bybit: decode result: %w", err)
	}
	return nil
}

// Connect verifies REST reachability.
func (c *Connector) Connect(ctx context.Context) error {
	err := c.Call(ctx, "ping", func(ctx context.Context) error {
		return c.get(ctx, "/v5/market/time", nil, false, nil)
	})
	if err != nil {
		return fmt.Errorf("bybit: connect: %w", err)
	}
	c.MarkConnected()
	return nil
}

// Close tears down subscriptions and the event stream.
func (c *Connector) Close() error {
	c.Shutdown()
	return nil
}

type ticker struct {
	Symbol          string `json:"symbol"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
}

func (c *Connector) sampleFromTicker(ctx context.Context, t ticker) (domain.FundingRateSample, error) {
	rate, err := venue.ParseDecimal(c.Exchange, "fundingRate", t.FundingRate)
	if err != nil {
		return domain.FundingRateSample{}, err
	}
	mark, err := venue.ParseDecimalPtr(c.Exchange, "markPrice", t.MarkPrice)
	if err != nil {
		return domain.FundingRateSample{}, err
	}
	index, err := venue.ParseDecimalPtr(c.Exchange, "indexPrice", t.IndexPrice)
	if err != nil {
		return domain.FundingRateSample{}, err
	}

	next := venue.ParseMillis(t.NextFundingTime)
	hours, source := c.Intervals.Resolve(c.Exchange, t.Symbol, func() (int, domain.IntervalSource, bool) {
		return c.lookupInterval(ctx, t.Symbol)
	}, next)

	return domain.FundingRateSample{
		Exchange:       c.Exchange,
		Symbol:         t.Symbol,
		Rate:           rate,
		NextSettlement: next,
		IntervalHours:  hours,
		IntervalSource: source,
		MarkPrice:      mark,
		IndexPrice:     index,
		RecordedAt:     time.Now(),
	}, nil
}

// lookupInterval reads the instrument's fundingInterval (reported in minutes).
func (c *Connector) lookupInterval(ctx context.Context, symbol string) (int, domain.IntervalSource, bool) {
	var result struct {
		List []struct {
			Symbol          string `json:"symbol"`
			FundingInterval int    `json:"fundingInterval"`
		} `json:"list"`
	}
	query := url.Values{"category": {"linear"}, "symbol": {symbol}}
	if err := c.get(ctx, "/v5/market/instruments-info", query, false, &result); err != nil {
		c.Logger.Warn("instrument lookup failed", slog.String("error", err.Error()))
		return 0, "", false
	}
	for _, inst := range result.List {
		if inst.Symbol == symbol && inst.FundingInterval > 0 {
			return inst.FundingInterval / 60, domain.IntervalSourceMetadata, true
		}
	}
	return 0, "", false
}

func (c *Connector) fetchTickers(ctx context.Context, symbol string) ([]ticker, error) {
	query := url.Values{"category": {"linear"}}
	if symbol != "" {
		query.Set("symbol", symbol)
	}
	var result struct {
		List []ticker `json:"list"`
	}
	err := c.Call(ctx, "tickers", func(ctx context.Context) error {
		return c.get(ctx, "/v5/market/tickers", query, false, &result)
	})
	if err != nil {
		return nil, err
	}
	return result.List, nil
}

// GetFundingRate returns the current funding sample for one symbol.
func (c *Connector) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRateSample, error) {
	tickers, err := c.fetchTickers(ctx, symbol)
	if err != nil {
		return domain.FundingRateSample{}, fmt.Errorf("bybit: funding rate %s: %w", symbol, err)
	}
	if len(tickers) == 0 {
		return domain.FundingRateSample{}, fmt.Errorf("bybit: funding rate %s: %w", symbol, domain.ErrNotFound)
	}
	return c.sampleFromTicker(ctx, tickers[0])
}

// GetFundingRates fetches all linear tickers in one call and filters.
func (c *Connector) GetFundingRates(ctx context.Context, symbols []string) (map[string]domain.FundingRateSample, error) {
	tickers, err := c.fetchTickers(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("bybit: funding rates: %w", err)
	}
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	out := make(map[string]domain.FundingRateSample, len(symbols))
	for _, t := range tickers {
		if !wanted[t.Symbol] {
			continue
		}
		sample, err := c.sampleFromTicker(ctx, t)
		if err != nil {
			c.Logger.Warn("skipping malformed sample", slog.String("symbol", t.Symbol), slog.String("error", err.Error()))
			continue
		}
		out[t.Symbol] = sample
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
	var result struct {
		List []struct {
			Symbol          string `json:"symbol"`
			FundingInterval int    `json:"fundingInterval"`
			PriceFilter     struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
		} `json:"list"`
	}
	query := url.Values{"category": {"linear"}, "symbol": {symbol}}
	err := c.Call(ctx, "symbolInfo", func(ctx context.Context) error {
		return c.get(ctx, "/v5/market/instruments-info", query, false, &result)
	})
	if err != nil {
		return domain.SymbolInfo{}, fmt.Errorf("bybit: symbol info %s: %w", symbol, err)
	}
	for _, inst := range result.List {
		if inst.Symbol != symbol {
			continue
		}
		min, err := venue.ParseDecimal(c.Exchange, "minOrderQty", inst.LotSizeFilter.MinOrderQty)
		if err != nil {
			return domain.SymbolInfo{}, err
		}
		maxLev, _ := decimal.NewFromString(inst.LeverageFilter.MaxLeverage)
		info := domain.SymbolInfo{
			Symbol:         symbol,
			VenueSymbol:    symbol,
			PricePrecision: decimalPlaces(inst.PriceFilter.TickSize),
			SizePrecision:  decimalPlaces(inst.LotSizeFilter.QtyStep),
			MinOrderSize:   min,
			MaxLeverage:    int(maxLev.IntPart()),
		}
		if inst.FundingInterval > 0 {
			info.FundingIntervalHours = inst.FundingInterval / 60
		}
		return info, nil
	}
	return domain.SymbolInfo{}, fmt.Errorf("bybit: symbol info %s: %w", symbol, domain.ErrNotFound)
}

// decimalPlaces counts fractional digits in a step string like "0.001".
func decimalPlaces(step string) int {
	if i := strings.IndexByte(step, '.'); i >= 0 {
		return len(strings.TrimRight(step[i+1:], "0"))
	}
	return 0
}

// GetBalance returns the unified-account balance for one coin.
func (c *Connector) GetBalance(ctx context.Context, asset string) (domain.Balance, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin            string `json:"coin"`
				WalletBalance   string `json:"walletBalance"`
				AvailableToTrade string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	query := url.Values{"accountType": {"UNIFIED"}, "coin": {asset}}
	err := c.Call(ctx, "balance", func(ctx context.Context) error {
		return c.get(ctx, "/v5/account/wallet-balance", query, true, &result)
	})
	if err != nil {
		return domain.Balance{}, fmt.Errorf("bybit: balance: %w", err)
	}
	for _, acct := range result.List {
		for _, coin := range acct.Coin {
			if coin.Coin != asset {
				continue
			}
			total, err := venue.ParseDecimal(c.Exchange, "walletBalance", coin.WalletBalance)
			if err != nil {
				return domain.Balance{}, err
			}
			avail, err := venue.ParseDecimal(c.Exchange, "availableToWithdraw", coin.AvailableToTrade)
			if err != nil {
				return domain.Balance{}, err
			}
			return domain.Balance{Exchange: c.Exchange, Asset: asset, Total: total, Available: avail}, nil
		}
	}
	return domain.Balance{Exchange: c.Exchange, Asset: asset}, nil
}

type positionEntry struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // "Buy" / "Sell" / "" when flat
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	Leverage      string `json:"leverage"`
	UnrealisedPnl string `json:"unrealisedPnl"`
}

func (c *Connector) positionFromEntry(p positionEntry) (*domain.VenuePosition, error) {
	size, err := venue.ParseDecimal(c.Exchange, "size", p.Size)
	if err != nil {
		return nil, err
	}
	if size.IsZero() || p.Side == "" {
		return nil, nil
	}
	entry, err := venue.ParseDecimal(c.Exchange, "avgPrice", p.AvgPrice)
	if err != nil {
		return nil, err
	}
	mark, err := venue.ParseDecimal(c.Exchange, "markPrice", p.MarkPrice)
	if err != nil {
		return nil, err
	}
	pnl, err := venue.ParseDecimal(c.Exchange, "unrealisedPnl", p.UnrealisedPnl)
	if err != nil {
		return nil, err
	}
	lev, _ := decimal.NewFromString(p.Leverage)

	side := domain.LegLong
	if p.Side == "Sell" {
		side = domain.LegShort
	}
	return &domain.VenuePosition{
		Exchange:      c.Exchange,
		Symbol:        p.Symbol,
		Side:          side,
		Size:          size,
		EntryPrice:    entry,
		MarkPrice:     mark,
		Leverage:      int(lev.IntPart()),
		UnrealizedPnL: pnl,
	}, nil
}

func (c *Connector) fetchPositions(ctx context.Context, symbol string) ([]domain.VenuePosition, error) {
	query := url.Values{"category": {"linear"}}
	if symbol != "" {
		query.Set("symbol", symbol)
	} else {
		query.Set("settleCoin", "USDT")
	}
	var result struct {
		List []positionEntry `json:"list"`
	}
	err := c.Call(ctx, "positions", func(ctx context.Context) error {
		return c.get(ctx, "/v5/position/list", query, true, &result)
	})
	if err != nil {
		return nil, err
	}
	var out []domain.VenuePosition
	for _, p := range result.List {
		pos, err := c.positionFromEntry(p)
		if err != nil {
			return nil, err
		}
		if pos != nil {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// GetPosition returns the live position for one symbol, or nil when flat.
func (c *Connector) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	positions, err := c.fetchPositions(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("bybit: position %s: %w", symbol, err)
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return &positions[0], nil
}

// GetPositions returns every non-flat linear position.
func (c *Connector) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	positions, err := c.fetchPositions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("bybit: positions: %w", err)
	}
	return positions, nil
}

func orderSide(side domain.LegSide, reduce bool) string {
	buy := side == domain.LegLong
	if reduce {
		buy = !buy
	}
	if buy {
		return "Buy"
	}
	return "Sell"
}

// CreateOrder submits a market order for one leg.
func (c *Connector) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	body := map[string]any{
		"category":  "linear",
		"symbol":    req.Symbol,
		"side":      orderSide(req.Side, req.Reduce),
		"orderType": "Market",
		"qty":       req.Size.String(),
	}
	if req.Reduce {
		body["reduceOnly"] = true
	}
	if req.ClientID != "" {
		body["orderLinkId"] = req.ClientID
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	err := c.Call(ctx, "createOrder", func(ctx context.Context) error {
		return c.post(ctx, "/v5/order/create", body, &result)
	})
	if err != nil {
		return domain.VenueOrder{}, fmt.Errorf("bybit: create order %s: %w", req.Symbol, err)
	}

	// The create response carries only the id; fetch the fill state.
	order, err := c.GetOrder(ctx, req.Symbol, result.OrderID)
	if err != nil {
		return domain.VenueOrder{
			Exchange: c.Exchange,
			OrderID:  result.OrderID,
			ClientID: result.OrderLinkID,
			Symbol:   req.Symbol,
			Side:     req.Side,
			Reduce:   req.Reduce,
			Size:     req.Size,
			Status:   "new",
		}, nil
	}
	return order, nil
}

// CancelOrder cancels an open order.
func (c *Connector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{"category": "linear", "symbol": symbol, "orderId": orderID}
	err := c.Call(ctx, "cancelOrder", func(ctx context.Context) error {
		return c.post(ctx, "/v5/order/cancel", body, nil)
	})
	if err != nil {
		return fmt.Errorf("bybit: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrder fetches one order's current state.
func (c *Connector) GetOrder(ctx context.Context, symbol, orderID string) (domain.VenueOrder, error) {
	query := url.Values{"category": {"linear"}, "symbol": {symbol}, "orderId": {orderID}}
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			ReduceOnly  bool   `json:"reduceOnly"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			CumExecFee  string `json:"cumExecFee"`
			OrderStatus string `json:"orderStatus"`
			CreatedTime string `json:"createdTime"`
		} `json:"list"`
	}
	err := c.Call(ctx, "getOrder", func(ctx context.Context) error {
		return c.get(ctx, "/v5/order/realtime", query, true, &result)
	})
	if err != nil {
		return domain.VenueOrder{}, fmt.Errorf("bybit: get order %s: %w", orderID, err)
	}
	if len(result.List) == 0 {
		return domain.VenueOrder{}, fmt.Errorf("bybit: get order %s: %w", orderID, domain.ErrNotFound)
	}
	o := result.List[0]

	size, err := venue.ParseDecimal(c.Exchange, "qty", o.Qty)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	filled, err := venue.ParseDecimal(c.Exchange, "cumExecQty", o.CumExecQty)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	avg, err := venue.ParseDecimal(c.Exchange, "avgPrice", o.AvgPrice)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	fee, err := venue.ParseDecimal(c.Exchange, "cumExecFee", o.CumExecFee)
	if err != nil {
		return domain.VenueOrder{}, err
	}

	side := domain.LegLong
	if (o.Side == "Sell") != o.ReduceOnly {
		side = domain.LegShort
	}
	return domain.VenueOrder{
		Exchange:   c.Exchange,
		OrderID:    o.OrderID,
		ClientID:   o.OrderLinkID,
		Symbol:     o.Symbol,
		Side:       side,
		Reduce:     o.ReduceOnly,
		Size:       size,
		FilledSize: filled,
		AvgPrice:   avg,
		Fee:        fee,
		Status:     normalizeStatus(o.OrderStatus),
		CreatedAt:  venue.ParseMillis(o.CreatedTime),
	}, nil
}

func normalizeStatus(s string) string {
	switch s {
	case "New", "PartiallyFilled", "Untriggered", "Created":
		return "new"
	case "Filled":
		return "filled"
	case "Cancelled", "Deactivated":
		return "cancelled"
	case "Rejected":
		return "rejected"
	default:
		return strings.ToLower(s)
	}
}

// SetLeverage sets symmetric buy/sell leverage for a symbol. The venue
// rejects a no-op change with code 110043, which is treated as success.
func (c *Connector) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]any{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err := c.Call(ctx, "setLeverage", func(ctx context.Context) error {
		return c.post(ctx, "/v5/position/set-leverage", body, nil)
	})
	if apiCode(err, "110043") { // leverage not modified
		return nil
	}
	if err != nil {
		return fmt.Errorf("bybit: set leverage %s: %w", symbol, err)
	}
	return nil
}

// SetPositionMode switches between one-way (0) and hedge (3) mode.
func (c *Connector) SetPositionMode(ctx context.Context, hedged bool) error {
	mode := 0
	if hedged {
		mode = 3
	}
	body := map[string]any{"category": "linear", "coin": "USDT", "mode": mode}
	err := c.Call(ctx, "setPositionMode", func(ctx context.Context) error {
		return c.post(ctx, "/v5/position/switch-mode", body, nil)
	})
	if apiCode(err, "110025") { // already in target mode
		return nil
	}
	if err != nil {
		return fmt.Errorf("bybit: set position mode: %w", err)
	}
	return nil
}

// apiCode reports whether err is an APIError with the given venue code.
func apiCode(err error, code string) bool {
	var apiErr *domain.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// tickerFrame is one push frame of the tickers.<symbol> stream. Snapshot
// frames carry all fields; delta frames only the changed ones.
type tickerFrame struct {
	Topic string `json:"topic"`
	Data  ticker `json:"data"`
}

// Subscribe starts a supervised stream. Funding and mark price ride the
// public ticker stream; position and balance updates poll signed REST.
func (c *Connector) Subscribe(ctx context.Context, typ domain.SubscriptionType, symbol string) error {
	if c.Closed() {
		return domain.ErrClosed
	}
	switch typ {
	case domain.SubFundingRate, domain.SubMarkPrice:
		// Delta frames may omit fields; carry the last full ticker forward.
		last := ticker{Symbol: symbol}
		stream := &venue.WSStream{
			URL:       streamURL,
			Subscribe: map[string]any{"op": "subscribe", "args": []string{"tickers." + symbol}},
			Ping: func(conn *websocket.Conn) error {
				return conn.WriteJSON(map[string]string{"op": "ping"})
			},
			PingInterval: pingInterval,
			Handle: func(msg []byte) error {
				var frame tickerFrame
				if err := json.Unmarshal(msg, &frame); err != nil || frame.Topic == "" {
					return nil
				}
				mergeTicker(&last, frame.Data)
				if last.FundingRate == "" {
					return nil
				}
				sample, err := c.sampleFromTicker(ctx, last)
				if err != nil {
					c.Logger.Warn("malformed stream sample", slog.String("symbol", symbol), slog.String("error", err.Error()))
					return nil
				}
				c.Emit(domain.ConnectorEvent{Type: domain.EventFundingRate, Exchange: c.Exchange, Sample: &sample, At: time.Now()})
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

func mergeTicker(dst *ticker, src ticker) {
	if src.FundingRate != "" {
		dst.FundingRate = src.FundingRate
	}
	if src.NextFundingTime != "" {
		dst.NextFundingTime = src.NextFundingTime
	}
	if src.MarkPrice != "" {
		dst.MarkPrice = src.MarkPrice
	}
	if src.IndexPrice != "" {
		dst.IndexPrice = src.IndexPrice
	}
}

// Unsubscribe stops the supervised stream.
func (c *Connector) Unsubscribe(typ domain.SubscriptionType, symbol string) error {
	c.Supervisor.Stop(typ, symbol)
	return nil
}
