// Package okx implements the OKX USDT-swap connector (v5 API).
//
// OKX quotes swap sizes in contracts, not coins; the connector converts using
// the instrument's contract value so callers deal in coin amounts everywhere.
package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/venue"
)

const (
	restURL      = "https://www.okx.com"
	streamURL    = "wss://ws.okx.com:8443/ws/v5/public"
	pingInterval = 25 * time.Second
)

// Connector is the OKX venue connector.
type Connector struct {
	*venue.Base
	rest *venue.RESTClient

	// ctValMu guards the per-instrument contract-value cache.
	ctValMu sync.RWMutex
	ctVal   map[string]decimal.Decimal
}

var _ domain.VenueConnector = (*Connector)(nil)

// New creates an OKX connector.
func New(apiKey, secret, passphrase string, intervals *venue.IntervalCache, logger *slog.Logger) *Connector {
	c := &Connector{
		Base:  venue.NewBase(domain.ExchangeOKX, intervals, logger),
		ctVal: make(map[string]decimal.Decimal),
	}
	c.rest = venue.NewRESTClient(domain.ExchangeOKX, restURL, signer(apiKey, secret, passphrase))
	return c
}

// signer produces the OKX header signature: base64 HMAC-SHA256 over
// timestamp + method + requestPath(+query) + body.
func signer(apiKey, secret, passphrase string) venue.SignFunc {
	return func(req *http.Request, query url.Values, body []byte) error {
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

		path := req.URL.Path
		if len(query) > 0 {
			path += "?" + query.Encode()
		}

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(ts + req.Method + path + string(body)))

		req.Header.Set("OK-ACCESS-KEY", apiKey)
		req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", passphrase)
		return nil
	}
}

// instID converts the canonical symbol to the venue's instrument id:
// "BTCUSDT" becomes "BTC-USDT-SWAP".
func instID(symbol string) string {
	return venue.ToDashed(symbol, "-", "-SWAP")
}

func canonical(instID string) string {
	return venue.FromDashed(instID, "-", "-SWAP")
}

// envelope is the uniform v5 response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
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
	if env.Code != "0" {
		if env.Code == "50011" { // requests too frequent
			return &domain.RateLimitError{Exchange: c.Exchange}
		}
		return &domain.APIError{Exchange: c.Exchange, Code: env.Code, Message: env.Msg}
	}
	if out == nil || env.Data == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("okx: decode data: %w", err)
	}
	return nil
}

// Connect verifies REST reachability.
func (c *Connector) Connect(ctx context.Context) error {
	err := c.Call(ctx, "ping", func(ctx context.Context) error {
		return c.get(ctx, "/api/v5/public/time", nil, false, nil)
	})
	if err != nil {
		return fmt.Errorf("okx: connect: %w", err)
	}
	c.MarkConnected()
	return nil
}

// Close tears down subscriptions and the event stream.
func (c *Connector) Close() error {
	c.Shutdown()
	return nil
}

type fundingEntry struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (c *Connector) sampleFromFunding(ctx context.Context, f fundingEntry) (domain.FundingRateSample, error) {
	symbol := canonical(f.InstID)
	rate, err := venue.ParseDecimal(c.Exchange, "fundingRate", f.FundingRate)
	if err != nil {
		return domain.FundingRateSample{}, err
	}

	// fundingTime is the upcoming settlement; nextFundingTime the one after.
	// Their difference is the interval straight from the venue.
	settle := venue.ParseMillis(f.FundingTime)
	after := venue.ParseMillis(f.NextFundingTime)

	hours, source := c.Intervals.Resolve(c.Exchange, symbol, func() (int, domain.IntervalSource, bool) {
		if settle.IsZero() || after.IsZero() {
			return 0, "", false
		}
		h := int(after.Sub(settle).Round(time.Hour) / time.Hour)
		if h <= 0 {
			return 0, "", false
		}
		return h, domain.IntervalSourceMetadata, true
	}, settle)

	return domain.FundingRateSample{
		Exchange:       c.Exchange,
		Symbol:         symbol,
		Rate:           rate,
		NextSettlement: settle,
		IntervalHours:  hours,
		IntervalSource: source,
		RecordedAt:     time.Now(),
	}, nil
}

// GetFundingRate returns the current funding sample for one symbol.
func (c *Connector) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRateSample, error) {
	var entries []fundingEntry
	query := url.Values{"instId": {instID(symbol)}}
	err := c.Call(ctx, "fundingRate", func(ctx context.Context) error {
		return c.get(ctx, "/api/v5/public/funding-rate", query, false, &entries)
	})
	if err != nil {
		return domain.FundingRateSample{}, fmt.Errorf("okx: funding rate %s: %w", symbol, err)
	}
	if len(entries) == 0 {
		return domain.FundingRateSample{}, fmt.Errorf("okx: funding rate %s: %w", symbol, domain.ErrNotFound)
	}
	return c.sampleFromFunding(ctx, entries[0])
}

// GetFundingRates queries per symbol; the venue has no batch funding endpoint
// for swaps. Symbols the venue rejects are omitted.
func (c *Connector) GetFundingRates(ctx context.Context, symbols []string) (map[string]domain.FundingRateSample, error) {
	out := make(map[string]domain.FundingRateSample, len(symbols))
	for _, symbol := range symbols {
		sample, err := c.GetFundingRate(ctx, symbol)
		if err != nil {
			var apiErr *domain.APIError
			if errors.As(err, &apiErr) {
				c.Logger.Warn("skipping symbol", slog.String("symbol", symbol), slog.String("error", err.Error()))
				continue
			}
			return nil, err
		}
		out[symbol] = sample
	}
	return out, nil
}

// GetPrice returns the swap mark price.
func (c *Connector) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var entries []struct {
		MarkPx string `json:"markPx"`
	}
	query := url.Values{"instType": {"SWAP"}, "instId": {instID(symbol)}}
	err := c.Call(ctx, "price", func(ctx context.Context) error {
		return c.get(ctx, "/api/v5/public/mark-price", query, false, &entries)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("okx: price %s: %w", symbol, err)
	}
	if len(entries) == 0 {
		return decimal.Zero, fmt.Errorf("okx: price %s: %w", symbol, domain.ErrNotFound)
	}
	return venue.ParseDecimal(c.Exchange, "markPx", entries[0].MarkPx)
}

type instrument struct {
	InstID   string `json:"instId"`
	CtVal    string `json:"ctVal"`
	TickSz   string `json:"tickSz"`
	LotSz    string `json:"lotSz"`
	MinSz    string `json:"minSz"`
	Lever    string `json:"lever"`
}

func (c *Connector) fetchInstrument(ctx context.Context, symbol string) (instrument, error) {
	var entries []instrument
	query := url.Values{"instType": {"SWAP"}, "instId": {instID(symbol)}}
	err := c.Call(ctx, "instrument", func(ctx context.Context) error {
		return c.get(ctx, "/api/v5/public/instruments", query, false, &entries)
	})
	if err != nil {
		return instrument{}, err
	}
	if len(entries) == 0 {
		return instrument{}, domain.ErrNotFound
	}
	return entries[0], nil
}

// contractValue returns the coin amount one contract represents, cached per
// symbol.
func (c *Connector) contractValue(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.ctValMu.RLock()
	v, ok := c.ctVal[symbol]
	c.ctValMu.RUnlock()
	if ok {
		return v, nil
	}

	inst, err := c.fetchInstrument(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("okx: contract value %s: %w", symbol, err)
	}
	v, err = venue.ParseDecimal(c.Exchange, "ctVal", inst.CtVal)
	if err != nil {
		return decimal.Zero, err
	}
	if v.IsZero() {
		return decimal.Zero, &domain.APIError{Exchange: c.Exchange, Code: "zero_ctval", Message: symbol}
	}

	c.ctValMu.Lock()
	c.ctVal[symbol] = v
	c.ctValMu.Unlock()
	return v, nil
}

// GetSymbolInfo returns contract metadata for one symbol.
func (c *Connector) GetSymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	inst, err := c.fetchInstrument(ctx, symbol)
	if err != nil {
		return domain.SymbolInfo{}, fmt.Errorf("okx: symbol info %s: %w", symbol, err)
	}
	ctVal, err := venue.ParseDecimal(c.Exchange, "ctVal", inst.CtVal)
	if err != nil {
		return domain.SymbolInfo{}, err
	}
	minSz, err := venue.ParseDecimal(c.Exchange, "minSz", inst.MinSz)
	if err != nil {
		return domain.SymbolInfo{}, err
	}
	lever, _ := decimal.NewFromString(inst.Lever)

	info := domain.SymbolInfo{
		Symbol:         symbol,
		VenueSymbol:    inst.InstID,
		PricePrecision: decimalPlaces(inst.TickSz),
		SizePrecision:  decimalPlaces(inst.LotSz),
		MinOrderSize:   minSz.Mul(ctVal), // contracts to coin
		MaxLeverage:    int(lever.IntPart()),
	}
	if hours, _, ok := c.Intervals.Get(c.Exchange, symbol); ok {
		info.FundingIntervalHours = hours
	}
	return info, nil
}

func decimalPlaces(step string) int {
	if i := strings.IndexByte(step, '.'); i >= 0 {
		return len(strings.TrimRight(step[i+1:], "0"))
	}
	return 0
}

// GetBalance returns the trading-account balance for one currency.
func (c *Connector) GetBalance(ctx context.Context, asset string) (domain.Balance, error) {
	var accounts []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			Eq       string `json:"eq"`
			AvailEq  string `json:"availEq"`
		} `json:"details"`
	}
	query := url.Values{"ccy": {asset}}
	err := c.Call(ctx, "balance", func(ctx context.Context) error {
		return c.get(ctx, "/api/v5/account/balance", query, true, &accounts)
	})
	if err != nil {
		return domain.Balance{}, fmt.Errorf("okx: balance: %w", err)
	}
	for _, acct := range accounts {
		for _, d := range acct.Details {
			if d.Ccy != asset {
				continue
			}
			total, err := venue.ParseDecimal(c.Exchange, "eq", d.Eq)
			if err != nil {
				return domain.Balance{}, err
			}
			avail, err := venue.ParseDecimal(c.Exchange, "availEq", d.AvailEq)
			if err != nil {
				return domain.Balance{}, err
			}
			return domain.Balance{Exchange: c.Exchange, Asset: asset, Total: total, Available: avail}, nil
		}
	}
	return domain.Balance{Exchange: c.Exchange, Asset: asset}, nil
}

type positionEntry struct {
	InstID   string `json:"instId"`
	PosSide  string `json:"posSide"` // "long"/"short" in hedge mode, "net" otherwise
	Pos      string `json:"pos"`     // contracts, signed in net mode
	AvgPx    string `json:"avgPx"`
	MarkPx   string `json:"markPx"`
	Lever    string `json:"lever"`
	Upl      string `json:"upl"`
}

func (c *Connector) positionFromEntry(ctx context.Context, p positionEntry) (*domain.VenuePosition, error) {
	contracts, err := venue.ParseDecimal(c.Exchange, "pos", p.Pos)
	if err != nil {
		return nil, err
	}
	if contracts.IsZero() {
		return nil, nil
	}
	symbol := canonical(p.InstID)
	ctVal, err := c.contractValue(ctx, symbol)
	if err != nil {
		return nil, err
	}
	entry, err := venue.ParseDecimal(c.Exchange, "avgPx", p.AvgPx)
	if err != nil {
		return nil, err
	}
	mark, err := venue.ParseDecimal(c.Exchange, "markPx", p.MarkPx)
	if err != nil {
		return nil, err
	}
	pnl, err := venue.ParseDecimal(c.Exchange, "upl", p.Upl)
	if err != nil {
		return nil, err
	}
	lever, _ := decimal.NewFromString(p.Lever)

	side := domain.LegLong
	if p.PosSide == "short" || (p.PosSide == "net" && contracts.IsNegative()) {
		side = domain.LegShort
	}
	return &domain.VenuePosition{
		Exchange:      c.Exchange,
		Symbol:        symbol,
		Side:          side,
		Size:          contracts.Abs().Mul(ctVal),
		EntryPrice:    entry,
		MarkPrice:     mark,
		Leverage:      int(lever.IntPart()),
		UnrealizedPnL: pnl,
	}, nil
}

func (c *Connector) fetchPositions(ctx context.Context, symbol string) ([]domain.VenuePosition, error) {
	query := url.Values{"instType": {"SWAP"}}
	if symbol != "" {
		query.Set("instId", instID(symbol))
	}
	var entries []positionEntry
	err := c.Call(ctx, "positions", func(ctx context.Context) error {
		return c.get(ctx, "/api/v5/account/positions", query, true, &entries)
	})
	if err != nil {
		return nil, err
	}
	var out []domain.VenuePosition
	for _, p := range entries {
		pos, err := c.positionFromEntry(ctx, p)
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
		return nil, fmt.Errorf("okx: position %s: %w", symbol, err)
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return &positions[0], nil
}

// GetPositions returns every non-flat swap position.
func (c *Connector) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	positions, err := c.fetchPositions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("okx: positions: %w", err)
	}
	return positions, nil
}

func orderSide(side domain.LegSide, reduce bool) string {
	buy := side == domain.LegLong
	if reduce {
		buy = !buy
	}
	if buy {
		return "buy"
	}
	return "sell"
}

// CreateOrder submits a market order for one leg, converting coin size to
// contracts.
func (c *Connector) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	ctVal, err := c.contractValue(ctx, req.Symbol)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	contracts := req.Size.Div(ctVal)

	body := map[string]any{
		"instId":  instID(req.Symbol),
		"tdMode":  "cross",
		"side":    orderSide(req.Side, req.Reduce),
		"ordType": "market",
		"sz":      contracts.String(),
	}
	if req.Reduce {
		body["reduceOnly"] = true
	}
	if req.ClientID != "" {
		body["clOrdId"] = req.ClientID
	}

	var results []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	err = c.Call(ctx, "createOrder", func(ctx context.Context) error {
		return c.post(ctx, "/api/v5/trade/order", body, &results)
	})
	if err != nil {
		return domain.VenueOrder{}, fmt.Errorf("okx: create order %s: %w", req.Symbol, err)
	}
	if len(results) == 0 {
		return domain.VenueOrder{}, &domain.APIError{Exchange: c.Exchange, Code: "empty_result", Message: "order"}
	}
	r := results[0]
	if r.SCode != "0" && r.SCode != "" {
		return domain.VenueOrder{}, &domain.APIError{Exchange: c.Exchange, Code: r.SCode, Message: r.SMsg}
	}

	order, err := c.GetOrder(ctx, req.Symbol, r.OrdID)
	if err != nil {
		return domain.VenueOrder{
			Exchange: c.Exchange,
			OrderID:  r.OrdID,
			ClientID: r.ClOrdID,
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
	body := map[string]any{"instId": instID(symbol), "ordId": orderID}
	err := c.Call(ctx, "cancelOrder", func(ctx context.Context) error {
		return c.post(ctx, "/api/v5/trade/cancel-order", body, nil)
	})
	if err != nil {
		return fmt.Errorf("okx: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrder fetches one order's current state, converting contracts back to
// coin size.
func (c *Connector) GetOrder(ctx context.Context, symbol, orderID string) (domain.VenueOrder, error) {
	query := url.Values{"instId": {instID(symbol)}, "ordId": {orderID}}
	var entries []struct {
		OrdID      string `json:"ordId"`
		ClOrdID    string `json:"clOrdId"`
		Side       string `json:"side"`
		ReduceOnly string `json:"reduceOnly"`
		Sz         string `json:"sz"`
		AccFillSz  string `json:"accFillSz"`
		AvgPx      string `json:"avgPx"`
		Fee        string `json:"fee"`
		State      string `json:"state"`
		CTime      string `json:"cTime"`
	}
	err := c.Call(ctx, "getOrder", func(ctx context.Context) error {
		return c.get(ctx, "/api/v5/trade/order", query, true, &entries)
	})
	if err != nil {
		return domain.VenueOrder{}, fmt.Errorf("okx: get order %s: %w", orderID, err)
	}
	if len(entries) == 0 {
		return domain.VenueOrder{}, fmt.Errorf("okx: get order %s: %w", orderID, domain.ErrNotFound)
	}
	o := entries[0]

	ctVal, err := c.contractValue(ctx, symbol)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	contracts, err := venue.ParseDecimal(c.Exchange, "sz", o.Sz)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	fillContracts, err := venue.ParseDecimal(c.Exchange, "accFillSz", o.AccFillSz)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	avg, err := venue.ParseDecimal(c.Exchange, "avgPx", o.AvgPx)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	fee, err := venue.ParseDecimal(c.Exchange, "fee", o.Fee)
	if err != nil {
		return domain.VenueOrder{}, err
	}

	reduce := o.ReduceOnly == "true"
	side := domain.LegLong
	if (o.Side == "sell") != reduce {
		side = domain.LegShort
	}
	return domain.VenueOrder{
		Exchange:   c.Exchange,
		OrderID:    o.OrdID,
		ClientID:   o.ClOrdID,
		Symbol:     symbol,
		Side:       side,
		Reduce:     reduce,
		Size:       contracts.Mul(ctVal),
		FilledSize: fillContracts.Mul(ctVal),
		AvgPrice:   avg,
		Fee:        fee.Neg(), // venue reports fees as negative numbers
		Status:     normalizeStatus(o.State),
		CreatedAt:  venue.ParseMillis(o.CTime),
	}, nil
}

func normalizeStatus(s string) string {
	switch s {
	case "live", "partially_filled":
		return "new"
	case "filled":
		return "filled"
	case "canceled", "mmp_canceled":
		return "cancelled"
	default:
		return s
	}
}

// SetLeverage sets cross leverage for the swap.
func (c *Connector) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]any{
		"instId":  instID(symbol),
		"lever":   fmt.Sprintf("%d", leverage),
		"mgnMode": "cross",
	}
	err := c.Call(ctx, "setLeverage", func(ctx context.Context) error {
		return c.post(ctx, "/api/v5/account/set-leverage", body, nil)
	})
	if err != nil {
		return fmt.Errorf("okx: set leverage %s: %w", symbol, err)
	}
	return nil
}

// SetPositionMode switches between net and long/short mode. Code 59000 means
// the mode cannot change with open positions; a matching current mode comes
// back as 59001 and is treated as success.
func (c *Connector) SetPositionMode(ctx context.Context, hedged bool) error {
	mode := "net_mode"
	if hedged {
		mode = "long_short_mode"
	}
	body := map[string]any{"posMode": mode}
	err := c.Call(ctx, "setPositionMode", func(ctx context.Context) error {
		return c.post(ctx, "/api/v5/account/set-position-mode", body, nil)
	})
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) && apiErr.Code == "59001" {
		return nil
	}
	if err != nil {
		return fmt.Errorf("okx: set position mode: %w", err)
	}
	return nil
}

// fundingFrame is one push frame of the funding-rate channel.
type fundingFrame struct {
	Arg struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data []fundingEntry `json:"data"`
}

// Subscribe starts a supervised stream. Funding rates ride the public
// funding-rate channel; the rest polls REST.
func (c *Connector) Subscribe(ctx context.Context, typ domain.SubscriptionType, symbol string) error {
	if c.Closed() {
		return domain.ErrClosed
	}
	switch typ {
	case domain.SubFundingRate:
		stream := &venue.WSStream{
			URL: streamURL,
			Subscribe: map[string]any{
				"op":   "subscribe",
				"args": []map[string]string{{"channel": "funding-rate", "instId": instID(symbol)}},
			},
			Ping: func(conn *websocket.Conn) error {
				return conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			},
			PingInterval: pingInterval,
			Handle: func(msg []byte) error {
				if string(msg) == "pong" {
					return nil
				}
				var frame fundingFrame
				if err := json.Unmarshal(msg, &frame); err != nil || frame.Arg.Channel != "funding-rate" {
					return nil
				}
				for _, entry := range frame.Data {
					sample, err := c.sampleFromFunding(ctx, entry)
					if err != nil {
						c.Logger.Warn("malformed stream sample", slog.String("symbol", symbol), slog.String("error", err.Error()))
						continue
					}
					c.Emit(domain.ConnectorEvent{Type: domain.EventFundingRate, Exchange: c.Exchange, Sample: &sample, At: time.Now()})
				}
				return nil
			},
		}
		return c.Supervisor.Start(ctx, typ, symbol, func(ctx context.Context) error {
			return stream.Watch(ctx, c.Exchange, c.Logger)
		})

	case domain.SubMarkPrice:
		return c.Supervisor.Start(ctx, typ, symbol, func(ctx context.Context) error {
			return venue.Poll(ctx, 5*time.Second, func(ctx context.Context) error {
				price, err := c.GetPrice(ctx, symbol)
				if err != nil {
					return err
				}
				sample := domain.FundingRateSample{
					Exchange:   c.Exchange,
					Symbol:     symbol,
					MarkPrice:  &price,
					RecordedAt: time.Now(),
				}
				c.Emit(domain.ConnectorEvent{Type: domain.EventFundingRate, Exchange: c.Exchange, Sample: &sample, At: time.Now()})
				return nil
			})
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

// Unsubscribe stops the supervised stream.
func (c *Connector) Unsubscribe(typ domain.SubscriptionType, symbol string) error {
	c.Supervisor.Stop(typ, symbol)
	return nil
}
