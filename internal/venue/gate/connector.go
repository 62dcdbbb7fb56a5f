// Package gate implements the Gate.io USDT-perpetual connector (v4 API).
//
// Gate sizes orders in contracts and reports its funding interval in seconds
// directly on the contract object, which makes interval resolution exact.
// Subscriptions poll REST.
package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/venue"
)

const (
	restURL = "https://api.gateio.ws"
	prefix  = "/api/v4"
	settle  = "usdt"

	fundingPollInterval = 15 * time.Second
)

// Connector is the Gate venue connector.
type Connector struct {
	*venue.Base
	rest *venue.RESTClient

	// qtyMu guards the per-contract quanto-multiplier cache.
	qtyMu sync.RWMutex
	qty   map[string]decimal.Decimal
}

var _ domain.VenueConnector = (*Connector)(nil)

// New creates a Gate connector.
func New(apiKey, secret string, intervals *venue.IntervalCache, logger *slog.Logger) *Connector {
	c := &Connector{
		Base: venue.NewBase(domain.ExchangeGate, intervals, logger),
		qty:  make(map[string]decimal.Decimal),
	}
	c.rest = venue.NewRESTClient(domain.ExchangeGate, restURL, signer(apiKey, secret))
	return c
}

// signer produces the Gate v4 signature: HMAC-SHA512 over
// method\npath\nquery\nsha512(body)\ntimestamp.
func signer(apiKey, secret string) venue.SignFunc {
	return func(req *http.Request, query url.Values, body []byte) error {
		ts := strconv.FormatInt(time.Now().Unix(), 10)

		bodyHash := sha512.Sum512(body)
		payload := req.Method + "\n" + req.URL.Path + "\n" + query.Encode() + "\n" +
			hex.EncodeToString(bodyHash[:]) + "\n" + ts

		mac := hmac.New(sha512.New, []byte(secret))
		mac.Write([]byte(payload))

		req.Header.Set("KEY", apiKey)
		req.Header.Set("Timestamp", ts)
		req.Header.Set("SIGN", hex.EncodeToString(mac.Sum(nil)))
		return nil
	}
}

// contract converts the canonical symbol to the venue's contract name:
// "BTCUSDT" becomes "BTC_USDT".
func contract(symbol string) string {
	return venue.ToDashed(symbol, "_", "")
}

func canonical(contract string) string {
	return venue.FromDashed(contract, "_", "")
}

// Connect verifies REST reachability.
func (c *Connector) Connect(ctx context.Context) error {
	err := c.Call(ctx, "ping", func(ctx context.Context) error {
		var contracts []contractInfo
		return c.rest.Get(ctx, prefix+"/futures/usdt/contracts", url.Values{"limit": {"1"}}, false, &contracts)
	})
	if err != nil {
		return fmt.Errorf("gate: connect: %w", err)
	}
	c.MarkConnected()
	return nil
}

// Close tears down subscriptions and the event stream.
func (c *Connector) Close() error {
	c.Shutdown()
	return nil
}

type contractInfo struct {
	Name            string `json:"name"`
	FundingRate     string `json:"funding_rate"`
	FundingNext     int64  `json:"funding_next_apply"`
	FundingInterval int    `json:"funding_interval"` // seconds
	MarkPrice       string `json:"mark_price"`
	IndexPrice      string `json:"index_price"`
	QuantoMultiplier string `json:"quanto_multiplier"`
	OrderSizeMin    int64  `json:"order_size_min"`
	OrderPriceRound string `json:"order_price_round"`
	LeverageMax     string `json:"leverage_max"`
}

func (c *Connector) fetchContract(ctx context.Context, symbol string) (contractInfo, error) {
	var info contractInfo
	err := c.Call(ctx, "contract", func(ctx context.Context) error {
		return c.rest.Get(ctx, prefix+"/futures/usdt/contracts/"+contract(symbol), nil, false, &info)
	})
	if err != nil {
		return contractInfo{}, err
	}
	return info, nil
}

func (c *Connector) sampleFromContract(info contractInfo) (domain.FundingRateSample, error) {
	symbol := canonical(info.Name)
	rate, err := venue.ParseDecimal(c.Exchange, "funding_rate", info.FundingRate)
	if err != nil {
		return domain.FundingRateSample{}, err
	}
	mark, err := venue.ParseDecimalPtr(c.Exchange, "mark_price", info.MarkPrice)
	if err != nil {
		return domain.FundingRateSample{}, err
	}
	index, err := venue.ParseDecimalPtr(c.Exchange, "index_price", info.IndexPrice)
	if err != nil {
		return domain.FundingRateSample{}, err
	}

	var next time.Time
	if info.FundingNext > 0 {
		next = time.Unix(info.FundingNext, 0)
	}
	hours, source := c.Intervals.Resolve(c.Exchange, symbol, func() (int, domain.IntervalSource, bool) {
		if info.FundingInterval > 0 {
			return info.FundingInterval / 3600, domain.IntervalSourceMetadata, true
		}
		return 0, "", false
	}, next)

	return domain.FundingRateSample{
		Exchange:       c.Exchange,
		Symbol:         symbol,
		Rate:           rate,
		NextSettlement: next,
		IntervalHours:  hours,
		IntervalSource: source,
		MarkPrice:      mark,
		IndexPrice:     index,
		RecordedAt:     time.Now(),
	}, nil
}

// GetFundingRate returns the current funding sample for one symbol.
func (c *Connector) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRateSample, error) {
	info, err := c.fetchContract(ctx, symbol)
	if err != nil {
		return domain.FundingRateSample{}, fmt.Errorf("gate: funding rate %s: %w", symbol, err)
	}
	return c.sampleFromContract(info)
}

// GetFundingRates fetches the full contract list in one call and filters.
func (c *Connector) GetFundingRates(ctx context.Context, symbols []string) (map[string]domain.FundingRateSample, error) {
	var contracts []contractInfo
	err := c.Call(ctx, "contracts", func(ctx context.Context) error {
		return c.rest.Get(ctx, prefix+"/futures/usdt/contracts", nil, false, &contracts)
	})
	if err != nil {
		return nil, fmt.Errorf("gate: funding rates: %w", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	out := make(map[string]domain.FundingRateSample, len(symbols))
	for _, info := range contracts {
		symbol := canonical(info.Name)
		if !wanted[symbol] {
			continue
		}
		sample, err := c.sampleFromContract(info)
		if err != nil {
			c.Logger.Warn("skipping malformed sample", slog.String("symbol", symbol), slog.String("error", err.Error()))
			continue
		}
		out[symbol] = sample
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

// quantoMultiplier returns the coin amount one contract represents, cached.
func (c *Connector) quantoMultiplier(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.qtyMu.RLock()
	v, ok := c.qty[symbol]
	c.qtyMu.RUnlock()
	if ok {
		return v, nil
	}

	info, err := c.fetchContract(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("gate: quanto multiplier %s: %w", symbol, err)
	}
	v, err = venue.ParseDecimal(c.Exchange, "quanto_multiplier", info.QuantoMultiplier)
	if err != nil {
		return decimal.Zero, err
	}
	if v.IsZero() {
		return decimal.Zero, &domain.APIError{Exchange: c.Exchange, Code: "zero_multiplier", Message: symbol}
	}

	c.qtyMu.Lock()
	c.qty[symbol] = v
	c.qtyMu.Unlock()
	return v, nil
}

// GetSymbolInfo returns contract metadata for one symbol.
func (c *Connector) GetSymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	info, err := c.fetchContract(ctx, symbol)
	if err != nil {
		return domain.SymbolInfo{}, fmt.Errorf("gate: symbol info %s: %w", symbol, err)
	}
	mult, err := venue.ParseDecimal(c.Exchange, "quanto_multiplier", info.QuantoMultiplier)
	if err != nil {
		return domain.SymbolInfo{}, err
	}
	maxLev, _ := decimal.NewFromString(info.LeverageMax)

	si := domain.SymbolInfo{
		Symbol:         symbol,
		VenueSymbol:    info.Name,
		PricePrecision: decimalPlaces(info.OrderPriceRound),
		MinOrderSize:   decimal.NewFromInt(info.OrderSizeMin).Mul(mult),
		MaxLeverage:    int(maxLev.IntPart()),
	}
	if info.FundingInterval > 0 {
		si.FundingIntervalHours = info.FundingInterval / 3600
	}
	return si, nil
}

func decimalPlaces(step string) int {
	for i := 0; i < len(step); i++ {
		if step[i] == '.' {
			n := len(step) - i - 1
			for n > 0 && step[i+n] == '0' {
				n--
			}
			return n
		}
	}
	return 0
}

// GetBalance returns the futures-account balance.
func (c *Connector) GetBalance(ctx context.Context, asset string) (domain.Balance, error) {
	var acct struct {
		Currency  string `json:"currency"`
		Total     string `json:"total"`
		Available string `json:"available"`
	}
	err := c.Call(ctx, "balance", func(ctx context.Context) error {
		return c.rest.Get(ctx, prefix+"/futures/usdt/accounts", url.Values{}, true, &acct)
	})
	if err != nil {
		return domain.Balance{}, fmt.Errorf("gate: balance: %w", err)
	}
	total, err := venue.ParseDecimal(c.Exchange, "total", acct.Total)
	if err != nil {
		return domain.Balance{}, err
	}
	avail, err := venue.ParseDecimal(c.Exchange, "available", acct.Available)
	if err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{Exchange: c.Exchange, Asset: asset, Total: total, Available: avail}, nil
}

type positionEntry struct {
	Contract      string `json:"contract"`
	Size          int64  `json:"size"` // contracts, signed
	EntryPrice    string `json:"entry_price"`
	MarkPrice     string `json:"mark_price"`
	Leverage      string `json:"leverage"`
	UnrealisedPnl string `json:"unrealised_pnl"`
}

func (c *Connector) positionFromEntry(ctx context.Context, p positionEntry) (*domain.VenuePosition, error) {
	if p.Size == 0 {
		return nil, nil
	}
	symbol := canonical(p.Contract)
	mult, err := c.quantoMultiplier(ctx, symbol)
	if err != nil {
		return nil, err
	}
	entry, err := venue.ParseDecimal(c.Exchange, "entry_price", p.EntryPrice)
	if err != nil {
		return nil, err
	}
	mark, err := venue.ParseDecimal(c.Exchange, "mark_price", p.MarkPrice)
	if err != nil {
		return nil, err
	}
	pnl, err := venue.ParseDecimal(c.Exchange, "unrealised_pnl", p.UnrealisedPnl)
	if err != nil {
		return nil, err
	}
	lev, _ := decimal.NewFromString(p.Leverage)

	side := domain.LegLong
	size := p.Size
	if size < 0 {
		side = domain.LegShort
		size = -size
	}
	return &domain.VenuePosition{
		Exchange:      c.Exchange,
		Symbol:        symbol,
		Side:          side,
		Size:          decimal.NewFromInt(size).Mul(mult),
		EntryPrice:    entry,
		MarkPrice:     mark,
		Leverage:      int(lev.IntPart()),
		UnrealizedPnL: pnl,
	}, nil
}

// GetPosition returns the live position for one symbol, or nil when flat.
func (c *Connector) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	var entry positionEntry
	err := c.Call(ctx, "position", func(ctx context.Context) error {
		return c.rest.Get(ctx, prefix+"/futures/usdt/positions/"+contract(symbol), url.Values{}, true, &entry)
	})
	if err != nil {
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) { // POSITION_NOT_FOUND
			return nil, nil
		}
		return nil, fmt.Errorf("gate: position %s: %w", symbol, err)
	}
	return c.positionFromEntry(ctx, entry)
}

// GetPositions returns every non-flat perpetual position.
func (c *Connector) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	var entries []positionEntry
	err := c.Call(ctx, "positions", func(ctx context.Context) error {
		return c.rest.Get(ctx, prefix+"/futures/usdt/positions", url.Values{}, true, &entries)
	})
	if err != nil {
		return nil, fmt.Errorf("gate: positions: %w", err)
	}
	var out []domain.VenuePosition
	for _, e := range entries {
		pos, err := c.positionFromEntry(ctx, e)
		if err != nil {
			return nil, err
		}
		if pos != nil {
			out = append(out, *pos)
		}
	}
	return out, nil
}

type orderEntry struct {
	ID         int64  `json:"id"`
	Text       string `json:"text"`
	Contract   string `json:"contract"`
	Size       int64  `json:"size"` // signed contracts
	Left       int64  `json:"left"`
	FillPrice  string `json:"fill_price"`
	IsReduceOnly bool `json:"is_reduce_only"`
	Status     string `json:"status"`
	FinishAs   string `json:"finish_as"`
	CreateTime float64 `json:"create_time"`
}

func (c *Connector) orderFromEntry(ctx context.Context, symbol string, o orderEntry) (domain.VenueOrder, error) {
	mult, err := c.quantoMultiplier(ctx, symbol)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	avg, err := venue.ParseDecimal(c.Exchange, "fill_price", o.FillPrice)
	if err != nil {
		return domain.VenueOrder{}, err
	}

	size := o.Size
	sell := size < 0
	if sell {
		size = -size
	}
	side := domain.LegLong
	if sell != o.IsReduceOnly {
		side = domain.LegShort
	}

	status := "new"
	switch {
	case o.Status == "finished" && o.FinishAs == "filled":
		status = "filled"
	case o.Status == "finished" && (o.FinishAs == "cancelled" || o.FinishAs == "liquidated"):
		status = "cancelled"
	case o.Status == "finished":
		status = o.FinishAs
	}

	filled := size - abs(o.Left)
	return domain.VenueOrder{
		Exchange:   c.Exchange,
		OrderID:    strconv.FormatInt(o.ID, 10),
		ClientID:   o.Text,
		Symbol:     symbol,
		Side:       side,
		Reduce:     o.IsReduceOnly,
		Size:       decimal.NewFromInt(size).Mul(mult),
		FilledSize: decimal.NewFromInt(filled).Mul(mult),
		AvgPrice:   avg,
		Status:     status,
		CreatedAt:  time.Unix(int64(o.CreateTime), 0),
	}, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// CreateOrder submits a market order for one leg, converting coin size to
// signed contracts.
func (c *Connector) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	mult, err := c.quantoMultiplier(ctx, req.Symbol)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	contracts := req.Size.Div(mult).Round(0).IntPart()
	if contracts == 0 {
		return domain.VenueOrder{}, domain.NewValidationError("size", "below one contract")
	}
	sell := (req.Side == domain.LegShort) != req.Reduce
	if sell {
		contracts = -contracts
	}

	body := map[string]any{
		"contract": contract(req.Symbol),
		"size":     contracts,
		"price":    "0", // market order
		"tif":      "ioc",
	}
	if req.Reduce {
		body["reduce_only"] = true
	}
	if req.ClientID != "" {
		body["text"] = "t-" + req.ClientID
	}

	var o orderEntry
	err = c.Call(ctx, "createOrder", func(ctx context.Context) error {
		return c.rest.Post(ctx, prefix+"/futures/usdt/orders", nil, body, &o)
	})
	if err != nil {
		return domain.VenueOrder{}, fmt.Errorf("gate: create order %s: %w", req.Symbol, err)
	}
	return c.orderFromEntry(ctx, req.Symbol, o)
}

// CancelOrder cancels an open order.
func (c *Connector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := c.Call(ctx, "cancelOrder", func(ctx context.Context) error {
		return c.rest.Delete(ctx, prefix+"/futures/usdt/orders/"+orderID, nil, nil)
	})
	if err != nil {
		return fmt.Errorf("gate: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrder fetches one order's current state.
func (c *Connector) GetOrder(ctx context.Context, symbol, orderID string) (domain.VenueOrder, error) {
	var o orderEntry
	err := c.Call(ctx, "getOrder", func(ctx context.Context) error {
		return c.rest.Get(ctx, prefix+"/futures/usdt/orders/"+orderID, url.Values{}, true, &o)
	})
	if err != nil {
		return domain.VenueOrder{}, fmt.Errorf("gate: get order %s: %w", orderID, err)
	}
	return c.orderFromEntry(ctx, symbol, o)
}

// SetLeverage sets cross leverage (leverage 0 with a cross limit on Gate).
func (c *Connector) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	query := url.Values{
		"leverage":             {"0"},
		"cross_leverage_limit": {strconv.Itoa(leverage)},
	}
	err := c.Call(ctx, "setLeverage", func(ctx context.Context) error {
		return c.rest.Post(ctx, prefix+"/futures/usdt/positions/"+contract(symbol)+"/leverage", query, nil, nil)
	})
	if err != nil {
		return fmt.Errorf("gate: set leverage %s: %w", symbol, err)
	}
	return nil
}

// SetPositionMode switches dual mode on or off.
func (c *Connector) SetPositionMode(ctx context.Context, hedged bool) error {
	query := url.Values{"dual_mode": {strconv.FormatBool(hedged)}}
	err := c.Call(ctx, "setPositionMode", func(ctx context.Context) error {
		return c.rest.Post(ctx, prefix+"/futures/usdt/dual_mode", query, nil, nil)
	})
	if err != nil {
		return fmt.Errorf("gate: set position mode: %w", err)
	}
	return nil
}

// Subscribe starts a supervised polling loop; every stream type here is
// REST-backed.
func (c *Connector) Subscribe(ctx context.Context, typ domain.SubscriptionType, symbol string) error {
	if c.Closed() {
		return domain.ErrClosed
	}
	switch typ {
	case domain.SubFundingRate, domain.SubMarkPrice:
		return c.Supervisor.Start(ctx, typ, symbol, func(ctx context.Context) error {
			return venue.Poll(ctx, fundingPollInterval, func(ctx context.Context) error {
				sample, err := c.GetFundingRate(ctx, symbol)
				if err != nil {
					return err
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

// Unsubscribe stops the supervised polling loop.
func (c *Connector) Unsubscribe(typ domain.SubscriptionType, symbol string) error {
	c.Supervisor.Stop(typ, symbol)
	return nil
}
