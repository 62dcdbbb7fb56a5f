// Package domain defines the core data types and small interfaces shared by
// every layer of the funding-rate arbitrage engine: funding samples and pairs,
// opportunities, positions, the venue connector contract, and the store and
// cache abstractions implemented by the postgres and redis packages.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Known venue names. Connectors report one of these in every sample and event.
const (
	ExchangeBinance = "binance"
	ExchangeBybit   = "bybit"
	ExchangeOKX     = "okx"
	ExchangeBitget  = "bitget"
	ExchangeGate    = "gate"
)

// ValidIntervalHours are the settlement intervals venues actually use.
var ValidIntervalHours = []int{1, 4, 8, 24}

// IntervalSource tags where a resolved settlement interval came from, so
// consumers can judge its confidence.
type IntervalSource string

const (
	IntervalSourceCache     IntervalSource = "cache"
	IntervalSourceMetadata  IntervalSource = "metadata"
	IntervalSourceHistory   IntervalSource = "history"
	IntervalSourceHeuristic IntervalSource = "heuristic"
	IntervalSourceDefault   IntervalSource = "default"
)

// FundingRateSample is one observed funding rate on one venue. Samples are
// immutable once recorded; normalization derives new values and never mutates
// the sample.
type FundingRateSample struct {
	Exchange       string
	Symbol         string          // canonical form, e.g. "BTCUSDT"
	Rate           decimal.Decimal // signed fraction per settlement interval
	NextSettlement time.Time
	IntervalHours  int              // 1, 4, 8, or 24
	IntervalSource IntervalSource
	MarkPrice      *decimal.Decimal
	IndexPrice     *decimal.Decimal
	RecordedAt     time.Time
}

// FundingRatePair is one ordered long/short assignment between two venues for
// a symbol. The feed recomputes every ordered pair of fresh venues on each
// update; the widest one doubles as the symbol's headline view. Pairs are
// never persisted.
type FundingRatePair struct {
	Symbol    string
	Samples   map[string]FundingRateSample // keyed by exchange
	LongSide  string                       // exchange to go long (pays the lower rate)
	ShortSide string                       // exchange to go short (receives the higher rate)
	Spread    decimal.Decimal              // short rate - long rate, on common basis
	APY       decimal.Decimal              // annualized percentage
	UpdatedAt time.Time
}

// RateUpdate is the payload of the rate-updated event published by the feed.
// Pair is the widest-spread assignment for display; Pairs carries every
// ordered pair of distinct fresh venues so each combination is tracked
// independently downstream.
type RateUpdate struct {
	Symbol string            `json:"symbol"`
	Pair   FundingRatePair   `json:"pair"`
	Pairs  []FundingRatePair `json:"pairs,omitempty"`
}
