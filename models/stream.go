package models

import (
	"fmt"
	"strings"
)

// StreamKind is the logical kind of a Binance futures market stream.
type StreamKind string

const (
	KindTrade               StreamKind = "trade"
	KindAggTrade            StreamKind = "aggTrade"
	KindKline               StreamKind = "kline"
	KindBookTicker          StreamKind = "bookTicker"
	KindDepth               StreamKind = "depth"
	KindMiniTicker          StreamKind = "miniTicker"
	KindTicker              StreamKind = "ticker"
	KindOpenInterest        StreamKind = "openInterest"
	KindFundingRate         StreamKind = "fundingRate"
	KindTakerLongShortRatio StreamKind = "takerLongShortRatio"
	KindMarkPrice           StreamKind = "markPrice"
	KindForceOrder          StreamKind = "forceOrder"
	KindOther               StreamKind = "other"
)

// AllKinds lists every subscribable kind.
var AllKinds = []StreamKind{
	KindTrade, KindAggTrade, KindKline, KindBookTicker, KindDepth, KindMiniTicker,
	KindTicker, KindOpenInterest, KindFundingRate, KindTakerLongShortRatio,
	KindMarkPrice, KindForceOrder,
}

// ParseStreamKind accepts a kind name as written in configuration.
func ParseStreamKind(s string) (StreamKind, error) {
	s = strings.TrimSpace(s)
	for _, k := range AllKinds {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown stream kind %q", s)
}

// SuffixOptions parameterises the kinds whose suffix carries a cadence.
type SuffixOptions struct {
	KlineInterval string
	DepthCadence  string
}

// Suffix returns the token appended after "{symbol}@" for k.
func (k StreamKind) Suffix(opts SuffixOptions) string {
	switch k {
	case KindKline:
		interval := opts.KlineInterval
		if interval == "" {
			interval = "1m"
		}
		return "kline_" + interval
	case KindDepth:
		cadence := opts.DepthCadence
		if cadence == "" {
			cadence = "100ms"
		}
		return "depth@" + cadence
	case KindMarkPrice:
		return "markPrice@1s"
	default:
		return string(k)
	}
}

// Subscription is one (symbol, kind) pair of the combined stream.
type Subscription struct {
	Symbol string
	Kind   StreamKind
}

// StreamName is the combined-stream token, e.g. "btcusdt@depth@100ms".
func (s Subscription) StreamName(opts SuffixOptions) string {
	return strings.ToLower(s.Symbol) + "@" + s.Kind.Suffix(opts)
}

// SplitStreamName splits "btcusdt@kline_1m" into the uppercase symbol and the
// kind. Unknown suffixes classify as KindOther.
func SplitStreamName(stream string) (string, StreamKind) {
	symbol, suffix, ok := strings.Cut(stream, "@")
	if !ok {
		return "", KindOther
	}
	return strings.ToUpper(symbol), kindFromSuffix(suffix)
}

func kindFromSuffix(suffix string) StreamKind {
	switch {
	case strings.HasPrefix(suffix, string(KindAggTrade)):
		return KindAggTrade
	case strings.HasPrefix(suffix, string(KindTrade)):
		return KindTrade
	case strings.HasPrefix(suffix, string(KindKline)):
		return KindKline
	case strings.HasPrefix(suffix, string(KindDepth)):
		return KindDepth
	case strings.HasPrefix(suffix, string(KindBookTicker)):
		return KindBookTicker
	case strings.HasPrefix(suffix, string(KindMiniTicker)):
		return KindMiniTicker
	case strings.HasPrefix(suffix, string(KindTicker)):
		return KindTicker
	case strings.HasPrefix(suffix, string(KindMarkPrice)):
		return KindMarkPrice
	case strings.HasPrefix(suffix, string(KindFundingRate)):
		return KindFundingRate
	case strings.HasPrefix(suffix, string(KindOpenInterest)):
		return KindOpenInterest
	case strings.HasPrefix(suffix, string(KindTakerLongShortRatio)):
		return KindTakerLongShortRatio
	case strings.HasPrefix(suffix, string(KindForceOrder)):
		return KindForceOrder
	}
	return KindOther
}

// IsTrade reports whether k carries executions the aggregator can fold.
func (k StreamKind) IsTrade() bool {
	return k == KindTrade || k == KindAggTrade
}
