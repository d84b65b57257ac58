// Package signal standardizes the payload handed from upstream statistical
// analysis to the execution layer.
package signal

import "time"

// Type expresses what the signal wants done with the pair.
type Type string

const (
	TypeBuy  Type = "buy"  // spread too wide: buy X, sell Y
	TypeSell Type = "sell" // spread too narrow: sell X, buy Y
	TypeExit Type = "exit" // close the open position for the pair
)

// TradeSignal is a trading bias for a cointegrated pair. The execution layer
// reads the pair symbols and hedge ratio; sizing is derived from configuration
// scaled by Confidence.
type TradeSignal struct {
	PairX      string
	PairY      string
	Type       Type
	ZScore     float64
	Confidence float64
	HedgeRatio float64
	Time       time.Time
}
