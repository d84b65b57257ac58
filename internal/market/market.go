// Package market
package market

import "time"

// Ticker is a point-in-time price snapshot for a symbol.
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// PositionSide is the direction of an exchange-held position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// RawPosition is a single-symbol holding as reported by the exchange. It is
// the reconciliation engine's input; the core never interprets venue-specific
// payloads beyond this structure.
type RawPosition struct {
	Symbol        string
	Side          PositionSide
	Contracts     float64
	EntryPrice    float64
	Notional      float64
	UnrealizedPnL float64
	Timestamp     time.Time
}
