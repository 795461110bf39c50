package models

import "context"

// CandleSource supplies an ordered, oldest-first candle sequence.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}
