// Package binance retrieves OHLCV candles from the Binance public REST API.
// It assembles an ordered oldest-first sequence by paginating backwards in
// batches through the rate-limited platform client.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	platform "candlewatch/internal/platform/http"
	"candlewatch/models"
)

// maxBatch is the API's per-request kline limit.
const maxBatch = 1000

// Client is the Binance market-data client. It implements
// models.CandleSource.
type Client struct {
	baseURL    string
	httpClient *platform.Client
	logger     zerolog.Logger
}

// ClientOptions holds options for creating a new Client.
type ClientOptions struct {
	BaseURL         string
	RequestTimeout  time.Duration
	RequestsPerSec  int
	MaxRetryTimeout time.Duration
}

// NewClient creates a new Binance API client.
func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.binance.com"
	}
	return &Client{
		baseURL: opts.BaseURL,
		httpClient: platform.NewClient(platform.ClientOptions{
			Timeout:         opts.RequestTimeout,
			RequestsPerSec:  opts.RequestsPerSec,
			MaxRetryTimeout: opts.MaxRetryTimeout,
		}),
		logger: log.With().Str("component", "binance_client").Logger(),
	}
}

// GetCandles fetches up to limit candles for the symbol and interval,
// oldest first. Batches of at most 1000 are requested newest-backwards
// until the limit is assembled or history runs out.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("binance: candle limit must be positive, got %d", limit)
	}

	var candles []models.Candle
	var endTime int64

	for len(candles) < limit {
		batch := limit - len(candles)
		if batch > maxBatch {
			batch = maxBatch
		}

		page, err := c.fetchBatch(ctx, symbol, interval, batch, endTime)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		candles = append(page, candles...)
		endTime = page[0].Timestamp - 1

		if len(page) < batch {
			break // exhausted available history
		}
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("binance: no candles returned for %s %s", symbol, interval)
	}

	c.logger.Debug().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("count", len(candles)).
		Msg("fetched candles")
	return candles, nil
}

func (c *Client) fetchBatch(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]models.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	if endTime > 0 {
		q.Set("endTime", strconv.FormatInt(endTime, 10))
	}
	reqURL := c.baseURL + "/api/v3/klines?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.DoRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		c.logger.Error().Err(err).Str("response", string(body)).Msg("error parsing klines")
		return nil, fmt.Errorf("parsing klines: %w", err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("parsing kline %d: %w", i, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseKline converts one kline row. The API encodes prices and volume as
// strings inside a positional array:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, ...]
func parseKline(row []json.RawMessage) (models.Candle, error) {
	var candle models.Candle
	if len(row) < 9 {
		return candle, fmt.Errorf("kline has %d fields, want at least 9", len(row))
	}
	if err := json.Unmarshal(row[0], &candle.Timestamp); err != nil {
		return candle, fmt.Errorf("open time: %w", err)
	}
	fields := []struct {
		idx  int
		dest *float64
	}{
		{1, &candle.Open},
		{2, &candle.High},
		{3, &candle.Low},
		{4, &candle.Close},
		{5, &candle.Volume},
	}
	for _, f := range fields {
		var s string
		if err := json.Unmarshal(row[f.idx], &s); err != nil {
			return candle, fmt.Errorf("field %d: %w", f.idx, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return candle, fmt.Errorf("field %d: %w", f.idx, err)
		}
		*f.dest = v
	}
	if err := json.Unmarshal(row[8], &candle.TradeCount); err != nil {
		return candle, fmt.Errorf("trade count: %w", err)
	}
	return candle, nil
}
