package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// maxKlinesPerRequest is the Binance cap on /api/v3/klines.
const maxKlinesPerRequest = 1000

// Client wraps public REST market data access to Binance.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient builds a REST client; use testnet to switch base URLs.
func NewClient(testnet bool) *Client {
	base := "https://api.binance.com"
	if testnet {
		base = "https://testnet.binance.vision"
	}
	return &Client{
		BaseURL:    base,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKlines fetches historical klines using the public endpoint.
// Set startTime/endTime to 0 to use default behavior (most recent klines).
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int, startTime, endTime int64) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	u := fmt.Sprintf("%s/api/v3/klines?%s", c.BaseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance klines status %d", res.StatusCode)
	}

	var raw [][]any
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline
		if len(item) < 11 {
			continue
		}
		klines = append(klines, Kline{
			Symbol:              symbol,
			OpenTime:            cast.ToInt64(item[0]),
			Open:                cast.ToFloat64(item[1]),
			High:                cast.ToFloat64(item[2]),
			Low:                 cast.ToFloat64(item[3]),
			Close:               cast.ToFloat64(item[4]),
			Volume:              cast.ToFloat64(item[5]),
			CloseTime:           cast.ToInt64(item[6]),
			QuoteVolume:         cast.ToFloat64(item[7]),
			NumberOfTrades:      cast.ToInt(item[8]),
			TakerBuyBaseVolume:  cast.ToFloat64(item[9]),
			TakerBuyQuoteVolume: cast.ToFloat64(item[10]),
		})
	}
	return klines, nil
}

// GetKlineHistory pages through klines until total candles are collected,
// ending at endTime (0 = now). Results are oldest first.
func (c *Client) GetKlineHistory(ctx context.Context, symbol, interval string, total int, endTime int64) ([]Kline, error) {
	if total <= 0 {
		return nil, nil
	}
	var pages [][]Kline
	collected := 0
	end := endTime
	for collected < total {
		limit := total - collected
		if limit > maxKlinesPerRequest {
			limit = maxKlinesPerRequest
		}
		page, err := c.GetKlines(ctx, symbol, interval, limit, 0, end)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)
		collected += len(page)
		end = page[0].OpenTime - 1
		if len(page) < limit {
			break
		}
	}

	out := make([]Kline, 0, collected)
	for i := len(pages) - 1; i >= 0; i-- {
		out = append(out, pages[i]...)
	}
	return out, nil
}
