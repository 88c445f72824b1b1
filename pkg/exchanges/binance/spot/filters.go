package spot

import (
	"math"
	"strconv"

	"grid-core/pkg/exchanges/common"
)

type exchangeInfo struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol  string         `json:"symbol"`
	Status  string         `json:"status"`
	Filters []symbolFilter `json:"filters"`
}

// symbolFilter is the union of the filter shapes we read.
type symbolFilter struct {
	FilterType string `json:"filterType"`

	// PRICE_FILTER
	TickSize string `json:"tickSize"`

	// LOT_SIZE
	MinQty   string `json:"minQty"`
	MaxQty   string `json:"maxQty"`
	StepSize string `json:"stepSize"`

	// MIN_NOTIONAL / NOTIONAL
	MinNotional string `json:"minNotional"`

	// PERCENT_PRICE
	MultiplierUp   string `json:"multiplierUp"`
	MultiplierDown string `json:"multiplierDown"`

	// PERCENT_PRICE_BY_SIDE
	BidMultiplierUp   string `json:"bidMultiplierUp"`
	BidMultiplierDown string `json:"bidMultiplierDown"`
	AskMultiplierUp   string `json:"askMultiplierUp"`
	AskMultiplierDown string `json:"askMultiplierDown"`
}

func (s symbolInfo) filterSpec() common.FilterSpec {
	spec := common.FilterSpec{Symbol: s.Symbol}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			spec.TickSize = parse(f.TickSize)
		case "LOT_SIZE":
			spec.MinQty = parse(f.MinQty)
			spec.MaxQty = parse(f.MaxQty)
			spec.StepSize = parse(f.StepSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			if v := parse(f.MinNotional); v > spec.MinNotional {
				spec.MinNotional = v
			}
		case "PERCENT_PRICE":
			spec.MaxPriceDeviation = tighter(spec.MaxPriceDeviation, deviation(f.MultiplierUp, f.MultiplierDown))
		case "PERCENT_PRICE_BY_SIDE":
			spec.MaxPriceDeviation = tighter(spec.MaxPriceDeviation, deviation(f.BidMultiplierUp, f.BidMultiplierDown))
			spec.MaxPriceDeviation = tighter(spec.MaxPriceDeviation, deviation(f.AskMultiplierUp, f.AskMultiplierDown))
		}
	}
	return spec
}

// deviation turns an up/down multiplier pair into a symmetric fractional bound.
func deviation(up, down string) float64 {
	u, d := parse(up), parse(down)
	if u <= 1 || d <= 0 || d >= 1 {
		return 0
	}
	return math.Min(u-1, 1-d)
}

func tighter(cur, next float64) float64 {
	if next <= 0 {
		return cur
	}
	if cur <= 0 || next < cur {
		return next
	}
	return cur
}

func parse(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
