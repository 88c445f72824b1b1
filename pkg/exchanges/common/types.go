package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the grid submits.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // required for LIMIT
	TimeInForce TimeInForce
	ClientID    string // optional client order id
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	ClientID        string
	FilledQty       float64
	AvgPrice        float64 // zero when the venue did not report fills
}

// FilterSpec holds the per-symbol trading rules an order must satisfy.
type FilterSpec struct {
	Symbol      string  `yaml:"symbol" json:"symbol"`
	TickSize    float64 `yaml:"tick_size" json:"tick_size"`
	MinNotional float64 `yaml:"min_notional" json:"min_notional"`
	StepSize    float64 `yaml:"step_size" json:"step_size"`
	MinQty      float64 `yaml:"min_qty" json:"min_qty"`
	MaxQty      float64 `yaml:"max_qty" json:"max_qty"` // 0 = unbounded
	// MaxPriceDeviation is a fraction of market price; <= 0 disables the check.
	MaxPriceDeviation float64 `yaml:"max_price_deviation" json:"max_price_deviation"`
}

// Merge returns f with every non-zero field of override applied on top.
func (f FilterSpec) Merge(override FilterSpec) FilterSpec {
	if override.Symbol != "" {
		f.Symbol = override.Symbol
	}
	if override.TickSize > 0 {
		f.TickSize = override.TickSize
	}
	if override.MinNotional > 0 {
		f.MinNotional = override.MinNotional
	}
	if override.StepSize > 0 {
		f.StepSize = override.StepSize
	}
	if override.MinQty > 0 {
		f.MinQty = override.MinQty
	}
	if override.MaxQty > 0 {
		f.MaxQty = override.MaxQty
	}
	if override.MaxPriceDeviation > 0 {
		f.MaxPriceDeviation = override.MaxPriceDeviation
	}
	return f
}
