package events

// Event enumerates high-level topics inside the grid core.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventStrategySignal Event = "strategy_signal"
	EventOrderFilled    Event = "order.filled"
	EventOrderRejected  Event = "order.rejected"
	EventTradeOpened    Event = "trade.opened"
	EventTradeClosed    Event = "trade.closed"
	EventGatewayError   Event = "gateway.error"
	EventShutdown       Event = "shutdown"
)

// Tick is the EventPriceTick payload.
type Tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// Signal is the EventStrategySignal payload: a grid level fired.
type Signal struct {
	Strategy string  `json:"strategy"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Level    float64 `json:"level"`
	Price    float64 `json:"price"`
}

// OrderRejected is the EventOrderRejected payload.
type OrderRejected struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Price  float64 `json:"price"`
	Reason string  `json:"reason"`
}

// GatewayError is the EventGatewayError payload.
type GatewayError struct {
	Op    string `json:"op"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Shutdown is the EventShutdown payload.
type Shutdown struct {
	Reason string `json:"reason"`
	State  string `json:"state"`
}
