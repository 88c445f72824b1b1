package market

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RandomWalk generates synthetic ticks for local paper runs.
type RandomWalk struct {
	Symbol     string
	StartPrice float64
	Step       float64 // max absolute move per tick
	Seed       int64

	mu    sync.Mutex
	rng   *rand.Rand
	price float64
}

func (m *RandomWalk) Next(ctx context.Context) (Tick, error) {
	if err := ctx.Err(); err != nil {
		return Tick{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rng == nil {
		seed := m.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		m.rng = rand.New(rand.NewSource(seed))
		m.price = m.StartPrice
		if m.price <= 0 {
			m.price = 100
		}
		if m.Step <= 0 {
			m.Step = 0.5
		}
		return Tick{Symbol: m.Symbol, Price: m.price, Time: time.Now()}, nil
	}

	next := m.price + (m.rng.Float64()*2-1)*m.Step
	if next > 0 {
		m.price = next
	}
	return Tick{Symbol: m.Symbol, Price: m.price, Time: time.Now()}, nil
}
