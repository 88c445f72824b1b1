package ledger

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func entry(id string, dir Direction, price, qty float64) Entry {
	return Entry{ID: id, Symbol: "BTCUSDT", Direction: dir, EntryPrice: price, Quantity: qty, Strategy: "grid"}
}

func TestRecordEntryRejectsDuplicates(t *testing.T) {
	l := New(DefaultConfig())
	_, err := l.RecordEntry(entry("a", DirectionBuy, 100, 1))
	require.NoError(t, err)

	_, err = l.RecordEntry(entry("a", DirectionSell, 101, 1))
	assert.ErrorIs(t, err, ErrDuplicateTradeID)

	_, err = l.RecordExit("a", 101, "target")
	require.NoError(t, err)
	_, err = l.RecordEntry(entry("a", DirectionBuy, 100, 1))
	assert.ErrorIs(t, err, ErrDuplicateTradeID, "closed ids stay reserved")

	_, err = l.RecordEntry(entry("b", DirectionBuy, 100, 1))
	require.NoError(t, err)
	_, err = l.Cancel("b", "rejected")
	require.NoError(t, err)
	_, err = l.RecordEntry(entry("b", DirectionBuy, 100, 1))
	assert.ErrorIs(t, err, ErrDuplicateTradeID, "cancelled ids stay reserved")

	assert.Equal(t, 2, l.Totals().Executed)
}

func TestRecordExitPnL(t *testing.T) {
	tests := []struct {
		name    string
		dir     Direction
		entry   float64
		exit    float64
		qty     float64
		wantPnL float64
		wantPct float64
	}{
		{"buy up", DirectionBuy, 98.90, 101.50, 1, 2.60, 2.60 / 98.90 * 100},
		{"buy down", DirectionBuy, 100, 95, 2, -10, -5},
		{"sell down", DirectionSell, 101, 99, 1, 2, 2.0 / 101 * 100},
		{"sell up", DirectionSell, 100, 104, 0.5, -2, -4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(DefaultConfig())
			_, err := l.RecordEntry(entry("t1", tt.dir, tt.entry, tt.qty))
			require.NoError(t, err)

			closed, err := l.RecordExit("t1", tt.exit, "target")
			require.NoError(t, err)
			assert.InDelta(t, tt.wantPnL, closed.PnL, 1e-9)
			assert.InDelta(t, tt.wantPct, closed.PnLPct, 1e-9)
			assert.Equal(t, StatusClosed, closed.Status)
			assert.True(t, closed.ExitConfirmed)
			assert.Zero(t, l.ActiveCount())
		})
	}
}

func TestPnLSignMatchesDirection(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		entryPrice := 10 + rng.Float64()*1000
		exitPrice := 10 + rng.Float64()*1000
		qty := 0.01 + rng.Float64()*5

		buy := PnL(DirectionBuy, entryPrice, exitPrice, qty)
		sell := PnL(DirectionSell, entryPrice, exitPrice, qty)
		if exitPrice > entryPrice && (buy <= 0 || sell >= 0) {
			t.Fatalf("exit above entry: buy=%v sell=%v", buy, sell)
		}
		if exitPrice < entryPrice && (buy >= 0 || sell <= 0) {
			t.Fatalf("exit below entry: buy=%v sell=%v", buy, sell)
		}
	}
}

func TestRecordExitUnknownLeavesTotalsUntouched(t *testing.T) {
	l := New(DefaultConfig())
	_, err := l.RecordEntry(entry("a", DirectionBuy, 100, 1))
	require.NoError(t, err)
	_, err = l.RecordExit("a", 110, "target")
	require.NoError(t, err)
	before := l.Totals()

	for _, id := range []string{"missing", "a"} {
		_, err := l.RecordExit(id, 50, "target")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTradeNotFound))
		_, err = l.Cancel(id, "nope")
		assert.ErrorIs(t, err, ErrTradeNotFound)
	}
	assert.Equal(t, before, l.Totals())
}

func TestCancelDoesNotTouchPnL(t *testing.T) {
	l := New(DefaultConfig())
	_, err := l.RecordEntry(entry("a", DirectionBuy, 100, 1))
	require.NoError(t, err)

	c, err := l.Cancel("a", "exchange rejected")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, c.Status)

	tot := l.Totals()
	assert.Equal(t, 1, tot.Executed)
	assert.Equal(t, 1, tot.Cancelled)
	assert.Zero(t, tot.Closed)
	assert.Zero(t, tot.TotalPnL)
	assert.Len(t, l.Cancelled(0), 1)
}

func TestWinRateMatchesHistory(t *testing.T) {
	l := New(DefaultConfig())
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		id := fmt.Sprintf("t%d", i)
		dir := DirectionBuy
		if i%2 == 1 {
			dir = DirectionSell
		}
		_, err := l.RecordEntry(entry(id, dir, 100, 1))
		require.NoError(t, err)
		// include exact break-evens
		exit := 100 + float64(rng.Intn(11)-5)
		_, err = l.RecordExit(id, exit, "tick")
		require.NoError(t, err)
	}

	history := l.Closed(0)
	require.Len(t, history, 300)
	var wins int
	var sum float64
	for _, tr := range history {
		if tr.PnL > 0 {
			wins++
		}
		sum += tr.PnL
	}
	tot := l.Totals()
	assert.InDelta(t, float64(wins)/float64(len(history))*100, tot.WinRate, 1e-9)
	assert.InDelta(t, sum/float64(len(history)), tot.AvgPnL, 1e-9)
	assert.InDelta(t, sum, tot.TotalPnL, 1e-9)
	assert.Equal(t, wins, tot.Wins)
}

func TestClosedHistoryIsBoundedFIFO(t *testing.T) {
	l := New(Config{ClosedCapacity: 3})
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		_, err := l.RecordEntry(entry(id, DirectionBuy, 100, 1))
		require.NoError(t, err)
		_, err = l.RecordExit(id, 101, "tick")
		require.NoError(t, err)
	}

	closed := l.Closed(0)
	require.Len(t, closed, 3)
	assert.Equal(t, "t2", closed[0].ID)
	assert.Equal(t, "t4", closed[2].ID)
	assert.Equal(t, 5, l.Totals().Closed, "totals outlive eviction")
	assert.InDelta(t, 5.0, l.Totals().TotalPnL, 1e-9)

	_, ok := l.Get("t0")
	assert.False(t, ok)
	got, ok := l.Get("t3")
	require.True(t, ok)
	assert.Equal(t, StatusClosed, got.Status)
}

func TestCloseAllActiveUsesSnapshot(t *testing.T) {
	l := New(DefaultConfig(), WithClock(fixedClock()))
	for i, dir := range []Direction{DirectionBuy, DirectionSell, DirectionBuy} {
		_, err := l.RecordEntry(entry(fmt.Sprintf("t%d", i), dir, 100, 1))
		require.NoError(t, err)
	}

	var seen []string
	closed := l.CloseAllActive(102, "shutdown", func(tr Trade) (float64, error) {
		seen = append(seen, tr.ID)
		switch tr.ID {
		case "t1":
			return 0, errors.New("gateway unreachable")
		case "t2":
			return 103, nil
		}
		return 0, nil
	})

	assert.Equal(t, []string{"t0", "t1", "t2"}, seen)
	require.Len(t, closed, 3)
	assert.Zero(t, l.ActiveCount())
	assert.Equal(t, 102.0, closed[0].ExitPrice, "no fill reported")
	assert.False(t, closed[1].ExitConfirmed)
	assert.Equal(t, "gateway unreachable", closed[1].ExitError)
	assert.Equal(t, 102.0, closed[1].ExitPrice)
	assert.True(t, closed[2].ExitConfirmed)
	assert.Equal(t, 103.0, closed[2].ExitPrice, "venue fill wins")
	assert.InDelta(t, 2+(-2)+3, l.Totals().TotalPnL, 1e-9)

	snap := l.Snapshot()
	require.Len(t, snap.Unconfirmed, 1)
	assert.Equal(t, "t1", snap.Unconfirmed[0].ID)

	assert.Empty(t, l.CloseAllActive(102, "shutdown", nil), "second close-out finds nothing")
	assert.Equal(t, 3, l.Totals().Closed)
}

func TestAPIStatsAreStreaming(t *testing.T) {
	l := New(Config{APICapacity: 2})
	l.RecordAPICall("/api/v3/order", "POST", 100*time.Millisecond, 200, true, nil)
	l.RecordAPICall("/api/v3/order", "POST", 300*time.Millisecond, 429, false, errors.New("rate limited"))
	l.RecordAPICall("/api/v3/ticker/price", "GET", 200*time.Millisecond, 200, true, nil)

	st := l.APIStats()
	assert.Equal(t, int64(3), st.Calls)
	assert.Equal(t, int64(1), st.Errors)
	assert.InDelta(t, 200.0/3, st.SuccessRate, 1e-9)
	assert.Equal(t, 200*time.Millisecond, st.AvgLatency)

	calls := l.APICalls(0)
	require.Len(t, calls, 2, "ring keeps the newest calls only")
	assert.Equal(t, "rate limited", calls[0].Err)
}

func TestSnapshotNetProfitAndRecentTrades(t *testing.T) {
	l := New(DefaultConfig(), WithClock(fixedClock()))
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("trade-%02d-long-id", i)
		_, err := l.RecordEntry(entry(id, DirectionBuy, 100, 1))
		require.NoError(t, err)
		_, err = l.RecordExit(id, 101, "target")
		require.NoError(t, err)
	}

	snap := l.Snapshot()
	assert.Equal(t, 7, snap.TotalTrades)
	assert.InDelta(t, 1.0, snap.NetProfitPct, 1e-9)
	assert.InDelta(t, 1.0, l.NetProfitPct(), 1e-9)
	assert.Len(t, snap.RecentTrades, 5)
	assert.Equal(t, "trade-06-long-id", snap.RecentTrades[4].ID)
	assert.Positive(t, snap.SessionDuration)
	assert.Contains(t, snap.Text(), "trade-06 | BTCUSDT | BUY")
}

type countingObserver struct {
	opened, closed, cancelled, calls int
}

func (c *countingObserver) TradeOpened(Trade)       { c.opened++ }
func (c *countingObserver) TradeClosed(Trade)       { c.closed++ }
func (c *countingObserver) TradeCancelled(Trade)    { c.cancelled++ }
func (c *countingObserver) APICallRecorded(APICall) { c.calls++ }

func TestObserverSeesEachTransitionOnce(t *testing.T) {
	obs := &countingObserver{}
	l := New(DefaultConfig(), WithObserver(obs))
	_, _ = l.RecordEntry(entry("a", DirectionBuy, 100, 1))
	_, _ = l.RecordEntry(entry("b", DirectionBuy, 100, 1))
	_, _ = l.RecordEntry(entry("a", DirectionBuy, 100, 1))
	_, _ = l.RecordExit("a", 101, "target")
	_, _ = l.RecordExit("a", 101, "target")
	_, _ = l.Cancel("b", "x")
	l.RecordAPICall("/x", "GET", time.Millisecond, 200, true, nil)

	assert.Equal(t, &countingObserver{opened: 2, closed: 1, cancelled: 1, calls: 1}, obs)
}

func TestConcurrentAccess(t *testing.T) {
	l := New(DefaultConfig())
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if _, err := l.RecordEntry(entry(id, DirectionBuy, 100, 1)); err != nil {
					t.Error(err)
					return
				}
				_ = l.Snapshot()
				if _, err := l.RecordExit(id, 100.5, "tick"); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 400, l.Totals().Closed)
	assert.InDelta(t, 200.0, l.Totals().TotalPnL, 1e-6)
}
