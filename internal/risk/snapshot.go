package risk

import (
	"strconv"
	"time"

	"perp-monitor/internal/binance"
	"perp-monitor/internal/signal"
)

// BookLevel is the depth index entries are priced at (depth limit 5)
const BookLevel = 4

// Book is the top of the order book, best first
type Book struct {
	Bids []float64
	Asks []float64
}

// BookFromDepth parses the exchange depth payload
func BookFromDepth(d *binance.OrderBookDepth) Book {
	var b Book
	if d == nil {
		return b
	}
	for _, lvl := range d.Bids {
		if len(lvl) > 0 {
			p, _ := strconv.ParseFloat(lvl[0], 64)
			b.Bids = append(b.Bids, p)
		}
	}
	for _, lvl := range d.Asks {
		if len(lvl) > 0 {
			p, _ := strconv.ParseFloat(lvl[0], 64)
			b.Asks = append(b.Asks, p)
		}
	}
	return b
}

// Touch returns the price an order on side fills at immediately: the best
// ask for a buy, the best bid for a sell.
func (b Book) Touch(side binance.OrderSide) float64 {
	return b.Level(side.Opposite(), 0)
}

// Level returns the i-th price on the side an order would rest at
func (b Book) Level(side binance.OrderSide, i int) float64 {
	levels := b.Bids
	if side == binance.SideSell {
		levels = b.Asks
	}
	if len(levels) == 0 {
		return 0
	}
	if i >= len(levels) {
		i = len(levels) - 1
	}
	return levels[i]
}

// Empty reports whether either side of the book is missing
func (b Book) Empty() bool {
	return len(b.Bids) == 0 || len(b.Asks) == 0
}

// Snapshot is everything one tick decides from. It is fetched once and
// never refreshed mid-decision.
type Snapshot struct {
	Symbol            string
	Now               time.Time
	Account           binance.FuturesAccountInfo
	Positions         []binance.FuturesPosition
	OpenOrders        []binance.FuturesOrder
	AccountOpenOrders int // account-wide count, -1 when not fetched
	Book              Book
	Ticker            binance.Futures24hrTicker
	Signal            signal.Signal
	Instrument        binance.Instrument
	Leverage          int     // effective configured leverage
	PnlHour           float64 // last stored hourly PnL
	LastFill          map[binance.PositionSide]time.Time
}

// PositionBySide returns the row for a hedge-mode position side
func (s *Snapshot) PositionBySide(side binance.PositionSide) (binance.FuturesPosition, bool) {
	for _, p := range s.Positions {
		if p.PositionSide == side {
			return p, true
		}
	}
	return binance.FuturesPosition{}, false
}

// OneWayPosition returns the direction of the single one-way position, "" when flat
func (s *Snapshot) OneWayPosition() string {
	for _, p := range s.Positions {
		if p.PositionSide == binance.PositionSideBoth || p.PositionSide == "" {
			return p.Side()
		}
	}
	return ""
}

// EntryOrders counts open orders that do not reduce a position
func (s *Snapshot) EntryOrders() int {
	n := 0
	for _, o := range s.OpenOrders {
		if !o.IsClosing() {
			n++
		}
	}
	return n
}

// HedgeSide returns the position side a hedge against pos opens
func HedgeSide(pos binance.FuturesPosition) binance.PositionSide {
	if pos.Side() == "sell" {
		return binance.PositionSideLong
	}
	return binance.PositionSideShort
}

// CloseSide returns the order side that reduces pos
func CloseSide(pos binance.FuturesPosition) binance.OrderSide {
	if pos.Side() == "sell" {
		return binance.SideBuy
	}
	return binance.SideSell
}
