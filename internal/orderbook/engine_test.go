package orderbook

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketfeed/internal/market"
)

const btc = market.Symbol("BTC/USDT")

func lvl(p, q string) market.Level {
	return market.Level{Price: decimal.RequireFromString(p), Quantity: decimal.RequireFromString(q)}
}

func TestSnapshotThenUpdate(t *testing.T) {
	e := NewEngine()
	e.ApplySnapshot(btc, []market.Level{lvl("100", "1")}, []market.Level{lvl("99", "2")}, 1000)

	d, err := e.Publishable(btc, 20)
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"100.00000000", "1.00000000"}}, d.Asks)
	assert.Equal(t, [][2]string{{"99.00000000", "2.00000000"}}, d.Bids)
	assert.Equal(t, int64(1000), d.Timestamp)

	err = e.ApplyUpdate(btc, []market.Level{lvl("100", "0"), lvl("101", "0.5")}, nil, 2000)
	require.NoError(t, err)

	d, err = e.Publishable(btc, 20)
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"101.00000000", "0.50000000"}}, d.Asks)
	assert.Equal(t, [][2]string{{"99.00000000", "2.00000000"}}, d.Bids)
	assert.Equal(t, int64(2000), d.Timestamp)
}

func TestUpdateBeforeSnapshot(t *testing.T) {
	e := NewEngine()
	err := e.ApplyUpdate(btc, []market.Level{lvl("100", "1")}, nil, 1)
	assert.ErrorIs(t, err, ErrNotLive)
	assert.False(t, e.Live(btc))

	_, err = e.Publishable(btc, 5)
	assert.ErrorIs(t, err, ErrNotLive)
}

func TestSnapshotReplacesState(t *testing.T) {
	e := NewEngine()
	e.ApplySnapshot(btc, []market.Level{lvl("105", "1"), lvl("106", "1")}, []market.Level{lvl("90", "1")}, 10)
	e.ApplySnapshot(btc, []market.Level{lvl("101", "3")}, []market.Level{lvl("100", "4"), lvl("0.5", "0")}, 5)

	b := e.books[btc]
	require.NotNil(t, b)
	assert.Len(t, b.Asks, 1)
	assert.Len(t, b.Bids, 1)
	assert.Equal(t, int64(5), b.LastUpdateMs)
}

func TestRemoveAbsentLevelIsNoop(t *testing.T) {
	e := NewEngine()
	e.ApplySnapshot(btc, []market.Level{lvl("100", "1")}, []market.Level{lvl("99", "1")}, 10)
	require.NoError(t, e.ApplyUpdate(btc, nil, []market.Level{lvl("42", "0")}, 5))

	b := e.books[btc]
	assert.Len(t, b.Bids, 1)
	// timestamps never move backwards
	assert.Equal(t, int64(10), b.LastUpdateMs)
}

func TestEquivalentPricesShareLevel(t *testing.T) {
	e := NewEngine()
	e.ApplySnapshot(btc, []market.Level{lvl("100.0", "1")}, []market.Level{lvl("99", "1")}, 1)
	require.NoError(t, e.ApplyUpdate(btc, []market.Level{lvl("100", "0")}, nil, 2))

	_, err := e.Publishable(btc, 5)
	assert.ErrorIs(t, err, ErrEmptySide)
}

func TestCrossedBookSuppressed(t *testing.T) {
	e := NewEngine()
	e.ApplySnapshot(btc, []market.Level{lvl("100", "1")}, []market.Level{lvl("99", "1")}, 1)
	require.NoError(t, e.ApplyUpdate(btc, nil, []market.Level{lvl("100", "2")}, 2))

	_, err := e.Publishable(btc, 5)
	assert.ErrorIs(t, err, ErrCrossedBook)

	// state is retained; removing the crossing bid recovers the book
	require.NoError(t, e.ApplyUpdate(btc, nil, []market.Level{lvl("100", "0")}, 3))
	d, err := e.Publishable(btc, 5)
	require.NoError(t, err)
	assert.Equal(t, "99.00000000", d.Bids[0][0])
}

func TestPublishableOrderingAndDepth(t *testing.T) {
	e := NewEngine()
	var asks, bids []market.Level
	for i := 0; i < 30; i++ {
		asks = append(asks, lvl(fmt.Sprintf("%d", 200+i), "1"))
		bids = append(bids, lvl(fmt.Sprintf("%d", 199-i), "1"))
	}
	rand.Shuffle(len(asks), func(i, j int) { asks[i], asks[j] = asks[j], asks[i] })
	rand.Shuffle(len(bids), func(i, j int) { bids[i], bids[j] = bids[j], bids[i] })
	e.ApplySnapshot(btc, asks, bids, 1)

	d, err := e.Publishable(btc, 20)
	require.NoError(t, err)
	require.Len(t, d.Asks, 20)
	require.Len(t, d.Bids, 20)
	assert.Equal(t, "200.00000000", d.Asks[0][0])
	assert.Equal(t, "219.00000000", d.Asks[19][0])
	assert.Equal(t, "199.00000000", d.Bids[0][0])
	assert.Equal(t, "180.00000000", d.Bids[19][0])

	for i := 1; i < len(d.Asks); i++ {
		prev := decimal.RequireFromString(d.Asks[i-1][0])
		cur := decimal.RequireFromString(d.Asks[i][0])
		assert.True(t, prev.LessThan(cur))
	}
	for i := 1; i < len(d.Bids); i++ {
		prev := decimal.RequireFromString(d.Bids[i-1][0])
		cur := decimal.RequireFromString(d.Bids[i][0])
		assert.True(t, prev.GreaterThan(cur))
	}
}

// Random update sequences must never leave a zero-quantity level behind.
func TestNoZeroQuantityLevels(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	e := NewEngine()
	e.ApplySnapshot(btc, []market.Level{lvl("110", "1")}, []market.Level{lvl("90", "1")}, 0)

	for i := 0; i < 500; i++ {
		var asks, bids []market.Level
		for j := 0; j < 4; j++ {
			q := fmt.Sprintf("%d", r.Intn(3))
			asks = append(asks, lvl(fmt.Sprintf("%d", 101+r.Intn(10)), q))
			bids = append(bids, lvl(fmt.Sprintf("%d", 90+r.Intn(10)), q))
		}
		require.NoError(t, e.ApplyUpdate(btc, asks, bids, int64(i)))
	}

	b := e.books[btc]
	for _, side := range []map[string]market.Level{b.Asks, b.Bids} {
		for _, l := range side {
			assert.False(t, l.Quantity.IsZero())
		}
	}
}

func TestReset(t *testing.T) {
	e := NewEngine()
	e.ApplySnapshot(btc, []market.Level{lvl("100", "1")}, []market.Level{lvl("99", "1")}, 1)
	e.ApplySnapshot("ETH/USDT", []market.Level{lvl("3", "1")}, []market.Level{lvl("2", "1")}, 1)
	assert.True(t, e.Live(btc))
	assert.True(t, e.Live("ETH/USDT"))

	e.Reset()
	assert.False(t, e.Live(btc))
	assert.Empty(t, e.books)
	assert.ErrorIs(t, e.ApplyUpdate(btc, nil, nil, 2), ErrNotLive)
}
