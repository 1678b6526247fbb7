package balance

import (
	"math/big"
	"sync"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_getDefaultsToZero(t *testing.T) {
	l := NewLedger()
	assert.Equal(t, big.NewInt(0), l.Get("acc1"))
}

func TestLedger_adjust(t *testing.T) {
	l := NewLedger()

	b := l.Adjust("acc1", big.NewInt(100))
	assert.Equal(t, big.NewInt(100), b)

	b = l.Adjust("acc1", big.NewInt(-150))
	assert.Equal(t, big.NewInt(-50), b)

	// Other accounts are unaffected.
	assert.Equal(t, big.NewInt(0), l.Get("acc2"))
}

func TestLedger_getReturnsCopy(t *testing.T) {
	l := NewLedger()
	l.Adjust("acc1", big.NewInt(5))

	b := l.Get("acc1")
	b.SetInt64(9000)

	assert.Equal(t, big.NewInt(5), l.Get("acc1"))
}

func TestLedger_adjustConcurrent(t *testing.T) {
	l := NewLedger()

	const goroutines = 8
	const adjustmentsPer = 1000

	wg := sync.WaitGroup{}
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < adjustmentsPer; j++ {
				l.Adjust("acc1", big.NewInt(1))
				l.Adjust("acc2", big.NewInt(-2))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, big.NewInt(goroutines*adjustmentsPer), l.Get("acc1"))
	assert.Equal(t, big.NewInt(-2*goroutines*adjustmentsPer), l.Get("acc2"))
}

func TestLedger_adjustFuzzedDeltasSumExactly(t *testing.T) {
	f := fuzz.New().NilChance(0)

	deltas := make([]int64, 200)
	f.Fuzz(&deltas)

	l := NewLedger()
	want := big.NewInt(0)
	for _, d := range deltas {
		want.Add(want, big.NewInt(d))
		got := l.Adjust("acc1", big.NewInt(d))
		require.Equal(t, want, got)
	}
	assert.Equal(t, want, l.Get("acc1"))
}

func TestLedger_settleSingleFlight(t *testing.T) {
	l := NewLedger()

	require.True(t, l.TryBeginSettle("acc1"))
	assert.True(t, l.Settling("acc1"))

	// While in flight all other attempts are refused.
	for i := 0; i < 5; i++ {
		assert.False(t, l.TryBeginSettle("acc1"))
	}

	// Other accounts have their own flag.
	assert.True(t, l.TryBeginSettle("acc2"))

	l.EndSettle("acc1")
	assert.False(t, l.Settling("acc1"))
	assert.True(t, l.TryBeginSettle("acc1"))
}

func TestLedger_settleSingleFlightConcurrent(t *testing.T) {
	l := NewLedger()

	const goroutines = 16
	begun := make(chan struct{}, goroutines)
	wg := sync.WaitGroup{}
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryBeginSettle("acc1") {
				begun <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(begun)

	count := 0
	for range begun {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestLedger_snapshot(t *testing.T) {
	l := NewLedger()
	l.Adjust("acc1", big.NewInt(25))
	l.Adjust("acc2", big.NewInt(-60))
	require.True(t, l.TryBeginSettle("acc2"))

	s := l.Snapshot()
	require.Len(t, s, 2)
	assert.Equal(t, big.NewInt(25), s["acc1"].Balance)
	assert.False(t, s["acc1"].Settling)
	assert.Equal(t, big.NewInt(-60), s["acc2"].Balance)
	assert.True(t, s["acc2"].Settling)
}
