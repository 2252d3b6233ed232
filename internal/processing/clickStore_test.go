package processing

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickStoreReaderNeverSeesUnwrittenValue(t *testing.T) {
	store := NewClickStore(CountLatest, RangeCheck{})

	written := make(map[int64]bool)
	const writes = 5000
	for i := int64(0); i < writes; i++ {
		// large values with both halves set so a torn read would be obvious
		written[i<<33|i] = true
	}
	written[0] = true

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < writes; i++ {
			store.Publish(i<<33 | i)
		}
	}()

	observed := make([]int64, 0, writes)
	for i := 0; i < writes; i++ {
		observed = append(observed, store.Take())
	}
	wg.Wait()

	for _, v := range observed {
		assert.True(t, written[v], "observed value %d was never written", v)
	}
}

func TestClickStoreModes(t *testing.T) {
	t.Run("latest keeps the last value", func(t *testing.T) {
		store := NewClickStore(CountLatest, RangeCheck{})
		store.Publish(5)
		store.Publish(7)
		assert.Equal(t, int64(7), store.Take())
		assert.Equal(t, int64(7), store.Take(), "latest mode does not reset")
	})

	t.Run("delta sums and drains", func(t *testing.T) {
		store := NewClickStore(CountDelta, RangeCheck{})
		store.Publish(5)
		store.Publish(-2)
		assert.Equal(t, int64(3), store.Load())
		assert.Equal(t, int64(3), store.Take())
		assert.Equal(t, int64(0), store.Take())
	})

	t.Run("cumulative differences against the previous window", func(t *testing.T) {
		store := NewClickStore(CountCumulative, RangeCheck{})
		assert.Equal(t, int64(0), store.Take())

		store.Publish(1000) // baseline
		assert.Equal(t, int64(0), store.Take())

		store.Publish(1010)
		store.Publish(1025)
		assert.Equal(t, int64(25), store.Take())
		assert.Equal(t, int64(0), store.Take())

		store.Publish(1020)
		assert.Equal(t, int64(-5), store.Take())
	})
}

func TestParseCountMode(t *testing.T) {
	for _, s := range []string{"latest", "delta", "cumulative"} {
		mode, err := ParseCountMode(s)
		require.NoError(t, err)
		assert.Equal(t, CountMode(s), mode)
	}
	_, err := ParseCountMode("sum")
	assert.Error(t, err)
}

func TestRangeCheck(t *testing.T) {
	unchecked := RangeCheck{}
	v, err := unchecked.Apply(1 << 40)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<40), v)

	reject := RangeCheck{MaxAbs: 100, Policy: RangeReject}
	v, err = reject.Apply(-100)
	require.NoError(t, err)
	assert.Equal(t, int64(-100), v)

	_, err = reject.Apply(101)
	var implausible *ImplausibleReadingError
	require.True(t, errors.As(err, &implausible))
	assert.Equal(t, int64(101), implausible.Clicks)
	assert.Equal(t, int64(100), implausible.Limit)

	clamp := RangeCheck{MaxAbs: 100, Policy: RangeClamp}
	v, err = clamp.Apply(5000)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v)
	v, err = clamp.Apply(-5000)
	require.NoError(t, err)
	assert.Equal(t, int64(-100), v)
}

func TestClickStoreRangeCheckFollowsCountMode(t *testing.T) {
	limit := RangeCheck{MaxAbs: 100, Policy: RangeReject}

	t.Run("cumulative checks the step, not the counter", func(t *testing.T) {
		store := NewClickStore(CountCumulative, limit)
		require.NoError(t, store.Publish(1000))
		require.NoError(t, store.Publish(1010))
		require.NoError(t, store.Publish(1030))
		assert.Equal(t, int64(30), store.Take())
		assert.Equal(t, int64(1030), store.Load())
	})

	t.Run("cumulative rejects a jump and re-anchors", func(t *testing.T) {
		store := NewClickStore(CountCumulative, limit)
		require.NoError(t, store.Publish(1000))

		err := store.Publish(9000)
		var implausible *ImplausibleReadingError
		require.True(t, errors.As(err, &implausible))
		assert.Equal(t, int64(8000), implausible.Clicks)

		require.NoError(t, store.Publish(9020))
		assert.Equal(t, int64(20), store.Take())
	})

	t.Run("cumulative clamps a jump", func(t *testing.T) {
		store := NewClickStore(CountCumulative, RangeCheck{MaxAbs: 100, Policy: RangeClamp})
		require.NoError(t, store.Publish(1000))
		require.NoError(t, store.Publish(1010))
		require.NoError(t, store.Publish(5000))
		assert.Equal(t, int64(110), store.Take())
	})

	t.Run("delta checks each reading", func(t *testing.T) {
		store := NewClickStore(CountDelta, limit)
		require.NoError(t, store.Publish(50))
		assert.Error(t, store.Publish(5000))
		require.NoError(t, store.Publish(-20))
		assert.Equal(t, int64(30), store.Take())
	})

	t.Run("latest clamps the reading", func(t *testing.T) {
		store := NewClickStore(CountLatest, RangeCheck{MaxAbs: 100, Policy: RangeClamp})
		require.NoError(t, store.Publish(-5000))
		assert.Equal(t, int64(-100), store.Take())
	})
}
