package ppm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testStart = Time(1631907500)

func newTestAggregator(t *testing.T, store AccumulatorStore) *Aggregator {
	t.Helper()
	vdaf, err := NewPrio3Sum(testBits)
	require.NoError(t, err)
	params := &Parameters{
		LeaderURL:   MustParseURL("http://leader.test"),
		HelperURL:   MustParseURL("http://helper.test"),
		BatchSize:   2,
		BatchWindow: 50,
		Protocol:    ProtocolPrio,
		PrioBits:    testBits,
	}
	agg, err := NewAggregator(params, vdaf, store)
	require.NoError(t, err)
	return agg
}

func outputShare(t *testing.T, value uint64) *OutputShare {
	t.Helper()
	return &OutputShare{value: shareOf(t, value)}
}

func fold(t *testing.T, agg *Aggregator, at Time, value uint64) Nonce {
	t.Helper()
	nonce, err := RandomNonce()
	require.NoError(t, err)
	require.NoError(t, agg.Fold(at, nonce, outputShare(t, value)))
	return nonce
}

func TestAggregatorFold(t *testing.T) {
	agg := newTestAggregator(t, NewMemoryStore())
	fold(t, agg, testStart, 3)
	fold(t, agg, testStart+49, 4)
	fold(t, agg, testStart+50, 5)

	count, share, err := agg.Snapshot(Interval{Start: testStart, Duration: 50})
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
	seven := shareOf(t, 7)
	require.True(t, share.value.IsEqual(&seven))

	count, _, err = agg.Snapshot(Interval{Start: testStart, Duration: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)
}

func TestAggregatorCollectOnce(t *testing.T) {
	agg := newTestAggregator(t, NewMemoryStore())
	fold(t, agg, testStart, 1)
	fold(t, agg, testStart+60, 1)

	interval := Interval{Start: testStart, Duration: 100}
	r, err := agg.Reserve(interval)
	require.NoError(t, err)
	require.Equal(t, uint64(2), r.Count)

	// While reserved, the interval is closed to uploads and other collects.
	require.ErrorIs(t, agg.CheckFresh(testStart+10, Nonce{1}), ErrStaleReport)
	_, err = agg.Reserve(Interval{Start: testStart + 50, Duration: 50})
	require.ErrorIs(t, err, ErrPrivacyBudgetExceeded)

	require.NoError(t, agg.Commit(r))
	require.Error(t, agg.Commit(r))

	require.ErrorIs(t, agg.CheckFresh(testStart, Nonce{1}), ErrStaleReport)
	require.ErrorIs(t, agg.Fold(testStart+99, Nonce{1}, outputShare(t, 1)), ErrStaleReport)
	_, err = agg.Reserve(interval)
	require.ErrorIs(t, err, ErrPrivacyBudgetExceeded)
	_, err = agg.Reserve(Interval{Start: testStart - 50, Duration: 100})
	require.ErrorIs(t, err, ErrPrivacyBudgetExceeded)

	// Neighbouring windows are untouched.
	require.NoError(t, agg.CheckFresh(testStart+100, Nonce{1}))
	require.NoError(t, agg.CheckFresh(testStart-1, Nonce{1}))
	_, err = agg.Reserve(Interval{Start: testStart + 100, Duration: 50})
	require.NoError(t, err)
}

func TestAggregatorRelease(t *testing.T) {
	agg := newTestAggregator(t, NewMemoryStore())
	fold(t, agg, testStart, 1)

	interval := Interval{Start: testStart, Duration: 50}
	r, err := agg.Reserve(interval)
	require.NoError(t, err)
	agg.Release(r)
	agg.Release(r)

	require.NoError(t, agg.CheckFresh(testStart, Nonce{1}))
	fold(t, agg, testStart+1, 1)

	r, err = agg.Reserve(interval)
	require.NoError(t, err)
	require.Equal(t, uint64(2), r.Count)
}

func TestAggregatorDuplicateNonce(t *testing.T) {
	agg := newTestAggregator(t, NewMemoryStore())
	nonce := fold(t, agg, testStart, 3)

	require.ErrorIs(t, agg.CheckFresh(testStart, nonce), ErrDuplicateReport)
	for i := 0; i < 10; i++ {
		require.ErrorIs(t, agg.Fold(testStart, nonce, outputShare(t, 3)), ErrDuplicateReport)
	}
	// The nonce is spent for the whole task, not just its window.
	require.ErrorIs(t, agg.Fold(testStart+500, nonce, outputShare(t, 3)), ErrDuplicateReport)

	count, share, err := agg.Snapshot(Interval{Start: testStart, Duration: 550})
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
	three := shareOf(t, 3)
	require.True(t, share.value.IsEqual(&three))
}

func TestAggregatorInvalidInterval(t *testing.T) {
	agg := newTestAggregator(t, NewMemoryStore())
	for _, i := range []Interval{
		{Start: testStart, Duration: 99},
		{Start: testStart, Duration: 25},
		{Start: testStart + 10, Duration: 50},
	} {
		_, err := agg.Reserve(i)
		require.ErrorIs(t, err, ErrInvalidBatchInterval)
	}

	// A rejected interval spends nothing.
	_, err := agg.Reserve(Interval{Start: testStart, Duration: 100})
	require.NoError(t, err)
}

func TestAggregatorConcurrentReserve(t *testing.T) {
	agg := newTestAggregator(t, NewMemoryStore())
	fold(t, agg, testStart, 1)
	interval := Interval{Start: testStart, Duration: 50}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := agg.Reserve(interval)
			if err == nil {
				err = agg.Commit(r)
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		require.ErrorIs(t, err, ErrPrivacyBudgetExceeded)
	}
	require.Equal(t, 1, won)
}

func TestAggregatorRestoresBudget(t *testing.T) {
	store, err := OpenPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	agg := newTestAggregator(t, store)
	fold(t, agg, testStart, 1)
	late := fold(t, agg, testStart+50, 1)
	r, err := agg.Reserve(Interval{Start: testStart, Duration: 50})
	require.NoError(t, err)
	require.NoError(t, agg.Commit(r))

	// A fresh aggregator over the same store still refuses the interval
	// and the nonces it already folded in.
	restarted := newTestAggregator(t, store)
	require.ErrorIs(t, restarted.CheckFresh(testStart+5, Nonce{1}), ErrStaleReport)
	require.ErrorIs(t, restarted.Fold(testStart+60, late, outputShare(t, 1)), ErrDuplicateReport)
	_, err = restarted.Reserve(Interval{Start: testStart, Duration: 50})
	require.ErrorIs(t, err, ErrPrivacyBudgetExceeded)
}
