package workerpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunProcessesAllItems(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var sum int64
	p := New(items, 3, func(item int, index int) error {
		atomic.AddInt64(&sum, int64(item))
		return nil
	})
	require.NoError(t, p.Run())
	require.EqualValues(t, 15, sum)
	require.Equal(t, 5, p.CompletedCount())
}

func TestRunStopsOnFirstError(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var processed int64
	p := New(items, 1, func(item int, index int) error {
		atomic.AddInt64(&processed, 1)
		if item == 3 {
			return fmt.Errorf("boom at %d", item)
		}
		return nil
	})
	err := p.Run()
	require.Error(t, err)
	require.False(t, p.IsRunning())
}

func TestNewClampsConcurrencyToItemCount(t *testing.T) {
	p := New([]int{1, 2}, 5, func(int, int) error { return nil })
	require.Equal(t, 2, p.concurrency)
}

func TestNewDefaultsZeroConcurrencyToFive(t *testing.T) {
	items := make([]int, 10)
	p := New(items, 0, func(int, int) error { return nil })
	require.Equal(t, 5, p.concurrency)
}

func TestRunIsSafeForConcurrentItemCompletion(t *testing.T) {
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	var mu sync.Mutex
	seen := map[int]bool{}
	p := New(items, 5, func(item int, index int) error {
		mu.Lock()
		seen[item] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, p.Run())
	require.Len(t, seen, 100)
}
