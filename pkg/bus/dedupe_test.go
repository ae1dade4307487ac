package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDedupeCacheFirstSeenFalse(t *testing.T) {
	d := NewDedupeCache(time.Minute, 10)
	require.False(t, d.Seen("msg-1"))
	require.True(t, d.Seen("msg-1"))
}

func TestDedupeCacheExpiresAfterTTL(t *testing.T) {
	d := NewDedupeCache(10*time.Millisecond, 10)
	require.False(t, d.Seen("msg-1"))
	time.Sleep(20 * time.Millisecond)
	require.False(t, d.Seen("msg-1"))
}

func TestDedupeCacheEvictsOldestOverMax(t *testing.T) {
	d := NewDedupeCache(time.Hour, 2)
	d.Seen("a")
	d.Seen("b")
	d.Seen("c") // evicts "a"

	require.True(t, d.Seen("b"))
	require.False(t, d.Seen("a"), "a should have been evicted and reported as unseen")
}

func TestInboundDebouncerMergesBurstIntoOneFlush(t *testing.T) {
	flushed := make(chan []interface{}, 1)
	d := NewInboundDebouncer(20*time.Millisecond, func(key string, batch []interface{}) {
		flushed <- batch
	})

	d.Add("session-1", "m1")
	d.Add("session-1", "m2")
	d.Add("session-1", "m3")

	select {
	case batch := <-flushed:
		require.Equal(t, []interface{}{"m1", "m2", "m3"}, batch)
	case <-time.After(time.Second):
		t.Fatal("debouncer did not flush")
	}
}

func TestInboundDebouncerStopCancelsPending(t *testing.T) {
	flushed := make(chan []interface{}, 1)
	d := NewInboundDebouncer(20*time.Millisecond, func(key string, batch []interface{}) {
		flushed <- batch
	})

	d.Add("session-1", "m1")
	d.Stop()

	select {
	case <-flushed:
		t.Fatal("debouncer flushed after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}
