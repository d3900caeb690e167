package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocator_AllocatesSequentially(t *testing.T) {
	pa := NewPortAllocator(19000, 19002, time.Hour)

	for want := 19000; want <= 19002; want++ {
		port, err := pa.Allocate("engine")
		require.NoError(t, err)
		assert.Equal(t, want, port)
	}

	_, err := pa.Allocate("engine")
	assert.ErrorIs(t, err, ErrNoFreePorts)
}

func TestPortAllocator_GracePeriodBlocksReuse(t *testing.T) {
	pa := NewPortAllocator(19000, 19000, time.Hour)

	port, err := pa.Allocate("engine")
	require.NoError(t, err)
	require.NoError(t, pa.Release(port))

	_, err = pa.Allocate("engine")
	assert.ErrorIs(t, err, ErrNoFreePorts, "released port must sit out the grace period")
}

func TestPortAllocator_ZeroGraceReusesImmediately(t *testing.T) {
	pa := NewPortAllocator(19000, 19000, 0)

	port, err := pa.Allocate("engine")
	require.NoError(t, err)
	require.NoError(t, pa.Release(port))

	again, err := pa.Allocate("engine")
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestPortAllocator_ReleaseUnallocated(t *testing.T) {
	pa := NewPortAllocator(19000, 19010, time.Hour)

	assert.ErrorIs(t, pa.Release(19000), ErrPortNotAllocated)

	port, err := pa.Allocate("engine")
	require.NoError(t, err)
	require.NoError(t, pa.Release(port))
	assert.ErrorIs(t, pa.Release(port), ErrPortNotAllocated, "double release")
}

func TestPortAllocator_ConcurrentAllocate_NoDoubleAllocation(t *testing.T) {
	const workers = 32
	pa := NewPortAllocator(19000, 19000+workers-1, time.Hour)

	ports := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := pa.Allocate(fmt.Sprintf("engine-%d", i))
			assert.NoError(t, err)
			ports <- port
		}()
	}
	wg.Wait()
	close(ports)

	seen := make(map[int]bool)
	for port := range ports {
		assert.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
	}
	assert.Len(t, seen, workers)
	assert.Zero(t, pa.AvailableCount())
}

func TestPortAllocator_AvailableCount(t *testing.T) {
	pa := NewPortAllocator(19000, 19003, time.Hour)
	assert.Equal(t, 4, pa.AvailableCount())

	_, err := pa.Allocate("a")
	require.NoError(t, err)
	_, err = pa.Allocate("b")
	require.NoError(t, err)
	assert.Equal(t, 2, pa.AvailableCount())
}
