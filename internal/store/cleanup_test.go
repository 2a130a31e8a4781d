package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	Store
	mu      sync.Mutex
	cutoffs []time.Time
}

func (c *countingStore) Cleanup(before time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cutoffs = append(c.cutoffs, before)
	return 1, nil
}

func (c *countingStore) calls() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.cutoffs...)
}

func TestStartCleanupLoop_PrunesUntilDone(t *testing.T) {
	t.Parallel()

	s := &countingStore{}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		StartCleanupLoop(done, s, 24*time.Hour, 5*time.Millisecond, nil)
		close(exited)
	}()

	require.Eventually(t, func() bool { return len(s.calls()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	close(done)
	<-exited

	cutoff := s.calls()[0]
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), cutoff, time.Minute)
}

func TestStartCleanupLoop_DisabledRetention(t *testing.T) {
	t.Parallel()

	s := &countingStore{}
	StartCleanupLoop(make(chan struct{}), s, 0, time.Millisecond, nil)
	assert.Empty(t, s.calls())
}
