package shutdown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitiateShutdownIsIdempotentAndLatches(t *testing.T) {
	c := New()
	require.False(t, c.IsShutdownInitiated())

	c.InitiateShutdown()
	c.InitiateShutdown() // must not panic on double-close

	require.True(t, c.IsShutdownInitiated())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() channel must be closed after InitiateShutdown")
	}
}

func TestWaitForQuiescenceReturnsOnceAllStopped(t *testing.T) {
	c := New()
	id1 := c.Register("driveway", "recorder", nil, PriorityRecorder)
	id2 := c.Register("supervisor", "supervisor", nil, PrioritySupervisor)

	c.UpdateState(id1, StateRunning)
	c.UpdateState(id2, StateRunning)

	done := make(chan bool, 1)
	go func() { done <- c.WaitForQuiescence(time.Second) }()

	time.Sleep(10 * time.Millisecond)
	c.UpdateState(id1, StateStopped)
	c.UpdateState(id2, StateStopped)

	require.True(t, <-done)
}

func TestWaitForQuiescenceTimesOut(t *testing.T) {
	c := New()
	id := c.Register("stuck", "recorder", nil, PriorityRecorder)
	c.UpdateState(id, StateRunning)

	require.False(t, c.WaitForQuiescence(30*time.Millisecond))
}

func TestSnapshotOrderedByPriority(t *testing.T) {
	c := New()
	c.Register("recorder-a", "recorder", nil, PriorityRecorder)
	c.Register("supervisor", "supervisor", nil, PrioritySupervisor)

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, PrioritySupervisor, snap[0].Priority)
	require.Equal(t, PriorityRecorder, snap[1].Priority)
}
