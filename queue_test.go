package main

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePassOrderAndInterLoginDelay(t *testing.T) {
	tf, err := newTestFleet(testConfig(), "primary", "worker1", "worker2")
	require.NoError(t, err)
	defer tf.fleet.Shutdown()

	tf.fleet.Start()
	require.Eventually(t, func() bool { return tf.fleet.onlineCount() == 3 }, waitFor, tick)

	starts := make([]time.Time, 0, 3)
	for _, name := range []string{"primary", "worker1", "worker2"} {
		calls := tf.auth.startsFor(name)
		require.Len(t, calls, 1, "account %s should log in exactly once", name)
		starts = append(starts, calls[0].at)
	}

	// ascending index order, with the configured breathing room between
	// consecutive attempts. Allow some slack on the low side since the delay
	// starts after the previous account settles, not after its auth call.
	for i := 1; i < len(starts); i++ {
		assert.True(t, starts[i].After(starts[i-1]),
			"attempt %d should start after attempt %d", i, i-1)
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, tf.fleet.cfg.InterLoginDelay-10*time.Millisecond,
			"gap between attempts %d and %d too small: %v", i-1, i, gap)
	}
}

func TestQueuePrimaryFailureGatesRemainingAccounts(t *testing.T) {
	tf, err := newTestFleet(testConfig(), "primary", "worker1", "worker2")
	require.NoError(t, err)
	defer tf.fleet.Shutdown()

	tf.auth.startFn = func(startCall) (CredentialAuthResult, error) {
		return CredentialAuthResult{}, terminalAuthError("invalid password")
	}

	tf.fleet.Start()
	require.Eventually(t, func() bool { return tf.fleet.Stopped() }, waitFor, tick)

	// nothing after the primary is ever attempted
	assert.Empty(t, tf.auth.startsFor("worker1"))
	assert.Empty(t, tf.auth.startsFor("worker2"))
	assert.Equal(t, StatusOffline, tf.fleet.accounts[1].Status())
	assert.Equal(t, StatusOffline, tf.fleet.accounts[2].Status())
}

func TestQueueWaitsThroughRetriesBeforeAdvancing(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLogOnRetries = 2

	tf, err := newTestFleet(cfg, "primary", "worker")
	require.NoError(t, err)
	defer tf.fleet.Shutdown()

	// the primary fails twice at the client and succeeds on the third try
	var failures atomic.Int32
	tf.factory.onLogOn = func(c *fakeClient, token string) {
		if c.name == "primary" && failures.Add(1) <= 2 {
			c.emit(ErroredEvent{Kind: ErrKindServiceUnavailable, Detail: "busy"})
			return
		}
		c.setConnected(true)
		c.emit(LoggedOnEvent{})
		c.emit(WebSessionEvent{Cookies: []string{"sessionid=abc"}})
	}

	tf.fleet.Start()
	require.Eventually(t, func() bool { return tf.fleet.onlineCount() == 2 }, waitFor, tick)

	// the worker's attempt must not start before the primary settled Online
	primaryOnlineBy := tf.factory.clientFor("primary").lastLogOnAt()
	workerStarts := tf.auth.startsFor("worker")
	require.Len(t, workerStarts, 1)
	assert.True(t, workerStarts[0].at.After(primaryOnlineBy),
		"worker attempted before the primary's final logon")
	assert.Equal(t, 3, tf.factory.totalLogOns("primary"))
}

func TestQueueSkipsExcludedAccounts(t *testing.T) {
	tf, err := newTestFleet(testConfig(), "primary", "worker1", "worker2")
	require.NoError(t, err)
	defer tf.fleet.Shutdown()

	// worker1 fails terminally, the others succeed
	tf.auth.startFn = func(call startCall) (CredentialAuthResult, error) {
		if call.name == "worker1" {
			return CredentialAuthResult{}, terminalAuthError("account banned")
		}
		return CredentialAuthResult{Token: testToken(time.Hour)}, nil
	}

	tf.fleet.Start()
	require.Eventually(t, func() bool {
		return tf.fleet.accounts[1].Status() == StatusSkipped && tf.fleet.onlineCount() == 2
	}, waitFor, tick)

	// later passes leave the skipped account alone
	tf.fleet.queue.Kick()
	time.Sleep(5 * tf.fleet.cfg.InterLoginDelay)
	assert.Len(t, tf.auth.startsFor("worker1"), 1)
	assert.Equal(t, StatusSkipped, tf.fleet.accounts[1].Status())
}
