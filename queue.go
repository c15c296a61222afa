package main

import (
	"sync"
	"time"
)

// LoginQueueCoordinator decides which accounts may attempt a login right
// now. It sweeps the fleet in index order, one attempt at a time, with a
// configured delay between attempts so the remote service never sees a
// burst of logins.
type LoginQueueCoordinator struct {
	fleet *Fleet

	passMutex sync.Mutex
	// kick requests another pass; buffered so requests coalesce
	kick chan struct{}
}

// NewLoginQueueCoordinator creates the coordinator for a fleet
func NewLoginQueueCoordinator(fleet *Fleet) *LoginQueueCoordinator {
	return &LoginQueueCoordinator{
		fleet: fleet,
		kick:  make(chan struct{}, 1),
	}
}

// Kick requests a queue pass. Safe to call from anywhere; concurrent
// requests collapse into one pending pass.
func (q *LoginQueueCoordinator) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Run starts the coordinator: one pass immediately, then one per kick until
// the fleet shuts down
func (q *LoginQueueCoordinator) Run() {
	go func() {
		q.pass()
		for {
			select {
			case <-q.kick:
				q.pass()
			case <-q.fleet.ctx.Done():
				return
			}
		}
	}()
}

// pass sweeps all accounts in ascending index order. The primary account is
// attempted first and its outcome gates continuation: a terminal primary
// failure stops the whole system. For every started attempt the pass waits
// until the account settles (Online, Error, Skipped or Postponed) before
// advancing, then observes the inter-login delay.
func (q *LoginQueueCoordinator) pass() {
	q.passMutex.Lock()
	defer q.passMutex.Unlock()

	done := q.fleet.ctx.Done()
	LogDebug("Queue pass starting")

	for _, a := range q.fleet.accounts {
		select {
		case <-done:
			return
		default:
		}

		switch a.Status() {
		case StatusOnline, StatusError, StatusSkipped:
			continue
		}

		if !a.AttemptLogin() {
			continue
		}

		st := a.waitSettled(done)
		LogDebug("[%s] Settled as %s", a.Creds.AccountName, st)

		if q.fleet.Stopped() {
			LogWarning("Queue pass aborted: fleet is stopping")
			return
		}

		select {
		case <-time.After(q.fleet.cfg.InterLoginDelay):
		case <-done:
			return
		}
	}

	// Re-invoke until the queue drains: as long as some account could still
	// be attempted, schedule another pass. Postponed accounts whose retry
	// budget is spent wait for the relog scheduler to reset them instead.
	if q.anyAttemptable() {
		LogDebug("Queue not drained, scheduling another pass")
		q.Kick()
	} else {
		LogDebug("Queue pass complete")
	}
}

// anyAttemptable reports whether any account would start an attempt if asked
func (q *LoginQueueCoordinator) anyAttemptable() bool {
	for _, a := range q.fleet.accounts {
		if a.attemptable() {
			return true
		}
	}
	return false
}
