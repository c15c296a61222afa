package main

import (
	"fmt"
	"time"
)

// RelogScheduler decides what happens after an account that was online has
// exhausted its login retries: try moving it to a healthier proxy and
// re-queue immediately, or park it and retry after the relog timeout.
type RelogScheduler struct {
	fleet *Fleet
}

// NewRelogScheduler creates the scheduler for a fleet
func NewRelogScheduler(fleet *Fleet) *RelogScheduler {
	return &RelogScheduler{fleet: fleet}
}

// ScheduleRelog handles an exhausted relog. The account is marked Postponed
// in both branches so the current queue pass can settle instead of
// deadlocking on an account that needs to restart its own attempt.
func (s *RelogScheduler) ScheduleRelog(a *Account) {
	name := a.Creds.AccountName
	relogs := a.bumpRelogTries()
	cfg := s.fleet.cfg
	reg := s.fleet.registry

	LogInfo("[%s] Preparing relog %d", name, relogs)

	// A proxy swap is only worth trying when the remote service itself is
	// reachable but the assigned proxy is not
	proxyIndex := a.ProxyIndex()
	if reg.Count() > 1 && reg.CheckHostDirect() && !reg.CheckProxy(proxyIndex) {
		// refresh the other proxies' health records before picking one
		reg.CheckAll(time.Minute)
		if p := reg.LeastUsedOnlineProxy(proxyIndex, s.fleet.proxyUsage()); p != nil {
			LogWarning("[%s] Proxy %d looks unhealthy, moving to proxy %d and re-queuing immediately",
				name, proxyIndex, p.Index)
			a.assignProxy(p.Index)
			a.prepareRetry()
			a.setStatus(StatusPostponed)
			s.fleet.queue.Kick()
			return
		}
		LogWarning("[%s] Proxy %d looks unhealthy but no healthier proxy is available", name, proxyIndex)
	}

	if cfg.RelogTimeout <= 0 {
		LogWarning("[%s] Delayed relogs are disabled, excluding account", name)
		a.excludeOrStop(ClassTransient, "login retries exhausted and delayed relogs are disabled")
		return
	}

	a.setStatus(StatusPostponed)
	LogInfo("[%s] Scheduling relog attempt in %v", name, cfg.RelogTimeout)
	time.AfterFunc(cfg.RelogTimeout, func() {
		a.prepareRetry()
		s.fleet.queue.Kick()
	})
}

// armWatchdog starts the timeout watchdog for one login attempt. The
// watchdog captures the attempt counter at arm time: if the counter moved on
// by the time the timer fires, the timeout belongs to an abandoned attempt
// and must not act. Interactive-input waits suppress the watchdog entirely.
func (a *Account) armWatchdog(tries int) {
	timeout := a.fleet.cfg.LoginTimeout
	if timeout <= 0 {
		return
	}

	time.AfterFunc(timeout, func() {
		a.mutex.Lock()
		fire := a.pendingLogin &&
			a.loginTries == tries &&
			!a.waitingForInput &&
			a.status != StatusOnline
		a.mutex.Unlock()

		if !fire {
			return
		}

		LogWarning("[%s] Login attempt %d produced no result within %v, force-progressing",
			a.Creds.AccountName, tries, timeout)
		a.handleLoginFailure(tries, ClassTimeout, fmt.Sprintf("no response within %v", timeout))
	})
}
