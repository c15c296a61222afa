package main

import (
	"fmt"
	"sync"
	"time"
)

// Account is the per-account state machine. It owns the connection status,
// the retry counters and exactly one client handle at a time, and it reacts
// to the asynchronous session events of that handle.
//
// pendingLogin is the only mutual-exclusion primitive for login attempts: it
// is set before any asynchronous step of an attempt begins and cleared by
// exactly one of the success path, the error path or the timeout watchdog.
// Whichever path loses that race checks the flag and no-ops.
type Account struct {
	Index int
	Creds Credentials

	fleet *Fleet

	mutex           sync.Mutex
	status          AccountStatus
	loginTries      int
	relogTries      int
	pendingLogin    bool
	waitingForInput bool
	everOnline      bool
	proxyIndex      int
	lastDisconnect  DisconnectInfo

	client    AccountClient
	clientGen int

	// notify is closed and replaced whenever status or pendingLogin changes;
	// waiters re-check their condition on every rotation
	notify chan struct{}
}

// newAccount creates an account state machine in the Offline state
func newAccount(fleet *Fleet, index int, creds Credentials, proxyIndex int) *Account {
	return &Account{
		Index:      index,
		Creds:      creds,
		fleet:      fleet,
		status:     StatusOffline,
		proxyIndex: proxyIndex,
		notify:     make(chan struct{}),
	}
}

// maxAttempts is the total number of attempts before retries are exhausted
func (a *Account) maxAttempts() int {
	return a.fleet.cfg.MaxLogOnRetries + 1
}

// Status returns the current lifecycle status
func (a *Account) Status() AccountStatus {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.status
}

// PendingLogin reports whether a login attempt is currently in flight
func (a *Account) PendingLogin() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.pendingLogin
}

// LoginTries returns the attempt counter of the current retry round
func (a *Account) LoginTries() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.loginTries
}

// ProxyIndex returns the account's assigned proxy index
func (a *Account) ProxyIndex() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.proxyIndex
}

// summary returns the account's health-endpoint representation
func (a *Account) summary() AccountSummary {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	s := AccountSummary{
		Index:        a.Index,
		AccountName:  a.Creds.AccountName,
		Status:       a.status.String(),
		LoginTries:   a.loginTries,
		RelogTries:   a.relogTries,
		PendingLogin: a.pendingLogin,
		ProxyIndex:   a.proxyIndex,
	}
	if !a.lastDisconnect.Timestamp.IsZero() {
		s.LastDisconnect = fmt.Sprintf("%s (%s)",
			a.lastDisconnect.Reason, a.lastDisconnect.Timestamp.Format(time.RFC3339))
	}
	return s
}

// changedLocked wakes every waiter so it can re-check its condition.
// Caller must hold a.mutex.
func (a *Account) changedLocked() {
	close(a.notify)
	a.notify = make(chan struct{})
}

// setStatusLocked transitions the status. Caller must hold a.mutex.
func (a *Account) setStatusLocked(st AccountStatus) {
	if a.status == st {
		return
	}
	a.status = st
	a.changedLocked()
}

// setStatus transitions the status
func (a *Account) setStatus(st AccountStatus) {
	a.mutex.Lock()
	a.setStatusLocked(st)
	a.mutex.Unlock()
}

// setWaitingForInput marks the account as blocked on a human response, which
// suppresses the timeout watchdog for the duration
func (a *Account) setWaitingForInput(waiting bool) {
	a.mutex.Lock()
	a.waitingForInput = waiting
	a.mutex.Unlock()
}

// attemptable reports whether AttemptLogin would start a new attempt
func (a *Account) attemptable() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.pendingLogin || a.loginTries >= a.maxAttempts() {
		return false
	}
	return a.status == StatusOffline || a.status == StatusPostponed
}

// AttemptLogin starts one login attempt. It is a no-op while an attempt is
// already in flight, while the account is Online or excluded, or once the
// retry budget is used up. Returns whether an attempt was started.
func (a *Account) AttemptLogin() bool {
	name := a.Creds.AccountName

	a.mutex.Lock()
	if a.pendingLogin {
		a.mutex.Unlock()
		LogDebug("[%s] Login attempt already in flight, ignoring", name)
		return false
	}
	if a.status == StatusOnline {
		a.mutex.Unlock()
		LogDebug("[%s] Already online, ignoring login request", name)
		return false
	}
	if a.status == StatusError || a.status == StatusSkipped {
		a.mutex.Unlock()
		LogDebug("[%s] Account is excluded (%s), ignoring login request", name, a.Status())
		return false
	}
	if a.loginTries >= a.maxAttempts() {
		a.mutex.Unlock()
		LogDebug("[%s] Login retries already exhausted, ignoring login request", name)
		return false
	}

	a.pendingLogin = true
	a.loginTries++
	tries := a.loginTries
	a.setStatusLocked(StatusOffline)
	a.changedLocked()
	a.mutex.Unlock()

	a.fleet.noteLoginAttempt()
	LogInfo("[%s] Starting login attempt %d/%d", name, tries, a.maxAttempts())

	a.armWatchdog(tries)
	go a.runLogin(tries)
	return true
}

// runLogin performs the asynchronous half of one attempt: log off any
// leftover session, negotiate a token and hand it to the client. The
// attempt's outcome then arrives through the client's event stream.
func (a *Account) runLogin(tries int) {
	ctx := a.fleet.ctx
	name := a.Creds.AccountName

	a.mutex.Lock()
	startProxy := a.proxyIndex
	client := a.client
	a.mutex.Unlock()

	// Make sure any previous connected session is logged off first so it does
	// not remain half-authenticated
	if client != nil && client.IsConnected() {
		LogInfo("[%s] Previous session still connected, logging it off", name)
		client.LogOff()
		deadline := time.Now().Add(LogoffPollLimit)
		for client.IsConnected() && time.Now().Before(deadline) {
			select {
			case <-time.After(LogoffPollInterval):
			case <-ctx.Done():
				return
			}
		}
	}

	token, err := a.fleet.negotiator.AcquireToken(ctx, a)
	if err != nil {
		authErr := classifyAuthError(err)
		LogWarning("[%s] Session negotiation failed (%s): %s", name, authErr.Class, authErr.Detail)
		a.handleLoginFailure(tries, authErr.Class, authErr.Detail)
		return
	}

	a.mutex.Lock()
	if !a.pendingLogin || a.loginTries != tries {
		// another path already resolved this attempt
		a.mutex.Unlock()
		return
	}
	if a.proxyIndex != startProxy {
		currentProxy := a.proxyIndex
		a.pendingLogin = false
		a.setStatusLocked(StatusError)
		a.changedLocked()
		a.mutex.Unlock()
		LogError("[%s] Proxy assignment changed mid-attempt (%d -> %d), aborting; the client must be recreated",
			name, startProxy, currentProxy)
		a.fleet.noteLoginFailure()
		return
	}
	a.mutex.Unlock()

	client, err = a.ensureClient()
	if err != nil {
		LogError("[%s] Failed to create account client: %v", name, err)
		a.handleLoginFailure(tries, ClassTransient, fmt.Sprintf("client creation failed: %v", err))
		return
	}

	LogInfo("[%s] Logging on with session token", name)
	client.LogOn(token)
}

// ensureClient returns the current client handle, creating one on the
// account's assigned proxy when none exists
func (a *Account) ensureClient() (AccountClient, error) {
	a.mutex.Lock()
	if a.client != nil {
		c := a.client
		a.mutex.Unlock()
		return c, nil
	}
	proxyIndex := a.proxyIndex
	a.mutex.Unlock()

	c, err := a.fleet.clientFactory(a.Creds, proxyIndex)
	if err != nil {
		return nil, err
	}
	a.attachClient(c)
	return c, nil
}

// attachClient installs a client handle and subscribes to its events. The
// generation counter makes events from a replaced handle inert, so a swap
// replaces the handle and its subscription atomically.
func (a *Account) attachClient(c AccountClient) {
	a.mutex.Lock()
	a.client = c
	a.clientGen++
	gen := a.clientGen
	a.mutex.Unlock()

	go a.pumpEvents(c, gen)
}

// pumpEvents forwards the client's events into the state machine until the
// stream closes or the handle is replaced
func (a *Account) pumpEvents(c AccountClient, gen int) {
	for ev := range c.Events() {
		a.mutex.Lock()
		stale := gen != a.clientGen
		a.mutex.Unlock()
		if stale {
			return
		}

		switch e := ev.(type) {
		case LoggedOnEvent:
			a.handleLoggedOn()
		case WebSessionEvent:
			a.handleWebSession(e)
		case DisconnectedEvent:
			a.handleDisconnected(e.Reason)
		case ErroredEvent:
			a.handleErrored(e)
		default:
			LogDebug("[%s] Ignoring unhandled client event %T", a.Creds.AccountName, e)
		}
	}
}

// handleLoggedOn reacts to the remote service accepting the session
func (a *Account) handleLoggedOn() {
	a.mutex.Lock()
	if !a.pendingLogin && a.status == StatusOnline {
		a.mutex.Unlock()
		return
	}
	a.pendingLogin = false
	a.everOnline = true
	a.setStatusLocked(StatusOnline)
	a.changedLocked()
	a.mutex.Unlock()

	LogInfo("[%s] Logged on", a.Creds.AccountName)
	a.fleet.noteLoginSuccess()
}

// handleWebSession marks the session as fully established. Only now are the
// try counters reset; a session that dies before this point still counts
// against the retry budget.
func (a *Account) handleWebSession(e WebSessionEvent) {
	a.mutex.Lock()
	a.loginTries = 0
	a.relogTries = 0
	a.mutex.Unlock()

	LogInfo("[%s] Web session established (%d cookies), try counters reset",
		a.Creds.AccountName, len(e.Cookies))
}

// handleDisconnected reacts to a dropped connection. A disconnect while
// Online is a connection loss and schedules a reconnect; a disconnect during
// a login attempt is a transient login failure.
func (a *Account) handleDisconnected(reason string) {
	name := a.Creds.AccountName

	a.mutex.Lock()
	a.lastDisconnect = DisconnectInfo{Timestamp: time.Now(), Reason: reason}
	if a.status == StatusOnline {
		a.setStatusLocked(StatusOffline)
		a.changedLocked()
		a.mutex.Unlock()

		LogWarning("[%s] Lost connection: %s", name, reason)
		if !a.fleet.cfg.RelogEnabled {
			LogInfo("[%s] Relogging is disabled, staying offline", name)
			return
		}
		delay := a.fleet.cfg.ReconnectDelay
		LogInfo("[%s] Reconnecting in %v", name, delay)
		time.AfterFunc(delay, a.fleet.queue.Kick)
		return
	}
	pending := a.pendingLogin
	tries := a.loginTries
	a.mutex.Unlock()

	if pending {
		a.handleLoginFailure(tries, ClassTransient, "disconnected during login: "+reason)
	}
}

// handleErrored reacts to a session error from the client. While Online it
// behaves like a connection loss; during a login attempt the error kind is
// classified and drives the retry policy.
func (a *Account) handleErrored(e ErroredEvent) {
	a.mutex.Lock()
	online := a.status == StatusOnline
	tries := a.loginTries
	a.mutex.Unlock()

	if online {
		a.handleDisconnected(fmt.Sprintf("session error: %s", e.Detail))
		return
	}

	a.handleLoginFailure(tries, e.Kind.classify(), e.Detail)
}

// handleLoginFailure resolves the failed attempt identified by tries.
// Exactly one of this path, the success path and the watchdog clears
// pendingLogin; a caller that finds the flag already cleared lost the race
// and must no-op. The counter comparison makes callbacks from an abandoned
// attempt inert: a failure that arrives after the watchdog already moved the
// counter on must not resolve the newer attempt.
func (a *Account) handleLoginFailure(tries int, cls FailureClass, detail string) {
	name := a.Creds.AccountName

	a.mutex.Lock()
	if !a.pendingLogin || a.loginTries != tries {
		a.mutex.Unlock()
		return
	}
	a.pendingLogin = false
	a.lastDisconnect = DisconnectInfo{
		Timestamp: time.Now(),
		Reason:    fmt.Sprintf("%s: %s", cls, detail),
	}
	everOnline := a.everOnline
	a.changedLocked()
	a.mutex.Unlock()

	a.fleet.noteLoginFailure()

	switch {
	case cls == ClassInvalidToken:
		// stale cached token: drop it and retry immediately with credentials
		LogWarning("[%s] Login failed (%s): %s -> dropping cached token, retrying with credentials",
			name, cls, detail)
		if err := a.fleet.tokens.InvalidateToken(name); err != nil {
			LogWarning("[%s] Failed to invalidate token: %v", name, err)
		}
		if tries < a.maxAttempts() {
			go a.AttemptLogin()
		} else {
			a.exhausted(cls, detail, everOnline)
		}

	case cls.terminal():
		LogWarning("[%s] Login failed (%s): %s -> never retried", name, cls, detail)
		a.excludeOrStop(cls, detail)

	case tries < a.maxAttempts():
		delay := a.fleet.cfg.LoginRetryTimeout
		LogWarning("[%s] Login failed (%s): %s -> retrying in %v (attempt %d/%d)",
			name, cls, detail, delay, tries, a.maxAttempts())
		time.AfterFunc(delay, func() { a.AttemptLogin() })

	default:
		a.exhausted(cls, detail, everOnline)
	}
}

// exhausted handles a failure after the retry budget is used up: accounts
// that were online before get a relog scheduled, initial logins are excluded
func (a *Account) exhausted(cls FailureClass, detail string, everOnline bool) {
	name := a.Creds.AccountName
	LogWarning("[%s] Login retries exhausted after %d attempts (last failure: %s)",
		name, a.maxAttempts(), cls)

	if everOnline && a.fleet.cfg.RelogEnabled {
		a.fleet.relog.ScheduleRelog(a)
		return
	}
	a.excludeOrStop(cls, detail)
}

// excludeOrStop removes the account from future queue passes. The primary
// account is never excluded: its unrecoverable failure stops the whole
// system instead.
func (a *Account) excludeOrStop(cls FailureClass, detail string) {
	name := a.Creds.AccountName

	if a.Index == 0 {
		a.setStatus(StatusError)
		a.fleet.Fatal("primary account %s failed (%s): %s", name, cls, detail)
		return
	}

	st := StatusError
	if cls.terminal() {
		st = StatusSkipped
	}
	a.setStatus(st)
	LogWarning("[%s] Excluding account (%s) -> status %s", name, cls, st)
}

// waitSettled blocks until the account reaches a settled state: Online,
// Error, Skipped or Postponed with no attempt in flight. Retry waits in
// between attempts do not settle; the queue coordinator must not advance
// past an account that is still working through its retry budget.
func (a *Account) waitSettled(done <-chan struct{}) AccountStatus {
	for {
		a.mutex.Lock()
		st := a.status
		pending := a.pendingLogin
		ch := a.notify
		a.mutex.Unlock()

		if !pending && st != StatusOffline {
			return st
		}

		select {
		case <-ch:
		case <-done:
			return st
		}
	}
}

// assignProxy moves the account to a different egress path and drops the
// client handle so the next attempt creates one on the new proxy
func (a *Account) assignProxy(index int) {
	a.mutex.Lock()
	old := a.proxyIndex
	a.proxyIndex = index
	client := a.client
	a.client = nil
	a.clientGen++ // events from the old handle become inert
	a.mutex.Unlock()

	if client != nil {
		if client.IsConnected() {
			client.LogOff()
		}
		client.Close()
	}

	LogInfo("[%s] Moved from proxy %d to proxy %d", a.Creds.AccountName, old, index)
}

// prepareRetry resets the attempt counter for a fresh retry round
func (a *Account) prepareRetry() {
	a.mutex.Lock()
	a.loginTries = 0
	a.mutex.Unlock()
}

// bumpRelogTries counts one scheduled relog
func (a *Account) bumpRelogTries() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.relogTries++
	return a.relogTries
}

// resetExclusion manually resets an excluded account so the queue picks it
// up again. Used by the relog control surface.
func (a *Account) resetExclusion() {
	a.mutex.Lock()
	if a.status == StatusError || a.status == StatusSkipped {
		a.loginTries = 0
		a.setStatusLocked(StatusOffline)
		a.changedLocked()
	}
	a.mutex.Unlock()
}

// verifySession cross-checks the Online status against the client. The
// health monitor calls this to catch a client that died without emitting a
// disconnect event.
func (a *Account) verifySession() {
	a.mutex.Lock()
	online := a.status == StatusOnline
	c := a.client
	a.mutex.Unlock()

	if online && (c == nil || !c.IsConnected()) {
		a.handleDisconnected("connection lost (detected by health monitor)")
	}
}

// logOff tears down the account's session during shutdown
func (a *Account) logOff() {
	a.mutex.Lock()
	c := a.client
	a.mutex.Unlock()

	if c != nil {
		if c.IsConnected() {
			c.LogOff()
		}
		c.Close()
	}
}
