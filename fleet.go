package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Collaborators are the injected external capabilities the fleet runs
// against. The wire protocol itself lives behind ClientFactory and Auth.
type Collaborators struct {
	ClientFactory AccountClientFactory
	Auth          CredentialAuthClient
	Input         InteractiveInput
	Store         PersistentKeyValueStore
}

// Fleet owns every account state machine plus the shared subsystems: the
// login queue coordinator, the relog scheduler, the proxy registry and the
// token store
type Fleet struct {
	cfg      *Config
	accounts []*Account
	registry *ProxyRegistry

	tokens        *TokenStore
	negotiator    *SessionNegotiator
	queue         *LoginQueueCoordinator
	relog         *RelogScheduler
	clientFactory AccountClientFactory

	ctx    context.Context
	cancel context.CancelFunc

	mutex     sync.Mutex
	fatalErr  error
	startTime time.Time

	loginAttempts  atomic.Int64
	loginSuccesses atomic.Int64
	loginFailures  atomic.Int64
}

// NewFleet builds the fleet from the configured credentials. Accounts are
// spread round-robin across the registry's proxies; with no proxies
// configured everyone connects directly.
func NewFleet(cfg *Config, creds []Credentials, registry *ProxyRegistry, collab Collaborators) (*Fleet, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}
	if collab.ClientFactory == nil || collab.Auth == nil || collab.Input == nil || collab.Store == nil {
		return nil, fmt.Errorf("all collaborators (client factory, auth, input, store) must be provided")
	}

	ctx, cancel := context.WithCancel(context.Background())

	f := &Fleet{
		cfg:           cfg,
		registry:      registry,
		tokens:        NewTokenStore(collab.Store),
		clientFactory: collab.ClientFactory,
		ctx:           ctx,
		cancel:        cancel,
		startTime:     time.Now(),
	}
	f.negotiator = NewSessionNegotiator(f.tokens, collab.Auth, collab.Input, cfg)
	f.queue = NewLoginQueueCoordinator(f)
	f.relog = NewRelogScheduler(f)

	proxyCount := registry.Count()
	for i, c := range creds {
		proxyIndex := 0
		if proxyCount > 1 {
			// skip index 0 (direct) while proxies are configured
			proxyIndex = (i % (proxyCount - 1)) + 1
		}
		f.accounts = append(f.accounts, newAccount(f, i, c, proxyIndex))
	}

	return f, nil
}

// Start kicks off the first queue pass and the background health monitor
func (f *Fleet) Start() {
	LogInfo("Starting fleet: %d accounts across %d egress paths",
		len(f.accounts), f.registry.Count())
	go f.monitorHealth()
	f.queue.Run()
}

// Shutdown logs every account off and stops all background work
func (f *Fleet) Shutdown() {
	LogInfo("Shutting down fleet...")
	f.cancel()
	for _, a := range f.accounts {
		a.logOff()
	}
	LogInfo("Fleet shutdown complete")
}

// Fatal records an unrecoverable failure, prints the operator message and
// stops the fleet. Only the first fatal error is kept.
func (f *Fleet) Fatal(format string, args ...interface{}) {
	err := fmt.Errorf(format, args...)

	f.mutex.Lock()
	if f.fatalErr == nil {
		f.fatalErr = err
	}
	f.mutex.Unlock()

	LogError("FATAL: %v", err)
	LogError("The primary account could not establish a session. Check its credentials and second factor, then restart.")
	f.cancel()
}

// Stopped reports whether the fleet has been stopped
func (f *Fleet) Stopped() bool {
	select {
	case <-f.ctx.Done():
		return true
	default:
		return false
	}
}

// Done is closed when the fleet stops, fatally or via Shutdown
func (f *Fleet) Done() <-chan struct{} {
	return f.ctx.Done()
}

// FatalErr returns the recorded fatal error, if any
func (f *Fleet) FatalErr() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.fatalErr
}

// proxyUsage counts accounts per assigned proxy index
func (f *Fleet) proxyUsage() map[int]int {
	usage := make(map[int]int)
	for _, a := range f.accounts {
		usage[a.ProxyIndex()]++
	}
	return usage
}

// accountByName finds an account by its name
func (f *Fleet) accountByName(name string) *Account {
	for _, a := range f.accounts {
		if a.Creds.AccountName == name {
			return a
		}
	}
	return nil
}

// summaries returns the per-account health representations in index order
func (f *Fleet) summaries() []AccountSummary {
	out := make([]AccountSummary, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, a.summary())
	}
	return out
}

// proxySummaries returns the egress paths with their recorded health and
// how many accounts sit on each
func (f *Fleet) proxySummaries() []ProxySummary {
	usage := f.proxyUsage()
	out := make([]ProxySummary, 0, f.registry.Count())
	for i := 0; i < f.registry.Count(); i++ {
		p, ok := f.registry.Proxy(i)
		if !ok {
			continue
		}
		s := ProxySummary{
			Index:    p.Index,
			Online:   p.IsOnline,
			Accounts: usage[p.Index],
		}
		if p.Address != nil {
			s.Address = p.Address.Redacted()
		}
		if !p.LastCheckedAt.IsZero() {
			s.LastCheckedAt = p.LastCheckedAt.Format(time.RFC3339)
		}
		out = append(out, s)
	}
	return out
}

// onlineCount counts accounts currently Online
func (f *Fleet) onlineCount() int {
	n := 0
	for _, a := range f.accounts {
		if a.Status() == StatusOnline {
			n++
		}
	}
	return n
}

// monitorHealth periodically refreshes proxy health, cross-checks Online
// accounts against their clients and re-kicks the queue when somebody is
// waiting to log in
func (f *Fleet) monitorHealth() {
	ticker := time.NewTicker(FleetHealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.registry.CheckAll(2 * time.Minute)
			for _, a := range f.accounts {
				a.verifySession()
			}
			if f.queue.anyAttemptable() {
				LogDebug("Health monitor: accounts waiting to log in, kicking the queue")
				f.queue.Kick()
			}

		case <-f.ctx.Done():
			LogInfo("Fleet health monitor shutting down")
			return
		}
	}
}

// Metric hooks, read by the status endpoint

func (f *Fleet) noteLoginAttempt() { f.loginAttempts.Add(1) }
func (f *Fleet) noteLoginSuccess() { f.loginSuccesses.Add(1) }
func (f *Fleet) noteLoginFailure() { f.loginFailures.Add(1) }
