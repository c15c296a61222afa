package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"
)

// testToken builds a JWT-shaped token expiring after ttl
func testToken(ttl time.Duration) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, _ := json.Marshal(map[string]interface{}{
		"sub": "test",
		"exp": time.Now().Add(ttl).Unix(),
	})
	body := base64.RawURLEncoding.EncodeToString(payload)
	return header + "." + body + ".sig"
}

// testConfig returns a config with timings fast enough for tests
func testConfig() *Config {
	return &Config{
		MaxLogOnRetries:   2,
		LoginTimeout:      500 * time.Millisecond,
		RelogTimeout:      100 * time.Millisecond,
		LoginRetryTimeout: 20 * time.Millisecond,
		InterLoginDelay:   60 * time.Millisecond,
		SecondFactorWait:  50 * time.Millisecond,
		ReconnectDelay:    20 * time.Millisecond,
		RelogEnabled:      true,
		CheckHost:         "remote.invalid:443",
		TokenStore:        "memory",
	}
}

// fakeAuthClient is a scripted CredentialAuthClient
type fakeAuthClient struct {
	mutex       sync.Mutex
	startCalls  []startCall
	submitCalls []string

	// startFn overrides the default always-succeed behavior
	startFn func(call startCall) (CredentialAuthResult, error)
	// submitFn overrides the default always-succeed behavior
	submitFn func(code string) (CredentialAuthResult, error)
}

type startCall struct {
	name      string
	guardData string
	at        time.Time
}

func (f *fakeAuthClient) StartWithCredentials(ctx context.Context, name, password, sharedSecret, guardData string) (CredentialAuthResult, error) {
	call := startCall{name: name, guardData: guardData, at: time.Now()}
	f.mutex.Lock()
	f.startCalls = append(f.startCalls, call)
	fn := f.startFn
	f.mutex.Unlock()

	if fn != nil {
		return fn(call)
	}
	return CredentialAuthResult{Token: testToken(time.Hour)}, nil
}

func (f *fakeAuthClient) SubmitSecondFactorCode(ctx context.Context, code string) (CredentialAuthResult, error) {
	f.mutex.Lock()
	f.submitCalls = append(f.submitCalls, code)
	fn := f.submitFn
	f.mutex.Unlock()

	if fn != nil {
		return fn(code)
	}
	return CredentialAuthResult{Token: testToken(time.Hour)}, nil
}

func (f *fakeAuthClient) startCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.startCalls)
}

func (f *fakeAuthClient) startsFor(name string) []startCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var out []startCall
	for _, c := range f.startCalls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// fakeInput is a scripted InteractiveInput
type fakeInput struct {
	mutex   sync.Mutex
	asks    []time.Duration // timeouts seen
	answers []string        // consumed front to back; empty list answers ""
}

func (f *fakeInput) Ask(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.asks = append(f.asks, timeout)
	if len(f.answers) == 0 {
		return "", nil
	}
	answer := f.answers[0]
	f.answers = f.answers[1:]
	return answer, nil
}

func (f *fakeInput) askCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.asks)
}

// fakeClient is a scriptable AccountClient
type fakeClient struct {
	name string

	mutex     sync.Mutex
	events    chan ClientEvent
	connected bool
	closed    bool
	logOns    []logOnCall

	// onLogOn scripts the client's reaction to LogOn. The default reaction
	// connects and emits LoggedOn followed by WebSession.
	onLogOn func(c *fakeClient, token string)
}

type logOnCall struct {
	token string
	at    time.Time
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan ClientEvent, 32)}
}

func (c *fakeClient) LogOn(token string) {
	c.mutex.Lock()
	c.logOns = append(c.logOns, logOnCall{token: token, at: time.Now()})
	fn := c.onLogOn
	c.mutex.Unlock()

	if fn != nil {
		go fn(c, token)
		return
	}
	c.setConnected(true)
	c.emit(LoggedOnEvent{})
	c.emit(WebSessionEvent{Cookies: []string{"sessionid=abc"}})
}

func (c *fakeClient) LogOff() {
	c.setConnected(false)
}

func (c *fakeClient) IsConnected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.connected
}

func (c *fakeClient) SteamID() string {
	if c.IsConnected() {
		return "76561190000000000"
	}
	return ""
}

func (c *fakeClient) Events() <-chan ClientEvent {
	return c.events
}

func (c *fakeClient) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *fakeClient) setConnected(connected bool) {
	c.mutex.Lock()
	c.connected = connected
	c.mutex.Unlock()
}

func (c *fakeClient) emit(ev ClientEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *fakeClient) logOnCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.logOns)
}

func (c *fakeClient) lastLogOnAt() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.logOns) == 0 {
		return time.Time{}
	}
	return c.logOns[len(c.logOns)-1].at
}

// fakeClientFactory hands out fakeClients and remembers them per account
type fakeClientFactory struct {
	mutex   sync.Mutex
	clients map[string][]*fakeClient
	proxies map[string][]int

	// onLogOn is installed on every created client
	onLogOn func(c *fakeClient, token string)
}

func newFakeClientFactory() *fakeClientFactory {
	return &fakeClientFactory{
		clients: make(map[string][]*fakeClient),
		proxies: make(map[string][]int),
	}
}

func (f *fakeClientFactory) factory(creds Credentials, proxyIndex int) (AccountClient, error) {
	c := newFakeClient()
	c.name = creds.AccountName
	f.mutex.Lock()
	c.onLogOn = f.onLogOn
	f.clients[creds.AccountName] = append(f.clients[creds.AccountName], c)
	f.proxies[creds.AccountName] = append(f.proxies[creds.AccountName], proxyIndex)
	f.mutex.Unlock()
	return c, nil
}

func (f *fakeClientFactory) clientFor(name string) *fakeClient {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	cs := f.clients[name]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (f *fakeClientFactory) totalLogOns(name string) int {
	f.mutex.Lock()
	cs := append([]*fakeClient(nil), f.clients[name]...)
	f.mutex.Unlock()

	n := 0
	for _, c := range cs {
		n += c.logOnCount()
	}
	return n
}

// testFleet bundles a fleet with its fakes
type testFleet struct {
	fleet   *Fleet
	auth    *fakeAuthClient
	input   *fakeInput
	factory *fakeClientFactory
	store   *MemoryStore
}

// newTestFleet builds a fleet over fakes. The caller mutates the fakes
// before triggering logins.
func newTestFleet(cfg *Config, accountNames ...string) (*testFleet, error) {
	var creds []Credentials
	for _, name := range accountNames {
		creds = append(creds, Credentials{AccountName: name, Password: "hunter2"})
	}

	registry, err := NewProxyRegistry(nil, cfg.CheckHost)
	if err != nil {
		return nil, err
	}

	tf := &testFleet{
		auth:    &fakeAuthClient{},
		input:   &fakeInput{},
		factory: newFakeClientFactory(),
		store:   NewMemoryStore(),
	}

	tf.fleet, err = NewFleet(cfg, creds, registry, Collaborators{
		ClientFactory: tf.factory.factory,
		Auth:          tf.auth,
		Input:         tf.input,
		Store:         tf.store,
	})
	if err != nil {
		return nil, err
	}
	return tf, nil
}

// transientAuthError builds a retryable auth failure
func transientAuthError(detail string) error {
	return &AuthError{Class: ClassTransient, Detail: detail}
}

// terminalAuthError builds a never-retried auth failure
func terminalAuthError(detail string) error {
	return &AuthError{Class: ClassTerminalPolicy, Detail: detail}
}
