package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// ClientEvent is any event emitted by an AccountClient. Consumers type-switch
// on the concrete event structs below.
type ClientEvent interface{}

// LoggedOnEvent is emitted once the remote service accepted the session token
type LoggedOnEvent struct{}

// WebSessionEvent is emitted once the web session cookies are available.
// Only after this point is the session considered fully established.
type WebSessionEvent struct {
	Cookies []string
}

// DisconnectedEvent is emitted when the connection to the remote service drops
type DisconnectedEvent struct {
	Reason string
}

// ErrorKind identifies the remote service's rejection reasons
type ErrorKind int

// Error kinds reported by the account client
const (
	ErrKindUnknown ErrorKind = iota
	ErrKindServiceUnavailable
	ErrKindRateLimited
	ErrKindInvalidToken
	ErrKindInvalidPassword
	ErrKindBanned
	ErrKindAccountNotFound
	ErrKindLoggedInElsewhere
)

// classify maps an error kind onto the failure taxonomy
func (k ErrorKind) classify() FailureClass {
	switch k {
	case ErrKindInvalidToken:
		return ClassInvalidToken
	case ErrKindInvalidPassword:
		return ClassInvalidCredentials
	case ErrKindBanned, ErrKindAccountNotFound, ErrKindLoggedInElsewhere:
		return ClassTerminalPolicy
	default:
		return ClassTransient
	}
}

// ErroredEvent is emitted when the remote service rejects a login or reports
// a session failure
type ErroredEvent struct {
	Kind   ErrorKind
	Detail string
}

// AccountClient is the injected wire-protocol capability for one account.
// The actual protocol implementation lives outside this repository.
type AccountClient interface {
	// LogOn starts a session using the given token. Outcome arrives
	// asynchronously on Events().
	LogOn(token string)
	// LogOff tears down the current session
	LogOff()
	// IsConnected reports whether a session is currently established
	IsConnected() bool
	// SteamID returns the resolved id for the session, or "" if none yet
	SteamID() string
	// Events is the stream of session events. Closed when the client is done.
	Events() <-chan ClientEvent
	// Close releases the client. No events are emitted afterwards.
	Close()
}

// AccountClientFactory builds a client for one account on a given proxy.
// A state machine calls this whenever it needs a fresh client handle, in
// particular after a proxy reassignment.
type AccountClientFactory func(creds Credentials, proxyIndex int) (AccountClient, error)

// CredentialAuthResult is the outcome of starting a credential auth session
type CredentialAuthResult struct {
	Token             string
	NeedsSecondFactor bool
	// GuardData is opaque device material returned by the auth endpoint;
	// presenting it on the next login can skip the second factor
	GuardData string
}

// AuthError is a classified failure from the credential auth endpoint
type AuthError struct {
	Class  FailureClass
	Detail string
}

// Error implements the error interface
func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed (%s): %s", e.Class, e.Detail)
}

// CredentialAuthClient is the injected capability for the credential login
// endpoint of the remote service
type CredentialAuthClient interface {
	// StartWithCredentials begins an auth session. When the result reports
	// NeedsSecondFactor the caller must follow up with SubmitSecondFactorCode.
	StartWithCredentials(ctx context.Context, name, password, sharedSecret, guardData string) (CredentialAuthResult, error)
	// SubmitSecondFactorCode completes an auth session that required a second
	// factor and returns the issued token
	SubmitSecondFactorCode(ctx context.Context, code string) (CredentialAuthResult, error)
}

// InteractiveInput asks a human (console, chat message or plugin) for input.
// A zero timeout means wait forever. An empty answer means nobody responded.
type InteractiveInput interface {
	Ask(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// PersistentKeyValueStore is the storage capability behind the token store
type PersistentKeyValueStore interface {
	Get(key string) (string, bool, error)
	Upsert(key, value string) error
	Delete(key string) error
	Close() error
}

// Registration points for the wire-protocol implementation. The lifecycle
// core is protocol-agnostic; an integrating build registers its client
// factory and auth client here before calling main's fleet setup.
var (
	registeredClientFactory AccountClientFactory
	registeredAuthClient    CredentialAuthClient
)

// RegisterAccountClientFactory registers the wire-protocol client factory
func RegisterAccountClientFactory(f AccountClientFactory) {
	registeredClientFactory = f
}

// RegisterCredentialAuthClient registers the credential auth capability
func RegisterCredentialAuthClient(c CredentialAuthClient) {
	registeredAuthClient = c
}

// ConsoleInput is an InteractiveInput backed by stdin
type ConsoleInput struct {
	mutex  sync.Mutex
	reader *bufio.Reader
}

// NewConsoleInput creates a console-backed input collaborator
func NewConsoleInput() *ConsoleInput {
	return &ConsoleInput{reader: bufio.NewReader(os.Stdin)}
}

// Ask prints the prompt and waits for one line of input. Returns "" when the
// timeout elapses or the context is cancelled before a line arrives.
func (c *ConsoleInput) Ask(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	fmt.Print(prompt)

	lineCh := make(chan string, 1)
	go func() {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			lineCh <- ""
			return
		}
		lineCh <- strings.TrimSpace(line)
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case line := <-lineCh:
		return line, nil
	case <-timeoutCh:
		fmt.Println()
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
