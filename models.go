package main

import (
	"net/url"
	"time"
)

// AccountStatus is the lifecycle state of one account
type AccountStatus int

// Account statuses
const (
	StatusOffline AccountStatus = iota
	StatusOnline
	StatusError
	StatusSkipped
	StatusPostponed
)

// String returns the lowercase name of the status
func (s AccountStatus) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusOnline:
		return "online"
	case StatusError:
		return "error"
	case StatusSkipped:
		return "skipped"
	case StatusPostponed:
		return "postponed"
	default:
		return "unknown"
	}
}

// FailureClass classifies a failed login attempt and decides the next action
type FailureClass int

// Failure classes
const (
	// ClassTransient covers network blips, rate limits and anything retryable
	ClassTransient FailureClass = iota
	// ClassInvalidToken means the remote service rejected a cached token
	ClassInvalidToken
	// ClassInvalidCredentials means the password itself was rejected
	ClassInvalidCredentials
	// ClassTerminalPolicy covers bans, missing accounts and logged-in-elsewhere
	ClassTerminalPolicy
	// ClassTimeout is a login attempt force-failed by the watchdog
	ClassTimeout
	// ClassSecondFactorAbandoned means nobody answered the 2FA prompt in time
	ClassSecondFactorAbandoned
)

// String returns a log-friendly name for the failure class
func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalidToken:
		return "invalid_token"
	case ClassInvalidCredentials:
		return "invalid_credentials"
	case ClassTerminalPolicy:
		return "terminal_policy"
	case ClassTimeout:
		return "timeout"
	case ClassSecondFactorAbandoned:
		return "second_factor_abandoned"
	default:
		return "unknown"
	}
}

// terminal reports whether a failure of this class must never be retried
func (c FailureClass) terminal() bool {
	return c == ClassInvalidCredentials || c == ClassTerminalPolicy ||
		c == ClassSecondFactorAbandoned
}

// Credentials is one configured credential set loaded from the accounts file
type Credentials struct {
	AccountName  string
	Password     string
	SharedSecret string
}

// DisconnectInfo records the last disconnect seen for an account
type DisconnectInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// SessionToken is a long-lived credential issued by the remote auth flow.
// ExpiresAt is derived from the expiry claim embedded in the token itself.
type SessionToken struct {
	AccountName string    `json:"accountName"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the token is past (or within margin of) its expiry
func (t SessionToken) Expired(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// Proxy is one egress path. A nil Address means no proxy (direct connection).
type Proxy struct {
	Index         int
	Address       *url.URL
	IsOnline      bool
	LastCheckedAt time.Time
}

// AccountSummary is the per-account portion of the health response
type AccountSummary struct {
	Index          int    `json:"index"`
	AccountName    string `json:"accountName"`
	Status         string `json:"status"`
	LoginTries     int    `json:"loginTries"`
	RelogTries     int    `json:"relogTries"`
	PendingLogin   bool   `json:"pendingLogin"`
	ProxyIndex     int    `json:"proxyIndex"`
	LastDisconnect string `json:"lastDisconnect,omitempty"`
}

// ProxySummary is one egress path in the proxy listing
type ProxySummary struct {
	Index         int    `json:"index"`
	Address       string `json:"address,omitempty"`
	Online        bool   `json:"online"`
	LastCheckedAt string `json:"lastCheckedAt,omitempty"`
	Accounts      int    `json:"accounts"`
}

// HealthResponse is the response from the health check
type HealthResponse struct {
	Status   string           `json:"status"`
	Online   int              `json:"online"`
	Total    int              `json:"total"`
	Accounts []AccountSummary `json:"accounts"`
}

// RelogResponse is the response from the manual relog endpoint
type RelogResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StatusResponse is the response from the status endpoint
type StatusResponse struct {
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	Accounts       int    `json:"accounts"`
	Proxies        int    `json:"proxies"`
	LoginAttempts  int64  `json:"loginAttempts"`
	LoginSuccesses int64  `json:"loginSuccesses"`
	LoginFailures  int64  `json:"loginFailures"`
	History        []int  `json:"history"`
	TokenStore     string `json:"tokenStore"`
}
