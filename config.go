package main

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default values for the recognized configuration options
const (
	DefaultMaxLogOnRetries   = 1
	DefaultLoginTimeout      = 60 * time.Second
	DefaultRelogTimeout      = 60 * time.Second
	DefaultLoginRetryTimeout = 5 * time.Second
	DefaultInterLoginDelay   = 2500 * time.Millisecond
	DefaultSecondFactorWait  = 90 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultCheckHost         = "steamcommunity.com:443"

	// How often the logoff poll re-checks a still-connected previous session
	LogoffPollInterval = 250 * time.Millisecond
	// Upper bound on how long a login attempt waits for the previous session
	// to finish logging off
	LogoffPollLimit = 10 * time.Second

	// Health monitor cadence
	FleetHealthCheckInterval = 1 * time.Minute
)

// Config holds every recognized option, resolved from the environment
type Config struct {
	// MaxLogOnRetries is the number of retries after the initial attempt
	MaxLogOnRetries int
	// LoginTimeout force-fails a stuck login attempt. 0 disables the watchdog.
	LoginTimeout time.Duration
	// RelogTimeout delays the retry scheduled after exhausting login retries.
	// 0 disables delayed relogs.
	RelogTimeout time.Duration
	// LoginRetryTimeout is the wait between two attempts for one account
	LoginRetryTimeout time.Duration
	// InterLoginDelay is the wait between attempts for different accounts
	InterLoginDelay time.Duration
	// SecondFactorWait bounds the interactive prompt for non-primary accounts
	SecondFactorWait time.Duration
	// SkipSecondFactorForNonPrimary skips (instead of prompting) non-primary
	// accounts that require a second factor
	SkipSecondFactorForNonPrimary bool
	// ReconnectDelay is the fixed wait before reconnecting a lost session
	ReconnectDelay time.Duration
	// RelogEnabled gates automatic reconnects after a connection loss
	RelogEnabled bool

	// Proxies are the configured egress proxy URLs. Index 0 is always the
	// direct connection; configured proxies occupy indices 1..N.
	Proxies []string
	// CheckHost is the remote service host:port used for reachability probes
	CheckHost string

	// AccountsFile is the credential list, one account per line
	AccountsFile string
	// Port is the HTTP control surface port
	Port string
	// TokenStore selects the persistence backend: postgres, redis or memory
	TokenStore string
}

// LoadConfig resolves the configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		MaxLogOnRetries:               envInt("MAX_LOGON_RETRIES", DefaultMaxLogOnRetries),
		LoginTimeout:                  envMillis("LOGIN_TIMEOUT_MS", DefaultLoginTimeout),
		RelogTimeout:                  envMillis("RELOG_TIMEOUT_MS", DefaultRelogTimeout),
		LoginRetryTimeout:             envMillis("LOGIN_RETRY_TIMEOUT_MS", DefaultLoginRetryTimeout),
		InterLoginDelay:               envMillis("INTER_LOGIN_DELAY_MS", DefaultInterLoginDelay),
		SecondFactorWait:              envMillis("SECOND_FACTOR_WAIT_MS", DefaultSecondFactorWait),
		SkipSecondFactorForNonPrimary: envBool("SKIP_2FA_NON_PRIMARY", false),
		ReconnectDelay:                envMillis("RECONNECT_DELAY_MS", DefaultReconnectDelay),
		RelogEnabled:                  envBool("RELOG_ENABLED", true),
		Proxies:                       envList("PROXIES"),
		CheckHost:                     envString("CHECK_HOST", DefaultCheckHost),
		AccountsFile:                  envString("ACCOUNTS_FILE", "accounts.txt"),
		Port:                          envString("PORT", "3000"),
		TokenStore:                    envString("TOKEN_STORE", "memory"),
	}
}

// envString reads a string option with a default
func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// envInt reads an integer option with a default
func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		LogWarning("Invalid value for %s: %q, using default %d", name, v, def)
		return def
	}
	return n
}

// envMillis reads a millisecond option into a duration with a default
func envMillis(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		LogWarning("Invalid value for %s: %q, using default %v", name, v, def)
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// envBool reads a boolean option with a default
func envBool(name string, def bool) bool {
	v := strings.ToLower(os.Getenv(name))
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes"
}

// envList reads a comma-separated option
func envList(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadCredentials loads accounts from the configured accounts file. Each line
// is accountName:password[:sharedSecret]; blank lines and lines starting with
// '#' are skipped. The first listed account is the primary.
func loadCredentials(path string) ([]Credentials, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var creds []Credentials
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 2 {
			LogWarning("Skipping malformed account line (want name:password[:sharedSecret])")
			continue
		}
		c := Credentials{
			AccountName: parts[0],
			Password:    parts[1],
		}
		if len(parts) >= 3 {
			c.SharedSecret = parts[2]
		}
		creds = append(creds, c)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return creds, nil
}
