package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Secret kinds stored alongside tokens
const (
	secretKindGuard = "guard"
)

// SessionNegotiator acquires a usable session token for one account: cached
// token first, then credential login, then the interactive second factor.
type SessionNegotiator struct {
	tokens *TokenStore
	auth   CredentialAuthClient
	input  InteractiveInput
	cfg    *Config
}

// NewSessionNegotiator creates a negotiator over the given collaborators
func NewSessionNegotiator(tokens *TokenStore, auth CredentialAuthClient, input InteractiveInput, cfg *Config) *SessionNegotiator {
	return &SessionNegotiator{
		tokens: tokens,
		auth:   auth,
		input:  input,
		cfg:    cfg,
	}
}

// AcquireToken resolves a session token for the account, or a classified
// error when the negotiation failed. The caller owns retry scheduling; the
// negotiator performs exactly one pass over the protocol.
func (n *SessionNegotiator) AcquireToken(ctx context.Context, a *Account) (string, error) {
	name := a.Creds.AccountName

	// Step 1: cached token
	cached, err := n.tokens.GetToken(name)
	if err != nil {
		LogWarning("[%s] Token store lookup failed: %v", name, err)
	}
	if cached != nil {
		if !cached.Expired(tokenExpiryMargin) {
			LogInfo("[%s] Reusing cached session token (expires %s)",
				name, cached.ExpiresAt.Format(time.RFC3339))
			return cached.Token, nil
		}
		LogInfo("[%s] Cached session token is expired, falling back to credential login", name)
		if err := n.tokens.InvalidateToken(name); err != nil {
			LogWarning("[%s] Failed to drop expired token: %v", name, err)
		}
	}

	// Step 2: credential login
	guardData, err := n.tokens.GetSecret(name, secretKindGuard)
	if err != nil {
		LogWarning("[%s] Guard data lookup failed: %v", name, err)
	}

	res, err := n.auth.StartWithCredentials(ctx, name, a.Creds.Password, a.Creds.SharedSecret, guardData)
	if err != nil {
		return "", classifyAuthError(err)
	}

	// Step 3: interactive second factor, if required
	if res.NeedsSecondFactor {
		return n.secondFactor(ctx, a)
	}

	n.persist(name, res)
	return res.Token, nil
}

// secondFactor runs the interactive flow: prompt for a code with a bounded
// wait for non-primary accounts and an unbounded re-prompt loop for the
// primary account, which can never be skipped.
func (n *SessionNegotiator) secondFactor(ctx context.Context, a *Account) (string, error) {
	name := a.Creds.AccountName

	if a.Index > 0 && n.cfg.SkipSecondFactorForNonPrimary {
		return "", &AuthError{
			Class:  ClassSecondFactorAbandoned,
			Detail: "second factor required and skipping is configured for non-primary accounts",
		}
	}

	prompt := fmt.Sprintf("[%s] Enter the second factor code: ", name)
	timeout := n.cfg.SecondFactorWait
	if a.Index == 0 {
		timeout = 0 // the primary account waits forever
	}

	for {
		a.setWaitingForInput(true)
		code, err := n.input.Ask(ctx, prompt, timeout)
		a.setWaitingForInput(false)
		if err != nil {
			return "", &AuthError{Class: ClassTransient, Detail: fmt.Sprintf("second factor prompt aborted: %v", err)}
		}

		if code == "" {
			if a.Index == 0 {
				LogWarning("[%s] No second factor code entered, asking again (the primary account cannot be skipped)", name)
				continue
			}
			return "", &AuthError{
				Class:  ClassSecondFactorAbandoned,
				Detail: "no second factor code entered before the deadline",
			}
		}

		res, err := n.auth.SubmitSecondFactorCode(ctx, code)
		if err != nil {
			if a.Index == 0 {
				LogWarning("[%s] Second factor code rejected (%v), asking again", name, err)
				continue
			}
			return "", classifyAuthError(err)
		}

		n.persist(name, res)
		return res.Token, nil
	}
}

// persist stores the issued token and any guard data that came with it
func (n *SessionNegotiator) persist(name string, res CredentialAuthResult) {
	if err := n.tokens.SaveToken(name, res.Token); err != nil {
		LogWarning("[%s] Failed to persist session token: %v", name, err)
	}
	if res.GuardData != "" {
		if err := n.tokens.SaveSecret(name, secretKindGuard, res.GuardData); err != nil {
			LogWarning("[%s] Failed to persist guard data: %v", name, err)
		}
	}
}

// classifyAuthError maps an auth endpoint error onto the failure taxonomy,
// defaulting to transient for anything unclassified
func classifyAuthError(err error) *AuthError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return &AuthError{Class: ClassTransient, Detail: err.Error()}
}
