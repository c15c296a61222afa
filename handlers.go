package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Delay between relog triggers when relogging the whole fleet at once
const relogStaggerDelay = 500 * time.Millisecond

// handleHealth reports the overall fleet health and the per-account status
func handleHealth(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if fleet == nil {
		sendJSONResponse(w, HealthResponse{Status: "starting"})
		return
	}

	online := fleet.onlineCount()
	total := len(fleet.accounts)

	status := "healthy"
	switch {
	case fleet.Stopped():
		status = "stopped"
	case online == 0:
		status = "down"
	case online < total:
		status = "degraded"
	}

	sendJSONResponse(w, HealthResponse{
		Status:   status,
		Online:   online,
		Total:    total,
		Accounts: fleet.summaries(),
	})
}

// handleStatus reports uptime, login metrics and the rolling attempt history
func handleStatus(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if fleet == nil {
		http.Error(w, "Fleet not initialized", http.StatusServiceUnavailable)
		return
	}

	historyMutex.Lock()
	history := make([]int, len(attemptHistory))
	copy(history, attemptHistory)
	historyMutex.Unlock()

	sendJSONResponse(w, StatusResponse{
		UptimeSeconds:  int64(time.Since(fleet.startTime).Seconds()),
		Accounts:       len(fleet.accounts),
		Proxies:        fleet.registry.Count(),
		LoginAttempts:  fleet.loginAttempts.Load(),
		LoginSuccesses: fleet.loginSuccesses.Load(),
		LoginFailures:  fleet.loginFailures.Load(),
		History:        history,
		TokenStore:     fleet.cfg.TokenStore,
	})
}

// handleRelog triggers a manual relog for one account (?account=NAME) or for
// every account. Excluded accounts are refused unless force=true resets them.
func handleRelog(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if fleet == nil {
		sendJSONResponse(w, RelogResponse{
			Success: false,
			Message: "Fleet not initialized",
		})
		return
	}

	name := r.URL.Query().Get("account")
	force := r.URL.Query().Get("force") == "true"

	if name != "" {
		a := fleet.accountByName(name)
		if a == nil {
			sendJSONResponse(w, RelogResponse{
				Success: false,
				Message: fmt.Sprintf("Unknown account %s", name),
			})
			return
		}

		st := a.Status()
		if st == StatusError || st == StatusSkipped {
			if !force {
				sendJSONResponse(w, RelogResponse{
					Success: false,
					Message: fmt.Sprintf("Account %s is excluded (%s); pass force=true to reset it", name, st),
				})
				return
			}
			a.resetExclusion()
		} else {
			a.prepareRetry()
		}

		LogInfo("Manual relog triggered for account %s (force: %v)", name, force)
		fleet.queue.Kick()
		sendJSONResponse(w, RelogResponse{
			Success: true,
			Message: fmt.Sprintf("Relog queued for account %s", name),
		})
		return
	}

	// Whole-fleet relog: reset accounts in the background with a small stagger
	// so the queue never sees a burst, then answer immediately
	accounts := fleet.accounts
	go func() {
		for _, a := range accounts {
			st := a.Status()
			if st == StatusError || st == StatusSkipped {
				if !force {
					LogWarning("Skipping relog for excluded account %s", a.Creds.AccountName)
					continue
				}
				a.resetExclusion()
			} else {
				a.prepareRetry()
			}
			fleet.queue.Kick()
			time.Sleep(relogStaggerDelay)
		}
	}()

	LogInfo("Manual relog triggered for all accounts (force: %v)", force)
	sendJSONResponse(w, RelogResponse{
		Success: true,
		Message: fmt.Sprintf("Relog initiated for all accounts (%d total)", len(accounts)),
	})
}

// handleProxies lists the egress paths (GET) or manually overrides one
// proxy's recorded health (POST ?index=N&online=true|false). The override
// feeds the same records the relog scheduler consults when it picks a
// replacement proxy.
func handleProxies(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if fleet == nil {
		http.Error(w, "Fleet not initialized", http.StatusServiceUnavailable)
		return
	}

	if r.Method == http.MethodPost {
		index, err := strconv.Atoi(r.URL.Query().Get("index"))
		if err != nil {
			sendJSONResponse(w, RelogResponse{
				Success: false,
				Message: "index must be a proxy index number",
			})
			return
		}
		if _, ok := fleet.registry.Proxy(index); !ok {
			sendJSONResponse(w, RelogResponse{
				Success: false,
				Message: fmt.Sprintf("Unknown proxy index %d", index),
			})
			return
		}

		online := r.URL.Query().Get("online") == "true"
		fleet.registry.setOnline(index, online)
		LogInfo("Manual health override for proxy %d: online=%v", index, online)
		sendJSONResponse(w, RelogResponse{
			Success: true,
			Message: fmt.Sprintf("Proxy %d marked online=%v", index, online),
		})
		return
	}

	sendJSONResponse(w, fleet.proxySummaries())
}

// setCORSHeaders sets the CORS headers shared by the control endpoints
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}
