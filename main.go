package main

import (
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Global fleet instance, read by the HTTP handlers
var fleet *Fleet

// Rolling history of login attempts, one sample per second for the last 60
var (
	historyMutex   sync.Mutex
	attemptHistory = make([]int, 0, 60)
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		LogWarning("Error loading .env file: %v", err)
	}

	InitLogger()
	defer CloseLogger()

	LogInfo("Starting account fleet login service")

	cfg := LoadConfig()

	creds, err := loadCredentials(cfg.AccountsFile)
	if err != nil {
		LogError("Failed to load accounts from %s: %v", cfg.AccountsFile, err)
		os.Exit(1)
	}
	LogInfo("Loaded %d accounts from %s", len(creds), cfg.AccountsFile)

	registry, err := NewProxyRegistry(cfg.Proxies, cfg.CheckHost)
	if err != nil {
		LogError("Failed to set up proxies: %v", err)
		os.Exit(1)
	}
	LogInfo("Configured %d egress paths", registry.Count())

	store := openTokenStoreBackend(cfg)
	defer store.Close()

	if registeredClientFactory == nil || registeredAuthClient == nil {
		LogError("No wire-protocol client registered. Link a client implementation and register it via RegisterAccountClientFactory / RegisterCredentialAuthClient before starting the fleet.")
		os.Exit(1)
	}

	fleet, err = NewFleet(cfg, creds, registry, Collaborators{
		ClientFactory: registeredClientFactory,
		Auth:          registeredAuthClient,
		Input:         NewConsoleInput(),
		Store:         store,
	})
	if err != nil {
		LogError("Failed to build fleet: %v", err)
		os.Exit(1)
	}
	defer fleet.Shutdown()

	fleet.Start()

	// Exit with an error when the fleet dies fatally (primary account failed)
	go func() {
		<-fleet.Done()
		if err := fleet.FatalErr(); err != nil {
			LogError("Fleet stopped: %v", err)
			CloseLogger()
			os.Exit(1)
		}
	}()

	go collectMetrics()

	http.HandleFunc("/health", handleHealth)
	http.HandleFunc("/status", handleStatus)
	http.HandleFunc("/relog", handleRelog)
	http.HandleFunc("/proxies", handleProxies)

	address := ":" + cfg.Port
	LogInfo("Starting HTTP server on %s", address)
	if err := http.ListenAndServe(address, nil); err != nil {
		LogError("Failed to start HTTP server: %v", err)
		os.Exit(1)
	}
}

// openTokenStoreBackend opens the configured persistence backend, falling
// back to the in-memory store when the backend is unreachable. Without a
// persistent backend cached-token logins do not survive restarts.
func openTokenStoreBackend(cfg *Config) PersistentKeyValueStore {
	switch cfg.TokenStore {
	case "postgres":
		store, err := NewPostgresStore()
		if err != nil {
			LogWarning("Failed to connect to PostgreSQL: %v", err)
			LogInfo("Continuing with in-memory token store - tokens will not survive restarts")
			return NewMemoryStore()
		}
		return store
	case "redis":
		store, err := NewRedisStore()
		if err != nil {
			LogWarning("Failed to connect to Redis: %v", err)
			LogInfo("Continuing with in-memory token store - tokens will not survive restarts")
			return NewMemoryStore()
		}
		return store
	case "memory", "":
		return NewMemoryStore()
	default:
		LogWarning("Unknown TOKEN_STORE backend %q, using in-memory store", cfg.TokenStore)
		return NewMemoryStore()
	}
}

// collectMetrics samples the fleet's login attempt counter every second and
// keeps the last 60 samples for the status endpoint
func collectMetrics() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var last int64
	for range ticker.C {
		if fleet == nil {
			continue
		}
		current := fleet.loginAttempts.Load()

		historyMutex.Lock()
		attemptHistory = append(attemptHistory, int(current-last))
		if len(attemptHistory) > 60 {
			attemptHistory = attemptHistory[len(attemptHistory)-60:]
		}
		historyMutex.Unlock()

		last = current
	}
}
