package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// installFleet points the handlers' package-level fleet at a test fleet and
// restores the previous one afterwards
func installFleet(t *testing.T, f *Fleet) {
	t.Helper()
	prev := fleet
	fleet = f
	t.Cleanup(func() { fleet = prev })
}

func TestHandleHealthReportsPerAccountStatus(t *testing.T) {
	tf, err := newTestFleet(testConfig(), "primary", "worker")
	require.NoError(t, err)
	installFleet(t, tf.fleet)

	rec := httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "down", resp.Status) // nothing has logged in yet
	assert.Equal(t, 0, resp.Online)
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Accounts, 2)
	assert.Equal(t, "primary", resp.Accounts[0].AccountName)
}

func TestHandleHealthWithoutFleet(t *testing.T) {
	installFleet(t, nil)

	rec := httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "starting", resp.Status)
}

func TestHandleRelogUnknownAccount(t *testing.T) {
	tf, err := newTestFleet(testConfig(), "primary")
	require.NoError(t, err)
	installFleet(t, tf.fleet)

	rec := httptest.NewRecorder()
	handleRelog(rec, httptest.NewRequest(http.MethodPost, "/relog?account=stranger", nil))

	var resp RelogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "stranger")
}

func TestHandleRelogExcludedAccountNeedsForce(t *testing.T) {
	tf, err := newTestFleet(testConfig(), "primary", "worker")
	require.NoError(t, err)
	installFleet(t, tf.fleet)

	a := tf.fleet.accounts[1]
	a.setStatus(StatusSkipped)

	rec := httptest.NewRecorder()
	handleRelog(rec, httptest.NewRequest(http.MethodPost, "/relog?account=worker", nil))

	var resp RelogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, StatusSkipped, a.Status())

	rec = httptest.NewRecorder()
	handleRelog(rec, httptest.NewRequest(http.MethodPost, "/relog?account=worker&force=true", nil))

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, StatusOffline, a.Status())
	assert.Len(t, tf.fleet.queue.kick, 1)
}

func TestHandleProxiesListsEgressPaths(t *testing.T) {
	tf := newProxyTestFleet(t, testConfig(), "primary", "w1", "w2")
	installFleet(t, tf.fleet)

	rec := httptest.NewRecorder()
	handleProxies(rec, httptest.NewRequest(http.MethodGet, "/proxies", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var proxies []ProxySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proxies))
	require.Len(t, proxies, 3)

	assert.Equal(t, 0, proxies[0].Index)
	assert.Empty(t, proxies[0].Address) // direct connection
	assert.Equal(t, "socks5://127.0.0.1:9101", proxies[1].Address)
	// three accounts round-robin onto proxies 1,2,1
	assert.Equal(t, 2, proxies[1].Accounts)
	assert.Equal(t, 1, proxies[2].Accounts)
}

func TestHandleProxiesOverridesRecordedHealth(t *testing.T) {
	tf := newProxyTestFleet(t, testConfig(), "primary", "w1")
	installFleet(t, tf.fleet)

	rec := httptest.NewRecorder()
	handleProxies(rec, httptest.NewRequest(http.MethodPost, "/proxies?index=1&online=true", nil))

	var resp RelogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	p, ok := tf.fleet.registry.Proxy(1)
	require.True(t, ok)
	assert.True(t, p.IsOnline)

	// and back off again
	rec = httptest.NewRecorder()
	handleProxies(rec, httptest.NewRequest(http.MethodPost, "/proxies?index=1&online=false", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	p, _ = tf.fleet.registry.Proxy(1)
	assert.False(t, p.IsOnline)
}

func TestHandleProxiesRejectsUnknownIndex(t *testing.T) {
	tf := newProxyTestFleet(t, testConfig(), "primary")
	installFleet(t, tf.fleet)

	rec := httptest.NewRecorder()
	handleProxies(rec, httptest.NewRequest(http.MethodPost, "/proxies?index=9&online=true", nil))

	var resp RelogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)

	rec = httptest.NewRecorder()
	handleProxies(rec, httptest.NewRequest(http.MethodPost, "/proxies?index=lots&online=true", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
}

func TestHandleRelogRejectsUnsupportedMethod(t *testing.T) {
	rec := httptest.NewRecorder()
	handleRelog(rec, httptest.NewRequest(http.MethodDelete, "/relog", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest(http.MethodOptions, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
