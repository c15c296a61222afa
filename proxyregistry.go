package main

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// Timeout for reachability probes and proxy handshakes
const proxyCheckTimeout = 10 * time.Second

// ProxyRegistry tracks the configured egress proxies, their health and the
// dialers built for them. Index 0 is always the direct connection.
type ProxyRegistry struct {
	mutex       sync.RWMutex
	proxies     []*Proxy
	dialerCache map[int]proxy.Dialer
	checkHost   string

	// probe performs one reachability check through a dialer; replaced in
	// tests. A nil dialer means a direct connection.
	probe func(d proxy.Dialer, addr string, timeout time.Duration) error
}

// NewProxyRegistry parses the configured proxy URLs and builds the registry.
// checkHost is the remote service host:port probed during health checks.
func NewProxyRegistry(proxyURLs []string, checkHost string) (*ProxyRegistry, error) {
	r := &ProxyRegistry{
		proxies:     []*Proxy{{Index: 0, Address: nil}},
		dialerCache: make(map[int]proxy.Dialer),
		checkHost:   checkHost,
		probe:       dialProbe,
	}

	for i, raw := range proxyURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL at position %d: %v", i, err)
		}
		switch u.Scheme {
		case "socks5", "http", "https":
			// supported
		default:
			return nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
		}
		r.proxies = append(r.proxies, &Proxy{Index: i + 1, Address: u})
	}

	return r, nil
}

// Count returns the number of registered egress paths including direct
func (r *ProxyRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.proxies)
}

// Proxy returns a snapshot of the proxy at the given index
func (r *ProxyRegistry) Proxy(index int) (Proxy, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if index < 0 || index >= len(r.proxies) {
		return Proxy{}, false
	}
	return *r.proxies[index], true
}

// DialerFor builds (and caches) the dialer for a proxy index. Returns a nil
// dialer for the direct connection.
func (r *ProxyRegistry) DialerFor(index int) (proxy.Dialer, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if index < 0 || index >= len(r.proxies) {
		return nil, fmt.Errorf("unknown proxy index %d", index)
	}

	p := r.proxies[index]
	if p.Address == nil {
		return nil, nil
	}

	if d, ok := r.dialerCache[index]; ok {
		return d, nil
	}

	var dialer proxy.Dialer
	var err error

	switch p.Address.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if p.Address.User != nil {
			auth = &proxy.Auth{User: p.Address.User.Username()}
			if password, ok := p.Address.User.Password(); ok {
				auth.Password = password
			}
		}
		dialer, err = proxy.SOCKS5("tcp", p.Address.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %v", err)
		}
	case "http", "https":
		dialer = &httpConnectDialer{
			proxyURL: p.Address,
			timeout:  proxyCheckTimeout,
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", p.Address.Scheme)
	}

	r.dialerCache[index] = dialer
	return dialer, nil
}

// CheckProxy probes the remote service through the proxy at the given index
// and records the result
func (r *ProxyRegistry) CheckProxy(index int) bool {
	dialer, err := r.DialerFor(index)
	if err != nil {
		LogError("Proxy %d: cannot build dialer: %v", index, err)
		r.record(index, false)
		return false
	}

	probeErr := r.probe(dialer, r.checkHost, proxyCheckTimeout)
	online := probeErr == nil
	if !online {
		LogWarning("Proxy %d: health check failed: %v", index, probeErr)
	} else {
		LogDebug("Proxy %d: health check ok", index)
	}

	r.record(index, online)
	return online
}

// CheckHostDirect probes the remote service over a direct connection. Used to
// tell "the proxy is broken" apart from "our own network is down".
func (r *ProxyRegistry) CheckHostDirect() bool {
	return r.probe(nil, r.checkHost, proxyCheckTimeout) == nil
}

// CheckAll probes every proxy whose last check is older than ignoreWithin.
// Checks for different proxies run concurrently; no proxy check blocks
// another.
func (r *ProxyRegistry) CheckAll(ignoreWithin time.Duration) {
	r.mutex.RLock()
	var due []int
	now := time.Now()
	for _, p := range r.proxies {
		if ignoreWithin > 0 && now.Sub(p.LastCheckedAt) < ignoreWithin {
			continue
		}
		due = append(due, p.Index)
	}
	r.mutex.RUnlock()

	var wg sync.WaitGroup
	for _, index := range due {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.CheckProxy(i)
		}(index)
	}
	wg.Wait()
}

// LeastUsedOnlineProxy returns the online proxy with the fewest assigned
// accounts, excluding the given index. usage maps proxy index to the number
// of accounts currently assigned to it. Returns nil when no online proxy
// other than the excluded one exists.
func (r *ProxyRegistry) LeastUsedOnlineProxy(excludeIndex int, usage map[int]int) *Proxy {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var best *Proxy
	for _, p := range r.proxies {
		if p.Index == excludeIndex || !p.IsOnline {
			continue
		}
		if best == nil || usage[p.Index] < usage[best.Index] {
			best = p
		}
	}

	if best == nil {
		return nil
	}
	snapshot := *best
	return &snapshot
}

// record stores a health check result
func (r *ProxyRegistry) record(index int, online bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if index < 0 || index >= len(r.proxies) {
		return
	}
	r.proxies[index].IsOnline = online
	r.proxies[index].LastCheckedAt = time.Now()
}

// setOnline overrides a proxy's recorded health. Used by tests and the
// manual control surface.
func (r *ProxyRegistry) setOnline(index int, online bool) {
	r.record(index, online)
}

// dialProbe is the default reachability probe: open a TCP connection to addr
// through the dialer (or directly when the dialer is nil) and close it
func dialProbe(d proxy.Dialer, addr string, timeout time.Duration) error {
	if d == nil {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return err
		}
		conn.Close()
		return nil
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := d.Dial("tcp", addr)
		resCh <- result{conn, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return res.err
		}
		res.conn.Close()
		return nil
	case <-time.After(timeout):
		// The dialer interface has no cancellation; the stray connection, if
		// it ever completes, is closed by the goroutine's receiver being gone
		go func() {
			if res := <-resCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("probe of %s timed out after %v", addr, timeout)
	}
}

// httpConnectDialer implements proxy.Dialer for HTTP CONNECT proxies
type httpConnectDialer struct {
	proxyURL *url.URL
	timeout  time.Duration
}

// Dial connects to addr by tunneling through the HTTP proxy
func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", d.proxyURL.Host, d.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to HTTP proxy: %v", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}

	if d.proxyURL.User != nil {
		username := d.proxyURL.User.Username()
		password, _ := d.proxyURL.User.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		req.Header.Set("Proxy-Authorization", "Basic "+auth)
	}

	conn.SetDeadline(time.Now().Add(d.timeout))

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to write CONNECT request: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy connection failed: %s", resp.Status)
	}

	conn.SetDeadline(time.Time{})

	// Some proxies send data right after the response headers; hand the
	// buffered remainder to the caller
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: br}, nil
	}
	return conn, nil
}

// bufferedConn is a net.Conn whose reads drain a bufio.Reader first
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

// Read reads from the buffered reader wrapping the connection
func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}
