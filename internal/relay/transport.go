package relay

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Timeouts mirror what the upstream tolerates: generous dial for the
// WAF-fronted primary, a hard cap on buffered responses, and header-only
// deadlines for streams whose bodies can legitimately run for minutes.
const (
	dialTimeout         = 30 * time.Second
	nonStreamTimeout    = 60 * time.Second
	streamHeaderTimeout = 30 * time.Second
)

type clientKey struct {
	proxied bool
	stream  bool
}

// newClients builds the four upstream clients: {direct, proxied} x
// {buffered, streaming}. HTTP/2 is disabled; the WAF behaves differently on
// h2 and the upstream only needs h1.
func newClients(proxyURL string) map[clientKey]*http.Client {
	clients := make(map[clientKey]*http.Client, 4)
	for _, proxied := range []bool{false, true} {
		for _, stream := range []bool{false, true} {
			clients[clientKey{proxied, stream}] = newClient(proxyURL, proxied, stream)
		}
	}
	return clients
}

func newClient(proxyURL string, proxied, stream bool) *http.Client {
	tr := &http.Transport{
		DialContext:       (&net.Dialer{Timeout: dialTimeout}).DialContext,
		ForceAttemptHTTP2: false,
		TLSNextProto:      map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
	if proxied && proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			tr.Proxy = http.ProxyURL(u)
		}
	}

	c := &http.Client{Transport: tr}
	if stream {
		tr.ResponseHeaderTimeout = streamHeaderTimeout
	} else {
		c.Timeout = nonStreamTimeout
	}
	return c
}
