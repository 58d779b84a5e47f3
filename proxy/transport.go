package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/ruocuoguo23/chain-proxy/params"
)

// newUpstreamClient builds the pooled client used for jsonrpc and http
// chains. Redirects are passed through to the caller, never followed.
func newUpstreamClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        500,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		ForceAttemptHTTP2: true,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// newGRPCClient builds the client for grpc chains. gRPC requires end-to-end
// HTTP/2, so plaintext nodes are dialed with h2c instead of upgrading.
func newGRPCClient(tlsNodes bool) *http.Client {
	transport := &http2.Transport{
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}
	if !tlsNodes {
		transport.AllowHTTP = true
		transport.DialTLS = func(network, addr string, _ *tls.Config) (net.Conn, error) {
			return net.DialTimeout(network, addr, 5*time.Second)
		}
	}
	return &http.Client{Transport: transport}
}

// clientForChain picks the upstream client matching the chain protocol.
func clientForChain(chain *params.ChainConfig) *http.Client {
	if chain.Protocol != params.ProtocolGRPC {
		return newUpstreamClient()
	}
	tlsNodes := true
	for _, n := range chain.Nodes {
		if !n.TLS() {
			tlsNodes = false
			break
		}
	}
	return newGRPCClient(tlsNodes)
}
