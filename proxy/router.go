package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ruocuoguo23/chain-proxy/circuitbreaker"
	"github.com/ruocuoguo23/chain-proxy/healthmanager"
	"github.com/ruocuoguo23/chain-proxy/metrics"
	"github.com/ruocuoguo23/chain-proxy/params"
	"github.com/ruocuoguo23/chain-proxy/selector"
	"github.com/ruocuoguo23/chain-proxy/signal"
)

// maxRequestBody bounds inbound bodies. The body is buffered so it can be
// replayed against the next candidate on failover.
const maxRequestBody = 8 << 20

// hopHeaders are stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
}

// Router serves one chain: it picks candidates from the current health
// snapshot and walks them in order until an upstream produces a response.
// Transport-level failures move on to the next candidate; an HTTP response,
// error status included, belongs to the client and ends the walk.
type Router struct {
	chain   params.ChainConfig
	health  *healthmanager.ChainHealthManager
	disp    Dispatcher
	breaker *circuitbreaker.CircuitBreaker
	client  *http.Client
	logger  *zap.Logger
}

// NewRouter builds the router for a chain.
func NewRouter(chain params.ChainConfig, health *healthmanager.ChainHealthManager, logger *zap.Logger) (*Router, error) {
	disp, err := ForProtocol(chain.Protocol)
	if err != nil {
		return nil, err
	}
	return &Router{
		chain:  chain,
		health: health,
		disp:   disp,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			Timeout:                60000,
			MaxConcurrentRequests:  1024,
			RequestVolumeThreshold: 20,
			SleepWindow:            5000,
			ErrorPercentThreshold:  50,
		}),
		client: clientForChain(&chain),
		logger: logger.Named("router").With(zap.String("chain", chain.Name)),
	}, nil
}

// ChainName returns the name of the chain this router serves.
func (rt *Router) ChainName() string {
	return rt.chain.Name
}

type upstreamResult struct {
	node params.NodeConfig
	resp *http.Response
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxRequestBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	method := rt.disp.Method(r.URL.Path, body)
	candidates := selector.Candidates(&rt.chain, method, rt.health.Snapshot())
	if len(candidates) == 0 {
		rt.writeUnavailable(w, r, method, 0)
		return
	}

	cmd := circuitbreaker.NewCommand(r.Context(), nil)
	for i := range candidates {
		node := candidates[i]
		cmd.Add(circuitbreaker.NewAttempt(func() (any, error) {
			resp, err := rt.forward(r, &node, body)
			if err != nil {
				return nil, err
			}
			return &upstreamResult{node: node, resp: resp}, nil
		}, rt.circuitName(&node)))
	}

	result := rt.breaker.Execute(cmd)
	if result.Result() == nil {
		rt.logger.Warn("all upstreams failed",
			zap.String("method", method),
			zap.Int("attempted", len(candidates)),
			zap.Error(result.Error()))
		rt.writeUnavailable(w, r, method, len(candidates))
		return
	}

	rt.writeResponse(w, r, result.Result().(*upstreamResult))
}

// forward sends one attempt to a node. Returning an error moves the walk to
// the next candidate.
func (rt *Router) forward(r *http.Request, node *params.NodeConfig, body []byte) (*http.Response, error) {
	target := rt.disp.UpstreamURL(node, r.URL.Path, r.URL.RawQuery)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	copyHeaders(req.Header, r.Header)
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		req.Header.Set("X-Forwarded-For", ip)
	}
	for k, v := range node.Headers {
		req.Header.Set(k, v)
	}
	if node.Username != "" {
		req.SetBasicAuth(node.Username, node.Password)
	}

	return rt.client.Do(req)
}

// writeResponse streams the winning upstream response back to the client,
// trailers included so gRPC status passes through intact.
func (rt *Router) writeResponse(w http.ResponseWriter, r *http.Request, ur *upstreamResult) {
	resp := ur.resp
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		rt.logger.Debug("response copy interrupted",
			zap.String("node", ur.node.Address), zap.Error(err))
	}
	for k, vv := range resp.Trailer {
		for _, v := range vv {
			w.Header().Add(http.TrailerPrefix+k, v)
		}
	}

	host := rt.nodeHost(&ur.node)
	metrics.IncProxyResult(rt.chain.Name, host, strconv.Itoa(resp.StatusCode), r.Method)
}

// writeUnavailable synthesizes a protocol-appropriate failure when every
// candidate failed at the transport level.
func (rt *Router) writeUnavailable(w http.ResponseWriter, r *http.Request, method string, attempted int) {
	signal.SendRoutingFailed(signal.RoutingFailedEvent{
		Chain:     rt.chain.Name,
		Method:    method,
		Attempted: attempted,
	})
	metrics.IncProxyResult(rt.chain.Name, "none", strconv.Itoa(http.StatusServiceUnavailable), r.Method)

	switch rt.chain.Protocol {
	case params.ProtocolJSONRPC:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":null,"error":{"code":-32001,"message":"no upstream available"}}`)
	case params.ProtocolGRPC:
		// gRPC failures ride on a 200 with a status in the headers.
		w.Header().Set("Content-Type", "application/grpc")
		w.Header().Set("Grpc-Status", "14")
		w.Header().Set("Grpc-Message", "no upstream available")
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "no upstream available", http.StatusServiceUnavailable)
	}
}

// circuitName identifies the breaker guarding one node of this chain.
func (rt *Router) circuitName(node *params.NodeConfig) string {
	return rt.chain.Name + ":" + rt.nodeHost(node)
}

func (rt *Router) nodeHost(node *params.NodeConfig) string {
	if hp, err := node.HostPort(); err == nil {
		return hp
	}
	return node.Address
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
