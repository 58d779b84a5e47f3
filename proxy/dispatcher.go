package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ruocuoguo23/chain-proxy/params"
)

// Dispatcher adapts one wire protocol to the routing engine: it extracts the
// routing method from an inbound request and rewrites the request target for
// a chosen upstream node.
type Dispatcher interface {
	// Method returns the routing key used for method-override matching.
	// Empty means the request has no routable method.
	Method(path string, body []byte) string

	// UpstreamURL returns the absolute URL to send the request to on the
	// given node. path and rawQuery come from the inbound request.
	UpstreamURL(node *params.NodeConfig, path, rawQuery string) string
}

// ForProtocol returns the dispatcher for a configured protocol.
func ForProtocol(p params.Protocol) (Dispatcher, error) {
	switch p {
	case params.ProtocolJSONRPC:
		return jsonrpcDispatcher{}, nil
	case params.ProtocolHTTP:
		return httpDispatcher{}, nil
	case params.ProtocolGRPC:
		return grpcDispatcher{}, nil
	default:
		return nil, fmt.Errorf("no dispatcher for protocol %q", p)
	}
}

// jsonrpcDispatcher reads the method from the request body and forwards to
// the node address as-is: JSON-RPC endpoints are rooted at the configured
// address regardless of the inbound path.
type jsonrpcDispatcher struct{}

func (jsonrpcDispatcher) Method(_ string, body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var single struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &single); err == nil && single.Method != "" {
		return single.Method
	}

	// Batch requests route by their first call.
	var batch []struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &batch); err == nil && len(batch) > 0 {
		return batch[0].Method
	}
	return ""
}

func (jsonrpcDispatcher) UpstreamURL(node *params.NodeConfig, _, _ string) string {
	return node.Address
}

// httpDispatcher routes REST-style chains: the path plus query is appended
// to the node address. Plain HTTP has no method concept, so method overrides
// never apply.
type httpDispatcher struct{}

func (httpDispatcher) Method(_ string, _ []byte) string {
	return ""
}

func (httpDispatcher) UpstreamURL(node *params.NodeConfig, path, rawQuery string) string {
	return joinUpstream(node.Address, path, rawQuery)
}

// grpcDispatcher routes gRPC chains: the method is the
// /package.Service/Method path, forwarded verbatim.
type grpcDispatcher struct{}

func (grpcDispatcher) Method(path string, _ []byte) string {
	return path
}

func (grpcDispatcher) UpstreamURL(node *params.NodeConfig, path, rawQuery string) string {
	return joinUpstream(node.Address, path, rawQuery)
}

// joinUpstream appends the inbound path and query to a node address that may
// itself carry a path prefix.
func joinUpstream(address, path, rawQuery string) string {
	u := strings.TrimRight(address, "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u += path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}
