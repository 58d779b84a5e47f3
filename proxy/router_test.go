package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruocuoguo23/chain-proxy/healthmanager"
	"github.com/ruocuoguo23/chain-proxy/params"
)

// uniqueChainName keeps hystrix circuit names from colliding across tests;
// circuit state is process global.
func uniqueChainName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func newTestRouter(t *testing.T, chain params.ChainConfig) *Router {
	t.Helper()
	health := healthmanager.NewChainHealthManager(chain, zap.NewNop())
	rt, err := NewRouter(chain, health, zap.NewNop())
	require.NoError(t, err)
	return rt
}

func jsonrpcChain(name string, nodes ...string) params.ChainConfig {
	cfg := params.ChainConfig{
		Name:     name,
		Protocol: params.ProtocolJSONRPC,
		Listen:   18545,
		Interval: 1,
		HealthCheck: params.HealthCheckConfig{
			Path:        "/",
			Method:      http.MethodPost,
			RequestBody: `{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`,
		},
	}
	for i, addr := range nodes {
		cfg.Nodes = append(cfg.Nodes, params.NodeConfig{Address: addr, Priority: len(nodes) - i})
	}
	return cfg
}

func TestRouterForwardsToFirstCandidate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), "eth_blockNumber")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":"0x10"}`)
	}))
	defer upstream.Close()

	rt := newTestRouter(t, jsonrpcChain(uniqueChainName("fwd"), upstream.URL))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`))
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"result":"0x10"`)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestRouterFailsOverOnTransportError(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close() // keep the URL, refuse the connection

	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":"0x20"}`)
	}))
	defer alive.Close()

	// dead has the higher priority, so it is attempted first.
	rt := newTestRouter(t, jsonrpcChain(uniqueChainName("failover"), dead.URL, alive.URL))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"jsonrpc":"2.0","method":"eth_chainId","id":1}`))
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "0x20")
}

func TestRouterPassesThroughUpstreamErrorStatus(t *testing.T) {
	var secondCalled atomic.Bool
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"execution reverted"}}`)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondCalled.Store(true)
	}))
	defer second.Close()

	rt := newTestRouter(t, jsonrpcChain(uniqueChainName("passthrough"), first.URL, second.URL))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"jsonrpc":"2.0","method":"eth_call","id":1}`))
	rt.ServeHTTP(rec, req)

	// An upstream response belongs to the client even when it is an error;
	// only transport failures trigger failover.
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "execution reverted")
	require.False(t, secondCalled.Load())
}

func TestRouterMethodOverrideRouting(t *testing.T) {
	var defaultCalled, archiveCalled atomic.Int32
	def := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defaultCalled.Add(1)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":[]}`)
	}))
	defer def.Close()
	archive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		archiveCalled.Add(1)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":["log"]}`)
	}))
	defer archive.Close()

	cfg := jsonrpcChain(uniqueChainName("override"), def.URL)
	cfg.SpecialMethods = []params.SpecialMethodConfig{{
		MethodName: "eth_getLogs",
		Nodes:      []params.NodeConfig{{Address: archive.URL}},
	}}
	rt := newTestRouter(t, cfg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"jsonrpc":"2.0","method":"eth_getLogs","params":[{}],"id":1}`))
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "log")
	require.Equal(t, int32(0), defaultCalled.Load())
	require.Equal(t, int32(1), archiveCalled.Load())
}

func TestRouterUnavailableJSONRPC(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	rt := newTestRouter(t, jsonrpcChain(uniqueChainName("unavailable"), dead.URL))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"jsonrpc":"2.0","method":"eth_chainId","id":1}`))
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, -32001, resp.Error.Code)
}

func TestRouterUnavailableGRPC(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	cfg := params.ChainConfig{
		Name:     uniqueChainName("grpcdown"),
		Protocol: params.ProtocolGRPC,
		Listen:   19090,
		Interval: 1,
		Nodes:    []params.NodeConfig{{Address: dead.URL}},
		HealthCheck: params.HealthCheckConfig{
			Path:   "/",
			Method: http.MethodGet,
		},
	}
	rt := newTestRouter(t, cfg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cosmos.tx.v1beta1.Service/BroadcastTx", nil)
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "14", rec.Header().Get("Grpc-Status"))
}

func TestRouterForwardsPathAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	cfg := params.ChainConfig{
		Name:     uniqueChainName("rest"),
		Protocol: params.ProtocolHTTP,
		Listen:   11317,
		Interval: 1,
		Nodes:    []params.NodeConfig{{Address: upstream.URL}},
		HealthCheck: params.HealthCheckConfig{
			Path:   "/node_info",
			Method: http.MethodGet,
		},
	}
	rt := newTestRouter(t, cfg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cosmos/bank/v1beta1/balances/addr1?pagination.limit=10", nil)
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "/cosmos/bank/v1beta1/balances/addr1", gotPath)
	require.Equal(t, "pagination.limit=10", gotQuery)
}

func TestRouterSetsNodeCredentials(t *testing.T) {
	var gotAuth, gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotHeader = r.Header.Get("X-Api-Key")
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	cfg := jsonrpcChain(uniqueChainName("auth"))
	cfg.Nodes = []params.NodeConfig{{
		Address:  upstream.URL,
		Username: "user",
		Password: "pass",
		Headers:  map[string]string{"X-Api-Key": "secret"},
	}}
	rt := newTestRouter(t, cfg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"jsonrpc":"2.0","method":"eth_chainId","id":1}`))
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, gotAuth)
	require.Equal(t, "secret", gotHeader)
}
