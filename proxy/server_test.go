package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruocuoguo23/chain-proxy/healthmanager"
	"github.com/ruocuoguo23/chain-proxy/params"
)

func newTestService(t *testing.T, cfg *params.Config) *Service {
	t.Helper()
	health, err := healthmanager.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	svc, err := NewService(cfg, health, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestServiceListenAddrs(t *testing.T) {
	cfg := &params.Config{
		Chains: []params.ChainConfig{
			jsonrpcChain("eth", "http://a.example"),
		},
		Commons: []params.ChainConfig{
			{
				Name: "heco", Protocol: params.ProtocolJSONRPC, Listen: 18546, Interval: 1,
				Nodes:       []params.NodeConfig{{Address: "http://b.example"}},
				HealthCheck: params.HealthCheckConfig{Path: "/", Method: "POST"},
			},
		},
		Monitor: params.MonitorConfig{Listen: 19000},
		Server:  params.ServerConfig{Threads: 2, UnifyProxyListen: 18000},
	}
	cfg.Chains[0].Listen = 18545

	svc := newTestService(t, cfg)
	addrs := svc.ListenAddrs()
	require.Len(t, addrs, 4)
	require.Equal(t, "eth", addrs[0].Name)
	require.Equal(t, "0.0.0.0:18545", addrs[0].Addr)
	require.Equal(t, "heco", addrs[1].Name)
	require.Equal(t, ListenerUnify, addrs[2].Name)
	require.Equal(t, ListenerMonitor, addrs[3].Name)
}

func TestUnifyHandlerRoutesByPrefix(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":"0x1"}`)
	}))
	defer upstream.Close()

	chain := params.ChainConfig{
		Name:      "osmosis",
		Protocol:  params.ProtocolHTTP,
		ChainType: "cosmos",
		Listen:    11317,
		Interval:  1,
		Nodes:     []params.NodeConfig{{Address: upstream.URL}},
		HealthCheck: params.HealthCheckConfig{
			Path:   "/node_info",
			Method: http.MethodGet,
		},
	}
	cfg := &params.Config{
		Chains: []params.ChainConfig{chain},
		Server: params.ServerConfig{Threads: 2, UnifyProxyListen: 18000},
	}

	svc := newTestService(t, cfg)
	handler := svc.unifyHandler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cosmos/osmosis/blocks/latest", nil)
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "/blocks/latest", gotPath)
}

func TestUnifyHandlerRejectsUnknownChainAndBadPrefix(t *testing.T) {
	chain := jsonrpcChain("eth", "http://a.example")
	chain.Listen = 18545
	chain.ChainType = "ethereum"
	cfg := &params.Config{
		Chains: []params.ChainConfig{chain},
		Server: params.ServerConfig{Threads: 2, UnifyProxyListen: 18000},
	}
	svc := newTestService(t, cfg)
	handler := svc.unifyHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ethereum/unknown/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/justonesegment", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Wrong chain type for a typed chain.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cosmos/eth/",
		strings.NewReader(`{"jsonrpc":"2.0","method":"eth_chainId","id":1}`)))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmitRejectsWhenContextDone(t *testing.T) {
	chain := jsonrpcChain("admit", "http://a.example")
	chain.Listen = 18545
	cfg := &params.Config{
		Chains: []params.ChainConfig{chain},
		Server: params.ServerConfig{Threads: 1},
	}
	svc := newTestService(t, cfg)

	// Exhaust the admission budget, then a request with a cancelled
	// context is turned away instead of queueing forever.
	require.True(t, svc.sem.TryAcquire(int64(cfg.Server.Threads)*admissionPerThread))
	defer svc.sem.Release(int64(cfg.Server.Threads) * admissionPerThread)

	handler := svc.admit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be admitted")
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(ctx))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
