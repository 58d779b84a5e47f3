package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/semaphore"

	"github.com/ruocuoguo23/chain-proxy/healthmanager"
	"github.com/ruocuoguo23/chain-proxy/metrics"
	"github.com/ruocuoguo23/chain-proxy/params"
)

// Listener names that are not chains.
const (
	ListenerMonitor = "monitor"
	ListenerUnify   = "unify"
)

// admissionPerThread scales the in-flight request bound with the configured
// worker count.
const admissionPerThread = 256

// Service owns one HTTP server per configured listener: one per chain, plus
// the monitor and the unified entrypoint when configured. Listeners are
// created elsewhere so they can be inherited across a hot upgrade.
type Service struct {
	cfg     *params.Config
	logger  *zap.Logger
	routers map[string]*Router
	sem     *semaphore.Weighted

	mu      sync.Mutex
	servers []*http.Server
	errCh   chan error
}

// NewService builds routers for every chain and prepares the servers.
func NewService(cfg *params.Config, health *healthmanager.Manager, logger *zap.Logger) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		logger:  logger.Named("proxy"),
		routers: make(map[string]*Router),
		sem:     semaphore.NewWeighted(int64(cfg.Server.Threads) * admissionPerThread),
		errCh:   make(chan error, 1),
	}
	for _, chain := range cfg.AllChains() {
		rt, err := NewRouter(chain, health.Get(chain.Name), logger)
		if err != nil {
			return nil, fmt.Errorf("chain %q: %w", chain.Name, err)
		}
		s.routers[chain.Name] = rt
	}
	return s, nil
}

// Router returns the router serving the named chain, or nil.
func (s *Service) Router(chain string) *Router {
	return s.routers[chain]
}

// ListenAddrs returns the name and bind address of every listener the
// service needs, in a stable order. The upgrade coordinator inherits or
// creates listeners keyed by these names.
func (s *Service) ListenAddrs() []ListenAddr {
	var addrs []ListenAddr
	for _, chain := range s.cfg.AllChains() {
		addrs = append(addrs, ListenAddr{
			Name: chain.Name,
			Addr: fmt.Sprintf("0.0.0.0:%d", chain.Listen),
		})
	}
	if s.cfg.Server.UnifyProxyListen != 0 {
		addrs = append(addrs, ListenAddr{
			Name: ListenerUnify,
			Addr: fmt.Sprintf("0.0.0.0:%d", s.cfg.Server.UnifyProxyListen),
		})
	}
	if s.cfg.Monitor.Listen != 0 {
		addrs = append(addrs, ListenAddr{
			Name: ListenerMonitor,
			Addr: fmt.Sprintf("0.0.0.0:%d", s.cfg.Monitor.Listen),
		})
	}
	return addrs
}

// ListenAddr names one listener the service serves on.
type ListenAddr struct {
	Name string
	Addr string
}

// Serve starts one server per listener and returns immediately. Errors from
// any server surface on Err.
func (s *Service) Serve(listeners map[string]net.Listener) error {
	for _, la := range s.ListenAddrs() {
		ln, ok := listeners[la.Name]
		if !ok {
			return fmt.Errorf("no listener for %q", la.Name)
		}

		var handler http.Handler
		switch la.Name {
		case ListenerMonitor:
			handler = metrics.NewMetricsServer().Handler
		case ListenerUnify:
			handler = s.admit(s.unifyHandler())
		default:
			handler = s.admit(s.routers[la.Name])
		}

		srv := &http.Server{
			// h2c lets gRPC and HTTP/2 clients in without TLS.
			Handler: h2c.NewHandler(handler, &http2.Server{}),
		}
		s.mu.Lock()
		s.servers = append(s.servers, srv)
		s.mu.Unlock()

		s.logger.Info("listener up", zap.String("name", la.Name), zap.String("addr", ln.Addr().String()))
		go func(name string, srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				select {
				case s.errCh <- fmt.Errorf("listener %q: %w", name, err):
				default:
				}
			}
		}(la.Name, srv, ln)
	}
	return nil
}

// Err surfaces the first fatal server error.
func (s *Service) Err() <-chan error {
	return s.errCh
}

// Shutdown drains every server within the context deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := make([]*http.Server, len(s.servers))
	copy(servers, s.servers)
	s.mu.Unlock()

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(srv)
	}
	wg.Wait()
	return firstErr
}

// admit applies the global in-flight bound. A caller that gives up waiting
// gets a 503 rather than a stalled connection.
func (s *Service) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.sem.Acquire(r.Context(), 1); err != nil {
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
		defer s.sem.Release(1)
		next.ServeHTTP(w, r)
	})
}
