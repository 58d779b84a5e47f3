package healthmanager

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ruocuoguo23/chain-proxy/metrics"
	"github.com/ruocuoguo23/chain-proxy/params"
	"github.com/ruocuoguo23/chain-proxy/signal"
)

const (
	// failureThreshold is the number of consecutive failed probes after
	// which a node is reported unhealthy.
	failureThreshold = 1

	// maxProbeTimeout caps the per-probe deadline regardless of how large
	// the probe interval is.
	maxProbeTimeout = 10 * time.Second

	// maxProbeBody bounds how much of a probe response is read.
	maxProbeBody = 1 << 20
)

// ChainHealthManager probes every node of one chain on a fixed interval and
// publishes the outcome as an immutable Snapshot. Only the probe loop writes
// the snapshot; any number of request goroutines read it.
type ChainHealthManager struct {
	cfg    params.ChainConfig
	nodes  []params.NodeConfig
	client *http.Client
	logger *zap.Logger

	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewChainHealthManager creates a manager for the given chain. Probing covers
// the chain's default nodes plus every method-override node.
func NewChainHealthManager(cfg params.ChainConfig, logger *zap.Logger) *ChainHealthManager {
	timeout := cfg.HealthCheckInterval()
	if timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}
	return &ChainHealthManager{
		cfg:    cfg,
		nodes:  cfg.AllNodes(),
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("health").With(zap.String("chain", cfg.Name)),
	}
}

// ChainName returns the name of the chain this manager probes.
func (m *ChainHealthManager) ChainName() string {
	return m.cfg.Name
}

// Start begins periodic probing. The first round runs immediately so a
// snapshot is available shortly after startup. Calling Start twice is a
// no-op.
func (m *ChainHealthManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.quit = make(chan struct{})

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts probing and waits for the in-flight round to finish. The last
// published snapshot stays readable.
func (m *ChainHealthManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.quit)
	m.mu.Unlock()

	m.wg.Wait()
}

// Snapshot returns the most recent probe outcome, or nil before the first
// round completes.
func (m *ChainHealthManager) Snapshot() *Snapshot {
	return m.current.Load()
}

func (m *ChainHealthManager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval())
	defer ticker.Stop()

	m.runRound(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case <-ticker.C:
			m.runRound(ctx)
		}
	}
}

// runRound probes all nodes concurrently, applies the block-gap filter and
// swaps in the new snapshot.
func (m *ChainHealthManager) runRound(ctx context.Context) {
	prev := m.current.Load()

	type indexed struct {
		idx    int
		health NodeHealth
	}
	results := make(chan indexed, len(m.nodes))

	var wg sync.WaitGroup
	for i := range m.nodes {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results <- indexed{idx: idx, health: m.probeNode(ctx, &m.nodes[idx])}
		}(i)
	}
	wg.Wait()
	close(results)

	ordered := make([]NodeHealth, len(m.nodes))
	for r := range results {
		ordered[r.idx] = r.health
	}

	snap := &Snapshot{
		Chain:   m.cfg.Name,
		Nodes:   make(map[string]NodeHealth, len(ordered)),
		TakenAt: time.Now(),
	}

	heights := 0
	for _, h := range ordered {
		if h.BlockHeight > 0 {
			heights++
			if h.BlockHeight > snap.MaxHeight {
				snap.MaxHeight = h.BlockHeight
			}
		}
	}

	for _, h := range ordered {
		// A node lagging the chain tip by more than BlockGap is taken
		// out of rotation even when its probe succeeded. With a single
		// reporting node there is nothing to lag behind.
		if h.Healthy && m.cfg.BlockGap > 0 && heights > 1 && h.BlockHeight > 0 &&
			snap.MaxHeight-h.BlockHeight > m.cfg.BlockGap {
			h.Healthy = false
			h.Reason = "behind chain tip"
		}

		if prev != nil {
			if p, ok := prev.Nodes[h.Address]; ok && !h.Healthy {
				if p.ConsecutiveFailures > 0 {
					h.ConsecutiveFailures = p.ConsecutiveFailures + 1
				}
			}
		}
		if h.ConsecutiveFailures >= failureThreshold {
			h.Healthy = false
		}
		snap.Nodes[h.Address] = h

		metrics.SetNodeHeight(m.cfg.Name, h.Address, h.BlockHeight)
		metrics.SetNodeHealth(m.cfg.Name, h.Address, h.Healthy)

		if prev == nil || prev.Nodes[h.Address].Healthy != h.Healthy {
			m.logger.Info("node health changed",
				zap.String("address", h.Address),
				zap.Bool("healthy", h.Healthy),
				zap.Uint64("height", h.BlockHeight),
				zap.String("reason", h.Reason))
			signal.SendNodeHealthChanged(signal.NodeHealthEvent{
				Chain:       m.cfg.Name,
				Address:     h.Address,
				Healthy:     h.Healthy,
				BlockHeight: h.BlockHeight,
				Reason:      h.Reason,
			})
		}
	}

	m.current.Store(snap)
}

// probeNode issues one health-check request and classifies the outcome.
func (m *ChainHealthManager) probeNode(ctx context.Context, node *params.NodeConfig) NodeHealth {
	health := NodeHealth{
		Address:             node.Address,
		ConsecutiveFailures: 1,
		CheckedAt:           time.Now(),
	}

	hc := m.cfg.HealthCheck
	url := strings.TrimRight(node.Address, "/") + hc.Path

	var body io.Reader
	if hc.RequestBody != "" {
		body = bytes.NewBufferString(hc.RequestBody)
	}
	req, err := http.NewRequestWithContext(ctx, hc.Method, url, body)
	if err != nil {
		health.Reason = "bad probe request: " + err.Error()
		return health
	}
	if hc.RequestBody != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range node.Headers {
		req.Header.Set(k, v)
	}
	if node.Username != "" {
		req.SetBasicAuth(node.Username, node.Password)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		health.Reason = "probe failed: " + err.Error()
		return health
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	health.Latency = time.Since(start)
	if err != nil {
		health.Reason = "probe read failed: " + err.Error()
		return health
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		health.Reason = "probe status " + resp.Status
		return health
	}

	if height, ok := ExtractBlockHeight(m.cfg.ChainType, raw); ok {
		health.BlockHeight = height
	}

	health.Healthy = true
	health.ConsecutiveFailures = 0
	return health
}
