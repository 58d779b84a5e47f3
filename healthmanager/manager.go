package healthmanager

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ruocuoguo23/chain-proxy/params"
)

// Manager owns one ChainHealthManager per configured chain and drives their
// lifecycle together.
type Manager struct {
	mu     sync.RWMutex
	chains map[string]*ChainHealthManager
}

// NewManager builds a manager holding one health manager per chain in the
// configuration, chains and commons alike.
func NewManager(cfg *params.Config, logger *zap.Logger) (*Manager, error) {
	m := &Manager{chains: make(map[string]*ChainHealthManager)}
	for _, chain := range cfg.AllChains() {
		if err := m.Register(NewChainHealthManager(chain, logger)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register adds a chain manager. Chain names are unique.
func (m *Manager) Register(chm *ChainHealthManager) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chains[chm.ChainName()]; ok {
		return fmt.Errorf("health manager for chain %q already registered", chm.ChainName())
	}
	m.chains[chm.ChainName()] = chm
	return nil
}

// Get returns the manager for the named chain, or nil.
func (m *Manager) Get(chain string) *ChainHealthManager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chains[chain]
}

// Start begins probing on every chain.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, chm := range m.chains {
		chm.Start(ctx)
	}
}

// Stop halts probing on every chain and waits for in-flight rounds.
func (m *Manager) Stop() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, chm := range m.chains {
		chm.Stop()
	}
}
