package registry

import (
	"context"
	"sync"

	"github.com/mosaicprotocol/coordinator/internal/capability"
	"github.com/mosaicprotocol/coordinator/internal/core"
)

// MemorySource is an in-process registry backend, seeded from config at boot
// or from test fixtures. It mirrors the shape of the on-chain registry
// without the chain.
type MemorySource struct {
	mu     sync.RWMutex
	agents map[uint64]*core.Agent
	err    error // injected failure for tests
}

// NewMemorySource creates an empty in-memory registry.
func NewMemorySource() *MemorySource {
	return &MemorySource{agents: make(map[uint64]*core.Agent)}
}

// Register adds or replaces an agent. The capability is normalized on write
// so reads are a plain equality check.
func (m *MemorySource) Register(agent *core.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent.Capability = capability.Normalize(agent.Capability)
	m.agents[agent.TokenID] = agent
}

// Deactivate marks an agent inactive without removing it.
func (m *MemorySource) Deactivate(tokenID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[tokenID]; ok {
		a.Active = false
	}
}

// SetError makes every subsequent read fail. Test hook for
// ErrRegistryUnavailable paths.
func (m *MemorySource) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// AgentsByCapability implements Source.
func (m *MemorySource) AgentsByCapability(ctx context.Context, cap string) ([]*core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}

	var out []*core.Agent
	for _, a := range m.agents {
		if a.Capability == cap {
			out = append(out, a)
		}
	}
	return out, nil
}

// All returns every registered agent (registry view endpoints).
func (m *MemorySource) All(ctx context.Context) []*core.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out
}
