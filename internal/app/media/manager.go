package media

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager owns the running fanouts of one endpoint, keyed by track id.
type Manager struct {
	mu      sync.RWMutex
	fanouts map[string]*Fanout
}

func NewManager() *Manager {
	return &Manager{
		fanouts: make(map[string]*Fanout),
	}
}

// Start creates a Fanout for src under id and starts its loop.
func (m *Manager) Start(ctx context.Context, id string, src PacketSource) *Fanout {
	logger := log.With().
		Str("module", "media.fanout").
		Str("track", id).
		Logger()

	fanoutCtx, cancel := context.WithCancel(ctx)
	f := NewFanout(src)
	f.cancel = cancel

	m.mu.Lock()
	if old, ok := m.fanouts[id]; ok {
		logger.Info().Msg("replacing existing fanout for track")
		old.Stop()
	}
	m.fanouts[id] = f
	m.mu.Unlock()

	logger.Debug().Msg("starting fanout loop")

	go f.Run(fanoutCtx, &logger)
	return f
}

// Stop stops a fanout and removes it from the manager.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	f, ok := m.fanouts[id]
	if ok {
		delete(m.fanouts, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	f.Stop()
}

// StopAll stops every fanout.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := m.fanouts
	m.fanouts = make(map[string]*Fanout)
	m.mu.Unlock()
	for _, f := range all {
		f.Stop()
	}
}

// Get returns the fanout registered for id.
func (m *Manager) Get(id string) (*Fanout, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fanouts[id]
	return f, ok
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fanouts)
}
