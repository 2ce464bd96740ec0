package calendar

import (
	"fmt"
	"sort"
	"sync"

	"github.com/guilherme-santos/calendarhub/internal"
)

// Mux resolves the provider a credential belongs to.
type Mux struct {
	mu        sync.RWMutex
	providers map[string]internal.Provider
}

func NewMux() *Mux {
	return &Mux{
		providers: make(map[string]internal.Provider),
	}
}

func (m *Mux) Get(platform string) (internal.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	provider, ok := m.providers[platform]
	if !ok {
		return nil, fmt.Errorf("calendar %q is not implemented", platform)
	}
	return provider, nil
}

func (m *Mux) Register(platform string, provider internal.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers[platform] = provider
}

// Authenticator returns the provider for platform if it supports an
// interactive login.
func (m *Mux) Authenticator(platform string) (internal.Authenticator, error) {
	p, err := m.Get(platform)
	if err != nil {
		return nil, err
	}
	auth, ok := p.(internal.Authenticator)
	if !ok {
		return nil, fmt.Errorf("calendar %q does not support login", platform)
	}
	return auth, nil
}

func (m *Mux) Platforms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
