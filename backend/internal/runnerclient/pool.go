package runnerclient

import (
	"fmt"
	"sort"

	"github.com/zhongli1990/saas-codex/internal/recovery"
)

// Pool maps runner types to their clients.
type Pool struct {
	clients map[string]*Client
}

// NewPool creates a Pool.
func NewPool(clients map[string]*Client) *Pool {
	return &Pool{clients: clients}
}

// Get returns the client for runnerType.
func (p *Pool) Get(runnerType string) (*Client, error) {
	c, ok := p.clients[runnerType]
	if !ok {
		return nil, fmt.Errorf("unknown runner type %q", runnerType)
	}
	return c, nil
}

// Resolve implements recovery.RunnerResolver.
func (p *Pool) Resolve(runnerType string) (recovery.Runner, error) {
	c, err := p.Get(runnerType)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Types lists the configured runner types in sorted order.
func (p *Pool) Types() []string {
	types := make([]string, 0, len(p.clients))
	for t := range p.clients {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
