package sshexec

import (
	"context"
	"sync"

	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
)

// Pool caches one SSH connection per node, dialing lazily on first use.
// A connection that fails a command is dropped from the cache so the next
// call re-dials (a node may have rebooted in between).
type Pool struct {
	dialer *Dialer

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a connection pool using the given fleet credentials.
func NewPool(auth inventory.SSH) *Pool {
	return &Pool{
		dialer:  &Dialer{Auth: auth},
		clients: make(map[string]*Client),
	}
}

func (p *Pool) client(ctx context.Context, node inventory.Node) (*Client, error) {
	p.mu.Lock()
	if c, ok := p.clients[node.Name]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dialer.Dial(ctx, node)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[node.Name]; ok {
		_ = c.Close()
		return existing, nil
	}
	p.clients[node.Name] = c
	return c, nil
}

// Run executes a command on the named node, dialing if necessary.
func (p *Pool) Run(ctx context.Context, node inventory.Node, command string, opts Options) (Result, error) {
	c, err := p.client(ctx, node)
	if err != nil {
		return Result{}, err
	}

	res, err := c.Run(ctx, command, opts)
	if err != nil {
		p.Forget(node)
	}
	return res, err
}

// Probe checks reachability of the node without caching the connection.
func (p *Pool) Probe(ctx context.Context, node inventory.Node) error {
	return p.dialer.Probe(ctx, node)
}

// Forget drops the cached connection for a node, closing it if present.
// Used after issuing a reboot, when the cached session is known dead.
func (p *Pool) Forget(node inventory.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[node.Name]; ok {
		_ = c.Close()
		delete(p.clients, node.Name)
	}
}

// Close closes every cached connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, c := range p.clients {
		_ = c.Close()
		delete(p.clients, name)
	}
}
