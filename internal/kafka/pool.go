package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// producer abstracts the kafka client methods used by pooled publishers.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// PooledPublisher produces records through a client shared with other
// publishers of the same cluster.
type PooledPublisher struct {
	client producer
	name   string
}

// Cluster returns the pool key the publisher was created for.
func (p *PooledPublisher) Cluster() string { return p.name }

// Produce sends records synchronously and returns the first failure.
func (p *PooledPublisher) Produce(ctx context.Context, rs ...*kgo.Record) error {
	if len(rs) == 0 {
		return nil
	}
	if err := p.client.ProduceSync(ctx, rs...).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce to %s: %w", rs[0].Topic, err)
	}
	return nil
}

// Close is a no-op for pooled publishers; the pool manages client lifecycle.
func (p *PooledPublisher) Close() error {
	return nil
}

// PublisherPool shares one producing client per cluster, so the output sink
// and the dead-letter sink of a projector reuse a connection.
type PublisherPool struct {
	mu       sync.RWMutex
	clients  map[string]producer
	registry *Registry
	opts     []kgo.Opt
	dial     func(cfg *ClusterConfig, extra ...kgo.Opt) (producer, error)
}

// NewPublisherPool creates a pool resolving cluster names against registry.
// opts are applied to every client the pool creates.
func NewPublisherPool(registry *Registry, opts ...kgo.Opt) *PublisherPool {
	return &PublisherPool{
		clients:  make(map[string]producer),
		registry: registry,
		opts:     opts,
		dial: func(cfg *ClusterConfig, extra ...kgo.Opt) (producer, error) {
			return NewClient(cfg, extra...)
		},
	}
}

// Get returns a publisher for the named cluster, creating the client if needed.
func (p *PublisherPool) Get(clusterName string) (*PooledPublisher, error) {
	cfg, ok := p.registry.Get(clusterName)
	if !ok {
		return nil, fmt.Errorf("cluster %q not found in registry", clusterName)
	}
	return p.get(clusterName, cfg)
}

// GetForConfig returns a publisher for an inline cluster that is not in the
// registry. Inline clusters with the same broker list share a client.
func (p *PublisherPool) GetForConfig(cfg *ClusterConfig) (*PooledPublisher, error) {
	return p.get("_inline_"+strings.Join(cfg.Brokers, ","), cfg)
}

func (p *PublisherPool) get(key string, cfg *ClusterConfig) (*PooledPublisher, error) {
	p.mu.RLock()
	client, exists := p.clients[key]
	p.mu.RUnlock()
	if exists {
		return &PooledPublisher{client: client, name: key}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if client, exists = p.clients[key]; exists {
		return &PooledPublisher{client: client, name: key}, nil
	}

	client, err := p.dial(cfg, p.opts...)
	if err != nil {
		return nil, err
	}
	p.clients[key] = client
	return &PooledPublisher{client: client, name: key}, nil
}

// Len returns the number of open clients.
func (p *PublisherPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Close closes all pooled clients.
func (p *PublisherPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, client := range p.clients {
		client.Close()
		delete(p.clients, name)
	}
	return nil
}
