package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// producer abstracts the kafka client methods used by pooled producers.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer publishes records over a client shared by every bridge sinking
// into the same cluster.
type Producer struct {
	client producer
	name   string
}

// Produce writes one record synchronously.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce to %s: %w", topic, err)
	}
	return nil
}

// Cluster returns the pool key of the underlying client.
func (p *Producer) Cluster() string { return p.name }

// ProducerPool shares one producing client per cluster.
type ProducerPool struct {
	mu        sync.RWMutex
	clients   map[string]producer
	newClient func(opts ...kgo.Opt) (producer, error)
}

// NewProducerPool creates an empty pool.
func NewProducerPool() *ProducerPool {
	return &ProducerPool{
		clients: make(map[string]producer),
		newClient: func(opts ...kgo.Opt) (producer, error) {
			cl, err := kgo.NewClient(opts...)
			if err != nil {
				return nil, err
			}
			return cl, nil
		},
	}
}

// Get returns a producer for cfg, creating the client on first use. Named
// clusters are keyed by name, inline ones by broker list.
func (p *ProducerPool) Get(cfg *ClusterConfig) (*Producer, error) {
	key := cfg.Name
	if key == "" {
		key = "_inline_" + strings.Join(cfg.Brokers, ",")
	}

	p.mu.RLock()
	client, exists := p.clients[key]
	p.mu.RUnlock()
	if exists {
		return &Producer{client: client, name: key}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if client, exists = p.clients[key]; exists {
		return &Producer{client: client, name: key}, nil
	}

	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster %q options: %w", key, err)
	}
	opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))

	client, err = p.newClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("cluster %q client: %w", key, err)
	}

	p.clients[key] = client
	return &Producer{client: client, name: key}, nil
}

// Close closes all pooled clients.
func (p *ProducerPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, client := range p.clients {
		client.Close()
		delete(p.clients, name)
	}
	return nil
}
