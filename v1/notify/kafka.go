package notify

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"

	qerrors "github.com/mirkobrombin/go-queuelock/v1/errors"
)

// Kafka implements Notifier using Kafka topics. Each key maps to a topic
// whose partition 0 is consumed from the newest offset. Characters Kafka does
// not allow in topic names become '_'; keys that collide only cause spurious
// hints.
type Kafka struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	f        *fanout

	mu        sync.Mutex
	pcs       map[string]sarama.PartitionConsumer
	closed    bool
	published atomic.Uint64
}

// NewKafka connects to the given brokers.
func NewKafka(brokers []string, cfg *sarama.Config) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &Kafka{
		client:   client,
		producer: producer,
		consumer: consumer,
		f:        newFanout(),
		pcs:      make(map[string]sarama.PartitionConsumer),
	}, nil
}

// Publish implements Notifier.Publish.
func (n *Kafka) Publish(ctx context.Context, key string) error {
	msg := &sarama.ProducerMessage{Topic: topicFor(key), Value: sarama.StringEncoder("1")}
	if _, _, err := n.producer.SendMessage(msg); err != nil {
		return err
	}
	n.published.Add(1)
	return nil
}

// Subscribe implements Notifier.Subscribe.
func (n *Kafka) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, qerrors.ErrClosed
	}
	if _, ok := n.pcs[key]; !ok {
		pc, err := n.consumer.ConsumePartition(topicFor(key), 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		n.pcs[key] = pc
		go n.dispatch(key, pc)
	}
	s, _ := n.f.add(key)
	n.f.watch(ctx, key, s, n.Unsubscribe)
	return s.ch, nil
}

func topicFor(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, key)
}

func (n *Kafka) dispatch(key string, pc sarama.PartitionConsumer) {
	for range pc.Messages() {
		n.f.deliver(key)
	}
}

// Unsubscribe implements Notifier.Unsubscribe.
func (n *Kafka) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.f.remove(key, ch) {
		return nil
	}
	pc, ok := n.pcs[key]
	if !ok {
		return nil
	}
	delete(n.pcs, key)
	return pc.Close()
}

// Close stops every subscription and closes the Kafka client.
func (n *Kafka) Close() error {
	n.mu.Lock()
	n.closed = true
	for key, pc := range n.pcs {
		_ = pc.Close()
		delete(n.pcs, key)
	}
	n.f.close()
	n.mu.Unlock()

	_ = n.producer.Close()
	_ = n.consumer.Close()
	return n.client.Close()
}

// Metrics returns the published and delivered counts.
func (n *Kafka) Metrics() Metrics {
	return Metrics{
		Published: n.published.Load(),
		Delivered: n.f.delivered.Load(),
	}
}
