// Package kafka publishes audit events to a Kafka topic.
//
// Emit only buffers. Run drains the buffer in batches until its context is
// cancelled, then makes a final bounded flush.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "phoenix/pkg/platform/audit"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 500 * time.Millisecond
	shutdownFlushTimeout = 5 * time.Second
)

// Producer is the subset of *kgo.Client the publisher needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type Publisher struct {
	producer      Producer
	topic         string
	logger        *slog.Logger
	buffer        *RingBuffer
	sampler       *Sampler
	batchSize     int
	flushInterval time.Duration
	wake          chan struct{}
}

type Option func(*Publisher)

func WithBufferSize(n int) Option {
	return func(p *Publisher) {
		p.buffer = NewRingBuffer(n)
	}
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

// WithSampler thins operations events before they are buffered.
func WithSampler(s *Sampler) Option {
	return func(p *Publisher) {
		if s != nil {
			p.sampler = s
		}
	}
}

func New(producer Producer, topic string, logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		producer:      producer,
		topic:         topic,
		logger:        logger,
		buffer:        NewRingBuffer(0),
		sampler:       NewSampler(1),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewClient connects a producer client with topic as its default.
func NewClient(brokers []string, topic string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

// EnsureTopic creates topic if it does not exist yet.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicas int16) error {
	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopics(ctx, partitions, replicas, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Emit buffers event for delivery. It never blocks on the broker.
func (p *Publisher) Emit(_ context.Context, event audit.Event) {
	if !p.sampler.Keep(event) {
		return
	}
	p.buffer.Enqueue(event)
	if p.buffer.Len() >= p.batchSize {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// Run delivers buffered events until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
			defer cancel()
			for p.buffer.Len() > 0 {
				if err := p.flush(flushCtx); err != nil {
					return err
				}
			}
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
		if err := p.flush(ctx); err != nil && ctx.Err() == nil {
			p.logger.WarnContext(ctx, "audit delivery failed",
				"topic", p.topic,
				"error", err,
			)
		}
	}
}

// Dropped reports how many events were lost to buffer overflow or failed
// delivery.
func (p *Publisher) Dropped() int64 {
	return p.buffer.Dropped()
}

func (p *Publisher) flush(ctx context.Context) error {
	batch := p.buffer.DequeueBatch(p.batchSize)
	if len(batch) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(batch))
	for _, event := range batch {
		value, err := json.Marshal(event)
		if err != nil {
			p.logger.ErrorContext(ctx, "encode audit event", "action", event.Action, "error", err)
			continue
		}
		records = append(records, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(event.TenantID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "category", Value: []byte(event.Category)},
				{Key: "action", Value: []byte(event.Action)},
			},
		})
	}

	if err := p.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		p.buffer.addDropped(int64(len(records)))
		return fmt.Errorf("produce %d audit events: %w", len(records), err)
	}
	return nil
}
