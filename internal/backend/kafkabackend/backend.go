// ABOUTME: Asynchronous backend producing stamped requests to Kafka and consuming replies
// ABOUTME: Every gateway reads every reply partition and keeps only what its correlation registry knows

package kafkabackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Shopify/sarama"
	"github.com/google/uuid"

	"github.com/2389/relaygate/internal/backend"
	"github.com/2389/relaygate/internal/backend/correlation"
	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/routing"
)

const backendName = "kafka"

// Config names the topics the backend uses.
type Config struct {
	RequestTopic string
	ReplyTopic   string
	// InstanceID identifies this gateway process. Generated when empty.
	InstanceID string
}

// NewSaramaConfig returns the client configuration the backend expects:
// acknowledged, hash-partitioned sync produces and consumers starting at
// the newest offset.
func NewSaramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	return cfg
}

// Dial connects a producer and a consumer to brokers. Each owns its client
// and closes it on Close.
func Dial(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, sarama.Consumer, error) {
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating producer: %w", err)
	}

	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		_ = producer.Close()
		return nil, nil, fmt.Errorf("creating consumer: %w", err)
	}
	return producer, consumer, nil
}

// Backend forwards requests over Kafka.
type Backend struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	cfg      Config
	registry *correlation.Registry

	onResponse backend.ResponseFunc
	metrics    *metrics.Collector
	logger     *slog.Logger

	mu         sync.Mutex
	partitions []sarama.PartitionConsumer
	wg         sync.WaitGroup
}

// Option configures a Backend.
type Option func(*Backend)

// WithMetrics records message counts.
func WithMetrics(m *metrics.Collector) Option {
	return func(b *Backend) { b.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a backend from a producer and a consumer.
func New(producer sarama.SyncProducer, consumer sarama.Consumer, cfg Config, opts ...Option) *Backend {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	b := &Backend{
		producer: producer,
		consumer: consumer,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "kafka-backend", "instance", cfg.InstanceID)
	b.registry = correlation.NewRegistry(b.logger)
	return b
}

// InstanceID returns the id stamped on outgoing requests.
func (b *Backend) InstanceID() string {
	return b.cfg.InstanceID
}

// Enable starts one consumer per reply partition.
func (b *Backend) Enable(ctx context.Context, onResponse backend.ResponseFunc) error {
	b.onResponse = onResponse

	partitions, err := b.consumer.Partitions(b.cfg.ReplyTopic)
	if err != nil {
		return fmt.Errorf("listing partitions of %s: %w", b.cfg.ReplyTopic, err)
	}

	for _, partition := range partitions {
		pc, err := b.consumer.ConsumePartition(b.cfg.ReplyTopic, partition, sarama.OffsetNewest)
		if err != nil {
			return fmt.Errorf("consuming %s/%d: %w", b.cfg.ReplyTopic, partition, err)
		}

		b.mu.Lock()
		b.partitions = append(b.partitions, pc)
		b.mu.Unlock()

		b.wg.Add(1)
		go b.consume(ctx, pc)
	}

	b.logger.Info("consuming replies", "topic", b.cfg.ReplyTopic, "partitions", len(partitions))
	return nil
}

func (b *Backend) consume(ctx context.Context, pc sarama.PartitionConsumer) {
	defer b.wg.Done()

	for {
		select {
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			b.handleMessage(ctx, msg.Value)
		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			b.logger.Warn("reply consumer error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Backend) handleMessage(ctx context.Context, data []byte) {
	env, err := correlation.Parse(data)
	if err != nil {
		b.metrics.BackendMessage(backendName, "discarded")
		b.logger.Warn("discarding malformed reply", "error", err)
		return
	}

	resps := b.registry.Route(env)
	if len(resps) == 0 {
		b.metrics.BackendMessage(backendName, "discarded")
		return
	}
	b.metrics.BackendMessage(backendName, "received")
	for _, resp := range resps {
		b.onResponse(ctx, resp)
	}
}

// HandleConnection indexes an admitted connection for reply routing.
func (b *Backend) HandleConnection(_ context.Context, c *routing.Connection) {
	b.registry.Track(c)
}

// HandleRequest produces the stamped request keyed by connection id, so
// requests from one connection land on one partition.
func (b *Backend) HandleRequest(_ context.Context, req *routing.Request) error {
	data, err := correlation.Stamp(req, b.cfg.InstanceID)
	if err != nil {
		return err
	}

	_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.cfg.RequestTopic,
		Key:   sarama.StringEncoder(req.Connection.ID()),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("producing request: %w", err)
	}
	b.metrics.BackendMessage(backendName, "sent")
	return nil
}

// Close stops the reply consumers and closes the clients.
func (b *Backend) Close() error {
	b.mu.Lock()
	partitions := b.partitions
	b.partitions = nil
	b.mu.Unlock()

	var errs []error
	for _, pc := range partitions {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()

	if err := b.consumer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("consumer: %w", err))
	}
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("producer: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing kafka backend: %w", err)
	}
	return nil
}
