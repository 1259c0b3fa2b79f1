package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	applogger "SettleGuard/pkg/logger"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// ConsumerOption configures Consumer.
type ConsumerOption func(*ConsumerConfig)

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	WorkerCount int
	BufferSize  int
	RetryMax    int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	DLQTopic    string
	MinBytes    int
	MaxBytes    int
	Logger      *applogger.Logger
	Registerer  prometheus.Registerer
}

// WithConsumerBrokers sets Kafka brokers.
func WithConsumerBrokers(brokers []string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Brokers = brokers
	}
}

// WithConsumerGroupID sets consumer group ID.
func WithConsumerGroupID(groupID string) ConsumerOption {
	return func(c *ConsumerConfig) {
		if groupID != "" {
			c.GroupID = groupID
		}
	}
}

// WithConsumerWorkers sets number of worker goroutines.
func WithConsumerWorkers(count int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if count > 0 {
			c.WorkerCount = count
		}
	}
}

// WithConsumerRetry configures retry attempts and backoff range.
func WithConsumerRetry(max int, backoffMin, backoffMax time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RetryMax = max
		c.BackoffMin = backoffMin
		c.BackoffMax = backoffMax
	}
}

// WithConsumerDLQ sets a Kafka topic name for DLQ.
func WithConsumerDLQ(topic string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.DLQTopic = topic
	}
}

// WithConsumerFetch sets fetch min/max bytes.
func WithConsumerFetch(minBytes, maxBytes int) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.MinBytes = minBytes
		c.MaxBytes = maxBytes
	}
}

// WithConsumerBufferSize sets the internal channel buffer size.
func WithConsumerBufferSize(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(l *applogger.Logger) ConsumerOption {
	return func(c *ConsumerConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithConsumerRegisterer enables consumer metrics on reg.
func WithConsumerRegisterer(reg prometheus.Registerer) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Registerer = reg
	}
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads registered topics and dispatches messages to a worker pool.
// Messages of one partition are handled one at a time. A message that still
// fails after RetryMax retries is sent to the DLQ (when configured) and its
// offset committed so it cannot block the partition.
type Consumer struct {
	cfg      *ConsumerConfig
	logger   *applogger.Logger
	metrics  *consumerMetrics
	readers  map[string]messageReader
	handlers map[string]MessageHandler
	msgChan  chan kafka.Message
	dlq      messageWriter

	cancelRead context.CancelFunc
	cancelWork context.CancelFunc
	stopChan   chan struct{}
	readersWG  sync.WaitGroup
	workersWG  sync.WaitGroup
	stopOnce   sync.Once

	lockMu    sync.Mutex
	partLocks map[string]map[int]*sync.Mutex
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:     "settleguard",
		WorkerCount: 1,
		BufferSize:  10,
		RetryMax:    3,
		BackoffMin:  50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		Logger:      applogger.Nop(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}

	c := &Consumer{
		cfg:       cfg,
		logger:    cfg.Logger,
		metrics:   newConsumerMetrics(cfg.Registerer),
		readers:   make(map[string]messageReader),
		handlers:  make(map[string]MessageHandler),
		msgChan:   make(chan kafka.Message, cfg.BufferSize),
		stopChan:  make(chan struct{}),
		partLocks: make(map[string]map[int]*sync.Mutex),
	}

	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.LeastBytes{}}
	}

	return c, nil
}

// RegisterHandler registers a message handler for a specific topic. It must
// be called before Start.
func (c *Consumer) RegisterHandler(handler MessageHandler) {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.logger.Warn("kafka handler already registered", applogger.String("topic", topic))
		return
	}
	c.handlers[topic] = handler
}

// Start creates one reader per registered topic and starts the workers.
func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}
	for topic := range c.handlers {
		if _, ok := c.readers[topic]; ok {
			continue
		}
		c.readers[topic] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			Topic:    topic,
			GroupID:  c.cfg.GroupID,
			MinBytes: c.cfg.MinBytes,
			MaxBytes: c.cfg.MaxBytes,
		})
		c.logger.Info("kafka consumer registered topic", applogger.String("topic", topic))
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	workCtx, cancelWork := context.WithCancel(context.Background())
	c.cancelRead, c.cancelWork = cancelRead, cancelWork

	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.workersWG.Add(1)
		go c.messageWorker(workCtx)
	}

	for topic, reader := range c.readers {
		c.readersWG.Add(1)
		go c.consumeMessages(readCtx, topic, reader)
	}

	c.logger.Info("kafka consumer started",
		applogger.Int("workers", c.cfg.WorkerCount),
		applogger.String("group_id", c.cfg.GroupID),
	)
	return nil
}

// Stop stops the Kafka consumer gracefully.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error

	c.stopOnce.Do(func() {
		c.logger.Info("kafka consumer stopping")

		close(c.stopChan)
		if c.cancelRead != nil {
			c.cancelRead()
		}

		// readers must exit before the channel they feed is closed
		stopErr = waitGroup(ctx, &c.readersWG)
		if stopErr == nil {
			close(c.msgChan)
			stopErr = waitGroup(ctx, &c.workersWG)
		}
		// in-flight handlers are only cancelled once the grace period is spent
		if c.cancelWork != nil {
			c.cancelWork()
		}

		for topic, reader := range c.readers {
			if err := reader.Close(); err != nil {
				c.logger.Warn("kafka reader close failed", applogger.String("topic", topic), applogger.Error(err))
			}
		}

		if c.dlq != nil {
			if err := c.dlq.Close(); err != nil {
				c.logger.Warn("kafka dlq writer close failed", applogger.Error(err))
			}
		}

		if stopErr == nil {
			c.logger.Info("kafka consumer stopped")
		}
	})

	return stopErr
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (c *Consumer) consumeMessages(ctx context.Context, topic string, reader messageReader) {
	defer c.readersWG.Done()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch failed", applogger.String("topic", topic), applogger.Error(err))
			select {
			case <-time.After(c.cfg.BackoffMin):
			case <-ctx.Done():
				return
			}
			continue
		}

		// blocking send applies backpressure instead of dropping
		select {
		case c.msgChan <- msg:
			c.metrics.queued(topic, len(c.msgChan), cap(c.msgChan))
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) messageWorker(ctx context.Context) {
	defer c.workersWG.Done()

	for msg := range c.msgChan {
		c.process(ctx, msg)
	}
}

// process handles one message with retries, then DLQs and commits it.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	handler, ok := c.handlers[msg.Topic]
	if !ok {
		c.logger.Warn("kafka message for unregistered topic", applogger.String("topic", msg.Topic))
		return
	}

	pl := c.getPartitionLock(msg.Topic, msg.Partition)
	pl.Lock()
	defer pl.Unlock()

	start := time.Now()
	attempts, err := c.handleWithRetry(ctx, handler, msg.Value)
	c.metrics.handled(msg.Topic, time.Since(start), err)

	if err != nil {
		if errors.Is(err, errStopped) {
			// leave the offset uncommitted; the message is redelivered after restart
			return
		}
		c.logger.Error("kafka message failed",
			applogger.String("topic", msg.Topic),
			applogger.Int("partition", msg.Partition),
			applogger.Int("attempts", attempts),
			applogger.Error(err),
		)
		if c.dlq == nil {
			return
		}
		if dlqErr := c.sendToDLQ(msg, err); dlqErr != nil {
			c.logger.Error("kafka dlq write failed", applogger.String("dlq_topic", c.cfg.DLQTopic), applogger.Error(dlqErr))
			return
		}
	}

	if reader := c.readers[msg.Topic]; reader != nil {
		_ = c.commitWithRetry(reader, msg, 3)
	}
}

var errStopped = errors.New("consumer stopped")

func (c *Consumer) handleWithRetry(ctx context.Context, handler MessageHandler, data []byte) (attempts int, err error) {
	for {
		attempts++
		err = safeHandle(ctx, handler, data)
		if err != nil && ctx.Err() != nil {
			return attempts, errStopped
		}
		if err == nil || attempts > c.cfg.RetryMax {
			return attempts, err
		}
		sleep := backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempts)
		select {
		case <-time.After(sleep):
		case <-c.stopChan:
			return attempts, errStopped
		}
	}
}

func safeHandle(ctx context.Context, handler MessageHandler, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, data)
}

func (c *Consumer) sendToDLQ(msg kafka.Message, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.dlq.WriteMessages(ctx, kafka.Message{
		Topic: c.cfg.DLQTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "source_topic", Value: []byte(msg.Topic)},
			{Key: "error", Value: []byte(cause.Error())},
		},
	})
}

// commitWithRetry commits a single message offset with bounded retries.
func (c *Consumer) commitWithRetry(reader messageReader, km kafka.Message, max int) error {
	if max <= 0 {
		max = 1
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = reader.CommitMessages(ctx, km)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.logger.Error("kafka commit failed", applogger.Int("attempts", max), applogger.Error(err))
	return err
}

func (c *Consumer) getPartitionLock(topic string, partition int) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	m, ok := c.partLocks[topic]
	if !ok {
		m = make(map[int]*sync.Mutex)
		c.partLocks[topic] = m
	}
	l, ok := m[partition]
	if !ok {
		l = &sync.Mutex{}
		m[partition] = l
	}
	return l
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	if attempt < 1 {
		attempt = 1
	}
	exp := max
	if attempt < 32 {
		if e := min * time.Duration(1<<uint(attempt-1)); e > 0 && e < max {
			exp = e
		}
	}
	// jitter up to 50%
	half := int64(exp) / 2
	if half <= 0 {
		return exp
	}
	return exp - time.Duration(rand.Int63n(half))
}

type consumerMetrics struct {
	queueDepth    *prometheus.GaugeVec
	queueFullness *prometheus.GaugeVec
	results       *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

func newConsumerMetrics(reg prometheus.Registerer) *consumerMetrics {
	if reg == nil {
		return nil
	}
	m := &consumerMetrics{
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "settleguard_kafka_consumer_queue_depth", Help: "Number of messages waiting in consumer queue"},
			[]string{"topic"},
		),
		queueFullness: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "settleguard_kafka_consumer_queue_fullness", Help: "Queue utilization ratio (len/cap)"},
			[]string{"topic"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "settleguard_kafka_consumer_messages_total", Help: "Messages handled by result"},
			[]string{"topic", "result"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "settleguard_kafka_consumer_handle_seconds", Help: "Handling time per message"},
			[]string{"topic"},
		),
	}
	m.queueDepth = register(reg, m.queueDepth)
	m.queueFullness = register(reg, m.queueFullness)
	m.results = register(reg, m.results)
	m.latency = register(reg, m.latency)
	return m
}

func (m *consumerMetrics) queued(topic string, depth, capacity int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(topic).Set(float64(depth))
	if capacity > 0 {
		m.queueFullness.WithLabelValues(topic).Set(float64(depth) / float64(capacity))
	}
}

func (m *consumerMetrics) handled(topic string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.results.WithLabelValues(topic, result).Inc()
	m.latency.WithLabelValues(topic).Observe(dur.Seconds())
}
