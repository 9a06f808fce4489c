// Package pubsub implements crawler.Queue on Google Cloud Pub/Sub so crawl
// workers can run in separate processes.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("pubsub queue closed")

// Config names the task topic and the workers' subscription.
type Config struct {
	ProjectID      string `mapstructure:"project_id"`
	Topic          string `mapstructure:"topic"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// Queue publishes task items and receives them from a subscription. A
// message is acked when Dequeue hands it out; a worker crash after that is
// recovered by the scheduler's stale task requeue.
type Queue struct {
	client     *pubsub.Client
	ownsClient bool
	topic      *pubsub.Topic
	sub        *pubsub.Subscription
	logger     *zap.Logger

	msgs      chan *pubsub.Message
	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New connects a client for cfg.ProjectID.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" || cfg.Subscription == "" {
		return nil, errors.New("queue project_id, topic and subscription are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	q := NewWithClient(client, cfg, logger)
	q.ownsClient = true
	return q, nil
}

// NewWithClient uses an existing client, which the caller keeps ownership of.
func NewWithClient(client *pubsub.Client, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 10
	}
	sub := client.Subscription(cfg.Subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	return &Queue{
		client: client,
		topic:  client.Topic(cfg.Topic),
		sub:    sub,
		logger: logger.Named("queue"),
		msgs:   make(chan *pubsub.Message),
		done:   make(chan struct{}),
	}
}

// Enqueue publishes item and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, item crawler.TaskItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal task item: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"job_id": item.JobID, "tenant_id": item.TenantID},
	}
	if _, err := q.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish task %s: %w", item.TaskID, err)
	}
	return nil
}

// Dequeue blocks for the next task item. Undecodable messages are acked
// and skipped.
func (q *Queue) Dequeue(ctx context.Context) (crawler.TaskItem, error) {
	q.startOnce.Do(q.startReceiving)
	for {
		select {
		case <-ctx.Done():
			return crawler.TaskItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return crawler.TaskItem{}, ErrClosed
		case msg := <-q.msgs:
			var item crawler.TaskItem
			err := json.Unmarshal(msg.Data, &item)
			msg.Ack()
			if err != nil || item.TaskID == "" {
				q.logger.Warn("dropping malformed task message", zap.String("message_id", msg.ID), zap.Error(err))
				continue
			}
			return item, nil
		}
	}
}

func (q *Queue) startReceiving() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go func() {
		defer q.closeOnce.Do(func() { close(q.done) })
		err := q.sub.Receive(ctx, func(rctx context.Context, msg *pubsub.Message) {
			select {
			case q.msgs <- msg:
			case <-rctx.Done():
				msg.Nack()
			}
		})
		if err != nil && ctx.Err() == nil {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
		}
	}()
}

// Close stops receiving, flushes publishes and closes an owned client.
func (q *Queue) Close() error {
	q.startOnce.Do(func() {})
	if q.cancel != nil {
		q.cancel()
		<-q.done
	} else {
		q.closeOnce.Do(func() { close(q.done) })
	}
	q.topic.Stop()
	if q.ownsClient {
		if err := q.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
