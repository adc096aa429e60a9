// Package pubsub relays job updates to Redis so other processes can follow them.
package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mediagrab/internal/models"
)

const (
	DefaultChannel = "job-update"
	queueSize      = 256
	publishTimeout = 2 * time.Second
)

// Publisher is anything that accepts job snapshots.
type Publisher interface {
	Publish(job models.Job)
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

func (m Multi) Publish(job models.Job) {
	for _, p := range m {
		if p != nil {
			p.Publish(job)
		}
	}
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis queues events and sends them from a single goroutine so that the pipeline is
// never blocked by the network. Events are dropped when the queue is full.
type Redis struct {
	logger  *slog.Logger
	client  redisClient
	channel string

	mu     sync.RWMutex
	closed bool
	queue  chan []byte
	wg     sync.WaitGroup
}

func NewRedis(logger *slog.Logger, client redisClient, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	r := &Redis{
		logger:  logger,
		client:  client,
		channel: channel,
		queue:   make(chan []byte, queueSize),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (r *Redis) Publish(job models.Job) {
	payload, err := json.Marshal(models.JobEvent{Event: models.EventJobUpdate, Job: job})
	if err != nil {
		r.logger.Error("failed to encode job event", "job_id", job.ID, "error", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- payload:
	default:
		r.logger.Warn("redis queue full, event dropped", "job_id", job.ID)
	}
}

func (r *Redis) loop() {
	defer r.wg.Done()
	for payload := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			r.logger.Warn("redis publish failed", "channel", r.channel, "error", err)
		}
		cancel()
	}
}

// Close flushes queued events and stops the sender.
func (r *Redis) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
