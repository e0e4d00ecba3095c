package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Scan is one decoded code waiting for a decision.
type Scan struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source,omitempty"`
}

// NewScan stamps a decoded code with an ID.
func NewScan(text string, observedAt time.Time, source string) Scan {
	return Scan{ID: uuid.NewString(), Text: text, ObservedAt: observedAt, Source: source}
}

// Queue is the abstraction over different backends. Scans are delivered in
// publication order to a single consumer.
type Queue interface {
	Publish(ctx context.Context, scan Scan) error
	Consume(ctx context.Context) (<-chan Scan, error)
}

// InMemory is a channel-backed queue for single-process deployments and tests.
type InMemory struct {
	ch chan Scan
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 1
	}
	return &InMemory{ch: make(chan Scan, size)}
}

// Publish enqueues a scan, blocking while the buffer is full.
func (q *InMemory) Publish(ctx context.Context, scan Scan) error {
	select {
	case q.ch <- scan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel that is closed when ctx ends.
func (q *InMemory) Consume(ctx context.Context) (<-chan Scan, error) {
	out := make(chan Scan)
	go func() {
		defer close(out)
		for {
			select {
			case scan := <-q.ch:
				select {
				case out <- scan:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "attendance:scans"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a scan.
func (q *RedisQueue) Publish(ctx context.Context, scan Scan) error {
	payload, err := encode(scan)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

// Consume streams scans using BRPOP. Undecodable entries are dropped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Scan, error) {
	out := make(chan Scan)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					// Back off on connection errors instead of spinning.
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			scan, err := decode(res[1])
			if err != nil {
				continue
			}
			select {
			case out <- scan:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func encode(scan Scan) (string, error) {
	b, err := json.Marshal(scan)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(s string) (Scan, error) {
	var scan Scan
	if err := json.Unmarshal([]byte(s), &scan); err != nil {
		return Scan{}, err
	}
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	return scan, nil
}
