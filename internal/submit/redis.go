package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSubmitter appends the job to a Redis list consumed by the downstream
// workers.
type RedisSubmitter struct {
	client  *redis.Client
	list    string
	timeout time.Duration
}

func NewRedisSubmitter(client *redis.Client, list string, timeout time.Duration) *RedisSubmitter {
	if list == "" {
		list = "dirpoller:jobs"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RedisSubmitter{client: client, list: list, timeout: timeout}
}

func (s *RedisSubmitter) Submit(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return Permanent(fmt.Errorf("marshal job: %w", err))
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.RPush(cctx, s.list, b).Err(); err != nil {
		return classifyTransport(fmt.Errorf("rpush %s: %w", s.list, err))
	}
	return nil
}

func (s *RedisSubmitter) Close() error {
	return s.client.Close()
}
