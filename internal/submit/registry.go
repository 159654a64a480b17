package submit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/msageha/dirpoller/internal/model"
)

// New builds the submitter described by cfg. logger receives the jobs of a
// "log" submitter.
func New(ctx context.Context, cfg model.SubmitterConfig, logger *log.Logger) (Submitter, error) {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	switch cfg.Type {
	case model.SubmitterHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("http: url is required")
		}
		return NewHTTPSubmitter(cfg.URL, cfg.Headers, timeout), nil
	case model.SubmitterRedis:
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis: addr is required")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		return NewRedisSubmitter(client, cfg.List, timeout), nil
	case model.SubmitterKafka:
		return NewKafkaSubmitter(cfg.Brokers, cfg.Topic, timeout)
	case model.SubmitterS3:
		return NewS3Submitter(ctx, cfg.Bucket, cfg.Prefix, cfg.Region, cfg.Endpoint, timeout)
	case model.SubmitterGCS:
		return NewGCSSubmitter(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsFile, timeout)
	case model.SubmitterPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres: dsn is required")
		}
		return NewPostgresSubmitter(ctx, cfg.DSN, cfg.Table, timeout)
	case model.SubmitterLog:
		return NewLogSubmitter(logger), nil
	default:
		return nil, fmt.Errorf("unknown submitter type %q", cfg.Type)
	}
}

// Close closes s if it holds connections.
func Close(s Submitter) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}
