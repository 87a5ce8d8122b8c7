package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudsentry/api/internal/model"
)

// ErrResultsNotFound is returned when no results were saved for a job
var ErrResultsNotFound = errors.New("results not found")

const defaultResultTTL = 30 * 24 * time.Hour

// RedisStore keeps the results of each job under one key scoped by customer
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &RedisStore{redis: redisClient, ttl: ttl}
}

// SaveItemResults overwrites the job's results, so repeating a save is harmless.
func (s *RedisStore) SaveItemResults(ctx context.Context, customerID, jobID string, results []model.ItemResult) error {
	if results == nil {
		results = []model.ItemResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := s.redis.Set(ctx, resultsKey(customerID, jobID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	return nil
}

func (s *RedisStore) GetItemResults(ctx context.Context, customerID, jobID string) ([]model.ItemResult, error) {
	data, err := s.redis.Get(ctx, resultsKey(customerID, jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrResultsNotFound
		}
		return nil, err
	}

	var results []model.ItemResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	return results, nil
}

func resultsKey(customerID, jobID string) string {
	return fmt.Sprintf("results:%s:%s", customerID, jobID)
}
