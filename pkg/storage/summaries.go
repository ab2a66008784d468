package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/ehrpipe/pkg/common/config"
	"github.com/synaptica-ai/ehrpipe/pkg/common/database"
	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
	"github.com/synaptica-ai/ehrpipe/pkg/common/models"
)

var ErrSummaryNotFound = errors.New("patient sample summary not found")

// SummaryStore keeps per-patient sample summaries of the latest run of each
// dataset and task in a Redis hash keyed by patient id.
type SummaryStore struct {
	client   redis.Cmdable
	cacheTTL time.Duration
}

func NewSummaryStore(client redis.Cmdable, ttl time.Duration) *SummaryStore {
	return &SummaryStore{client: client, cacheTTL: ttl}
}

// NewSummaryStoreFromConfig uses the shared Redis client.
func NewSummaryStoreFromConfig(cfg *config.Config) *SummaryStore {
	return NewSummaryStore(database.GetRedis(), cfg.SummaryCacheTTL)
}

func summaryKey(dataset, task string) string {
	return fmt.Sprintf("samples:%s:%s", dataset, task)
}

// PutPatientSummaries replaces the cached summaries for dataset and task.
func (s *SummaryStore) PutPatientSummaries(ctx context.Context, dataset, task string, summaries []models.PatientSampleSummary) error {
	key := summaryKey(dataset, task)
	fields := make(map[string]interface{}, len(summaries))
	for _, sum := range summaries {
		data, err := json.Marshal(sum)
		if err != nil {
			return err
		}
		fields[sum.PatientID] = data
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		if s.cacheTTL > 0 {
			pipe.Expire(ctx, key, s.cacheTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache summaries for %s: %w", key, err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"key":      key,
		"patients": len(fields),
	}).Debug("Cached patient sample summaries")
	return nil
}

func (s *SummaryStore) GetPatientSummary(ctx context.Context, dataset, task, patientID string) (models.PatientSampleSummary, error) {
	var sum models.PatientSampleSummary
	data, err := s.client.HGet(ctx, summaryKey(dataset, task), patientID).Bytes()
	if errors.Is(err, redis.Nil) {
		return sum, fmt.Errorf("%w: %s", ErrSummaryNotFound, patientID)
	}
	if err != nil {
		return sum, err
	}
	err = json.Unmarshal(data, &sum)
	return sum, err
}

// Patients lists cached patient ids in sorted order.
func (s *SummaryStore) Patients(ctx context.Context, dataset, task string) ([]string, error) {
	ids, err := s.client.HKeys(ctx, summaryKey(dataset, task)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Invalidate drops every cached task summary of dataset.
func (s *SummaryStore) Invalidate(ctx context.Context, dataset string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	pattern := summaryKey(dataset, "*")
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
