package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"yoma-reconciler/internal/models"
)

// DeadLetter is one entry of a job's dead-letter feed.
type DeadLetter struct {
	ItemID      string    `json:"item_id"`
	Status      string    `json:"status"`
	ExternalID  string    `json:"external_id,omitempty"`
	ErrorReason string    `json:"error_reason,omitempty"`
	RetryCount  uint8     `json:"retry_count"`
	At          time.Time `json:"at"`
}

// DeadLetterQueue keeps, per job, a capped list of the items that ended in Error, newest first.
type DeadLetterQueue struct {
	client    *redis.Client
	keyPrefix string
	capacity  int64
}

// NewDeadLetterQueue builds a feed on client. Capacity bounds each job's list.
func NewDeadLetterQueue(client *redis.Client, capacity int64) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DeadLetterQueue{
		client:    client,
		keyPrefix: "yoma:deadletter:",
		capacity:  capacity,
	}
}

func (q *DeadLetterQueue) key(job string) string {
	return q.keyPrefix + job
}

func (q *DeadLetterQueue) countKey(job string) string {
	return q.keyPrefix + job + ":total"
}

// Push records item at the head of the job's feed and trims the tail.
func (q *DeadLetterQueue) Push(ctx context.Context, job string, item models.PendingItem) error {
	entry := DeadLetter{
		ItemID:     item.ID,
		Status:     item.Status,
		RetryCount: item.RetryCount,
		At:         item.DateModified,
	}
	if item.ExternalID != nil {
		entry.ExternalID = *item.ExternalID
	}
	if item.ErrorReason != nil {
		entry.ErrorReason = *item.ErrorReason
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key(job), raw)
	pipe.LTrim(ctx, q.key(job), 0, q.capacity-1)
	pipe.Incr(ctx, q.countKey(job))
	_, err = pipe.Exec(ctx)
	return err
}

// Peek reads up to count of the most recent entries.
func (q *DeadLetterQueue) Peek(ctx context.Context, job string, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		return nil, nil
	}
	raws, err := q.client.LRange(ctx, q.key(job), 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var entry DeadLetter
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Depth returns the number of retained entries and the all-time total for job.
func (q *DeadLetterQueue) Depth(ctx context.Context, job string) (retained, total int64, err error) {
	pipe := q.client.Pipeline()
	lenCmd := pipe.LLen(ctx, q.key(job))
	totalCmd := pipe.Get(ctx, q.countKey(job))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, err
	}
	total, err = totalCmd.Int64()
	if err == redis.Nil {
		err = nil
	}
	return lenCmd.Val(), total, err
}
