package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"yoma-reconciler/internal/models"
	"yoma-reconciler/internal/provider"
	"yoma-reconciler/internal/store"
	"yoma-reconciler/internal/telemetry"
)

// MaxReasonLength bounds the persisted error reason, in characters.
const MaxReasonLength = 500

// ExhaustedPrefix marks reasons of items that ran out of retries.
const ExhaustedPrefix = "max retries exceeded: "

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeRetried
	outcomeDeferred
	outcomeMissing
	outcomeStale
	outcomeError
	outcomeThrottled
	outcomeSkipped
)

func (o outcome) String() string {
	switch o {
	case outcomeSucceeded:
		return "succeeded"
	case outcomeFailed:
		return "failed"
	case outcomeRetried:
		return "retried"
	case outcomeDeferred:
		return "deferred"
	case outcomeMissing:
		return "missing"
	case outcomeStale:
		return "stale"
	case outcomeError:
		return "error"
	case outcomeThrottled:
		return "throttled"
	default:
		return "skipped"
	}
}

func tally(r *models.RunReport, o outcome) {
	switch o {
	case outcomeSucceeded:
		r.Succeeded++
	case outcomeFailed:
		r.Failed++
	case outcomeRetried:
		r.Retried++
	case outcomeDeferred:
		r.Deferred++
	case outcomeMissing:
		r.Missing++
	case outcomeStale:
		r.Stale++
	case outcomeError:
		r.Errors++
	default:
		return
	}
	telemetry.ItemsProcessed.WithLabelValues(r.Job, o.String()).Inc()
}

func (e *Engine[P]) decode(raw json.RawMessage) (P, error) {
	var payload P
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return payload, provider.Permanentf("decode payload", "%v", err)
		}
	}
	if err := e.validate.Struct(payload); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			return payload, provider.Permanentf("validate payload", "%v", err)
		}
	}
	return payload, nil
}

// apply turns the call result into the item's next state and persists it.
func (e *Engine[P]) apply(ctx context.Context, item models.PendingItem, externalID string, callErr error, r *run) outcome {
	log := r.log.WithField("item", item.ID)

	if errors.Is(callErr, ErrDeferred) {
		log.WithError(callErr).Debug("item deferred")
		return outcomeDeferred
	}

	next := item
	next.DateModified = e.tick(item.DateModified)

	var result outcome
	switch kind := provider.Classify(callErr); {
	case callErr == nil || kind == provider.Conflict:
		if id, ok := provider.ConflictID(callErr); ok {
			externalID = id
		}
		next.StatusID, next.Status = r.success.ID, r.success.Name
		next.ErrorReason = nil
		if externalID != "" {
			next.ExternalID = &externalID
		}
		result = outcomeSucceeded
	case kind == provider.Permanent:
		next.StatusID, next.Status = r.failure.ID, r.failure.Name
		next.ErrorReason = reason(callErr.Error())
		next.RetryCount = increment(item.RetryCount)
		result = outcomeFailed
	default:
		next.RetryCount = increment(item.RetryCount)
		if int(next.RetryCount) >= e.settings.MaxRetryCount {
			next.StatusID, next.Status = r.failure.ID, r.failure.Name
			next.ErrorReason = reason(ExhaustedPrefix + callErr.Error())
			result = outcomeFailed
		} else {
			next.ErrorReason = reason(callErr.Error())
			result = outcomeRetried
		}
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := e.job.Repository.Persist(persistCtx, next, item.StatusID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("item vanished before its outcome was persisted")
			return outcomeMissing
		}
		if errors.Is(err, store.ErrStateMismatch) {
			log.WithError(err).Warn("item moved by another job, outcome dropped")
			return outcomeStale
		}
		log.WithError(err).Error("persist item outcome")
		return outcomeError
	}

	switch result {
	case outcomeSucceeded:
		e.publish(persistCtx, item, next, log)
	case outcomeFailed:
		log.WithError(callErr).WithField("retry_count", next.RetryCount).Error("item moved to error")
		if e.deadLetters != nil {
			if err := e.deadLetters.Push(persistCtx, e.job.Name, next); err != nil {
				log.WithError(err).Warn("push dead letter")
			} else {
				telemetry.DeadLetters.WithLabelValues(e.job.Name).Inc()
			}
		}
		e.publish(persistCtx, item, next, log)
	case outcomeRetried:
		log.WithError(callErr).WithField("retry_count", next.RetryCount).Warn("item will be retried")
	}
	return result
}

func (e *Engine[P]) publish(ctx context.Context, before, after models.PendingItem, log *logrus.Entry) {
	if e.publisher == nil {
		return
	}
	t := models.Transition{
		Job:        e.job.Name,
		ItemID:     after.ID,
		From:       before.Status,
		To:         after.Status,
		RetryCount: after.RetryCount,
		At:         after.DateModified,
	}
	if after.ExternalID != nil {
		t.ExternalID = *after.ExternalID
	}
	if after.ErrorReason != nil {
		t.ErrorReason = *after.ErrorReason
	}
	if err := e.publisher.Publish(ctx, t); err != nil {
		log.WithError(err).Warn("publish transition")
	}
}

// tick returns a modification time strictly after prev at the database's microsecond precision.
func (e *Engine[P]) tick(prev time.Time) time.Time {
	now := e.now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func increment(n uint8) uint8 {
	if n == models.MaxRetryCount {
		return n
	}
	return n + 1
}

func reason(msg string) *string {
	if utf8.RuneCountInString(msg) > MaxReasonLength {
		runes := []rune(msg)
		msg = string(runes[:MaxReasonLength])
	}
	return &msg
}
