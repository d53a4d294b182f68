package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"yoma-reconciler/internal/lock"
	"yoma-reconciler/internal/models"
	"yoma-reconciler/internal/provider"
	"yoma-reconciler/internal/store"
	"yoma-reconciler/internal/telemetry"
)

// maxExcluded caps how many still-pending ids a run remembers. Past it the run ends and the
// next scheduled run picks the rest up.
const maxExcluded = 10000

const (
	stopCancelled = "cancelled"
	stopDeadline  = "run deadline reached"
	stopLeaseLost = "lease lost"
	stopThrottled = "throttled"
	stopExcluded  = "exclusion limit reached"
)

// Settings are shared by every job.
type Settings struct {
	MaxRetryCount  int
	LockDuration   time.Duration
	CallTimeout    time.Duration
	MaxRunDuration time.Duration
}

// Locker hands out the per-job lease.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
}

// Throttle gates provider calls.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// DeadLetters records items that reached the failure status.
type DeadLetters interface {
	Push(ctx context.Context, job string, item models.PendingItem) error
}

// Publisher announces terminal transitions.
type Publisher interface {
	Publish(ctx context.Context, t models.Transition) error
}

// Archiver keeps run reports.
type Archiver interface {
	Archive(ctx context.Context, report models.RunReport) error
}

type hooks struct {
	locks       Locker
	throttle    Throttle
	deadLetters DeadLetters
	publisher   Publisher
	archiver    Archiver
	now         func() time.Time
}

// Option wires an optional collaborator into an engine.
type Option func(*hooks)

func WithLocker(l Locker) Option           { return func(h *hooks) { h.locks = l } }
func WithThrottle(t Throttle) Option       { return func(h *hooks) { h.throttle = t } }
func WithDeadLetters(d DeadLetters) Option { return func(h *hooks) { h.deadLetters = d } }
func WithPublisher(p Publisher) Option     { return func(h *hooks) { h.publisher = p } }
func WithArchiver(a Archiver) Option       { return func(h *hooks) { h.archiver = a } }
func WithClock(now func() time.Time) Option {
	return func(h *hooks) { h.now = now }
}

// Engine runs one job.
type Engine[P any] struct {
	job      Job[P]
	settings Settings
	hooks
	validate *validator.Validate
	tracer   trace.Tracer
}

func New[P any](job Job[P], settings Settings, opts ...Option) *Engine[P] {
	h := hooks{now: time.Now}
	for _, opt := range opts {
		opt(&h)
	}
	if job.Failure == "" {
		job.Failure = models.StatusError
	}
	if job.Concurrency < 1 {
		job.Concurrency = 1
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = 30 * time.Second
	}
	if settings.MaxRunDuration <= 0 {
		settings.MaxRunDuration = 10 * time.Minute
	}
	return &Engine[P]{
		job:      job,
		settings: settings,
		hooks:    h,
		validate: validator.New(),
		tracer:   otel.Tracer("yoma.reconcile"),
	}
}

func (e *Engine[P]) Name() string {
	return e.job.Name
}

// run carries the per-run state shared by the batch loop and the item workers.
type run struct {
	sourceIDs []string
	success   models.StatusLookup
	failure   models.StatusLookup
	lost      <-chan struct{}
	log       *logrus.Entry
}

// Run processes due items until none are left, the run deadline passes, the context is
// cancelled or the throttle says stop. Only lock, configuration and fetch errors are returned.
func (e *Engine[P]) Run(ctx context.Context) (models.RunReport, error) {
	name := e.job.Name
	report := models.RunReport{Job: name, Started: e.now()}
	log := logrus.WithField("job", name)

	ctx, span := e.tracer.Start(ctx, "Run", trace.WithAttributes(attribute.String("job", name)))
	defer span.End()

	var lost <-chan struct{}
	if e.locks != nil {
		lease, err := e.locks.Acquire(ctx, name, e.settings.LockDuration)
		if errors.Is(err, lock.ErrLockHeld) {
			telemetry.RunsSkipped.WithLabelValues(name).Inc()
			log.Warn("previous run still holds the lock, skipping")
			return report, ErrRunInProgress
		}
		if err != nil {
			span.RecordError(err)
			return report, fmt.Errorf("acquire lock for %s: %w", name, err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).Warn("release lock")
			}
		}()
		lost = lease.Lost()
	}

	r, err := e.resolve(ctx)
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	r.lost = lost
	r.log = log

	if e.job.RetryErrored {
		e.requeueErrored(ctx, r)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.settings.MaxRunDuration)
	defer cancel()

	excluded := make(map[string]struct{})
	for report.Stopped == "" {
		if report.Stopped = stopReason(runCtx, lost); report.Stopped != "" {
			break
		}

		filter := store.Filter{StatusIDs: r.sourceIDs, Limit: e.job.BatchSize, ExcludeIDs: keys(excluded)}
		if e.job.Due != nil {
			filter.DueBefore = e.job.Due(e.now())
		}
		batch, err := e.job.Repository.FetchBatch(runCtx, filter)
		if err != nil {
			if reason := stopReason(runCtx, lost); reason != "" {
				report.Stopped = reason
				break
			}
			span.RecordError(err)
			return e.finish(ctx, report), fmt.Errorf("fetch %s batch: %w", name, err)
		}
		if len(batch) == 0 {
			break
		}
		report.Fetched += len(batch)

		for i, res := range e.processBatch(runCtx, batch, r) {
			tally(&report, res)
			switch res {
			case outcomeSucceeded, outcomeFailed, outcomeSkipped:
			case outcomeThrottled:
				report.Stopped = stopThrottled
			default:
				excluded[batch[i].ID] = struct{}{}
			}
		}
		if report.Stopped == "" {
			report.Stopped = stopReason(runCtx, lost)
		}
		if report.Stopped == "" && len(excluded) >= maxExcluded {
			report.Stopped = stopExcluded
		}
	}

	return e.finish(ctx, report), nil
}

func (e *Engine[P]) resolve(ctx context.Context) (*run, error) {
	if len(e.job.Sources) == 0 {
		return nil, fmt.Errorf("job %s has no source statuses", e.job.Name)
	}
	r := &run{}
	for _, name := range e.job.Sources {
		st, err := e.job.Statuses.GetByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve status %q for %s: %w", name, e.job.Name, err)
		}
		r.sourceIDs = append(r.sourceIDs, st.ID)
	}

	var err error
	if r.success, err = e.job.Statuses.GetByName(ctx, e.job.Success); err != nil {
		return nil, fmt.Errorf("resolve status %q for %s: %w", e.job.Success, e.job.Name, err)
	}
	if r.failure, err = e.job.Statuses.GetByName(ctx, e.job.Failure); err != nil {
		return nil, fmt.Errorf("resolve status %q for %s: %w", e.job.Failure, e.job.Name, err)
	}
	return r, nil
}

func (e *Engine[P]) requeueErrored(ctx context.Context, r *run) {
	n, err := e.job.Repository.RequeueAll(ctx, r.failure.ID, r.sourceIDs[0], e.settings.MaxRetryCount, e.job.BatchSize, e.tick(time.Time{}))
	if err != nil {
		r.log.WithError(err).Error("requeue errored items")
		return
	}
	if n > 0 {
		r.log.WithField("count", n).Info("requeued errored items")
	}
}

func (e *Engine[P]) processBatch(ctx context.Context, batch []models.PendingItem, r *run) []outcome {
	results := make([]outcome, len(batch))

	if e.job.Concurrency == 1 {
		stopped := false
		for i, item := range batch {
			if stopped || stopReason(ctx, r.lost) != "" {
				results[i] = outcomeSkipped
				continue
			}
			results[i] = e.process(ctx, item, r)
			stopped = results[i] == outcomeThrottled
		}
		return results
	}

	sem := make(chan struct{}, e.job.Concurrency)
	var wg sync.WaitGroup
	var throttled atomic.Bool
	for i, item := range batch {
		sem <- struct{}{}
		if throttled.Load() || stopReason(ctx, r.lost) != "" {
			<-sem
			results[i] = outcomeSkipped
			continue
		}
		wg.Add(1)
		go func(i int, item models.PendingItem) {
			defer func() { <-sem; wg.Done() }()
			results[i] = e.process(ctx, item, r)
			if results[i] == outcomeThrottled {
				throttled.Store(true)
			}
		}(i, item)
	}
	wg.Wait()
	return results
}

func (e *Engine[P]) process(ctx context.Context, item models.PendingItem, r *run) outcome {
	ctx, span := e.tracer.Start(ctx, "Process", trace.WithAttributes(
		attribute.String("job", e.job.Name),
		attribute.String("item", item.ID),
	))
	defer span.End()

	payload, err := e.decode(item.Payload)
	if err != nil {
		return e.apply(ctx, item, "", err, r)
	}

	if e.job.Call != nil && e.throttle != nil {
		allowed, _, err := e.throttle.Allow(ctx, "provider:"+e.job.Name)
		switch {
		case err != nil:
			r.log.WithError(err).Warn("rate limiter unavailable, calling anyway")
		case !allowed:
			telemetry.RateLimitRejects.WithLabelValues(e.job.Name).Inc()
			return outcomeThrottled
		}
	}

	externalID, err := e.call(ctx, item, payload)
	if err != nil {
		span.RecordError(err)
	}
	return e.apply(ctx, item, externalID, err, r)
}

// call runs the lookup and the provider call on a context detached from run cancellation,
// so shutdown never abandons an item mid-call.
func (e *Engine[P]) call(ctx context.Context, item models.PendingItem, payload P) (id string, err error) {
	if e.job.Call == nil {
		return "", nil
	}

	telemetry.InFlightGauge.WithLabelValues(e.job.Name).Inc()
	defer telemetry.InFlightGauge.WithLabelValues(e.job.Name).Dec()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.settings.CallTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			id, err = "", provider.Permanentf(e.job.Name, "provider call panicked: %v", rec)
		}
	}()

	if item.RetryCount > 0 && e.job.Lookup != nil {
		existing, found, err := e.job.Lookup(callCtx, item, payload)
		if err != nil {
			return "", err
		}
		if found {
			return existing, nil
		}
	}

	id, err = e.job.Call(callCtx, item, payload)
	if err == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%s call: %w", e.job.Name, context.DeadlineExceeded)
	}
	return id, err
}

func (e *Engine[P]) finish(ctx context.Context, report models.RunReport) models.RunReport {
	report.Finished = e.now()
	name := e.job.Name

	telemetry.RunsTotal.WithLabelValues(name).Inc()
	telemetry.RunDuration.WithLabelValues(name).Observe(report.Finished.Sub(report.Started).Seconds())

	entry := logrus.WithFields(logrus.Fields{
		"job":       name,
		"fetched":   report.Fetched,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"retried":   report.Retried,
		"deferred":  report.Deferred,
		"missing":   report.Missing,
		"errors":    report.Errors,
		"stopped":   report.Stopped,
		"duration":  report.Finished.Sub(report.Started).String(),
	})
	if report.Fetched == 0 {
		entry.Debug("reconciliation run found nothing to do")
		return report
	}
	entry.Info("reconciliation run finished")

	if e.archiver != nil {
		if err := e.archiver.Archive(context.WithoutCancel(ctx), report); err != nil {
			entry.WithError(err).Warn("archive run report")
		}
	}
	return report
}

func stopReason(ctx context.Context, lost <-chan struct{}) string {
	select {
	case <-lost:
		return stopLeaseLost
	default:
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return stopDeadline
	case ctx.Err() != nil:
		return stopCancelled
	default:
		return ""
	}
}

func keys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
