// Package schedule binds job runs to asynq: a cron scheduler enqueues one task per enabled
// job, a server dispatches the tasks to the job runners, and a trigger enqueues runs on demand.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"yoma-reconciler/internal/config"
	"yoma-reconciler/internal/jobs"
	"yoma-reconciler/internal/reconcile"
	"yoma-reconciler/internal/telemetry"
)

const (
	// Queue is the asynq queue every run task goes to.
	Queue      = "reconcile"
	taskPrefix = "reconcile:"
)

// Catalog is the job registry as seen from here.
type Catalog interface {
	Names() []string
	Get(name string) (*jobs.Entry, error)
}

// TaskType is the asynq task type of a job's runs.
func TaskType(job string) string {
	return taskPrefix + job
}

// NewTask builds a run task for job. Runs carry no payload; the job reads its own table.
func NewTask(job string) *asynq.Task {
	return asynq.NewTask(TaskType(job), nil)
}

// RedisOpt converts the Redis settings for asynq.
func RedisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewScheduler returns a scheduler that logs through logrus and evaluates cron specs in UTC.
func NewScheduler(opt asynq.RedisConnOpt) *asynq.Scheduler {
	return asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger:   logrus.StandardLogger(),
		Location: time.UTC,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
				logrus.WithError(err).Error("enqueue scheduled run")
			}
		},
	})
}

// Register adds a periodic task for each enabled job. unique keeps a slow run from piling
// up copies of itself in the queue. It returns the asynq entry ids by job.
func Register(s *asynq.Scheduler, catalog Catalog, unique time.Duration) (map[string]string, error) {
	ids := make(map[string]string)
	for _, name := range catalog.Names() {
		entry, err := catalog.Get(name)
		if err != nil {
			return nil, err
		}
		if !entry.Config.IsEnabled() {
			logrus.WithField("job", name).Info("job disabled, not scheduling")
			continue
		}
		opts := []asynq.Option{asynq.Queue(Queue), asynq.MaxRetry(0)}
		if unique > 0 {
			opts = append(opts, asynq.Unique(unique))
		}
		id, err := s.Register(entry.Config.Schedule, NewTask(name), opts...)
		if err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", name, entry.Config.Schedule, err)
		}
		ids[name] = id
		logrus.WithFields(logrus.Fields{"job": name, "schedule": entry.Config.Schedule}).Info("job scheduled")
	}
	return ids, nil
}

// NewServer returns an asynq server working the run queue with concurrency handlers. Handler
// contexts derive from base, so cancelling base stops running jobs from fetching new items;
// they then get grace to finish their in-flight items.
func NewServer(opt asynq.RedisConnOpt, concurrency int, grace time.Duration, base func() context.Context) *asynq.Server {
	return asynq.NewServer(opt, serverConfig(concurrency, grace, base))
}

func serverConfig(concurrency int, grace time.Duration, base func() context.Context) asynq.Config {
	if concurrency < 1 {
		concurrency = 1
	}
	if base == nil {
		base = context.Background
	}
	return asynq.Config{
		Concurrency:     concurrency,
		Queues:          map[string]int{Queue: 1},
		Logger:          logrus.StandardLogger(),
		ShutdownTimeout: grace,
		BaseContext:     base,
	}
}

// Handler runs the job named by a task.
type Handler struct {
	catalog Catalog
}

func NewHandler(catalog Catalog) *Handler {
	return &Handler{catalog: catalog}
}

// ProcessTask runs the job once. A run skipped because another one holds the lock is not
// a failure.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	name := strings.TrimPrefix(t.Type(), taskPrefix)
	entry, err := h.catalog.Get(name)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	log := logrus.WithField("job", name)
	report, err := entry.Runner.Run(ctx)
	switch {
	case errors.Is(err, reconcile.ErrRunInProgress):
		log.Info("run skipped, another worker holds the lock")
		return nil
	case err != nil:
		log.WithError(err).Error("run failed")
		return err
	}
	log.WithFields(logrus.Fields{
		"fetched":   report.Fetched,
		"processed": report.Processed(),
		"stopped":   report.Stopped,
	}).Debug("run task done")
	return nil
}

// NewMux routes the task type of every job in catalog to h.
func NewMux(h *Handler, catalog Catalog) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, name := range catalog.Names() {
		mux.Handle(TaskType(name), h)
	}
	return mux
}

// Enqueuer is the part of asynq.Client a trigger needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Trigger enqueues immediate runs.
type Trigger struct {
	client  Enqueuer
	catalog Catalog
}

func NewTrigger(client Enqueuer, catalog Catalog) *Trigger {
	return &Trigger{client: client, catalog: catalog}
}

// Trigger enqueues a run of job and returns the task id.
func (t *Trigger) Trigger(ctx context.Context, job string) (string, error) {
	if _, err := t.catalog.Get(job); err != nil {
		return "", err
	}
	info, err := t.client.EnqueueContext(ctx, NewTask(job), asynq.Queue(Queue), asynq.MaxRetry(0))
	if err != nil {
		return "", fmt.Errorf("enqueue %s run: %w", job, err)
	}
	telemetry.ManualTriggers.WithLabelValues(job).Inc()
	logrus.WithFields(logrus.Fields{"job": job, "task": info.ID}).Info("run triggered")
	return info.ID, nil
}
