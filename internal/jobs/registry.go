package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"yoma-reconciler/internal/config"
	"yoma-reconciler/internal/models"
	"yoma-reconciler/internal/ratelimit"
	"yoma-reconciler/internal/reconcile"
	"yoma-reconciler/internal/status"
	"yoma-reconciler/internal/store"
)

var (
	// ErrUnknownJob is returned for a name no job is registered under.
	ErrUnknownJob = errors.New("jobs: unknown job")
	// ErrInvalidPayload is returned when a new item's payload does not decode or validate.
	ErrInvalidPayload = errors.New("jobs: invalid payload")
)

// Deps are the collaborators every job is built from.
type Deps struct {
	Items    func(store.Table) ItemStore
	Statuses status.Source
	// Cache is shared by every status table. Nil disables caching.
	Cache   *status.Cache
	Rewards WalletProvider
	SSI     SSIProvider
	// Throttles backs the per-job token buckets. Nil disables throttling.
	Throttles redis.Scripter
	// Options are applied to every engine, after the registry's own.
	Options []reconcile.Option
	Now     func() time.Time
}

// Entry is one registered job.
type Entry struct {
	Name     string
	Table    store.Table
	Items    ItemStore
	Statuses *status.Service
	Config   config.JobConfig
	Sources  []string
	Runner   reconcile.Runner

	maxRetry int
	validate func(json.RawMessage) error
	now      func() time.Time
}

// Create validates payload and inserts a new item in the job's first source status.
func (e *Entry) Create(ctx context.Context, payload json.RawMessage, dateEnd *time.Time) (models.PendingItem, error) {
	if err := e.validate(payload); err != nil {
		return models.PendingItem{}, err
	}
	st, err := e.Statuses.GetByName(ctx, e.Sources[0])
	if err != nil {
		return models.PendingItem{}, fmt.Errorf("resolve status %q: %w", e.Sources[0], err)
	}
	now := e.now().UTC().Truncate(time.Microsecond)
	item := models.PendingItem{
		ID:           uuid.NewString(),
		StatusID:     st.ID,
		Status:       st.Name,
		Payload:      payload,
		DateEnd:      dateEnd,
		DateCreated:  now,
		DateModified: now,
	}
	if err := e.Items.Insert(ctx, item); err != nil {
		return models.PendingItem{}, err
	}
	return item, nil
}

// Retry moves a failed item back to the job's first source status while it has retries left.
func (e *Entry) Retry(ctx context.Context, id string) error {
	failed, err := e.Statuses.GetByName(ctx, models.StatusError)
	if err != nil {
		return fmt.Errorf("resolve status %q: %w", models.StatusError, err)
	}
	source, err := e.Statuses.GetByName(ctx, e.Sources[0])
	if err != nil {
		return fmt.Errorf("resolve status %q: %w", e.Sources[0], err)
	}
	return e.Items.Requeue(ctx, id, failed.ID, source.ID, e.maxRetry, e.now().UTC().Truncate(time.Microsecond))
}

// Registry holds every job, in a fixed order.
type Registry struct {
	entries  map[string]*Entry
	order    []string
	deps     Deps
	settings reconcile.Settings
	statuses map[string]*status.Service
}

// Settings converts the shared engine configuration.
func Settings(cfg config.Config) reconcile.Settings {
	return reconcile.Settings{
		MaxRetryCount:  cfg.MaxRetryCount,
		LockDuration:   cfg.LockDuration,
		CallTimeout:    cfg.CallTimeout,
		MaxRunDuration: cfg.MaxRunDuration,
	}
}

// NewRegistry builds the seven jobs from cfg and d.
func NewRegistry(cfg config.Config, d Deps) *Registry {
	if d.Now == nil {
		d.Now = time.Now
	}
	r := &Registry{
		entries:  make(map[string]*Entry),
		deps:     d,
		settings: Settings(cfg),
		statuses: make(map[string]*status.Service),
	}

	wallets := d.Items(WalletTable)
	tenants := d.Items(TenantTable)
	credentials := d.Items(CredentialTable)
	rewards := d.Items(RewardTable)
	expiring := d.Items(ExpirationTable)
	deleting := d.Items(DeletionTable)
	verifications := d.Items(VerificationTable)

	days := func(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

	add(r, WalletTable, wallets, cfg.WalletCreation,
		WalletCreation(wallets, r.status(WalletTable), d.Rewards))
	add(r, TenantTable, tenants, cfg.TenantCreation,
		TenantCreation(tenants, r.status(TenantTable), d.SSI))
	add(r, CredentialTable, credentials, cfg.CredentialIssuance,
		CredentialIssuance(credentials, r.status(CredentialTable), tenants, d.SSI))
	add(r, RewardTable, rewards, cfg.RewardTransaction,
		RewardTransaction(rewards, r.status(RewardTable), wallets, d.Rewards))
	add(r, ExpirationTable, expiring, cfg.OpportunityExpiration,
		OpportunityExpiration(expiring, r.status(ExpirationTable)))
	add(r, DeletionTable, deleting, cfg.OpportunityDeletion,
		OpportunityDeletion(deleting, r.status(DeletionTable), days(cfg.OpportunityDeletionIntervalDays)))
	add(r, VerificationTable, verifications, cfg.VerificationRejection,
		VerificationRejection(verifications, r.status(VerificationTable), days(cfg.VerificationRejectionIntervalDays)))
	return r
}

// status returns the one service per status table, shared by jobs on the same table.
func (r *Registry) status(t store.Table) *status.Service {
	if s, ok := r.statuses[t.StatusTable]; ok {
		return s
	}
	s := status.NewService(t.StatusTable, r.deps.Statuses, r.deps.Cache)
	r.statuses[t.StatusTable] = s
	return s
}

func add[P any](r *Registry, table store.Table, items ItemStore, jc config.JobConfig, job reconcile.Job[P]) {
	if len(jc.Sources) > 0 {
		job.Sources = jc.Sources
	}
	job.BatchSize = jc.BatchSize
	job.Concurrency = jc.Concurrency
	job.RetryErrored = jc.RetryErrored

	var opts []reconcile.Option
	if r.deps.Throttles != nil && jc.RateLimitPerSec > 0 && job.Call != nil {
		bucket := ratelimit.NewTokenBucket(r.deps.Throttles, jc.RateLimitCapacity, jc.RateLimitPerSec)
		opts = append(opts, reconcile.WithThrottle(bucket))
	}
	opts = append(opts, r.deps.Options...)

	r.entries[job.Name] = &Entry{
		Name:     job.Name,
		Table:    table,
		Items:    items,
		Statuses: r.status(table),
		Config:   jc,
		Sources:  job.Sources,
		Runner:   reconcile.New(job, r.settings, opts...),
		maxRetry: r.settings.MaxRetryCount,
		validate: payloadValidator[P](validator.New()),
		now:      r.deps.Now,
	}
	r.order = append(r.order, job.Name)
}

func payloadValidator[P any](v *validator.Validate) func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		var p P
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if err := v.Struct(p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return nil
	}
}

// Names lists the registered jobs.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (*Entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return e, nil
}

// Runner returns the runner registered under name.
func (r *Registry) Runner(name string) (reconcile.Runner, error) {
	e, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return e.Runner, nil
}
