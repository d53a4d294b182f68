package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"yoma-reconciler/internal/config"
	"yoma-reconciler/internal/models"
	"yoma-reconciler/internal/provider"
	"yoma-reconciler/internal/store"
)

func statusID(statusTable, name string) string {
	return statusTable + "/" + name
}

func statusName(id string) string {
	return id[strings.LastIndex(id, "/")+1:]
}

var seededStatuses = map[string][]string{
	WalletTable.StatusTable:       {models.StatusPending, models.StatusCreated, models.StatusError},
	TenantTable.StatusTable:       {models.StatusPending, models.StatusCreated, models.StatusError},
	CredentialTable.StatusTable:   {models.StatusUnscheduled, models.StatusPending, models.StatusIssued, models.StatusError},
	RewardTable.StatusTable:       {models.StatusPending, models.StatusProcessed, models.StatusError},
	ExpirationTable.StatusTable:   {models.StatusActive, models.StatusInactive, models.StatusExpired, models.StatusDeleted, models.StatusError},
	VerificationTable.StatusTable: {models.StatusPending, models.StatusCompleted, models.StatusRejected, models.StatusError},
}

type seededSource struct{}

func (seededSource) ListStatuses(_ context.Context, statusTable string) ([]models.StatusLookup, error) {
	names, ok := seededStatuses[statusTable]
	if !ok {
		return nil, fmt.Errorf("no status table %s", statusTable)
	}
	out := make([]models.StatusLookup, 0, len(names))
	for _, n := range names {
		out = append(out, models.StatusLookup{ID: statusID(statusTable, n), Name: n})
	}
	return out, nil
}

// memDB holds item rows per table name; jobs on the same table see the same rows.
type memDB struct {
	mu     sync.Mutex
	tables map[string]map[string]models.PendingItem
}

func newMemDB() *memDB {
	return &memDB{tables: make(map[string]map[string]models.PendingItem)}
}

func (db *memDB) rows(name string) map[string]models.PendingItem {
	rows, ok := db.tables[name]
	if !ok {
		rows = make(map[string]models.PendingItem)
		db.tables[name] = rows
	}
	return rows
}

func (db *memDB) table(t store.Table) ItemStore {
	return &memTable{db: db, t: t}
}

func (db *memDB) get(t store.Table, id string) models.PendingItem {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rows(t.Name)[id]
}

func (db *memDB) put(t store.Table, item models.PendingItem) {
	db.mu.Lock()
	defer db.mu.Unlock()
	item.Status = statusName(item.StatusID)
	db.rows(t.Name)[item.ID] = item
}

type memTable struct {
	db *memDB
	t  store.Table
}

func (m *memTable) due(it models.PendingItem) time.Time {
	switch m.t.DueColumn {
	case "date_end":
		if it.DateEnd == nil {
			return time.Time{}
		}
		return *it.DateEnd
	case "date_modified":
		return it.DateModified
	}
	return time.Time{}
}

func (m *memTable) FetchBatch(_ context.Context, f store.Filter) ([]models.PendingItem, error) {
	if f.Limit <= 0 {
		return nil, store.ErrInvalidBatchSize
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	wanted := make(map[string]bool)
	for _, id := range f.StatusIDs {
		wanted[id] = true
	}
	skip := make(map[string]bool)
	for _, id := range f.ExcludeIDs {
		skip[id] = true
	}
	var out []models.PendingItem
	for _, it := range m.db.rows(m.t.Name) {
		if !wanted[it.StatusID] || skip[it.ID] {
			continue
		}
		if m.t.DueColumn != "" && !f.DueBefore.IsZero() {
			due := m.due(it)
			if due.IsZero() || !due.Before(f.DueBefore) {
				continue
			}
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateCreated.Equal(out[j].DateCreated) {
			return out[i].ID < out[j].ID
		}
		return out[i].DateCreated.Before(out[j].DateCreated)
	})
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memTable) Persist(_ context.Context, item models.PendingItem, fromStatusID string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	rows := m.db.rows(m.t.Name)
	current, ok := rows[item.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.StatusID != fromStatusID {
		return store.ErrStateMismatch
	}
	item.Status = statusName(item.StatusID)
	rows[item.ID] = item
	return nil
}

func (m *memTable) RequeueAll(_ context.Context, from, to string, maxRetry, limit int, now time.Time) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var n int64
	for id, it := range m.db.rows(m.t.Name) {
		if int(n) >= limit {
			break
		}
		if it.StatusID == from && int(it.RetryCount) < maxRetry {
			it.StatusID, it.Status, it.DateModified = to, statusName(to), now
			m.db.tables[m.t.Name][id] = it
			n++
		}
	}
	return n, nil
}

func (m *memTable) LatestByPayload(_ context.Context, key, value string) (models.PendingItem, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var (
		best  models.PendingItem
		found bool
	)
	for _, it := range m.db.rows(m.t.Name) {
		var fields map[string]any
		if err := json.Unmarshal(it.Payload, &fields); err != nil {
			continue
		}
		if fmt.Sprint(fields[key]) != value {
			continue
		}
		if !found || it.DateCreated.After(best.DateCreated) {
			best, found = it, true
		}
	}
	if !found {
		return models.PendingItem{}, store.ErrNotFound
	}
	return best, nil
}

func (m *memTable) Get(_ context.Context, id string) (models.PendingItem, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	it, ok := m.db.rows(m.t.Name)[id]
	if !ok {
		return models.PendingItem{}, store.ErrNotFound
	}
	return it, nil
}

func (m *memTable) Insert(_ context.Context, item models.PendingItem) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	item.Status = statusName(item.StatusID)
	m.db.rows(m.t.Name)[item.ID] = item
	return nil
}

func (m *memTable) Requeue(_ context.Context, id, from, to string, maxRetry int, now time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	rows := m.db.rows(m.t.Name)
	it, ok := rows[id]
	if !ok || it.StatusID != from || int(it.RetryCount) >= maxRetry {
		return store.ErrStateMismatch
	}
	it.StatusID, it.Status, it.DateModified = to, statusName(to), now
	rows[id] = it
	return nil
}

type fakeRewards struct {
	mu         sync.Mutex
	wallets    map[string]provider.Wallet
	rewards    map[string]provider.RewardTransaction
	createErr  error
	lastWallet provider.WalletRequest
	lastReward provider.RewardRequest
	creates    int
	posts      int
}

func newFakeRewards() *fakeRewards {
	return &fakeRewards{
		wallets: make(map[string]provider.Wallet),
		rewards: make(map[string]provider.RewardTransaction),
	}
}

func (f *fakeRewards) CreateWallet(_ context.Context, req provider.WalletRequest) (provider.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.lastWallet = req
	if f.createErr != nil {
		return provider.Wallet{}, f.createErr
	}
	w := provider.Wallet{ID: "wallet-" + req.Username, Username: req.Username}
	f.wallets[req.Username] = w
	return w, nil
}

func (f *fakeRewards) FindWallet(_ context.Context, username string) (provider.Wallet, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[username]
	return w, ok, nil
}

func (f *fakeRewards) PostReward(_ context.Context, req provider.RewardRequest) (provider.RewardTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts++
	f.lastReward = req
	tx := provider.RewardTransaction{ID: "tx-" + req.Reference, Reference: req.Reference, Amount: req.Amount}
	f.rewards[req.Reference] = tx
	return tx, nil
}

func (f *fakeRewards) FindReward(_ context.Context, reference string) (provider.RewardTransaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.rewards[reference]
	return tx, ok, nil
}

type fakeSSI struct {
	mu             sync.Mutex
	tenants        map[string]provider.Tenant
	credentials    map[string]provider.Credential
	tenantErr      error
	lastCredential provider.CredentialRequest
	tenantCreates  int
	issues         int
}

func newFakeSSI() *fakeSSI {
	return &fakeSSI{
		tenants:     make(map[string]provider.Tenant),
		credentials: make(map[string]provider.Credential),
	}
}

func (f *fakeSSI) CreateTenant(_ context.Context, req provider.TenantRequest) (provider.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenantCreates++
	if f.tenantErr != nil {
		return provider.Tenant{}, f.tenantErr
	}
	t := provider.Tenant{ID: "tenant-" + req.Reference, Reference: req.Reference}
	f.tenants[req.Reference] = t
	return t, nil
}

func (f *fakeSSI) FindTenant(_ context.Context, reference string) (provider.Tenant, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[reference]
	return t, ok, nil
}

func (f *fakeSSI) IssueCredential(_ context.Context, req provider.CredentialRequest) (provider.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues++
	f.lastCredential = req
	c := provider.Credential{ID: "cred-" + req.Reference, Reference: req.Reference}
	f.credentials[req.Reference] = c
	return c, nil
}

func (f *fakeSSI) FindCredential(_ context.Context, reference string) (provider.Credential, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.credentials[reference]
	return c, ok, nil
}

func testConfig() config.Config {
	cfg := config.Config{
		MaxRetryCount:                     3,
		LockDuration:                      time.Minute,
		CallTimeout:                       time.Second,
		MaxRunDuration:                    10 * time.Second,
		OpportunityDeletionIntervalDays:   180,
		VerificationRejectionIntervalDays: 30,
	}
	for _, jc := range []*config.JobConfig{
		&cfg.WalletCreation, &cfg.TenantCreation, &cfg.CredentialIssuance, &cfg.RewardTransaction,
		&cfg.OpportunityExpiration, &cfg.OpportunityDeletion, &cfg.VerificationRejection,
	} {
		jc.BatchSize = 10
		jc.Concurrency = 1
	}
	return cfg
}

type harness struct {
	t        *testing.T
	db       *memDB
	rewards  *fakeRewards
	ssi      *fakeSSI
	registry *Registry
	created  time.Time
}

func newHarness(t *testing.T, mutate ...func(*config.Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		db:      newMemDB(),
		rewards: newFakeRewards(),
		ssi:     newFakeSSI(),
		created: time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond),
	}
	cfg := testConfig()
	deps := Deps{
		Items:    h.db.table,
		Statuses: seededSource{},
		Rewards:  h.rewards,
		SSI:      h.ssi,
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	h.registry = NewRegistry(cfg, deps)
	return h
}

// seed inserts an item; every call is created a second after the previous one.
func (h *harness) seed(t store.Table, status string, payload any, retry uint8) models.PendingItem {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	h.created = h.created.Add(time.Second)
	item := models.PendingItem{
		ID:           fmt.Sprintf("%s-%d", t.Name, h.created.UnixNano()),
		StatusID:     statusID(t.StatusTable, status),
		Payload:      raw,
		RetryCount:   retry,
		DateCreated:  h.created,
		DateModified: h.created,
	}
	h.db.put(t, item)
	return h.db.get(t, item.ID)
}

func (h *harness) run(job string) models.RunReport {
	h.t.Helper()
	runner, err := h.registry.Runner(job)
	require.NoError(h.t, err)
	report, err := runner.Run(context.Background())
	require.NoError(h.t, err)
	return report
}
