package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/repository"
)

// memPayments mimics the payment table, unique on (provider, provider_payment_id)
type memPayments struct {
	mu       sync.Mutex
	byKey    map[string]*models.Payment
	creates  int
	findHook func() // runs after a miss, before the caller creates
}

func newMemPayments() *memPayments {
	return &memPayments{byKey: map[string]*models.Payment{}}
}

func naturalKey(p models.Provider, id string) string { return string(p) + "/" + id }

func (m *memPayments) FindByNaturalKey(ctx context.Context, provider models.Provider, id string) (*models.Payment, error) {
	m.mu.Lock()
	p, ok := m.byKey[naturalKey(provider, id)]
	hook := m.findHook
	m.mu.Unlock()
	if !ok {
		if hook != nil {
			hook()
		}
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memPayments) Create(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := naturalKey(payment.Provider, payment.ProviderPaymentID)
	if _, ok := m.byKey[k]; ok {
		return repository.ErrDuplicatePayment
	}
	cp := *payment
	m.byKey[k] = &cp
	m.creates++
	return nil
}

func (m *memPayments) UpdateFlags(ctx context.Context, id string, renewal, refunded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byKey {
		if p.ID == id {
			p.Renewal = renewal
			p.Refunded = refunded
		}
	}
	return nil
}

func (m *memPayments) DeleteByWebsiteProvider(ctx context.Context, websiteID string, provider models.Provider) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, p := range m.byKey {
		if p.WebsiteID == websiteID && p.Provider == provider {
			delete(m.byKey, k)
			n++
		}
	}
	return n, nil
}

func (m *memPayments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

func (m *memPayments) get(provider models.Provider, id string) *models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byKey[naturalKey(provider, id)]
}

// memWebsites keeps website rows and their provider configs
type memWebsites struct {
	mu       sync.Mutex
	websites map[string]*models.Website
}

func newMemWebsites() *memWebsites {
	return &memWebsites{websites: map[string]*models.Website{}}
}

func (m *memWebsites) add(id string, cfgs models.ProviderConfigs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfgs == nil {
		cfgs = models.ProviderConfigs{}
	}
	m.websites[id] = &models.Website{ID: id, Domain: id + ".example", PaymentProviders: cfgs}
}

func (m *memWebsites) config(id string, p models.Provider) *models.ProviderSyncConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.websites[id]
	if !ok {
		return nil
	}
	cfg, ok := w.PaymentProviders[p]
	if !ok {
		return nil
	}
	cp := *cfg
	return &cp
}

func (m *memWebsites) GetByID(ctx context.Context, id string) (*models.Website, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.websites[id]
	if !ok {
		return nil, repository.ErrWebsiteNotFound
	}
	cp := *w
	cp.PaymentProviders = models.ProviderConfigs{}
	for p, cfg := range w.PaymentProviders {
		c := *cfg
		cp.PaymentProviders[p] = &c
	}
	return &cp, nil
}

func (m *memWebsites) list(match func(*models.ProviderSyncConfig) bool, provider models.Provider) []models.Website {
	m.mu.Lock()
	ids := make([]string, 0, len(m.websites))
	for id, w := range m.websites {
		cfg := w.PaymentProviders[provider]
		if cfg.Connected() && cfg.Enabled && match(cfg) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	sort.Strings(ids)
	out := make([]models.Website, 0, len(ids))
	for _, id := range ids {
		w, _ := m.GetByID(context.Background(), id)
		out = append(out, *w)
	}
	return out
}

func (m *memWebsites) ListDue(ctx context.Context, provider models.Provider, now time.Time) ([]models.Website, error) {
	return m.list(func(c *models.ProviderSyncConfig) bool {
		return c.Frequency != models.FrequencyRealtime && (c.NextSyncAt == nil || !c.NextSyncAt.After(now))
	}, provider), nil
}

func (m *memWebsites) ListRealtime(ctx context.Context, provider models.Provider) ([]models.Website, error) {
	return m.list(func(c *models.ProviderSyncConfig) bool {
		return c.Frequency == models.FrequencyRealtime
	}, provider), nil
}

func (m *memWebsites) SetProviderConfig(ctx context.Context, id string, p models.Provider, cfg models.ProviderSyncConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.websites[id]
	if !ok {
		return repository.ErrWebsiteNotFound
	}
	w.PaymentProviders[p] = &cfg
	return nil
}

func (m *memWebsites) RemoveProvider(ctx context.Context, id string, p models.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.websites[id]
	if !ok {
		return repository.ErrWebsiteNotFound
	}
	delete(w.PaymentProviders, p)
	return nil
}

func (m *memWebsites) SetLastSyncAt(ctx context.Context, id string, p models.Provider, at time.Time) error {
	return m.setTime(id, p, func(c *models.ProviderSyncConfig) { c.LastSyncAt = &at })
}

func (m *memWebsites) SetNextSyncAt(ctx context.Context, id string, p models.Provider, at time.Time) error {
	return m.setTime(id, p, func(c *models.ProviderSyncConfig) { c.NextSyncAt = &at })
}

func (m *memWebsites) setTime(id string, p models.Provider, set func(*models.ProviderSyncConfig)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.websites[id]
	if !ok {
		return repository.ErrWebsiteNotFound
	}
	if cfg, ok := w.PaymentProviders[p]; ok {
		set(cfg)
	}
	return nil
}

// memQueue is an in-memory JobQueue with the same conditional-update rules
type memQueue struct {
	mu         sync.Mutex
	jobs       map[string]*models.SyncJob
	order      []string
	dequeueErr error
	markErr    error
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: map[string]*models.SyncJob{}}
}

func (q *memQueue) Enqueue(ctx context.Context, p repository.EnqueueParams) (*models.SyncJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p.Type == models.JobTypeCron {
		for _, j := range q.jobs {
			if j.Type == models.JobTypeCron && j.WebsiteID == p.WebsiteID && j.Provider == p.Provider && !j.Status.Terminal() {
				return nil, repository.ErrJobAlreadyActive
			}
		}
	}
	maxRetries := p.MaxRetries
	if maxRetries == 0 {
		maxRetries = models.DefaultMaxRetries
	}
	job := &models.SyncJob{
		ID:         uuid.NewString(),
		WebsiteID:  p.WebsiteID,
		Provider:   p.Provider,
		Type:       p.Type,
		Priority:   p.Priority,
		StartDate:  p.StartDate,
		EndDate:    p.EndDate,
		SyncRange:  p.SyncRange,
		Status:     models.JobStatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	cp := *job
	return &cp, nil
}

func (q *memQueue) Dequeue(ctx context.Context) (*models.SyncJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dequeueErr != nil {
		return nil, q.dequeueErr
	}
	var best *models.SyncJob
	for _, id := range q.order {
		j := q.jobs[id]
		if j.Status != models.JobStatusPending {
			continue
		}
		if best == nil || j.Priority > best.Priority {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	now := time.Now()
	best.Status = models.JobStatusProcessing
	best.StartedAt = &now
	cp := *best
	return &cp, nil
}

func (q *memQueue) GetByID(ctx context.Context, id string) (*models.SyncJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (q *memQueue) MarkCompleted(ctx context.Context, id string, res models.SyncResult) error {
	return q.finish(id, func(j *models.SyncJob) {
		j.Status = models.JobStatusCompleted
		j.Result = &res
	})
}

func (q *memQueue) MarkFailed(ctx context.Context, id string, msg string) error {
	return q.finish(id, func(j *models.SyncJob) {
		j.Status = models.JobStatusFailed
		j.Error = &msg
	})
}

func (q *memQueue) finish(id string, apply func(*models.SyncJob)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.markErr != nil {
		return q.markErr
	}
	j, ok := q.jobs[id]
	if !ok {
		return repository.ErrJobNotFound
	}
	if j.Status != models.JobStatusProcessing {
		return nil
	}
	apply(j)
	now := time.Now()
	j.CompletedAt = &now
	return nil
}

func (q *memQueue) IncrementRetry(ctx context.Context, id string, msg string) (*models.SyncJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	if j.Status.Terminal() {
		cp := *j
		return &cp, nil
	}
	if j.RetryCount >= j.MaxRetries {
		cp := *j
		return &cp, repository.ErrRetriesExhausted
	}
	j.RetryCount++
	j.Status = models.JobStatusPending
	j.Error = &msg
	j.StartedAt = nil
	cp := *j
	return &cp, nil
}

func (q *memQueue) Release(ctx context.Context, id string, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return repository.ErrJobNotFound
	}
	if j.Status == models.JobStatusProcessing {
		j.Status = models.JobStatusPending
		j.Error = &msg
		j.StartedAt = nil
	}
	return nil
}

func (q *memQueue) ReclaimStale(ctx context.Context, olderThan time.Duration) (repository.ReclaimResult, error) {
	return repository.ReclaimResult{}, nil
}

func (q *memQueue) CancelActive(ctx context.Context, websiteID string, provider models.Provider) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, j := range q.jobs {
		if j.WebsiteID == websiteID && j.Provider == provider && !j.Status.Terminal() {
			j.Status = models.JobStatusCancelled
			n++
		}
	}
	return n, nil
}

func (q *memQueue) HasActive(ctx context.Context, websiteID string, provider models.Provider) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.WebsiteID == websiteID && j.Provider == provider && !j.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueue) CountByStatus(ctx context.Context) (map[models.SyncJobStatus]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[models.SyncJobStatus]int64{}
	for _, j := range q.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (q *memQueue) job(id string) models.SyncJob {
	j, _ := q.GetByID(context.Background(), id)
	return *j
}

// mockProviderClient follows the func-field mock style
type mockProviderClient struct {
	validateFunc func(ctx context.Context, apiKey string) error
	listFunc     func(ctx context.Context, apiKey string, start, end time.Time, visit func(FetchedPayment) error) error
}

func (m *mockProviderClient) ValidateAPIKey(ctx context.Context, apiKey string) error {
	if m.validateFunc != nil {
		return m.validateFunc(ctx, apiKey)
	}
	return nil
}

func (m *mockProviderClient) ListPayments(ctx context.Context, apiKey string, start, end time.Time, visit func(FetchedPayment) error) error {
	if m.listFunc != nil {
		return m.listFunc(ctx, apiKey, start, end, visit)
	}
	return nil
}

// listing returns a listFunc that yields the given objects
func listing(objects ...FetchedPayment) func(context.Context, string, time.Time, time.Time, func(FetchedPayment) error) error {
	return func(ctx context.Context, apiKey string, start, end time.Time, visit func(FetchedPayment) error) error {
		for _, o := range objects {
			if err := visit(o); err != nil {
				return err
			}
		}
		return nil
	}
}

type mockSyncer struct {
	syncFunc func(ctx context.Context, websiteID string, provider models.Provider, apiKey string, start, end time.Time) (models.SyncResult, error)
}

func (m *mockSyncer) SyncPayments(ctx context.Context, websiteID string, provider models.Provider, apiKey string, start, end time.Time) (models.SyncResult, error) {
	if m.syncFunc != nil {
		return m.syncFunc(ctx, websiteID, provider, apiKey, start, end)
	}
	return models.SyncResult{}, nil
}

type nopStats struct{}

func (nopStats) JobFinished(context.Context, models.Provider, models.SyncJobStatus) {}
func (nopStats) SyncFinished(context.Context, models.Provider, models.SyncResult)  {}

type countingTrigger struct {
	mu    sync.Mutex
	calls int
}

func (t *countingTrigger) TriggerProcessing(ctx context.Context) error {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return nil
}

func (t *countingTrigger) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type memSessions struct {
	sessions []models.AnalyticsSession
	err      error
}

func (m *memSessions) FindByID(ctx context.Context, websiteID, sessionID string) (*models.AnalyticsSession, error) {
	if m.err != nil {
		return nil, m.err
	}
	for i := range m.sessions {
		s := m.sessions[i]
		if s.WebsiteID == websiteID && s.ID == sessionID {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *memSessions) FindLatestByVisitor(ctx context.Context, websiteID, visitorID string) (*models.AnalyticsSession, error) {
	if m.err != nil {
		return nil, m.err
	}
	var best *models.AnalyticsSession
	for i := range m.sessions {
		s := m.sessions[i]
		if s.WebsiteID == websiteID && s.VisitorID == visitorID && (best == nil || s.LastSeenAt.After(best.LastSeenAt)) {
			best = &s
		}
	}
	return best, nil
}

func (m *memSessions) FindLatestByEmail(ctx context.Context, websiteID, email string, since, until time.Time) (*models.AnalyticsSession, error) {
	if m.err != nil {
		return nil, m.err
	}
	var best *models.AnalyticsSession
	for i := range m.sessions {
		s := m.sessions[i]
		if s.WebsiteID != websiteID || s.CustomerEmail == nil || *s.CustomerEmail != email {
			continue
		}
		if s.LastSeenAt.Before(since) || s.StartedAt.After(until) {
			continue
		}
		if best == nil || s.LastSeenAt.After(best.LastSeenAt) {
			best = &s
		}
	}
	return best, nil
}
