package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

// fakeStore keeps jobs, products and sales in memory and applies the same
// status guards as the Postgres store.
type fakeStore struct {
	mu       sync.Mutex
	now      time.Time
	jobs     map[uuid.UUID]*models.Job
	products map[uuid.UUID]*models.Product
	sales    []models.Sale

	listSalesCalls int
	insertErr      error
	completeErr    error
	claimErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		jobs:     make(map[uuid.UUID]*models.Job),
		products: make(map[uuid.UUID]*models.Product),
	}
}

func (f *fakeStore) addJob(kind models.JobKind, companyID uuid.UUID) *models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := &models.Job{
		ID:        uuid.New(),
		CompanyID: companyID,
		OwnerID:   uuid.New(),
		Kind:      kind,
		Status:    models.JobStatusPending,
		CreatedAt: f.now,
	}
	f.jobs[j.ID] = j
	return j
}

func (f *fakeStore) addProduct(companyID uuid.UUID, sku string) *models.Product {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &models.Product{ID: uuid.New(), CompanyID: companyID, SKU: sku, Name: sku}
	f.products[p.ID] = p
	return p
}

func (f *fakeStore) addSales(productID uuid.UUID, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		f.sales = append(f.sales, models.Sale{
			ProductID:       productID,
			TransactionDate: start.AddDate(0, 0, i),
			QuantitySold:    10 + i%5,
			UnitPrice:       2.5,
		})
	}
}

func (f *fakeStore) job(id uuid.UUID) models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeStore) salesForJob(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sales {
		if s.JobID != nil && *s.JobID == id {
			n++
		}
	}
	return n
}

func (f *fakeStore) ClaimJob(_ context.Context, id uuid.UUID, lease time.Duration) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	expired := j.Status == models.JobStatusRunning && j.LeaseUntil != nil && j.LeaseUntil.Before(f.now)
	if j.Status != models.JobStatusPending && !expired {
		cp := *j
		return &cp, fmt.Errorf("%w: job %s is %s", store.ErrJobNotClaimable, id, j.Status)
	}
	j.Status = models.JobStatusRunning
	if j.StartedAt == nil {
		t := f.now
		j.StartedAt = &t
	}
	until := f.now.Add(lease)
	j.LeaseUntil = &until
	j.Attempts++
	cp := *j
	return &cp, nil
}

func (f *fakeStore) CompleteJob(_ context.Context, id uuid.UUID, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	j, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if err := store.CheckTransition(j.Status, models.JobStatusSuccess); err != nil {
		return err
	}
	f.finish(j, models.JobStatusSuccess, result)
	return nil
}

func (f *fakeStore) FailJob(_ context.Context, id uuid.UUID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if err := store.CheckTransition(j.Status, models.JobStatusFailed); err != nil {
		return err
	}
	f.finish(j, models.JobStatusFailed, message)
	return nil
}

func (f *fakeStore) finish(j *models.Job, status models.JobStatus, result string) {
	t := f.now
	j.Status = status
	j.Result = &result
	j.CompletedAt = &t
	j.LeaseUntil = nil
}

func (f *fakeStore) GetProduct(_ context.Context, id uuid.UUID) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ListSales(_ context.Context, productID uuid.UUID) ([]models.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listSalesCalls++
	var out []models.Sale
	for _, s := range f.sales {
		if s.ProductID == productID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) ProductSKUMap(_ context.Context, companyID uuid.UUID) (map[string]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]uuid.UUID)
	for _, p := range f.products {
		if p.CompanyID == companyID {
			out[p.SKU] = p.ID
		}
	}
	return out, nil
}

func (f *fakeStore) InsertSales(_ context.Context, jobID uuid.UUID, sales []models.Sale) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	j, ok := f.jobs[jobID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if j.IngestCommittedAt != nil {
		return 0, store.ErrAlreadyIngested
	}
	for _, s := range sales {
		id := jobID
		s.JobID = &id
		f.sales = append(f.sales, s)
	}
	t := f.now
	j.IngestCommittedAt = &t
	return int64(len(sales)), nil
}

func (f *fakeStore) IngestedSales(_ context.Context, jobID uuid.UUID) (int64, []uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	seen := make(map[uuid.UUID]bool)
	products := []uuid.UUID{}
	for _, s := range f.sales {
		if s.JobID != nil && *s.JobID == jobID {
			n++
			if !seen[s.ProductID] {
				seen[s.ProductID] = true
				products = append(products, s.ProductID)
			}
		}
	}
	return n, products, nil
}

var _ Store = (*fakeStore)(nil)

// recordingNotifier captures published events and deleted keys.
type recordingNotifier struct {
	mu      sync.Mutex
	events  []string
	deleted []string
}

func (n *recordingNotifier) Publish(_ context.Context, channel string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, channel+" "+string(payload))
	return nil
}

func (n *recordingNotifier) Delete(_ context.Context, keys ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, keys...)
	return nil
}
