package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/stockpilot/internal/api/middleware"
	"github.com/kiranshivaraju/stockpilot/internal/cache"
	"github.com/kiranshivaraju/stockpilot/internal/catalog"
	"github.com/kiranshivaraju/stockpilot/internal/dashboard"
	"github.com/kiranshivaraju/stockpilot/internal/jobs"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

// --- fake JobService ---

type fakeJobs struct {
	mu         sync.Mutex
	views      map[uuid.UUID]*jobs.StatusView
	owners     map[uuid.UUID]uuid.UUID
	products   map[uuid.UUID]uuid.UUID
	lastSub    jobs.Submission
	lastCSV    string
	lastFilter store.JobFilter
	total      int
	err        error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		views:    map[uuid.UUID]*jobs.StatusView{},
		owners:   map[uuid.UUID]uuid.UUID{},
		products: map[uuid.UUID]uuid.UUID{},
	}
}

func (f *fakeJobs) SubmitIngestion(_ context.Context, sub jobs.Submission, csv string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.lastSub, f.lastCSV = sub, csv
	return &models.Job{ID: uuid.New(), Kind: models.JobKindIngestSales, Status: models.JobStatusPending}, nil
}

func (f *fakeJobs) SubmitForecast(_ context.Context, sub jobs.Submission, productID uuid.UUID) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.products[productID] != sub.CompanyID {
		return nil, jobs.ErrProductNotFound
	}
	f.lastSub = sub
	return &models.Job{ID: uuid.New(), Kind: models.JobKindForecast, Status: models.JobStatusPending}, nil
}

func (f *fakeJobs) Status(_ context.Context, jobID, companyID uuid.UUID) (*jobs.StatusView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[jobID]
	if !ok || f.owners[jobID] != companyID {
		return nil, jobs.ErrJobNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeJobs) List(_ context.Context, filter store.JobFilter) ([]*jobs.StatusView, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	if f.err != nil {
		return nil, 0, f.err
	}
	var out []*jobs.StatusView
	for id, v := range f.views {
		if f.owners[id] == filter.CompanyID {
			out = append(out, v)
		}
	}
	return out, f.total, nil
}

func (f *fakeJobs) addJob(companyID uuid.UUID, status models.JobStatus) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.views[id] = &jobs.StatusView{JobID: id, Kind: models.JobKindForecast, Status: status, CreatedAt: time.Now().UTC()}
	f.owners[id] = companyID
	return id
}

func (f *fakeJobs) setStatus(id uuid.UUID, status models.JobStatus, result any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := *f.views[id]
	v.Status = status
	v.Result = result
	f.views[id] = &v
}

// --- fake DashboardService ---

type fakeDashboards struct {
	d          *dashboard.Dashboard
	err        error
	lastOnHand *float64
	lastIDs    [2]uuid.UUID
}

func (f *fakeDashboards) ProductDashboard(_ context.Context, companyID, productID uuid.UUID, onHand *float64) (*dashboard.Dashboard, error) {
	f.lastIDs = [2]uuid.UUID{companyID, productID}
	f.lastOnHand = onHand
	return f.d, f.err
}

// --- fake ProductService ---

type fakeProducts struct {
	mu       sync.Mutex
	products map[uuid.UUID]*models.Product
	err      error
	lastPage [2]int
}

func newFakeProducts() *fakeProducts {
	return &fakeProducts{products: map[uuid.UUID]*models.Product{}}
}

func (f *fakeProducts) add(companyID uuid.UUID, sku string) *models.Product {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &models.Product{ID: uuid.New(), CompanyID: companyID, SKU: sku, Name: "Widget " + sku}
	f.products[p.ID] = p
	return p
}

func (f *fakeProducts) skuTaken(companyID, except uuid.UUID, sku string) bool {
	for _, p := range f.products {
		if p.CompanyID == companyID && p.ID != except && p.SKU == sku {
			return true
		}
	}
	return false
}

func (f *fakeProducts) Create(_ context.Context, companyID uuid.UUID, in catalog.ProductInput) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if in.SKU == "" || in.Name == "" {
		return nil, catalog.ErrInvalidProduct
	}
	if f.skuTaken(companyID, uuid.Nil, in.SKU) {
		return nil, catalog.ErrDuplicateSKU
	}
	p := &models.Product{ID: uuid.New(), CompanyID: companyID, SKU: in.SKU, Name: in.Name, Description: in.Description}
	f.products[p.ID] = p
	return p, nil
}

func (f *fakeProducts) Get(_ context.Context, companyID, id uuid.UUID) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok || p.CompanyID != companyID {
		return nil, catalog.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProducts) List(_ context.Context, companyID uuid.UUID, page, limit int) ([]*models.Product, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPage = [2]int{page, limit}
	if f.err != nil {
		return nil, 0, f.err
	}
	out := []*models.Product{}
	for _, p := range f.products {
		if p.CompanyID == companyID {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (f *fakeProducts) Update(_ context.Context, companyID, id uuid.UUID, in catalog.ProductInput) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok || p.CompanyID != companyID {
		return nil, catalog.ErrProductNotFound
	}
	if f.skuTaken(companyID, id, in.SKU) {
		return nil, catalog.ErrDuplicateSKU
	}
	p.SKU, p.Name, p.Description = in.SKU, in.Name, in.Description
	cp := *p
	return &cp, nil
}

func (f *fakeProducts) Delete(_ context.Context, companyID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok || p.CompanyID != companyID {
		return catalog.ErrProductNotFound
	}
	delete(f.products, id)
	return nil
}

// --- fake Subscriber ---

type fakeSubscriber struct {
	mu       sync.Mutex
	channels map[string]chan []byte
	closed   int
	err      error
}

func (s *fakeSubscriber) Subscribe(_ context.Context, channel string) (*cache.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.channels == nil {
		s.channels = map[string]chan []byte{}
	}
	c := make(chan []byte, 8)
	s.channels[channel] = c
	return cache.NewSubscription(c, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed++
		return nil
	}), nil
}

func (s *fakeSubscriber) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSubscriber) publish(channel string) {
	s.mu.Lock()
	c := s.channels[channel]
	s.mu.Unlock()
	c <- []byte(`{}`)
}

// --- helpers ---

func withPrincipal(p mw.Principal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(mw.SetPrincipal(r.Context(), p)))
		})
	}
}

// serve routes req through a chi router so URL parameters resolve.
func serve(method, pattern string, h http.HandlerFunc, p *mw.Principal, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	if p != nil {
		r.Use(withPrincipal(*p))
	}
	r.Method(method, pattern, h)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func newPrincipal() *mw.Principal {
	return &mw.Principal{CompanyID: uuid.New(), UserID: uuid.New()}
}
