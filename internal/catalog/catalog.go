// Package catalog manages a company's products. Every read and write is scoped
// to the calling company; a product of another company is reported as missing.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/stockpilot/internal/cache"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

var (
	ErrInvalidProduct  = errors.New("invalid product")
	ErrProductNotFound = errors.New("product not found")
	ErrDuplicateSKU    = errors.New("sku already exists")
)

var validate = validator.New()

type Store interface {
	CreateProduct(ctx context.Context, product *models.Product) error
	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	ListProducts(ctx context.Context, companyID uuid.UUID, page, limit int) ([]*models.Product, int, error)
	UpdateProduct(ctx context.Context, product *models.Product) error
	DeleteProduct(ctx context.Context, id, companyID uuid.UUID) error
}

// Invalidator drops cached dashboards. *cache.RedisCache satisfies it.
type Invalidator interface {
	Delete(ctx context.Context, keys ...string) error
}

// ProductInput is the writable part of a product.
type ProductInput struct {
	SKU         string  `json:"sku"         validate:"required,max=100"`
	Name        string  `json:"name"        validate:"required,max=255"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
}

type Service struct {
	store  Store
	cache  Invalidator
	logger *slog.Logger
	now    func() time.Time
}

// NewService returns a catalogue service. c may be nil when no dashboard cache
// is in use.
func NewService(s Store, c Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, cache: c, logger: logger, now: time.Now}
}

func check(in *ProductInput) error {
	in.SKU = strings.TrimSpace(in.SKU)
	in.Name = strings.TrimSpace(in.Name)
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProduct, err)
	}
	return nil
}

func (s *Service) Create(ctx context.Context, companyID uuid.UUID, in ProductInput) (*models.Product, error) {
	if companyID == uuid.Nil {
		return nil, fmt.Errorf("%w: company is required", ErrInvalidProduct)
	}
	if err := check(&in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p := &models.Product{
		ID:          uuid.New(),
		CompanyID:   companyID,
		SKU:         in.SKU,
		Name:        in.Name,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateProduct(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSKU, in.SKU)
		}
		return nil, fmt.Errorf("create product: %w", err)
	}
	s.logger.Info("product created", "product_id", p.ID, "sku", p.SKU, "company_id", companyID)
	return p, nil
}

// Get returns the product if it belongs to companyID.
func (s *Service) Get(ctx context.Context, companyID, id uuid.UUID) (*models.Product, error) {
	p, err := s.store.GetProduct(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if p.CompanyID != companyID {
		return nil, ErrProductNotFound
	}
	return p, nil
}

// List returns one page of the company's products ordered by SKU, and the total.
func (s *Service) List(ctx context.Context, companyID uuid.UUID, page, limit int) ([]*models.Product, int, error) {
	products, total, err := s.store.ListProducts(ctx, companyID, page, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	return products, total, nil
}

// Update replaces the writable fields of a product. A SKU already used by
// another product of the company is refused.
func (s *Service) Update(ctx context.Context, companyID, id uuid.UUID, in ProductInput) (*models.Product, error) {
	if err := check(&in); err != nil {
		return nil, err
	}
	p, err := s.Get(ctx, companyID, id)
	if err != nil {
		return nil, err
	}
	p.SKU, p.Name, p.Description = in.SKU, in.Name, in.Description
	p.UpdatedAt = s.now().UTC()

	err = s.store.UpdateProduct(ctx, p)
	switch {
	case errors.Is(err, store.ErrDuplicateKey):
		return nil, fmt.Errorf("%w: %q", ErrDuplicateSKU, in.SKU)
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrProductNotFound
	case err != nil:
		return nil, fmt.Errorf("update product: %w", err)
	}
	s.invalidate(ctx, id)
	return p, nil
}

// Delete removes a product together with its sales history.
func (s *Service) Delete(ctx context.Context, companyID, id uuid.UUID) error {
	err := s.store.DeleteProduct(ctx, id, companyID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrProductNotFound
	}
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	s.logger.Info("product deleted", "product_id", id, "company_id", companyID)
	s.invalidate(ctx, id)
	return nil
}

// The dashboard shows sku and name, and holds history of a deleted product.
func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.DashboardKey(id)); err != nil {
		s.logger.Warn("dashboard cache invalidation failed", "product_id", id, "error", err)
	}
}
