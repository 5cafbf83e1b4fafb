package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/stockpilot/internal/api/response"
	"github.com/kiranshivaraju/stockpilot/internal/catalog"
)

const maxProductPageLimit = 200

// NewCreateProductHandler returns an http.HandlerFunc for POST /api/v1/products.
func NewCreateProductHandler(svc ProductService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		in, ok := decodeProduct(w, r)
		if !ok {
			return
		}

		product, err := svc.Create(r.Context(), p.CompanyID, in)
		if err != nil {
			productError(w, err, "create")
			return
		}
		response.Created(w, product)
	}
}

// NewListProductsHandler returns an http.HandlerFunc for GET /api/v1/products.
func NewListProductsHandler(svc ProductService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		page, limit, problems := pageParams(r.URL.Query(), maxProductPageLimit)
		if len(problems) > 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters", problems)
			return
		}

		products, total, err := svc.List(r.Context(), p.CompanyID, page, limit)
		if err != nil {
			slog.Error("list products failed", "company_id", p.CompanyID, "error", err)
			internalError(w)
			return
		}
		response.Collection(w, products, response.NewPaginationMeta(page, limit, total))
	}
}

// NewGetProductHandler returns an http.HandlerFunc for GET /api/v1/products/{productID}.
func NewGetProductHandler(svc ProductService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		productID, ok := pathUUID(w, r, "productID")
		if !ok {
			return
		}

		product, err := svc.Get(r.Context(), p.CompanyID, productID)
		if err != nil {
			productError(w, err, "get")
			return
		}
		response.JSON(w, product)
	}
}

// NewUpdateProductHandler returns an http.HandlerFunc for PUT /api/v1/products/{productID}.
func NewUpdateProductHandler(svc ProductService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		productID, ok := pathUUID(w, r, "productID")
		if !ok {
			return
		}
		in, ok := decodeProduct(w, r)
		if !ok {
			return
		}

		product, err := svc.Update(r.Context(), p.CompanyID, productID, in)
		if err != nil {
			productError(w, err, "update")
			return
		}
		response.JSON(w, product)
	}
}

// NewDeleteProductHandler returns an http.HandlerFunc for DELETE /api/v1/products/{productID}.
func NewDeleteProductHandler(svc ProductService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		productID, ok := pathUUID(w, r, "productID")
		if !ok {
			return
		}

		if err := svc.Delete(r.Context(), p.CompanyID, productID); err != nil {
			productError(w, err, "delete")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeProduct(w http.ResponseWriter, r *http.Request) (catalog.ProductInput, bool) {
	var in catalog.ProductInput
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return in, false
	}
	return in, true
}

func productError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, catalog.ErrProductNotFound):
		response.Error(w, http.StatusNotFound, "PRODUCT_NOT_FOUND", productNotFoundMessage, nil)
	case errors.Is(err, catalog.ErrDuplicateSKU):
		response.Error(w, http.StatusConflict, "DUPLICATE_SKU", "A product with this SKU already exists in this company.", nil)
	case errors.Is(err, catalog.ErrInvalidProduct):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	default:
		slog.Error("product "+op+" failed", "error", err)
		internalError(w)
	}
}
