package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is a stock keeping unit sold by a company. SKUs are unique per company.
type Product struct {
	ID          uuid.UUID `db:"id"          json:"id"`
	CompanyID   uuid.UUID `db:"company_id"  json:"company_id"`
	SKU         string    `db:"sku"         json:"sku"`
	Name        string    `db:"name"        json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at"  json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"  json:"updated_at"`
}

// Sale is one ingested transaction line. Several sales may share a date; they are
// summed when the series is aggregated per day.
type Sale struct {
	ID              int64      `db:"id"               json:"id"`
	ProductID       uuid.UUID  `db:"product_id"       json:"product_id"`
	JobID           *uuid.UUID `db:"job_id"           json:"job_id,omitempty"`
	TransactionDate time.Time  `db:"transaction_date" json:"transaction_date"`
	QuantitySold    int        `db:"quantity_sold"    json:"quantity_sold"`
	UnitPrice       float64    `db:"unit_price"       json:"unit_price"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
}
