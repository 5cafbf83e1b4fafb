// Package models contains shared data models used across the stockpilot codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Company is a tenant. Products, sales, jobs and API keys all belong to one company.
type Company struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
