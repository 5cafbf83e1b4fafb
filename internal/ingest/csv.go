// Package ingest parses and validates uploaded sales tables.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

// Required column names of an uploaded sales table.
const (
	ColumnTransactionDate = "transaction_date"
	ColumnSKU             = "sku"
	ColumnQuantitySold    = "quantity_sold"
	ColumnUnitPrice       = "unit_price"
)

// RequiredColumns lists the header names every upload must carry.
var RequiredColumns = []string{ColumnTransactionDate, ColumnSKU, ColumnQuantitySold, ColumnUnitPrice}

var (
	// ErrSchema is returned when the table cannot be read or lacks a required column.
	ErrSchema = errors.New("invalid sales table")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

var dateLayouts = []string{
	time.DateOnly,
	"2006/01/02",
	time.RFC3339,
	time.DateTime,
	"2006-01-02T15:04:05",
}

// ValidationError collects row-level problems. A table with any of them is
// rejected as a whole.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "Validation failed. Errors: " + strings.Join(e.Errors, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Parse reads a CSV sales table and resolves each row's SKU through skus.
// Row numbers in errors are 1-indexed and count the header as row 1.
//
// Either every row is valid and all of them are returned, or nothing is
// returned together with a *ValidationError listing every bad row.
func Parse(r io.Reader, skus map[string]uuid.UUID) ([]models.Sale, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: file is empty", ErrSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	cols, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var (
		sales []models.Sale
		errs  []string
	)
	for i := 0; ; i++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row := i + 2
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return nil, fmt.Errorf("%w: line %d: %v", ErrSchema, perr.Line, perr.Err)
			}
			return nil, fmt.Errorf("%w: %v", ErrSchema, err)
		}

		sku := field(record, cols[ColumnSKU])
		productID, ok := skus[sku]
		if !ok {
			errs = append(errs, fmt.Sprintf("Row %d: SKU '%s' not found in your products.", row, sku))
			continue
		}

		sale, err := parseRow(record, cols)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Row %d: Invalid data format - %v", row, err))
			continue
		}
		sale.ProductID = productID
		sales = append(sales, sale)
	}

	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return sales, nil
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}

	var missing []string
	for _, c := range RequiredColumns {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: CSV file must contain the following columns: %s (missing: %s)",
			ErrSchema, strings.Join(RequiredColumns, ", "), strings.Join(missing, ", "))
	}
	return cols, nil
}

func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func parseRow(record []string, cols map[string]int) (models.Sale, error) {
	date, err := parseDate(field(record, cols[ColumnTransactionDate]))
	if err != nil {
		return models.Sale{}, err
	}
	qty, err := parseQuantity(field(record, cols[ColumnQuantitySold]))
	if err != nil {
		return models.Sale{}, err
	}
	price, err := parsePrice(field(record, cols[ColumnUnitPrice]))
	if err != nil {
		return models.Sale{}, err
	}
	return models.Sale{TransactionDate: date, QuantitySold: qty, UnitPrice: price}, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%s is empty", ColumnTransactionDate)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("%s %q is not a recognised date", ColumnTransactionDate, s)
}

// parseQuantity accepts integers and integral floats such as "3.0".
func parseQuantity(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("%s is empty", ColumnQuantitySold)
	}
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		return int(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%s %q is not an integer", ColumnQuantitySold, s)
	}
	return int(f), nil
}

func parsePrice(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("%s is empty", ColumnUnitPrice)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s %q is not a number", ColumnUnitPrice, s)
	}
	return f, nil
}
