package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.CompanyID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, company_id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.CompanyID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, company_id, owner_id, kind, status, result, attempts, lease_until,
	ingest_committed_at, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var kind, status string
	err := row.Scan(&j.ID, &j.CompanyID, &j.OwnerID, &kind, &status, &j.Result, &j.Attempts,
		&j.LeaseUntil, &j.IngestCommittedAt, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, company_id, owner_id, kind, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.CompanyID, job.OwnerID, string(job.Kind), string(job.Status), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, companyID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND company_id = $2`, id, companyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"company_id = $1"}
	args := []any{filter.CompanyID}
	argIdx := 2

	if filter.OwnerID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", argIdx))
		args = append(args, filter.OwnerID)
		argIdx++
	}
	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// ClaimJob moves a job to RUNNING and takes a lease on it. A RUNNING job whose
// lease has expired is taken over (its worker is presumed dead); started_at keeps
// the value written by the first claim.
func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID, lease time.Duration) (*models.Job, error) {
	now := s.now()
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'RUNNING', started_at = COALESCE(started_at, $2),
		   lease_until = $3, attempts = attempts + 1, updated_at = $2
		 WHERE id = $1 AND (status = 'PENDING' OR (status = 'RUNNING' AND lease_until < $2))
		 RETURNING `+jobColumns, id, now, now.Add(lease)))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	current, err := s.GetJobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, fmt.Errorf("%w: job %s is %s", ErrJobNotClaimable, id, current.Status)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, result string) error {
	now := s.now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'SUCCESS', result = $2, completed_at = $3, lease_until = NULL, updated_at = $3
		 WHERE id = $1 AND status = 'RUNNING'`, id, result, now)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, models.JobStatusSuccess)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	now := s.now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'FAILED', result = $2, completed_at = $3, lease_until = NULL, updated_at = $3
		 WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`, id, message, now)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, models.JobStatusFailed)
	}
	return nil
}

// transitionError explains why a guarded status update touched no row.
func (s *PostgresStore) transitionError(ctx context.Context, id uuid.UUID, next models.JobStatus) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	if err := CheckTransition(models.JobStatus(current), next); err != nil {
		return err
	}
	// The guard matched nothing although the move is allowed: the row changed
	// between the update and this read.
	return fmt.Errorf("job %s changed concurrently, now %s", id, current)
}

// --- Products & Sales ---

func (s *PostgresStore) CreateCompany(ctx context.Context, company *models.Company) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		company.ID, company.Name, company.CreatedAt, company.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create company: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateProduct(ctx context.Context, product *models.Product) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO products (id, company_id, sku, name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		product.ID, product.CompanyID, product.SKU, product.Name, product.Description,
		product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var p models.Product
	err := s.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.CompanyID, &p.SKU, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

const productColumns = `id, company_id, sku, name, description, created_at, updated_at`

// ListProducts returns one page of the company's catalogue ordered by SKU, and
// the total count.
func (s *PostgresStore) ListProducts(ctx context.Context, companyID uuid.UUID, page, limit int) ([]*models.Product, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM products WHERE company_id = $1`, companyID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}

	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE company_id = $1 ORDER BY sku LIMIT $2 OFFSET $3`,
		companyID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := []*models.Product{}
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.SKU, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, &p)
	}
	return products, total, rows.Err()
}

// UpdateProduct rewrites sku, name and description of a product the company owns.
func (s *PostgresStore) UpdateProduct(ctx context.Context, product *models.Product) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE products SET sku = $3, name = $4, description = $5, updated_at = $6
		 WHERE id = $1 AND company_id = $2`,
		product.ID, product.CompanyID, product.SKU, product.Name, product.Description, product.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProduct removes a product and, by cascade, its sales history.
func (s *PostgresStore) DeleteProduct(ctx context.Context, id, companyID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM products WHERE id = $1 AND company_id = $2`, id, companyID)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ProductSKUMap(ctx context.Context, companyID uuid.UUID) (map[string]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT sku, id FROM products WHERE company_id = $1`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list product skus: %w", err)
	}
	defer rows.Close()

	skus := make(map[string]uuid.UUID)
	for rows.Next() {
		var sku string
		var id uuid.UUID
		if err := rows.Scan(&sku, &id); err != nil {
			return nil, fmt.Errorf("scan product sku: %w", err)
		}
		skus[sku] = id
	}
	return skus, rows.Err()
}

func (s *PostgresStore) ListSales(ctx context.Context, productID uuid.UUID) ([]models.Sale, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, job_id, transaction_date, quantity_sold, unit_price, created_at
		 FROM sales WHERE product_id = $1 ORDER BY transaction_date ASC, id ASC`, productID)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	return collectSales(rows)
}

// ListRecentSales returns the newest limit sales of a product in chronological order.
func (s *PostgresStore) ListRecentSales(ctx context.Context, productID uuid.UUID, limit int) ([]models.Sale, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, job_id, transaction_date, quantity_sold, unit_price, created_at
		 FROM sales WHERE product_id = $1 ORDER BY transaction_date DESC, id DESC LIMIT $2`, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sales: %w", err)
	}
	sales, err := collectSales(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(sales)-1; i < j; i, j = i+1, j-1 {
		sales[i], sales[j] = sales[j], sales[i]
	}
	return sales, nil
}

func collectSales(rows pgx.Rows) ([]models.Sale, error) {
	defer rows.Close()

	sales := []models.Sale{}
	for rows.Next() {
		var sale models.Sale
		if err := rows.Scan(&sale.ID, &sale.ProductID, &sale.JobID, &sale.TransactionDate,
			&sale.QuantitySold, &sale.UnitPrice, &sale.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

// InsertSales bulk-loads sales for an ingestion job and stamps the job's
// insert-completed marker in the same transaction, so a crash before commit
// leaves no rows and a crash after commit is detectable.
func (s *PostgresStore) InsertSales(ctx context.Context, jobID uuid.UUID, sales []models.Sale) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert sales: %w", err)
	}
	defer tx.Rollback(ctx)

	var committedAt *time.Time
	err = tx.QueryRow(ctx, `SELECT ingest_committed_at FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&committedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock job for ingest: %w", err)
	}
	if committedAt != nil {
		return 0, ErrAlreadyIngested
	}

	now := s.now()
	rows := make([][]any, 0, len(sales))
	for _, sale := range sales {
		rows = append(rows, []any{sale.ProductID, jobID, sale.TransactionDate, sale.QuantitySold, sale.UnitPrice, now})
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"sales"},
		[]string{"product_id", "job_id", "transaction_date", "quantity_sold", "unit_price", "created_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy sales: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET ingest_committed_at = $2, updated_at = $2 WHERE id = $1`, jobID, now); err != nil {
		return 0, fmt.Errorf("mark ingest committed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert sales: %w", err)
	}
	return n, nil
}

// IngestedSales reports how many rows a committed ingestion job inserted and
// which products they belong to.
func (s *PostgresStore) IngestedSales(ctx context.Context, jobID uuid.UUID) (int64, []uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product_id, COUNT(*) FROM sales WHERE job_id = $1 GROUP BY product_id`, jobID)
	if err != nil {
		return 0, nil, fmt.Errorf("count ingested sales: %w", err)
	}
	defer rows.Close()

	var total int64
	products := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return 0, nil, fmt.Errorf("scan ingested sales: %w", err)
		}
		total += n
		products = append(products, id)
	}
	return total, products, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
