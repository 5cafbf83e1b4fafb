package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/stockpilot/internal/cache"
	"github.com/kiranshivaraju/stockpilot/internal/ingest"
	"github.com/kiranshivaraju/stockpilot/internal/queue"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const csvHeader = "transaction_date,sku,quantity_sold,unit_price\n"

type ingestFixture struct {
	store     *fakeStore
	notifier  *recordingNotifier
	task      *IngestTask
	companyID uuid.UUID
	widget    *models.Product
	gadget    *models.Product
}

func newIngestFixture() *ingestFixture {
	fx := &ingestFixture{
		store:     newFakeStore(),
		notifier:  &recordingNotifier{},
		companyID: uuid.New(),
	}
	fx.widget = fx.store.addProduct(fx.companyID, "WID-1")
	fx.gadget = fx.store.addProduct(fx.companyID, "GAD-2")
	fx.task = NewIngestTask(fx.store, fx.notifier, time.Minute, nil)
	return fx
}

func (fx *ingestFixture) submit(csv string) (*models.Job, queue.Task) {
	job := fx.store.addJob(models.JobKindIngestSales, fx.companyID)
	return job, queue.Task{Kind: queue.KindIngestSales, JobID: job.ID, CompanyID: fx.companyID, Payload: csv}
}

func TestIngestTask_ImportsAllRows(t *testing.T) {
	fx := newIngestFixture()
	job, task := fx.submit(csvHeader +
		"2024-01-01,WID-1,3,9.99\n" +
		"2024-01-01,GAD-2,1,4.50\n" +
		"2024-01-02,WID-1,5,9.99\n")

	require.NoError(t, fx.task.Handle(context.Background(), task))

	got := fx.store.job(job.ID)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.JSONEq(t, `{"records_imported":3,"message":"3 sales records successfully imported."}`, *got.Result)
	assert.Equal(t, 3, fx.store.salesForJob(job.ID))
	assert.ElementsMatch(t, []string{cache.DashboardKey(fx.widget.ID), cache.DashboardKey(fx.gadget.ID)}, fx.notifier.deleted)
}

func TestIngestTask_UnknownSKURejectsWholeFile(t *testing.T) {
	fx := newIngestFixture()
	job, task := fx.submit(csvHeader + "2024-01-01,NOPE,3,9.99\n")

	err := fx.task.Handle(context.Background(), task)
	require.ErrorIs(t, err, ingest.ErrValidation)

	got := fx.store.job(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "Validation failed. Errors: Row 2: SKU 'NOPE' not found in your products.", *got.Result)
	assert.Zero(t, fx.store.salesForJob(job.ID))
	assert.Empty(t, fx.notifier.deleted)
}

func TestIngestTask_AllOrNothing(t *testing.T) {
	var b strings.Builder
	b.WriteString(csvHeader)
	for i := 1; i <= 25; i++ {
		fmt.Fprintf(&b, "2024-01-%02d,WID-1,%d,9.99\n", i, i)
	}

	t.Run("one invalid row", func(t *testing.T) {
		fx := newIngestFixture()
		job, task := fx.submit(b.String() + "2024-01-26,WID-1,lots,9.99\n")

		require.Error(t, fx.task.Handle(context.Background(), task))
		assert.Equal(t, models.JobStatusFailed, fx.store.job(job.ID).Status)
		assert.Zero(t, fx.store.salesForJob(job.ID))
		assert.Contains(t, *fx.store.job(job.ID).Result, "Row 27: Invalid data format")
	})

	t.Run("no invalid row", func(t *testing.T) {
		fx := newIngestFixture()
		job, task := fx.submit(b.String())

		require.NoError(t, fx.task.Handle(context.Background(), task))
		assert.Equal(t, models.JobStatusSuccess, fx.store.job(job.ID).Status)
		assert.Equal(t, 25, fx.store.salesForJob(job.ID))
		assert.Contains(t, *fx.store.job(job.ID).Result, `"records_imported":25`)
	})
}

func TestIngestTask_SchemaError(t *testing.T) {
	fx := newIngestFixture()
	job, task := fx.submit("date,sku,qty\n2024-01-01,WID-1,3\n")

	err := fx.task.Handle(context.Background(), task)
	require.ErrorIs(t, err, ingest.ErrSchema)

	got := fx.store.job(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, *got.Result, "CSV file must contain the following columns")
}

func TestIngestTask_HeaderOnly(t *testing.T) {
	fx := newIngestFixture()
	job, task := fx.submit(csvHeader)

	require.NoError(t, fx.task.Handle(context.Background(), task))
	assert.JSONEq(t, `{"records_imported":0,"message":"0 sales records successfully imported."}`, *fx.store.job(job.ID).Result)
}

func TestIngestTask_ResumeAfterCommit(t *testing.T) {
	fx := newIngestFixture()
	job, task := fx.submit(csvHeader + "2024-01-01,WID-1,3,9.99\n2024-01-02,WID-1,4,9.99\n")

	// A previous worker claimed the job, committed its rows and died before
	// recording SUCCESS.
	_, err := fx.store.ClaimJob(context.Background(), job.ID, -time.Second)
	require.NoError(t, err)
	_, err = fx.store.InsertSales(context.Background(), job.ID, []models.Sale{
		{ProductID: fx.widget.ID, TransactionDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), QuantitySold: 3, UnitPrice: 9.99},
		{ProductID: fx.widget.ID, TransactionDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), QuantitySold: 4, UnitPrice: 9.99},
	})
	require.NoError(t, err)

	require.NoError(t, fx.task.Handle(context.Background(), task))

	got := fx.store.job(job.ID)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 2, fx.store.salesForJob(job.ID), "rows must not be inserted twice")
	assert.JSONEq(t, `{"records_imported":2,"message":"2 sales records successfully imported."}`, *got.Result)
	assert.Equal(t, []string{cache.DashboardKey(fx.widget.ID)}, fx.notifier.deleted)
}

func TestIngestTask_InsertFailure(t *testing.T) {
	fx := newIngestFixture()
	fx.store.insertErr = errors.New("disk full")
	job, task := fx.submit(csvHeader + "2024-01-01,WID-1,3,9.99\n")

	require.Error(t, fx.task.Handle(context.Background(), task))

	got := fx.store.job(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "insert sales: disk full", *got.Result)
}

func TestIngestTask_OtherCompanyProductsAreUnknown(t *testing.T) {
	fx := newIngestFixture()
	fx.store.addProduct(uuid.New(), "FOREIGN-1")
	job, task := fx.submit(csvHeader + "2024-01-01,FOREIGN-1,3,9.99\n")

	require.Error(t, fx.task.Handle(context.Background(), task))
	assert.Equal(t, "Validation failed. Errors: Row 2: SKU 'FOREIGN-1' not found in your products.", *fx.store.job(job.ID).Result)
}
