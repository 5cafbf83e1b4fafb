// Package queue carries job tasks from the API to the workers.
//
// Every broker delivers at least once: a task whose consumer dies before Ack is
// handed to another consumer later. Handlers must therefore be idempotent, which
// the job claim in the store guarantees.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

var (
	ErrUnknownKind = errors.New("unknown task kind")
	ErrInvalidTask = errors.New("invalid task")
	ErrClosed      = errors.New("broker closed")

	// ErrRetryLater tells the consumer to hand the delivery back to the broker
	// instead of acking or rejecting it.
	ErrRetryLater = errors.New("task should be retried later")
)

// Kind selects the handler a task is dispatched to.
type Kind = models.JobKind

const (
	KindIngestSales = models.JobKindIngestSales
	KindForecast    = models.JobKindForecast
)

// Task is the serialized descriptor of one job execution. Only the fields
// required by its Kind are set.
type Task struct {
	Kind      Kind      `json:"kind"`
	JobID     uuid.UUID `json:"job_id"`
	CompanyID uuid.UUID `json:"company_id"`
	ProductID uuid.UUID `json:"product_id,omitempty"`
	Payload   string    `json:"payload,omitempty"`
}

// Validate checks that the task carries what its kind needs.
func (t Task) Validate() error {
	if t.JobID == uuid.Nil {
		return fmt.Errorf("%w: job_id is required", ErrInvalidTask)
	}
	if t.CompanyID == uuid.Nil {
		return fmt.Errorf("%w: company_id is required", ErrInvalidTask)
	}
	switch t.Kind {
	case KindIngestSales:
		return nil
	case KindForecast:
		if t.ProductID == uuid.Nil {
			return fmt.Errorf("%w: product_id is required for %s", ErrInvalidTask, t.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
	}
}

func (t Task) Encode() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

func DecodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return t, t.Validate()
}

// Delivery is one handout of a task to a consumer. It must be settled with
// exactly one of Ack, Reject or Release.
type Delivery struct {
	ID          string
	Task        Task
	Redelivered bool

	raw any
}

// Broker is a durable at-least-once task queue.
type Broker interface {
	// Enqueue durably stores the task. It returns only after the broker accepted it.
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack removes a finished delivery.
	Ack(ctx context.Context, d *Delivery) error
	// Reject removes a failed delivery and records it in the dead-letter store.
	Reject(ctx context.Context, d *Delivery, reason string) error
	// Release returns the delivery to the broker for a later attempt.
	Release(ctx context.Context, d *Delivery) error
	Ping(ctx context.Context) error
	Close() error
}
