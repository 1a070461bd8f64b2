// Package predictions persists scoring outcomes.
//
// Records are append-only: the scoring path writes them inside one
// transaction per request and nothing in the service updates or deletes them.
package predictions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antifraudhub/antifraudhub/internal/decision"
	"github.com/antifraudhub/antifraudhub/internal/idgen"
	"github.com/antifraudhub/antifraudhub/internal/metrics"
	"github.com/antifraudhub/antifraudhub/internal/pagination"
	"github.com/antifraudhub/antifraudhub/internal/pipeline"
)

var (
	ErrTxDone        = errors.New("predictions: transaction already committed or rolled back")
	ErrInvalidRecord = errors.New("predictions: invalid record")
)

// Record is one persisted scoring outcome.
type Record struct {
	ID         string            `json:"id"`
	UserEmail  string            `json:"user_email"`
	RiskScore  float64           `json:"risk_score"`
	Decision   decision.Decision `json:"decision"`
	WorkerMode string            `json:"worker_mode"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (r *Record) validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	case r.UserEmail == "":
		return fmt.Errorf("%w: empty user_email", ErrInvalidRecord)
	case !r.Decision.Valid():
		return fmt.Errorf("%w: decision %q", ErrInvalidRecord, r.Decision)
	case !(r.RiskScore >= 0 && r.RiskScore <= 1):
		return fmt.Errorf("%w: risk_score %v", ErrInvalidRecord, r.RiskScore)
	}
	return nil
}

// ListOptions selects a page of history, newest first.
type ListOptions struct {
	Limit  int
	Cursor *pagination.Cursor
}

// Store persists prediction records.
type Store interface {
	// Begin opens a unit of work. A Tx is used by one goroutine only.
	Begin(ctx context.Context) (Tx, error)

	// ListByEmail returns records for email ordered by (created_at, id)
	// descending, strictly after opts.Cursor when set.
	ListByEmail(ctx context.Context, email string, opts ListOptions) ([]*Record, error)
}

// Tx is one transaction. Rollback after Commit is a no-op so it can be
// deferred.
type Tx interface {
	Append(ctx context.Context, r *Record) error
	Commit() error
	Rollback() error
}

// Recorder turns pipeline results into committed records.
type Recorder struct {
	store      Store
	workerMode string
	now        func() time.Time
}

// NewRecorder creates a recorder that stamps records with workerMode.
func NewRecorder(store Store, workerMode string) *Recorder {
	return &Recorder{store: store, workerMode: workerMode, now: time.Now}
}

// Record appends every result in one transaction. An empty input opens no
// transaction and writes nothing. On any failure the transaction is rolled
// back and nothing is persisted.
func (r *Recorder) Record(ctx context.Context, results []pipeline.Result) ([]*Record, error) {
	if len(results) == 0 {
		return nil, nil
	}

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin predictions tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now().UTC()
	records := make([]*Record, 0, len(results))
	for _, res := range results {
		rec := &Record{
			ID:         idgen.Prediction(),
			UserEmail:  res.UserEmail,
			RiskScore:  res.RiskScore,
			Decision:   res.Decision,
			WorkerMode: r.workerMode,
			CreatedAt:  now,
		}
		if err := tx.Append(ctx, rec); err != nil {
			return nil, fmt.Errorf("append prediction for %s: %w", res.UserEmail, err)
		}
		records = append(records, rec)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit predictions: %w", err)
	}
	metrics.PredictionsPersistedTotal.Add(float64(len(records)))
	return records, nil
}
