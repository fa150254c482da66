package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/vitrine/fulfillment/internal/domain"
	pfirestore "github.com/vitrine/fulfillment/internal/platform/firestore"
	"github.com/vitrine/fulfillment/internal/repositories"
)

const (
	productsCollection  = "products"
	retryJobsCollection = "retryJobs"
)

// ProductRepository reads the catalog projection.
type ProductRepository struct {
	products *pfirestore.Collection[productDocument]
}

// NewProductRepository constructs the repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{products: pfirestore.NewCollection[productDocument](provider, productsCollection)}, nil
}

// FindByID loads a product.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.toDomain(productID), nil
}

// RetryJobRepository stores deferred compensation work.
type RetryJobRepository struct {
	provider *pfirestore.Provider
	jobs     *pfirestore.Collection[retryJobDocument]
}

// NewRetryJobRepository constructs the repository.
func NewRetryJobRepository(provider *pfirestore.Provider) (*RetryJobRepository, error) {
	if provider == nil {
		return nil, errors.New("retry job repository requires firestore provider")
	}
	return &RetryJobRepository{
		provider: provider,
		jobs:     pfirestore.NewCollection[retryJobDocument](provider, retryJobsCollection),
	}, nil
}

// Insert creates a job document.
func (r *RetryJobRepository) Insert(ctx context.Context, job domain.RetryJob) error {
	return r.jobs.Create(ctx, job.ID, newRetryJobDocument(job))
}

// ListDue returns queued jobs and expired leases scheduled at or before now.
func (r *RetryJobRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.RetryJob, error) {
	coll, err := r.jobs.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Where("status", "in", []string{string(domain.RetryJobQueued), string(domain.RetryJobRunning)}).
		Where("nextRunAt", "<=", now.UTC()).
		OrderBy("nextRunAt", firestore.Asc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, pfirestore.WrapError("retry_jobs.list_due", err)
	}
	jobs := make([]domain.RetryJob, 0, len(snaps))
	for _, snap := range snaps {
		doc, err := r.jobs.Decode(snap)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, doc.toDomain(snap.Ref.ID))
	}
	return jobs, nil
}

// Claim leases the job inside a transaction so only one runner executes a given attempt.
func (r *RetryJobRepository) Claim(ctx context.Context, job domain.RetryJob, leaseUntil time.Time) (domain.RetryJob, error) {
	ref, err := r.jobs.Doc(ctx, job.ID)
	if err != nil {
		return domain.RetryJob{}, err
	}
	var claimed domain.RetryJob
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := r.jobs.Decode(snap)
		if err != nil {
			return err
		}
		stored := current.toDomain(job.ID)
		if stored.Status != job.Status || stored.Attempt != job.Attempt || !stored.NextRunAt.Equal(job.NextRunAt) {
			return repositories.Conflict("retry_jobs.claim", "job %s already claimed", job.ID)
		}
		stored.Status = domain.RetryJobRunning
		stored.NextRunAt = leaseUntil.UTC()
		claimed = stored
		return tx.Set(ref, newRetryJobDocument(stored))
	})
	if err != nil {
		return domain.RetryJob{}, pfirestore.WrapError("retry_jobs.claim", err)
	}
	return claimed, nil
}

// Save overwrites the job document.
func (r *RetryJobRepository) Save(ctx context.Context, job domain.RetryJob) error {
	return r.jobs.Set(ctx, job.ID, newRetryJobDocument(job))
}
