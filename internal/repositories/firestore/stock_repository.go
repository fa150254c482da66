package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/vitrine/fulfillment/internal/domain"
	pfirestore "github.com/vitrine/fulfillment/internal/platform/firestore"
	"github.com/vitrine/fulfillment/internal/repositories"
)

const stockCollection = "stock"

// StockRepository keeps one document per product variant and mutates quantities inside
// Firestore transactions.
type StockRepository struct {
	provider *pfirestore.Provider
	stock    *pfirestore.Collection[stockDocument]
	clock    func() time.Time
}

// NewStockRepository constructs the repository.
func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires firestore provider")
	}
	return &StockRepository{
		provider: provider,
		stock:    pfirestore.NewCollection[stockDocument](provider, stockCollection),
		clock:    time.Now,
	}, nil
}

var stockIDEscaper = strings.NewReplacer("%", "%25", "_", "%5F", "/", "%2F")

// stockDocID joins the escaped product and variant ids with "__". Escaped parts never contain
// "_", so distinct keys cannot map to the same document.
func stockDocID(key domain.StockKey) string {
	return stockIDEscaper.Replace(key.ProductID) + "__" + stockIDEscaper.Replace(key.VariantID)
}

// Get returns the current entry.
func (r *StockRepository) Get(ctx context.Context, key domain.StockKey) (domain.StockEntry, error) {
	doc, err := r.stock.Get(ctx, stockDocID(key))
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return domain.StockEntry{}, repositories.NewStockError(repositories.StockErrorNotFound, "no stock entry for "+key.String(), err)
		}
		return domain.StockEntry{}, err
	}
	return doc.toDomain(), nil
}

// Deduct decrements when the stored quantity covers qty.
func (r *StockRepository) Deduct(ctx context.Context, key domain.StockKey, qty int64) (domain.StockEntry, error) {
	return r.mutate(ctx, "stock.deduct", key, qty, func(doc *stockDocument, exists bool) error {
		if !exists || doc.Quantity < qty {
			return repositories.NewStockError(repositories.StockErrorInsufficient, fmt.Sprintf("insufficient stock for %s", key), nil)
		}
		doc.Quantity -= qty
		return nil
	})
}

// Restore increments, creating the document when needed.
func (r *StockRepository) Restore(ctx context.Context, key domain.StockKey, qty int64) (domain.StockEntry, error) {
	return r.mutate(ctx, "stock.restore", key, qty, func(doc *stockDocument, _ bool) error {
		doc.Quantity += qty
		return nil
	})
}

func (r *StockRepository) mutate(ctx context.Context, op string, key domain.StockKey, qty int64, apply func(*stockDocument, bool) error) (domain.StockEntry, error) {
	if qty <= 0 {
		return domain.StockEntry{}, repositories.NewStockError(repositories.StockErrorInvalidInput, "quantity must be positive", nil)
	}
	ref, err := r.stock.Doc(ctx, stockDocID(key))
	if err != nil {
		return domain.StockEntry{}, err
	}

	var result stockDocument
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc := stockDocument{ProductID: key.ProductID, VariantID: key.VariantID}
		exists := true
		snap, err := tx.Get(ref)
		switch {
		case pfirestore.IsNotFound(err):
			exists = false
		case err != nil:
			return err
		default:
			if doc, err = r.stock.Decode(snap); err != nil {
				return err
			}
		}
		if err := apply(&doc, exists); err != nil {
			return err
		}
		doc.UpdatedAt = r.clock().UTC()
		result = doc
		return tx.Set(ref, doc)
	})
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			stockErr.Op = op
			return domain.StockEntry{}, stockErr
		}
		return domain.StockEntry{}, pfirestore.WrapError(op, err)
	}
	return result.toDomain(), nil
}
