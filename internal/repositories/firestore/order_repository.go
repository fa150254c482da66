package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	"github.com/vitrine/fulfillment/internal/domain"
	pfirestore "github.com/vitrine/fulfillment/internal/platform/firestore"
	"github.com/vitrine/fulfillment/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists orders with optimistic version checks.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

// NewOrderRepository constructs the repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

// Insert creates the order document; an existing id is a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.orders.Create(ctx, order.ID, newOrderDocument(order))
}

// FindByID loads the order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(orderID), nil
}

// Update writes order when the stored version equals expectedVersion.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedVersion int64) (domain.Order, error) {
	ref, err := r.orders.Doc(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Version = expectedVersion + 1
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := r.orders.Decode(snap)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return repositories.Conflict("orders.update", "order %s version %d, expected %d", order.ID, current.Version, expectedVersion)
		}
		return tx.Set(ref, newOrderDocument(order))
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	return order, nil
}
