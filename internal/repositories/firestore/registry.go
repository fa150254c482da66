package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/vitrine/fulfillment/internal/platform/firestore"
	"github.com/vitrine/fulfillment/internal/repositories"
)

// Registry wires every Firestore repository to one provider.
type Registry struct {
	provider     *pfirestore.Provider
	orders       *OrderRepository
	stock        *StockRepository
	coupons      *CouponRepository
	transactions *TransactionRepository
	products     *ProductRepository
	retryJobs    *RetryJobRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs all repositories.
func NewRegistry(provider *pfirestore.Provider, cipher repositories.FieldCipher) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	reg := &Registry{provider: provider}
	var err error
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.stock, err = NewStockRepository(provider); err != nil {
		return nil, err
	}
	if reg.coupons, err = NewCouponRepository(provider); err != nil {
		return nil, err
	}
	if reg.transactions, err = NewTransactionRepository(provider, cipher); err != nil {
		return nil, err
	}
	if reg.products, err = NewProductRepository(provider); err != nil {
		return nil, err
	}
	if reg.retryJobs, err = NewRetryJobRepository(provider); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) Close(ctx context.Context) error                  { return r.provider.Close(ctx) }
func (r *Registry) Orders() repositories.OrderRepository             { return r.orders }
func (r *Registry) Stock() repositories.StockRepository              { return r.stock }
func (r *Registry) Coupons() repositories.CouponRepository           { return r.coupons }
func (r *Registry) Transactions() repositories.TransactionRepository { return r.transactions }
func (r *Registry) Products() repositories.ProductRepository         { return r.products }
func (r *Registry) RetryJobs() repositories.RetryJobRepository       { return r.retryJobs }
