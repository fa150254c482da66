package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vitrine/fulfillment/internal/repositories"
)

type catalogReader struct {
	products repositories.ProductRepository
}

// NewCatalogReader exposes the product read model to the order service.
func NewCatalogReader(products repositories.ProductRepository) (CatalogReader, error) {
	if products == nil {
		return nil, errors.New("catalog reader: product repository is required")
	}
	return &catalogReader{products: products}, nil
}

func (c *catalogReader) GetProduct(ctx context.Context, productID string) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrValidation)
	}
	product, err := c.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, err
	}
	return product, nil
}
