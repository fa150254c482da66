package firestore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vitrine/fulfillment/internal/domain"
)

func TestStockDocIDDistinguishesSeparatorsInIDs(t *testing.T) {
	a := stockDocID(domain.StockKey{ProductID: "gift__box", VariantID: "red"})
	b := stockDocID(domain.StockKey{ProductID: "gift", VariantID: "box__red"})
	assert.NotEqual(t, a, b)

	assert.Equal(t, "oil__500ml", stockDocID(domain.StockKey{ProductID: "oil", VariantID: "500ml"}))
	assert.Equal(t, "tea%2Fgreen__50%25%5Foff", stockDocID(domain.StockKey{ProductID: "tea/green", VariantID: "50%_off"}))
}
