package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"

	"cloud.google.com/go/firestore"

	"github.com/vitrine/fulfillment/internal/domain"
	pfirestore "github.com/vitrine/fulfillment/internal/platform/firestore"
	"github.com/vitrine/fulfillment/internal/repositories"
)

const (
	transactionsCollection    = "transactions"
	transactionRefsCollection = "transactionGatewayRefs"
)

type gatewayRefDocument struct {
	TransactionID string `firestore:"transactionId"`
}

// TransactionRepository is the append-only payment log. Gateway ids and receipt urls are sealed
// with the configured cipher; a sibling collection keyed by blind index enforces uniqueness.
type TransactionRepository struct {
	provider *pfirestore.Provider
	txns     *pfirestore.Collection[transactionDocument]
	refs     *pfirestore.Collection[gatewayRefDocument]
	cipher   repositories.FieldCipher
}

// NewTransactionRepository constructs the repository.
func NewTransactionRepository(provider *pfirestore.Provider, cipher repositories.FieldCipher) (*TransactionRepository, error) {
	if provider == nil {
		return nil, errors.New("transaction repository requires firestore provider")
	}
	if cipher == nil {
		return nil, errors.New("transaction repository requires field cipher")
	}
	return &TransactionRepository{
		provider: provider,
		txns:     pfirestore.NewCollection[transactionDocument](provider, transactionsCollection),
		refs:     pfirestore.NewCollection[gatewayRefDocument](provider, transactionRefsCollection),
		cipher:   cipher,
	}, nil
}

// Append stores a new transaction.
func (r *TransactionRepository) Append(ctx context.Context, txn domain.Transaction) error {
	doc, err := r.seal(txn)
	if err != nil {
		return err
	}
	txnRef, err := r.txns.Doc(ctx, txn.ID)
	if err != nil {
		return err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if doc.GatewayRef != "" {
			ref, err := r.refs.Doc(ctx, doc.GatewayRef)
			if err != nil {
				return err
			}
			if err := tx.Create(ref, gatewayRefDocument{TransactionID: txn.ID}); err != nil {
				return err
			}
		}
		return tx.Create(txnRef, doc)
	})
	return pfirestore.WrapError("transactions.append", err)
}

// FindByID loads a transaction.
func (r *TransactionRepository) FindByID(ctx context.Context, txnID string) (domain.Transaction, error) {
	doc, err := r.txns.Get(ctx, txnID)
	if err != nil {
		return domain.Transaction{}, err
	}
	return r.open(txnID, doc)
}

// FindByGatewayID resolves the blind index and loads the transaction it points to.
func (r *TransactionRepository) FindByGatewayID(ctx context.Context, gatewayTxnID string) (domain.Transaction, error) {
	index := r.cipher.Index(strings.TrimSpace(gatewayTxnID))
	if index == "" {
		return domain.Transaction{}, repositories.NotFound("transactions.find_by_gateway", "gateway id is empty")
	}
	ref, err := r.refs.Get(ctx, index)
	if err != nil {
		return domain.Transaction{}, err
	}
	return r.FindByID(ctx, ref.TransactionID)
}

// ListByOrder returns the order's transactions oldest first.
func (r *TransactionRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Transaction, error) {
	coll, err := r.txns.Ref(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := coll.Where("orderId", "==", orderID).Documents(ctx).GetAll()
	if err != nil {
		return nil, pfirestore.WrapError("transactions.list", err)
	}
	out := make([]domain.Transaction, 0, len(snaps))
	for _, snap := range snaps {
		doc, err := r.txns.Decode(snap)
		if err != nil {
			return nil, err
		}
		txn, err := r.open(snap.Ref.ID, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Update applies mutate when the stored status equals expected.
func (r *TransactionRepository) Update(ctx context.Context, txnID string, expected domain.TransactionStatus, mutate func(*domain.Transaction) error) (domain.Transaction, error) {
	txnRef, err := r.txns.Doc(ctx, txnID)
	if err != nil {
		return domain.Transaction{}, err
	}
	var result domain.Transaction
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(txnRef)
		if err != nil {
			return err
		}
		stored, err := r.txns.Decode(snap)
		if err != nil {
			return err
		}
		if domain.TransactionStatus(stored.Status) != expected {
			return repositories.Conflict("transactions.update", "transaction %s is %s, expected %s", txnID, stored.Status, expected)
		}
		current, err := r.open(txnID, stored)
		if err != nil {
			return err
		}
		historyLen := len(current.History)
		if err := mutate(&current); err != nil {
			return err
		}
		if len(current.History) < historyLen {
			return errors.New("firestore: transaction history is append-only")
		}
		next, err := r.seal(current)
		if err != nil {
			return err
		}
		if next.GatewayRef != stored.GatewayRef && next.GatewayRef != "" {
			ref, err := r.refs.Doc(ctx, next.GatewayRef)
			if err != nil {
				return err
			}
			if err := tx.Create(ref, gatewayRefDocument{TransactionID: txnID}); err != nil {
				return err
			}
			if stored.GatewayRef != "" {
				old, err := r.refs.Doc(ctx, stored.GatewayRef)
				if err != nil {
					return err
				}
				if err := tx.Delete(old); err != nil {
					return err
				}
			}
		}
		result = current
		return tx.Set(txnRef, next)
	})
	if err != nil {
		return domain.Transaction{}, pfirestore.WrapError("transactions.update", err)
	}
	return result, nil
}

func (r *TransactionRepository) seal(txn domain.Transaction) (transactionDocument, error) {
	doc := transactionDocument{
		OrderID:        txn.OrderID,
		Kind:           string(txn.Kind),
		ParentID:       txn.ParentID,
		PaymentMethod:  string(txn.PaymentMethod),
		Gateway:        txn.Gateway,
		Amount:         txn.Amount,
		Currency:       txn.Currency,
		Status:         string(txn.Status),
		RefundedAmount: txn.RefundedAmount,
		Metadata:       txn.Metadata,
		History:        make([]transactionEventDocument, 0, len(txn.History)),
		CreatedAt:      txn.CreatedAt.UTC(),
		UpdatedAt:      txn.UpdatedAt.UTC(),
	}
	for _, event := range txn.History {
		doc.History = append(doc.History, transactionEventDocument{Status: string(event.Status), Note: event.Note, At: event.At.UTC()})
	}
	if id := strings.TrimSpace(txn.GatewayTransactionID); id != "" {
		sealed, err := r.cipher.Seal(id)
		if err != nil {
			return transactionDocument{}, err
		}
		doc.GatewayTransactionID = sealed
		doc.GatewayRef = r.cipher.Index(id)
	}
	if url := strings.TrimSpace(txn.ReceiptURL); url != "" {
		sealed, err := r.cipher.Seal(url)
		if err != nil {
			return transactionDocument{}, err
		}
		doc.ReceiptURL = sealed
	}
	return doc, nil
}

func (r *TransactionRepository) open(id string, doc transactionDocument) (domain.Transaction, error) {
	gatewayID, err := r.cipher.Open(doc.GatewayTransactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	receipt, err := r.cipher.Open(doc.ReceiptURL)
	if err != nil {
		return domain.Transaction{}, err
	}
	txn := domain.Transaction{
		ID:                   id,
		OrderID:              doc.OrderID,
		Kind:                 domain.TransactionKind(doc.Kind),
		ParentID:             doc.ParentID,
		PaymentMethod:        domain.PaymentMethod(doc.PaymentMethod),
		Gateway:              doc.Gateway,
		Amount:               doc.Amount,
		Currency:             doc.Currency,
		Status:               domain.TransactionStatus(doc.Status),
		GatewayTransactionID: gatewayID,
		ReceiptURL:           receipt,
		RefundedAmount:       doc.RefundedAmount,
		Metadata:             doc.Metadata,
		History:              make([]domain.TransactionEvent, 0, len(doc.History)),
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
	}
	for _, event := range doc.History {
		txn.History = append(txn.History, domain.TransactionEvent{Status: domain.TransactionStatus(event.Status), Note: event.Note, At: event.At})
	}
	return txn, nil
}
