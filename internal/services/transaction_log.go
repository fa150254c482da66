package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/platform/crypto"
	"github.com/vitrine/fulfillment/internal/platform/textutil"
	"github.com/vitrine/fulfillment/internal/repositories"
)

// TransactionLogDeps bundles the collaborators required to construct the transaction log.
type TransactionLogDeps struct {
	Transactions repositories.TransactionRepository
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type transactionLog struct {
	repo   repositories.TransactionRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewTransactionLog wires dependencies into a TransactionLog implementation.
func NewTransactionLog(deps TransactionLogDeps) (TransactionLog, error) {
	if deps.Transactions == nil {
		return nil, errors.New("transaction log: transaction repository is required")
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &transactionLog{
		repo:   deps.Transactions,
		clock:  utcClock(deps.Clock),
		newID:  newID,
		logger: logger,
	}, nil
}

func (l *transactionLog) Append(ctx context.Context, txn Transaction) (Transaction, error) {
	if strings.TrimSpace(txn.OrderID) == "" {
		return Transaction{}, fmt.Errorf("%w: transaction order id is required", ErrValidation)
	}
	if txn.Amount < 0 {
		return Transaction{}, fmt.Errorf("%w: transaction amount must not be negative", ErrValidation)
	}
	now := l.clock()
	if strings.TrimSpace(txn.ID) == "" {
		txn.ID = "txn_" + strings.ToLower(l.newID())
	}
	if txn.Kind == "" {
		txn.Kind = domain.TransactionKindPayment
	}
	if txn.Status == "" {
		txn.Status = domain.TransactionStatusPending
	}
	txn.Currency = strings.ToUpper(strings.TrimSpace(txn.Currency))
	txn.Metadata = textutil.NormalizeMetadata(txn.Metadata)
	txn.CreatedAt = now
	txn.UpdatedAt = now
	txn.History = []domain.TransactionEvent{{Status: txn.Status, Note: "created", At: now}}

	if err := l.repo.Append(ctx, txn); err != nil {
		return Transaction{}, translateRepoError(err, nil, ErrTransactionConflict)
	}
	l.logger(ctx, "transaction.appended", map[string]any{
		"transactionId": txn.ID,
		"orderId":       txn.OrderID,
		"kind":          string(txn.Kind),
		"status":        string(txn.Status),
		"amount":        txn.Amount,
	})
	return txn, nil
}

func (l *transactionLog) Get(ctx context.Context, txnID string) (Transaction, error) {
	txn, err := l.repo.FindByID(ctx, strings.TrimSpace(txnID))
	if err != nil {
		return Transaction{}, translateRepoError(err, nil, nil)
	}
	return txn, nil
}

func (l *transactionLog) FindByGatewayID(ctx context.Context, gatewayTxnID string) (Transaction, error) {
	gatewayTxnID = strings.TrimSpace(gatewayTxnID)
	if gatewayTxnID == "" {
		return Transaction{}, fmt.Errorf("%w: gateway transaction id is required", ErrValidation)
	}
	txn, err := l.repo.FindByGatewayID(ctx, gatewayTxnID)
	if err != nil {
		return Transaction{}, translateRepoError(err, nil, nil)
	}
	return txn, nil
}

func (l *transactionLog) ListByOrder(ctx context.Context, orderID string) ([]Transaction, error) {
	txns, err := l.repo.ListByOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, translateRepoError(err, nil, nil)
	}
	return txns, nil
}

func (l *transactionLog) MarkStatus(ctx context.Context, txnID string, from, to TransactionStatus, note string) (Transaction, error) {
	if !from.CanMoveTo(to) {
		return Transaction{}, fmt.Errorf("%w: transaction %s cannot move from %s to %s", ErrInvalidTransition, txnID, from, to)
	}
	now := l.clock()
	updated, err := l.repo.Update(ctx, txnID, from, func(txn *domain.Transaction) error {
		txn.Status = to
		txn.UpdatedAt = now
		txn.History = append(txn.History, domain.TransactionEvent{Status: to, Note: textutil.SanitizeText(note), At: now})
		return nil
	})
	if err != nil {
		return Transaction{}, translateRepoError(err, nil, ErrTransactionConflict)
	}
	l.logger(ctx, "transaction.status_changed", map[string]any{
		"transactionId": txnID,
		"orderId":       updated.OrderID,
		"from":          string(from),
		"to":            string(to),
	})
	return updated, nil
}

func (l *transactionLog) AttachGatewayResult(ctx context.Context, txnID string, expected TransactionStatus, result GatewayResult) (Transaction, error) {
	now := l.clock()
	updated, err := l.repo.Update(ctx, txnID, expected, func(txn *domain.Transaction) error {
		if id := strings.TrimSpace(result.GatewayTransactionID); id != "" {
			if txn.GatewayTransactionID != "" && txn.GatewayTransactionID != id {
				return repositories.Conflict("transactions.attach", "transaction %s already has a gateway reference", txn.ID)
			}
			txn.GatewayTransactionID = id
		}
		if url := strings.TrimSpace(result.ReceiptURL); url != "" {
			txn.ReceiptURL = url
		}
		if meta := textutil.NormalizeMetadata(result.Metadata); len(meta) > 0 {
			if txn.Metadata == nil {
				txn.Metadata = make(map[string]string, len(meta))
			}
			for k, v := range meta {
				txn.Metadata[k] = v
			}
		}
		txn.UpdatedAt = now
		note := result.Note
		if note == "" {
			note = "gateway result attached"
		}
		txn.History = append(txn.History, domain.TransactionEvent{Status: txn.Status, Note: note, At: now})
		return nil
	})
	if err != nil {
		return Transaction{}, translateRepoError(err, nil, ErrTransactionConflict)
	}
	return updated, nil
}

func (l *transactionLog) AddRefunded(ctx context.Context, txnID string, amount int64, note string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("%w: refunded amount must be positive", ErrValidation)
	}
	now := l.clock()
	updated, err := l.repo.Update(ctx, txnID, domain.TransactionStatusCompleted, func(txn *domain.Transaction) error {
		if txn.RefundedAmount+amount > txn.Amount {
			return fmt.Errorf("%w: transaction %s would refund %d of %d", ErrRefundExceedsLimit, txn.ID, txn.RefundedAmount+amount, txn.Amount)
		}
		txn.RefundedAmount += amount
		txn.UpdatedAt = now
		status := txn.Status
		if txn.RefundedAmount == txn.Amount {
			status = domain.TransactionStatusRefunded
		}
		txn.Status = status
		txn.History = append(txn.History, domain.TransactionEvent{
			Status: status,
			Note:   fmt.Sprintf("refunded %d: %s", amount, textutil.SanitizeText(note)),
			At:     now,
		})
		return nil
	})
	if err != nil {
		return Transaction{}, translateRepoError(err, nil, ErrTransactionConflict)
	}
	return updated, nil
}

func (l *transactionLog) Masked(txn Transaction) MaskedTransaction {
	return MaskedTransaction{
		ID:                   txn.ID,
		OrderID:              txn.OrderID,
		Kind:                 txn.Kind,
		ParentID:             txn.ParentID,
		PaymentMethod:        txn.PaymentMethod,
		Gateway:              txn.Gateway,
		Amount:               txn.Amount,
		Currency:             txn.Currency,
		Status:               txn.Status,
		GatewayTransactionID: crypto.Mask(txn.GatewayTransactionID),
		ReceiptURL:           crypto.Mask(txn.ReceiptURL),
		RefundedAmount:       txn.RefundedAmount,
		History:              append([]domain.TransactionEvent(nil), txn.History...),
		CreatedAt:            txn.CreatedAt,
		UpdatedAt:            txn.UpdatedAt,
	}
}
