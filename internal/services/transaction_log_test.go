package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/platform/crypto"
	"github.com/vitrine/fulfillment/internal/repositories/memory"
)

func TestTransactionLog_AppendDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.txns.Append(ctx, Transaction{OrderID: "ord_1", Amount: 40, Currency: "jpy", Metadata: map[string]string{" Source ": " web "}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !strings.HasPrefix(txn.ID, "txn_") {
		t.Fatalf("unexpected id %q", txn.ID)
	}
	if txn.Kind != domain.TransactionKindPayment || txn.Status != domain.TransactionStatusPending || txn.Currency != "JPY" {
		t.Fatalf("unexpected defaults %+v", txn)
	}
	if len(txn.History) != 1 || txn.History[0].Note != "created" {
		t.Fatalf("expected creation history entry, got %+v", txn.History)
	}

	if _, err := f.txns.Append(ctx, Transaction{Amount: 1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing order: expected ErrValidation, got %v", err)
	}
	if _, err := f.txns.Append(ctx, Transaction{OrderID: "ord_1", Amount: -1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("negative amount: expected ErrValidation, got %v", err)
	}
}

func TestTransactionLog_StatusMovesAreCompareAndSwap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn, err := f.txns.Append(ctx, Transaction{OrderID: "ord_1", Amount: 40})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := f.txns.MarkStatus(ctx, txn.ID, domain.TransactionStatusPending, domain.TransactionStatusRefunded, "skip"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> refunded must be rejected, got %v", err)
	}
	completed, err := f.txns.MarkStatus(ctx, txn.ID, domain.TransactionStatusPending, domain.TransactionStatusCompleted, "paid")
	if err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}
	if len(completed.History) != 2 || completed.History[1].Status != domain.TransactionStatusCompleted {
		t.Fatalf("history must grow by one entry, got %+v", completed.History)
	}
	if _, err := f.txns.MarkStatus(ctx, txn.ID, domain.TransactionStatusPending, domain.TransactionStatusFailed, "late"); !errors.Is(err, ErrTransactionConflict) {
		t.Fatalf("stale expected status must conflict, got %v", err)
	}
}

func TestTransactionLog_AddRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn, err := f.txns.Append(ctx, Transaction{OrderID: "ord_1", Amount: 50, Status: domain.TransactionStatusCompleted})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	partial, err := f.txns.AddRefunded(ctx, txn.ID, 20, "damaged")
	if err != nil {
		t.Fatalf("AddRefunded: %v", err)
	}
	if partial.RefundedAmount != 20 || partial.Status != domain.TransactionStatusCompleted {
		t.Fatalf("unexpected partial refund state %+v", partial)
	}
	if _, err := f.txns.AddRefunded(ctx, txn.ID, 31, "too much"); !errors.Is(err, ErrRefundExceedsLimit) {
		t.Fatalf("expected ErrRefundExceedsLimit, got %v", err)
	}
	full, err := f.txns.AddRefunded(ctx, txn.ID, 30, "rest")
	if err != nil {
		t.Fatalf("AddRefunded: %v", err)
	}
	if full.RefundedAmount != 50 || full.Status != domain.TransactionStatusRefunded {
		t.Fatalf("expected fully refunded transaction, got %+v", full)
	}
}

func TestTransactionLog_AttachGatewayResultRejectsSecondReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn, err := f.txns.Append(ctx, Transaction{OrderID: "ord_1", Amount: 40})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := f.txns.AttachGatewayResult(ctx, txn.ID, domain.TransactionStatusPending, GatewayResult{GatewayTransactionID: "pi_abc"}); err != nil {
		t.Fatalf("AttachGatewayResult: %v", err)
	}
	if _, err := f.txns.AttachGatewayResult(ctx, txn.ID, domain.TransactionStatusPending, GatewayResult{GatewayTransactionID: "pi_other"}); !errors.Is(err, ErrTransactionConflict) {
		t.Fatalf("expected ErrTransactionConflict, got %v", err)
	}

	other, err := f.txns.Append(ctx, Transaction{OrderID: "ord_2", Amount: 10})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := f.txns.AttachGatewayResult(ctx, other.ID, domain.TransactionStatusPending, GatewayResult{GatewayTransactionID: "pi_abc"}); !errors.Is(err, ErrTransactionConflict) {
		t.Fatalf("gateway ids are unique across transactions, got %v", err)
	}

	found, err := f.txns.FindByGatewayID(ctx, "pi_abc")
	if err != nil {
		t.Fatalf("FindByGatewayID: %v", err)
	}
	if found.ID != txn.ID {
		t.Fatalf("expected %s, got %s", txn.ID, found.ID)
	}
}

func TestTransactionLog_SensitiveFieldsEncryptedAtRest(t *testing.T) {
	cipher, err := crypto.NewFieldCipher("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewFieldCipher: %v", err)
	}
	f := newFixture(t, withStoreOptions(memory.WithCipher(cipher)))
	ctx := context.Background()

	order := f.createOrder(t, domain.PaymentMethodCard, item(keyOil500, 1))
	payment := f.paymentTxn(t, order.ID)
	if !strings.HasPrefix(payment.GatewayTransactionID, "pi_1_") {
		t.Fatalf("reads must decrypt, got %q", payment.GatewayTransactionID)
	}

	raw, ok := f.store.RawTransaction(payment.ID)
	if !ok {
		t.Fatalf("raw transaction missing")
	}
	if raw.GatewayTransactionID == payment.GatewayTransactionID || strings.HasPrefix(raw.GatewayTransactionID, "pi_1_") {
		t.Fatalf("gateway id stored in plaintext: %q", raw.GatewayTransactionID)
	}
	if strings.HasPrefix(raw.ReceiptURL, "https://") {
		t.Fatalf("receipt stored in plaintext: %q", raw.ReceiptURL)
	}

	found, err := f.txns.FindByGatewayID(ctx, payment.GatewayTransactionID)
	if err != nil {
		t.Fatalf("lookup by plaintext gateway id: %v", err)
	}
	if found.ID != payment.ID {
		t.Fatalf("expected %s, got %s", payment.ID, found.ID)
	}

	masked := f.txns.Masked(found)
	if masked.GatewayTransactionID != "pi_1****" {
		t.Fatalf("expected masked id, got %q", masked.GatewayTransactionID)
	}
}
