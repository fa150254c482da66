// Package memory provides mutex-guarded repository implementations for local development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/repositories"
)

// Store implements every repository of the Registry in process memory.
type Store struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	stock    map[domain.StockKey]domain.StockEntry
	coupons  map[string]domain.Coupon
	products map[string]domain.Product
	jobs     map[string]domain.RetryJob

	txns      map[string]sealedTransaction
	txnByRef  map[string]string
	cipher    repositories.FieldCipher
	clock     func() time.Time
}

type sealedTransaction struct {
	txn        domain.Transaction
	gatewayRef string
}

// Option customises the memory store.
type Option func(*Store)

// WithCipher encrypts transaction gateway ids and receipts before keeping them.
func WithCipher(cipher repositories.FieldCipher) Option {
	return func(s *Store) {
		s.cipher = cipher
	}
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		orders:   make(map[string]domain.Order),
		stock:    make(map[domain.StockKey]domain.StockEntry),
		coupons:  make(map[string]domain.Coupon),
		products: make(map[string]domain.Product),
		jobs:     make(map[string]domain.RetryJob),
		txns:     make(map[string]sealedTransaction),
		txnByRef: make(map[string]string),
		cipher:   plainCipher{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var _ repositories.Registry = (*Store)(nil)

func (s *Store) Close(context.Context) error                      { return nil }
func (s *Store) Orders() repositories.OrderRepository             { return orderRepo{s} }
func (s *Store) Stock() repositories.StockRepository              { return stockRepo{s} }
func (s *Store) Coupons() repositories.CouponRepository           { return couponRepo{s} }
func (s *Store) Transactions() repositories.TransactionRepository { return txnRepo{s} }
func (s *Store) Products() repositories.ProductRepository         { return productRepo{s} }
func (s *Store) RetryJobs() repositories.RetryJobRepository       { return jobRepo{s} }

// PutProduct seeds the catalog read model.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = cloneProduct(product)
}

// PutStock sets the on-hand quantity for a variant.
func (s *Store) PutStock(key domain.StockKey, qty int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[key] = domain.StockEntry{Key: key, Quantity: qty, UpdatedAt: s.clock().UTC()}
}

// PutCoupon stores a coupon keyed by its code.
func (s *Store) PutCoupon(coupon domain.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[coupon.Code] = coupon
}

// RawTransaction returns the stored form of a transaction, with sealed fields left encrypted.
func (s *Store) RawTransaction(id string) (domain.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, ok := s.txns[id]
	if !ok {
		return domain.Transaction{}, false
	}
	return cloneTransaction(sealed.txn), true
}

// AllRetryJobs returns every stored job regardless of status, oldest first.
func (s *Store) AllRetryJobs() []domain.RetryJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RetryJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

type orderRepo struct{ s *Store }

func (r orderRepo) Insert(_ context.Context, order domain.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.orders[order.ID]; exists {
		return repositories.Conflict("orders.insert", "order %s already exists", order.ID)
	}
	r.s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r orderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	order, ok := r.s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NotFound("orders.find", "order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

func (r orderRepo) Update(_ context.Context, order domain.Order, expectedVersion int64) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.orders[order.ID]
	if !ok {
		return domain.Order{}, repositories.NotFound("orders.update", "order %s not found", order.ID)
	}
	if current.Version != expectedVersion {
		return domain.Order{}, repositories.Conflict("orders.update", "order %s version %d, expected %d", order.ID, current.Version, expectedVersion)
	}
	order.Version = expectedVersion + 1
	r.s.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

type stockRepo struct{ s *Store }

func (r stockRepo) Get(_ context.Context, key domain.StockKey) (domain.StockEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry, ok := r.s.stock[key]
	if !ok {
		return domain.StockEntry{}, repositories.NewStockError(repositories.StockErrorNotFound, "no stock entry for "+key.String(), nil)
	}
	return entry, nil
}

func (r stockRepo) Deduct(_ context.Context, key domain.StockKey, qty int64) (domain.StockEntry, error) {
	if qty <= 0 {
		return domain.StockEntry{}, repositories.NewStockError(repositories.StockErrorInvalidInput, "quantity must be positive", nil)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry, ok := r.s.stock[key]
	if !ok {
		return domain.StockEntry{}, repositories.NewStockError(repositories.StockErrorInsufficient, "no stock entry for "+key.String(), nil)
	}
	if entry.Quantity < qty {
		return domain.StockEntry{}, repositories.NewStockError(repositories.StockErrorInsufficient, "insufficient stock for "+key.String(), nil)
	}
	entry.Quantity -= qty
	entry.UpdatedAt = r.s.clock().UTC()
	r.s.stock[key] = entry
	return entry, nil
}

func (r stockRepo) Restore(_ context.Context, key domain.StockKey, qty int64) (domain.StockEntry, error) {
	if qty <= 0 {
		return domain.StockEntry{}, repositories.NewStockError(repositories.StockErrorInvalidInput, "quantity must be positive", nil)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry := r.s.stock[key]
	entry.Key = key
	entry.Quantity += qty
	entry.UpdatedAt = r.s.clock().UTC()
	r.s.stock[key] = entry
	return entry, nil
}

type couponRepo struct{ s *Store }

func (r couponRepo) FindByCode(_ context.Context, code string) (domain.Coupon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	coupon, ok := r.s.coupons[code]
	if !ok {
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorNotFound, "coupon "+code+" not found")
	}
	return coupon, nil
}

func (r couponRepo) Redeem(_ context.Context, code string, now time.Time) (domain.Coupon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	coupon, ok := r.s.coupons[code]
	switch {
	case !ok:
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorNotFound, "coupon "+code+" not found")
	case coupon.Exhausted():
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorExhausted, "coupon "+code+" exhausted")
	case !coupon.Active:
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorInactive, "coupon "+code+" inactive")
	}
	coupon.UsedCount++
	if coupon.Exhausted() {
		coupon.Active = false
	}
	coupon.UpdatedAt = now
	r.s.coupons[code] = coupon
	return coupon, nil
}

func (r couponRepo) Release(_ context.Context, code string, now time.Time) (domain.Coupon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	coupon, ok := r.s.coupons[code]
	if !ok {
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorNotFound, "coupon "+code+" not found")
	}
	wasCapped := coupon.Exhausted()
	if coupon.UsedCount > 0 {
		coupon.UsedCount--
	}
	if wasCapped && !coupon.Exhausted() {
		coupon.Active = true
	}
	coupon.UpdatedAt = now
	r.s.coupons[code] = coupon
	return coupon, nil
}

type productRepo struct{ s *Store }

func (r productRepo) FindByID(_ context.Context, productID string) (domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	product, ok := r.s.products[productID]
	if !ok {
		return domain.Product{}, repositories.NotFound("products.find", "product %s not found", productID)
	}
	return cloneProduct(product), nil
}

type txnRepo struct{ s *Store }

func (r txnRepo) Append(_ context.Context, txn domain.Transaction) error {
	sealed, ref, err := r.s.seal(txn)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.txns[txn.ID]; exists {
		return repositories.Conflict("transactions.append", "transaction %s already exists", txn.ID)
	}
	if ref != "" {
		if _, taken := r.s.txnByRef[ref]; taken {
			return repositories.Conflict("transactions.append", "gateway transaction id already recorded")
		}
		r.s.txnByRef[ref] = txn.ID
	}
	r.s.txns[txn.ID] = sealedTransaction{txn: sealed, gatewayRef: ref}
	return nil
}

func (r txnRepo) FindByID(_ context.Context, txnID string) (domain.Transaction, error) {
	r.s.mu.Lock()
	sealed, ok := r.s.txns[txnID]
	r.s.mu.Unlock()
	if !ok {
		return domain.Transaction{}, repositories.NotFound("transactions.find", "transaction %s not found", txnID)
	}
	return r.s.open(sealed.txn)
}

func (r txnRepo) FindByGatewayID(_ context.Context, gatewayTxnID string) (domain.Transaction, error) {
	ref := r.s.cipher.Index(strings.TrimSpace(gatewayTxnID))
	r.s.mu.Lock()
	id, ok := r.s.txnByRef[ref]
	sealed := r.s.txns[id]
	r.s.mu.Unlock()
	if !ok {
		return domain.Transaction{}, repositories.NotFound("transactions.find_by_gateway", "no transaction for gateway id")
	}
	return r.s.open(sealed.txn)
}

func (r txnRepo) ListByOrder(_ context.Context, orderID string) ([]domain.Transaction, error) {
	r.s.mu.Lock()
	matches := make([]domain.Transaction, 0)
	for _, sealed := range r.s.txns {
		if sealed.txn.OrderID == orderID {
			matches = append(matches, cloneTransaction(sealed.txn))
		}
	}
	r.s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	out := make([]domain.Transaction, 0, len(matches))
	for _, txn := range matches {
		opened, err := r.s.open(txn)
		if err != nil {
			return nil, err
		}
		out = append(out, opened)
	}
	return out, nil
}

func (r txnRepo) Update(_ context.Context, txnID string, expected domain.TransactionStatus, mutate func(*domain.Transaction) error) (domain.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sealed, ok := r.s.txns[txnID]
	if !ok {
		return domain.Transaction{}, repositories.NotFound("transactions.update", "transaction %s not found", txnID)
	}
	if sealed.txn.Status != expected {
		return domain.Transaction{}, repositories.Conflict("transactions.update", "transaction %s is %s, expected %s", txnID, sealed.txn.Status, expected)
	}
	current, err := r.s.open(sealed.txn)
	if err != nil {
		return domain.Transaction{}, err
	}
	historyLen := len(current.History)
	if err := mutate(&current); err != nil {
		return domain.Transaction{}, err
	}
	if len(current.History) < historyLen {
		return domain.Transaction{}, errors.New("memory: transaction history is append-only")
	}
	resealed, ref, err := r.s.seal(current)
	if err != nil {
		return domain.Transaction{}, err
	}
	if ref != sealed.gatewayRef {
		if ref != "" {
			if owner, taken := r.s.txnByRef[ref]; taken && owner != txnID {
				return domain.Transaction{}, repositories.Conflict("transactions.update", "gateway transaction id already recorded")
			}
			r.s.txnByRef[ref] = txnID
		}
		if sealed.gatewayRef != "" {
			delete(r.s.txnByRef, sealed.gatewayRef)
		}
	}
	r.s.txns[txnID] = sealedTransaction{txn: resealed, gatewayRef: ref}
	return current, nil
}

type jobRepo struct{ s *Store }

func (r jobRepo) Insert(_ context.Context, job domain.RetryJob) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.jobs[job.ID]; exists {
		return repositories.Conflict("retry_jobs.insert", "job %s already exists", job.ID)
	}
	r.s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r jobRepo) ListDue(_ context.Context, now time.Time, limit int) ([]domain.RetryJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	due := make([]domain.RetryJob, 0)
	for _, job := range r.s.jobs {
		if claimable(job.Status) && !job.NextRunAt.After(now) {
			due = append(due, cloneJob(job))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r jobRepo) Claim(_ context.Context, job domain.RetryJob, leaseUntil time.Time) (domain.RetryJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, exists := r.s.jobs[job.ID]
	if !exists {
		return domain.RetryJob{}, repositories.NotFound("retry_jobs.claim", "job %s not found", job.ID)
	}
	if !claimable(current.Status) || current.Status != job.Status || current.Attempt != job.Attempt || !current.NextRunAt.Equal(job.NextRunAt) {
		return domain.RetryJob{}, repositories.Conflict("retry_jobs.claim", "job %s already claimed", job.ID)
	}
	current.Status = domain.RetryJobRunning
	current.NextRunAt = leaseUntil
	r.s.jobs[job.ID] = current
	return cloneJob(current), nil
}

func claimable(status domain.RetryJobStatus) bool {
	return status == domain.RetryJobQueued || status == domain.RetryJobRunning
}

func (r jobRepo) Save(_ context.Context, job domain.RetryJob) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.jobs[job.ID]; !exists {
		return repositories.NotFound("retry_jobs.save", "job %s not found", job.ID)
	}
	r.s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) seal(txn domain.Transaction) (domain.Transaction, string, error) {
	out := cloneTransaction(txn)
	var ref string
	if id := strings.TrimSpace(txn.GatewayTransactionID); id != "" {
		sealed, err := s.cipher.Seal(id)
		if err != nil {
			return domain.Transaction{}, "", err
		}
		out.GatewayTransactionID = sealed
		ref = s.cipher.Index(id)
	}
	if url := strings.TrimSpace(txn.ReceiptURL); url != "" {
		sealed, err := s.cipher.Seal(url)
		if err != nil {
			return domain.Transaction{}, "", err
		}
		out.ReceiptURL = sealed
	}
	return out, ref, nil
}

func (s *Store) open(txn domain.Transaction) (domain.Transaction, error) {
	out := cloneTransaction(txn)
	if out.GatewayTransactionID != "" {
		plain, err := s.cipher.Open(out.GatewayTransactionID)
		if err != nil {
			return domain.Transaction{}, err
		}
		out.GatewayTransactionID = plain
	}
	if out.ReceiptURL != "" {
		plain, err := s.cipher.Open(out.ReceiptURL)
		if err != nil {
			return domain.Transaction{}, err
		}
		out.ReceiptURL = plain
	}
	return out, nil
}

type plainCipher struct{}

func (plainCipher) Seal(v string) (string, error) { return v, nil }
func (plainCipher) Open(v string) (string, error) { return v, nil }
func (plainCipher) Index(v string) string         { return v }

func cloneOrder(order domain.Order) domain.Order {
	order.Items = append([]domain.LineItem(nil), order.Items...)
	if order.Tracking != nil {
		tracking := *order.Tracking
		order.Tracking = &tracking
	}
	return order
}

func cloneProduct(product domain.Product) domain.Product {
	product.Variants = append([]domain.Variant(nil), product.Variants...)
	product.PackagingOptions = append([]string(nil), product.PackagingOptions...)
	return product
}

func cloneTransaction(txn domain.Transaction) domain.Transaction {
	txn.History = append([]domain.TransactionEvent(nil), txn.History...)
	if txn.Metadata != nil {
		meta := make(map[string]string, len(txn.Metadata))
		for k, v := range txn.Metadata {
			meta[k] = v
		}
		txn.Metadata = meta
	}
	return txn
}

func cloneJob(job domain.RetryJob) domain.RetryJob {
	if job.Payload != nil {
		payload := make(map[string]string, len(job.Payload))
		for k, v := range job.Payload {
			payload[k] = v
		}
		job.Payload = payload
	}
	return job
}
