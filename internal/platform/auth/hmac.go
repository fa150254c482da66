package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

var (
	// ErrSignatureInvalid covers missing, malformed and mismatching signatures as well as stale
	// timestamps and replayed nonces.
	ErrSignatureInvalid = errors.New("auth: signature invalid")
	// ErrVerificationUnavailable means the request could not be checked (secret or nonce store down).
	ErrVerificationUnavailable = errors.New("auth: verification unavailable")
)

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// MapSecretProvider serves secrets already resolved into configuration.
type MapSecretProvider map[string]string

// GetSecret implements SecretProvider.
func (m MapSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	secret, ok := m[strings.ToLower(strings.TrimSpace(name))]
	if !ok || secret == "" {
		return "", fmt.Errorf("auth: secret %q not configured", name)
	}
	return secret, nil
}

// NonceStore tracks unique nonces for replay prevention.
type NonceStore interface {
	// UseNonce records the nonce if it has not been seen within scope. It reports false for a replay.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps nonces in process memory.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NonceStoreOption customises the in-memory nonce store.
type NonceStoreOption func(*InMemoryNonceStore)

// WithNonceClock overrides the clock used to expire nonces. It should match the validator clock.
func WithNonceClock(now func() time.Time) NonceStoreOption {
	return func(s *InMemoryNonceStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore(opts ...NonceStoreOption) *InMemoryNonceStore {
	store := &InMemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// UseNonce records the nonce until expiry, rejecting replays until then.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, k)
		}
	}
	if existing, ok := s.nonces[key]; ok && existing.After(now) {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// MetricsRecorder records verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// HMACValidator verifies signed webhook deliveries from gateways without a native SDK verifier.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore
	metrics  MetricsRecorder
	now      func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator using the given secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	validator := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) { v.metrics = metrics }
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACWindow adjusts the accepted timestamp skew and nonce retention.
func WithHMACWindow(skew, nonceTTL time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if skew > 0 {
			v.clockSkew = skew
		}
		if nonceTTL > 0 {
			v.nonceTTL = nonceTTL
		}
	}
}

// HMACMetadata describes a verified delivery.
type HMACMetadata struct {
	SecretName string
	Timestamp  time.Time
	Nonce      string
}

// Verify checks the signature headers of r against body, which the caller has already read.
// The canonical string is METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(sha256(body)).
func (v *HMACValidator) Verify(ctx context.Context, secretName string, r *http.Request, body []byte) (*HMACMetadata, error) {
	start := v.now()
	reason, meta, err := v.verify(ctx, secretName, r, body)
	v.record(ctx, err == nil, reason, start)
	return meta, err
}

func (v *HMACValidator) verify(ctx context.Context, secretName string, r *http.Request, body []byte) (string, *HMACMetadata, error) {
	secretName = strings.TrimSpace(secretName)
	if secretName == "" || v.provider == nil {
		return "secret_not_configured", nil, fmt.Errorf("%w: hmac secret not configured", ErrVerificationUnavailable)
	}
	secret, err := v.provider.GetSecret(ctx, secretName)
	if err != nil || secret == "" {
		return "secret_unavailable", nil, fmt.Errorf("%w: hmac secret unavailable", ErrVerificationUnavailable)
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if signatureValue == "" {
		return "signature_missing", nil, fmt.Errorf("%w: signature header missing", ErrSignatureInvalid)
	}
	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return "timestamp_invalid", nil, fmt.Errorf("%w: signature timestamp invalid", ErrSignatureInvalid)
	}
	now := v.now()
	if skew := now.Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return "timestamp_skew", nil, fmt.Errorf("%w: signature timestamp outside allowed window", ErrSignatureInvalid)
	}
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return "nonce_missing", nil, fmt.Errorf("%w: signature nonce missing", ErrSignatureInvalid)
	}

	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return "signature_invalid", nil, fmt.Errorf("%w: signature encoding invalid", ErrSignatureInvalid)
	}
	expected := computeHMAC([]byte(secret), buildCanonicalString(r, body, timestampValue, nonce))
	if !hmac.Equal(signature, expected) {
		return "signature_mismatch", nil, fmt.Errorf("%w: signature mismatch", ErrSignatureInvalid)
	}

	if v.nonces == nil {
		return "nonce_store_unavailable", nil, fmt.Errorf("%w: nonce store unavailable", ErrVerificationUnavailable)
	}
	expiry := timestamp.Add(v.nonceTTL)
	if expiry.Before(now) {
		expiry = now.Add(v.nonceTTL)
	}
	stored, err := v.nonces.UseNonce(ctx, secretName, nonce, expiry)
	if err != nil {
		return "nonce_store_error", nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	if !stored {
		return "nonce_replay", nil, fmt.Errorf("%w: duplicate signature nonce", ErrSignatureInvalid)
	}

	return "ok", &HMACMetadata{SecretName: secretName, Timestamp: timestamp, Nonce: nonce}, nil
}

// Sign produces the headers a sender attaches for body. Used by tests and local tooling.
func (v *HMACValidator) Sign(r *http.Request, secret string, body []byte, timestamp time.Time, nonce string) {
	ts := timestamp.UTC().Format(time.RFC3339)
	mac := computeHMAC([]byte(secret), buildCanonicalString(r, body, ts, nonce))
	r.Header.Set(v.signatureHeader, base64.StdEncoding.EncodeToString(mac))
	r.Header.Set(v.timestampHeader, ts)
	r.Header.Set(v.nonceHeader, nonce)
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
