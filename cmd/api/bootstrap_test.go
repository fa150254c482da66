package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vitrine/fulfillment/internal/platform/config"
)

func TestRequiredSecretNames(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want []string
	}{
		{
			name: "firestore default needs the transaction key",
			env:  map[string]string{},
			want: []string{"Crypto.TransactionKey"},
		},
		{
			name: "memory driver without extras",
			env:  map[string]string{"API_PERSISTENCE_DRIVER": "memory"},
			want: []string{},
		},
		{
			name: "stripe, postgres ledger, amqp and hmac gateways",
			env: map[string]string{
				"API_PERSISTENCE_DRIVER":      "memory",
				"API_PSP_STRIPE_API_KEY":      "sm://stripe-key",
				"API_LEDGER_DRIVER":           "postgres",
				"API_NOTIFICATIONS_TRANSPORT": "AMQP",
				"API_SECURITY_HMAC_SECRETS":   "Konbini=sm://konbini, bank=sm://bank",
			},
			want: []string{
				"Notifications.AMQPURL",
				"PSP.StripeAPIKey",
				"PSP.StripeWebhookSecret",
				"Postgres.DSN",
				"Security.HMAC.Secrets[bank]",
				"Security.HMAC.Secrets[konbini]",
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, requiredSecretNames(tc.env))
		})
	}
}

func TestBuildInfoFromEnvDefaults(t *testing.T) {
	started := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	info := buildInfoFromEnv(map[string]string{}, config.Config{}, started)
	assert.Equal(t, "dev", info.Version)
	assert.Equal(t, "unknown", info.CommitSHA)
	assert.Equal(t, "local", info.Environment)
	assert.Equal(t, started, info.StartedAt)

	info = buildInfoFromEnv(map[string]string{"API_BUILD_VERSION": "1.4.0", "API_BUILD_COMMIT_SHA": "abc123"},
		config.Config{Security: config.SecurityConfig{Environment: "prod"}}, started)
	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, "abc123", info.CommitSHA)
	assert.Equal(t, "prod", info.Environment)
}

func TestParseKeyValueListSkipsMalformedEntries(t *testing.T) {
	got := parseKeyValueList(" prod=proj-prod ,broken,=x,dev=, stg = proj-stg")
	assert.Equal(t, map[string]string{"prod": "proj-prod", "stg": "proj-stg"}, got)
}
