package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestFieldCipherRoundTrip(t *testing.T) {
	cipher, err := NewFieldCipher(testSecret)
	require.NoError(t, err)

	sealed, err := cipher.Seal("pi_3NkZyQ2eZvKYlo2C")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
	assert.NotContains(t, sealed, "pi_3NkZ")

	again, err := cipher.Seal("pi_3NkZyQ2eZvKYlo2C")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ per seal")

	opened, err := cipher.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "pi_3NkZyQ2eZvKYlo2C", opened)
}

func TestFieldCipherRejectsTampering(t *testing.T) {
	cipher, err := NewFieldCipher(testSecret)
	require.NoError(t, err)

	sealed, err := cipher.Seal("ch_123")
	require.NoError(t, err)
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	tampered := sealedPrefix + base64.RawStdEncoding.EncodeToString(raw)

	_, err = cipher.Open(tampered)
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
	_, err = cipher.Open("plain-text")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestFieldCipherIndexIsDeterministicAndKeyed(t *testing.T) {
	a, err := NewFieldCipher(testSecret)
	require.NoError(t, err)
	b, err := NewFieldCipher(strings.Repeat("z", 32))
	require.NoError(t, err)

	assert.Equal(t, a.Index("pi_1"), a.Index("pi_1"))
	assert.NotEqual(t, a.Index("pi_1"), a.Index("pi_2"))
	assert.NotEqual(t, a.Index("pi_1"), b.Index("pi_1"))
	assert.Empty(t, a.Index(""))
}

func TestNewFieldCipherRequiresKeyLength(t *testing.T) {
	_, err := NewFieldCipher("short")
	assert.ErrorIs(t, err, ErrKeyTooShort)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "pi_3****", Mask("pi_3NkZyQ2eZvKYlo2C"))
	assert.Equal(t, "ab****", Mask("ab"))
	assert.Equal(t, "", Mask(""))
}
