package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultRoundTrip(t *testing.T) {
	v, err := NewVault("correct horse battery staple")
	require.NoError(t, err)

	blob, err := v.Seal("kucoin-api-secret-xyz")
	require.NoError(t, err)

	got, err := v.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, "kucoin-api-secret-xyz", got)
}

func TestVaultEmptyPassphrase(t *testing.T) {
	_, err := NewVault("")
	require.Error(t, err)
}

func TestVaultWrongPassphrase(t *testing.T) {
	v1, err := NewVault("passphrase-one")
	require.NoError(t, err)
	v2, err := NewVault("passphrase-two")
	require.NoError(t, err)

	blob, err := v1.Seal("secret")
	require.NoError(t, err)

	_, err = v2.Open(blob)
	require.Error(t, err)
}

func TestVaultSealIsSalted(t *testing.T) {
	v, err := NewVault("pass")
	require.NoError(t, err)

	a, err := v.Seal("same secret")
	require.NoError(t, err)
	b, err := v.Seal("same secret")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestVaultRejectsTamperedBlob(t *testing.T) {
	v, err := NewVault("pass")
	require.NoError(t, err)

	blob, err := v.Seal("secret")
	require.NoError(t, err)

	// Flip one byte somewhere in the JSON payload body.
	tampered := make([]byte, len(blob))
	copy(tampered, blob)
	tampered[len(tampered)/2] ^= 0x01

	_, err = v.Open(tampered)
	require.Error(t, err)
}

func TestHMACHeadersDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "key", Secret: "secret", Passphrase: "phrase"}

	h1 := auth.HeadersAt("GET", "/api/v1/accounts", "", 1700000000000)
	h2 := auth.HeadersAt("GET", "/api/v1/accounts", "", 1700000000000)
	assert.Equal(t, h1, h2)

	assert.Equal(t, "key", h1["KC-API-KEY"])
	assert.Equal(t, "1700000000000", h1["KC-API-TIMESTAMP"])
	assert.Equal(t, "2", h1["KC-API-KEY-VERSION"])

	// Signatures are base64-encoded 32-byte digests.
	sig, err := base64.StdEncoding.DecodeString(h1["KC-API-SIGN"])
	require.NoError(t, err)
	assert.Len(t, sig, 32)

	// The passphrase header carries the signed passphrase, not the raw one.
	assert.NotEqual(t, "phrase", h1["KC-API-PASSPHRASE"])

	// A different body yields a different signature.
	h3 := auth.HeadersAt("GET", "/api/v1/accounts", `{"x":1}`, 1700000000000)
	assert.NotEqual(t, h1["KC-API-SIGN"], h3["KC-API-SIGN"])
}

func TestHMACStringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "abcdefgh", Secret: "12345678"}

	s := auth.String()
	assert.NotContains(t, s, "abcdefgh")
	assert.NotContains(t, s, "12345678")
	assert.Contains(t, s, "abcd****")
}
