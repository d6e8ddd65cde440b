package appstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuerID = "11111111-1111-1111-1111-111111111111"

func generateP8(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return key, string(pemData)
}

func testCredential(t *testing.T) (Credential, *ecdsa.PrivateKey) {
	t.Helper()
	key, pemData := generateP8(t)
	return Credential{
		KeyID:      "ABCDEFGHIJ",
		IssuerID:   testIssuerID,
		PrivateKey: pemData,
	}, key
}

func TestIssueProducesThreeSegmentToken(t *testing.T) {
	cred, key := testCredential(t)

	tok, err := NewIssuer().Issue(cred)
	require.NoError(t, err)

	parts := strings.Split(tok.Value, ".")
	require.Len(t, parts, 3)
	for _, part := range parts {
		_, err := base64.RawURLEncoding.DecodeString(part)
		assert.NoError(t, err)
	}

	// The signature is DER-encoded ECDSA over header.payload.
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	assert.True(t, ecdsa.VerifyASN1(&key.PublicKey, digest[:], sig))
}

func TestIssueHeaderAndClaims(t *testing.T) {
	cred, _ := testCredential(t)

	tok, err := NewIssuer().Issue(cred)
	require.NoError(t, err)

	parts := strings.Split(tok.Value, ".")
	require.Len(t, parts, 3)

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	var header map[string]string
	require.NoError(t, json.Unmarshal(headerJSON, &header))
	assert.Equal(t, "ES256", header["alg"])
	assert.Equal(t, "ABCDEFGHIJ", header["kid"])
	assert.Equal(t, "JWT", header["typ"])

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims struct {
		Iss string `json:"iss"`
		Iat int64  `json:"iat"`
		Exp int64  `json:"exp"`
		Aud string `json:"aud"`
	}
	require.NoError(t, json.Unmarshal(payloadJSON, &claims))
	assert.Equal(t, testIssuerID, claims.Iss)
	assert.Equal(t, "appstoreconnect-v1", claims.Aud)
	assert.Equal(t, int64(1200), claims.Exp-claims.Iat)
}

func TestIssueRejectsMalformedCredentials(t *testing.T) {
	_, pemData := generateP8(t)

	cases := map[string]Credential{
		"short key ID": {
			KeyID:      "SHORT",
			IssuerID:   testIssuerID,
			PrivateKey: pemData,
		},
		"long key ID": {
			KeyID:      "ABCDEFGHIJK",
			IssuerID:   testIssuerID,
			PrivateKey: pemData,
		},
		"issuer not a UUID": {
			KeyID:      "ABCDEFGHIJ",
			IssuerID:   "not-a-uuid",
			PrivateKey: pemData,
		},
		"missing PEM markers": {
			KeyID:      "ABCDEFGHIJ",
			IssuerID:   testIssuerID,
			PrivateKey: "MIGT just some base64",
		},
		"empty private key": {
			KeyID:    "ABCDEFGHIJ",
			IssuerID: testIssuerID,
		},
	}

	issuer := NewIssuer()
	for name, cred := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := issuer.Issue(cred)
			require.ErrorIs(t, err, ErrMalformedCredential)
		})
	}
}

func TestTokenValidity(t *testing.T) {
	now := time.Now()
	tok := Token{Value: "x", IssuedAt: now, ExpiresAt: now.Add(TokenLifetime)}
	assert.True(t, tok.Valid(time.Minute))
	assert.False(t, tok.Valid(TokenLifetime+time.Minute))
	assert.False(t, Token{}.Valid(0))
}

func TestParseP8StructuralDecode(t *testing.T) {
	key, pemData := generateP8(t)

	parsed, err := ParseP8PrivateKey([]byte(pemData))
	require.NoError(t, err)
	assert.Zero(t, parsed.D.Cmp(key.D))
}

func TestParseP8MarkerFallback(t *testing.T) {
	key, _ := generateP8(t)
	scalar := key.D.FillBytes(make([]byte, 32))

	// Not valid PKCS#8, but carries the 0x04 0x20 octet-string marker the
	// fallback scans for.
	payload := append([]byte{0x30, 0x05, 0x02, 0x01, 0x01, 0x04, 0x20}, scalar...)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: payload})

	parsed, err := ParseP8PrivateKey(pemData)
	require.NoError(t, err)
	assert.Zero(t, parsed.D.Cmp(key.D))
}

func TestParseP8TrailingBytesFallback(t *testing.T) {
	key, _ := generateP8(t)
	scalar := key.D.FillBytes(make([]byte, 32))

	// No marker at all: the scalar is recovered from the trailing 32 bytes.
	payload := append([]byte{0x01, 0x02, 0x03}, scalar...)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: payload})

	parsed, err := ParseP8PrivateKey(pemData)
	require.NoError(t, err)
	assert.Zero(t, parsed.D.Cmp(key.D))
}

func TestParseP8TooShort(t *testing.T) {
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{0x01, 0x02}})
	_, err := ParseP8PrivateKey(pemData)
	require.Error(t, err)
}
