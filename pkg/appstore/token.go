package appstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenLifetime is the validity window Apple grants API tokens.
const TokenLifetime = 20 * time.Minute

// Token is a compact signed JWS proving identity to the API for a bounded
// time window.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the token still has at least margin of validity
// left. Callers size margin so a whole call sequence finishes inside the
// window instead of retrying at the boundary.
func (t Token) Valid(margin time.Duration) bool {
	return t.Value != "" && time.Now().Add(margin).Before(t.ExpiresAt)
}

// SigningMethodES256DER signs ES256 tokens with a DER-encoded signature.
// The stock ES256 method produces the fixed-width r‖s form from RFC 7518,
// which App Store Connect rejects; Apple requires ASN.1 DER.
var SigningMethodES256DER jwt.SigningMethod = &es256DER{}

type es256DER struct{}

func (m *es256DER) Alg() string { return "ES256" }

func (m *es256DER) Sign(signingString string, key interface{}) ([]byte, error) {
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	if priv.Curve != elliptic.P256() {
		return nil, jwt.ErrInvalidKey
	}
	digest := sha256.Sum256([]byte(signingString))
	return ecdsa.SignASN1(rand.Reader, priv, digest[:])
}

func (m *es256DER) Verify(signingString string, sig []byte, key interface{}) error {
	var pub *ecdsa.PublicKey
	switch k := key.(type) {
	case *ecdsa.PublicKey:
		pub = k
	case *ecdsa.PrivateKey:
		pub = &k.PublicKey
	default:
		return jwt.ErrInvalidKeyType
	}
	digest := sha256.Sum256([]byte(signingString))
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// Issuer mints API tokens from a credential.
type Issuer struct {
	now func() time.Time
}

func NewIssuer() *Issuer {
	return &Issuer{now: time.Now}
}

// Issue validates the credential, decodes its P8 key, and produces a signed
// token valid for TokenLifetime starting now.
func (i *Issuer) Issue(cred Credential) (Token, error) {
	if err := cred.Validate(); err != nil {
		return Token{}, err
	}

	key, err := ParseP8PrivateKey([]byte(cred.PrivateKey))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	issuedAt := i.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(TokenLifetime)

	tok := jwt.NewWithClaims(SigningMethodES256DER, jwt.MapClaims{
		"iss": cred.IssuerID,
		"iat": issuedAt.Unix(),
		"exp": expiresAt.Unix(),
		"aud": "appstoreconnect-v1",
	})
	tok.Header["kid"] = cred.KeyID

	signed, err := tok.SignedString(key)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	return Token{Value: signed, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// ParseP8PrivateKey decodes a PEM-wrapped PKCS#8 P-256 private key as
// issued by Apple for API authentication.
//
// The structural PKCS#8 parse is authoritative. When it fails, the raw
// 32-byte scalar is recovered heuristically: first by locating the
// OCTET STRING marker (0x04 0x20) that precedes it, then by taking the
// trailing 32 bytes of the decoded payload. The heuristics match what the
// field has seen in malformed but usable .p8 exports.
func ParseP8PrivateKey(pemData []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		key, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("PKCS#8 payload is not an EC key")
		}
		if key.Curve != elliptic.P256() {
			return nil, errors.New("EC key is not on the P-256 curve")
		}
		return key, nil
	}

	raw, err := extractRawScalar(block.Bytes)
	if err != nil {
		return nil, err
	}
	return keyFromScalar(raw)
}

func extractRawScalar(der []byte) ([]byte, error) {
	for i := 0; i+34 <= len(der); i++ {
		if der[i] == 0x04 && der[i+1] == 0x20 {
			return der[i+2 : i+34], nil
		}
	}
	if len(der) >= 32 {
		return der[len(der)-32:], nil
	}
	return nil, errors.New("key material shorter than 32 bytes")
}

func keyFromScalar(raw []byte) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, errors.New("scalar out of range for P-256")
	}
	key := &ecdsa.PrivateKey{D: d}
	key.Curve = curve
	key.X, key.Y = curve.ScalarBaseMult(raw)
	return key, nil
}
