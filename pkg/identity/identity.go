// Package identity loads code signing identities from PKCS#12 containers
// and matches them against certificate records from the developer portal.
package identity

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	gop12 "software.sslmate.com/src/go-pkcs12"

	"github.com/signpool/macsigner/pkg/appstore"
)

var nowFunc = time.Now

// ErrNoMatch is returned when a loaded identity does not correspond to any
// of the given portal certificates.
var ErrNoMatch = errors.New("identity: no matching certificate")

// Identity is a signing certificate together with its private key, as
// decoded from a PKCS#12 container.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	CertChain   []*x509.Certificate
	TeamID      string
}

// Load decodes a PKCS#12 container into an Identity.
func Load(p12Data []byte, password string) (*Identity, error) {
	privateKey, cert, caCerts, err := gop12.DecodeChain(p12Data, password)
	if err != nil {
		return nil, fmt.Errorf("decode P12: %w", err)
	}

	chain := []*x509.Certificate{cert}
	chain = append(chain, caCerts...)

	return &Identity{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertChain:   chain,
		TeamID:      extractTeamID(cert),
	}, nil
}

// LoadFile reads and decodes a PKCS#12 file.
func LoadFile(path, password string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read P12 file: %w", err)
	}
	return Load(data, password)
}

// Name returns the certificate's common name, which is the identity name
// accepted by the signing tool.
func (id *Identity) Name() string {
	return id.Certificate.Subject.CommonName
}

// SerialNumber returns the certificate serial as uppercase hex, the form
// the developer portal reports.
func (id *Identity) SerialNumber() string {
	return strings.ToUpper(id.Certificate.SerialNumber.Text(16))
}

// MatchesSerial reports whether the identity's certificate has the given
// serial number. Comparison ignores case and leading zeros are not
// normalized; the portal reports serials without them.
func (id *Identity) MatchesSerial(serial string) bool {
	return strings.EqualFold(id.SerialNumber(), serial)
}

// Expired reports whether the certificate's validity window has passed.
func (id *Identity) Expired() bool {
	return id.Certificate.NotAfter.Before(nowFunc())
}

// FindPortalRecord returns the portal certificate record whose serial
// matches this identity, or ErrNoMatch when none does.
func (id *Identity) FindPortalRecord(certs []appstore.Certificate) (*appstore.Certificate, error) {
	for i := range certs {
		if id.MatchesSerial(certs[i].SerialNumber) {
			return &certs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: serial %s not among %d portal certificates",
		ErrNoMatch, id.SerialNumber(), len(certs))
}

func extractTeamID(cert *x509.Certificate) string {
	// Apple puts the team ID in the Organizational Unit; team IDs are
	// always 10 characters.
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}
