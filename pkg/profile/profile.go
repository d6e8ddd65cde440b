// Package profile parses .mobileprovision payloads.
//
// A provisioning profile is a CMS (PKCS#7) signed container wrapping a
// plist. The resolver uses the parsed form to decide whether an existing
// profile actually covers the requesting device before reusing it.
package profile

import (
	"crypto/x509"
	"fmt"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// Profile is the decoded payload of a .mobileprovision file.
type Profile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// Parse decodes the CMS container and the plist it wraps.
func Parse(data []byte) (*Profile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#7 container: %w", err)
	}

	var p Profile
	if _, err := plist.Unmarshal(p7.Content, &p); err != nil {
		return nil, fmt.Errorf("parse provisioning profile plist: %w", err)
	}
	return &p, nil
}

// TeamID returns the team identifier.
func (p *Profile) TeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// ApplicationIdentifier returns the application identifier entitlement.
func (p *Profile) ApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// IsExpired reports whether the profile has passed its expiration date.
func (p *Profile) IsExpired() bool {
	return time.Now().After(p.ExpirationDate)
}

// IsDeviceAllowed reports whether the profile provisions the given UDID.
// Enterprise and store profiles provision all devices.
func (p *Profile) IsDeviceAllowed(udid string) bool {
	if p.ProvisionsAllDevices {
		return true
	}
	for _, device := range p.ProvisionedDevices {
		if device == udid {
			return true
		}
	}
	return false
}

// Certificates parses the developer certificates embedded in the profile.
func (p *Profile) Certificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
