package appstore

import (
	"encoding/base64"
	"time"
)

// Platform is a device platform as named by the API.
type Platform string

const (
	PlatformIOS   Platform = "IOS"
	PlatformMacOS Platform = "MAC_OS"
)

// CertificateType mirrors the API's certificateType filter values.
type CertificateType string

const (
	CertificateTypeIOSDevelopment  CertificateType = "IOS_DEVELOPMENT"
	CertificateTypeIOSDistribution CertificateType = "IOS_DISTRIBUTION"
	CertificateTypeMacDevelopment  CertificateType = "MAC_APP_DEVELOPMENT"
	CertificateTypeMacDistribution CertificateType = "MAC_APP_DISTRIBUTION"
)

// ProfileType mirrors the API's profileType attribute values.
type ProfileType string

const (
	ProfileTypeDevelopment ProfileType = "IOS_APP_DEVELOPMENT"
	ProfileTypeAdHoc       ProfileType = "IOS_APP_ADHOC"
	ProfileTypeAppStore    ProfileType = "IOS_APP_STORE"
	ProfileTypeEnterprise  ProfileType = "IOS_APP_INHOUSE"
)

// CertificateType returns the certificate type a profile of this type must
// be signed with.
func (t ProfileType) CertificateType() CertificateType {
	if t == ProfileTypeDevelopment {
		return CertificateTypeIOSDevelopment
	}
	return CertificateTypeIOSDistribution
}

// Device is a registered test device. Remote-owned; the client only reads
// or creates, never updates or deletes.
type Device struct {
	ID       string
	Name     string
	UDID     string
	Platform Platform
	Status   string
}

// Certificate is a signing certificate. Remote-owned, read-only.
type Certificate struct {
	ID           string
	Name         string
	DisplayName  string
	Type         CertificateType
	SerialNumber string
}

// BundleID is a registered application identifier. Remote-owned, read-only;
// registering identifiers is an out-of-band precondition.
type BundleID struct {
	ID         string
	Identifier string // reverse-DNS string
	Name       string
}

// Profile is a provisioning profile. Content holds the decoded binary
// payload (delivered base64-encoded over the wire).
type Profile struct {
	ID             string
	Name           string
	UUID           string
	Type           ProfileType
	Content        []byte
	ExpirationDate time.Time
	State          string
}

// Wire representations. The API speaks JSON:API: every resource is a
// {type, id, attributes} envelope, creations add a relationships block.

type deviceResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Name     string   `json:"name"`
		UDID     string   `json:"udid"`
		Platform Platform `json:"platform"`
		Status   string   `json:"status"`
	} `json:"attributes"`
}

func (r deviceResource) model() Device {
	return Device{
		ID:       r.ID,
		Name:     r.Attributes.Name,
		UDID:     r.Attributes.UDID,
		Platform: r.Attributes.Platform,
		Status:   r.Attributes.Status,
	}
}

type certificateResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Name            string          `json:"name"`
		DisplayName     string          `json:"displayName"`
		CertificateType CertificateType `json:"certificateType"`
		SerialNumber    string          `json:"serialNumber"`
	} `json:"attributes"`
}

func (r certificateResource) model() Certificate {
	return Certificate{
		ID:           r.ID,
		Name:         r.Attributes.Name,
		DisplayName:  r.Attributes.DisplayName,
		Type:         r.Attributes.CertificateType,
		SerialNumber: r.Attributes.SerialNumber,
	}
}

type bundleIDResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Identifier string `json:"identifier"`
		Name       string `json:"name"`
	} `json:"attributes"`
}

func (r bundleIDResource) model() BundleID {
	return BundleID{ID: r.ID, Identifier: r.Attributes.Identifier, Name: r.Attributes.Name}
}

type profileResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Name           string      `json:"name"`
		UUID           string      `json:"uuid"`
		ProfileType    ProfileType `json:"profileType"`
		ProfileContent string      `json:"profileContent"`
		ExpirationDate string      `json:"expirationDate"`
		ProfileState   string      `json:"profileState"`
	} `json:"attributes"`
}

func (r profileResource) model() (Profile, error) {
	content, err := base64.StdEncoding.DecodeString(r.Attributes.ProfileContent)
	if err != nil {
		return Profile{}, err
	}
	// The API emits ISO 8601 timestamps; a field it omits or mangles is
	// left as the zero time rather than failing the whole response.
	expiration, _ := time.Parse(time.RFC3339, r.Attributes.ExpirationDate)
	return Profile{
		ID:             r.ID,
		Name:           r.Attributes.Name,
		UUID:           r.Attributes.UUID,
		Type:           r.Attributes.ProfileType,
		Content:        content,
		ExpirationDate: expiration,
		State:          r.Attributes.ProfileState,
	}, nil
}

type resourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type deviceCreateRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Name     string   `json:"name"`
			UDID     string   `json:"udid"`
			Platform Platform `json:"platform"`
		} `json:"attributes"`
	} `json:"data"`
}

type profileCreateRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Name        string      `json:"name"`
			ProfileType ProfileType `json:"profileType"`
		} `json:"attributes"`
		Relationships struct {
			BundleID struct {
				Data resourceRef `json:"data"`
			} `json:"bundleId"`
			Certificates struct {
				Data []resourceRef `json:"data"`
			} `json:"certificates"`
			Devices struct {
				Data []resourceRef `json:"data"`
			} `json:"devices"`
		} `json:"relationships"`
	} `json:"data"`
}

type errorResponse struct {
	Errors []struct {
		Detail string `json:"detail"`
	} `json:"errors"`
}
