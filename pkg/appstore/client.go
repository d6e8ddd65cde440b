package appstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultBaseURL is the production App Store Connect endpoint.
const DefaultBaseURL = "https://api.appstoreconnect.apple.com"

// tokenMargin is the validity a cached token must still have before it is
// reused. Sized so a full resolver run (a handful of calls) always finishes
// well inside the 20-minute window; a token nearer expiry is replaced
// up front rather than raced against the boundary.
const tokenMargin = 5 * time.Minute

// Client is a typed HTTP client for the management API. Each call is a
// single attempt; retry policy belongs to the caller.
type Client struct {
	baseURL string
	http    *http.Client
	issuer  *Issuer
	cred    Credential

	mu    sync.Mutex
	token Token
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different endpoint. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient builds a client around a credential. The credential is held in
// memory only; tokens are minted lazily and refreshed when their remaining
// validity drops below a safety margin.
func NewClient(cred Credential, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		issuer:  NewIssuer(),
		cred:    cred,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) bearerToken() (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Valid(tokenMargin) {
		return c.token, nil
	}
	tok, err := c.issuer.Issue(c.cred)
	if err != nil {
		return Token{}, err
	}
	c.token = tok
	return tok, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	tok, err := c.bearerToken()
	if err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var remote errorResponse
		if json.Unmarshal(data, &remote) == nil && len(remote.Errors) > 0 {
			return &RemoteError{Status: resp.StatusCode, Detail: remote.Errors[0].Detail}
		}
		return &StatusError{Code: resp.StatusCode}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return nil
}

// ListDevices returns all registered devices.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var resp struct {
		Data []deviceResource `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/devices", nil, nil, &resp); err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(resp.Data))
	for _, r := range resp.Data {
		devices = append(devices, r.model())
	}
	return devices, nil
}

// FindDevice returns the device with the given UDID, or nil if none is
// registered. The API has no UDID filter, so this is a client-side scan.
func (c *Client) FindDevice(ctx context.Context, udid string) (*Device, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.UDID == udid {
			return &d, nil
		}
	}
	return nil, nil
}

// RegisterDevice registers a new test device.
func (c *Client) RegisterDevice(ctx context.Context, udid, name string, platform Platform) (*Device, error) {
	var req deviceCreateRequest
	req.Data.Type = "devices"
	req.Data.Attributes.Name = name
	req.Data.Attributes.UDID = udid
	req.Data.Attributes.Platform = platform

	var resp struct {
		Data deviceResource `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/devices", nil, req, &resp); err != nil {
		return nil, err
	}
	device := resp.Data.model()
	return &device, nil
}

// ListCertificates returns signing certificates, optionally filtered by
// type. An empty certType lists everything.
func (c *Client) ListCertificates(ctx context.Context, certType CertificateType) ([]Certificate, error) {
	var query url.Values
	if certType != "" {
		query = url.Values{"filter[certificateType]": {string(certType)}}
	}
	var resp struct {
		Data []certificateResource `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/certificates", query, nil, &resp); err != nil {
		return nil, err
	}
	certs := make([]Certificate, 0, len(resp.Data))
	for _, r := range resp.Data {
		certs = append(certs, r.model())
	}
	return certs, nil
}

// ListBundleIDs returns all registered application identifiers.
func (c *Client) ListBundleIDs(ctx context.Context) ([]BundleID, error) {
	var resp struct {
		Data []bundleIDResource `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/bundleIds", nil, nil, &resp); err != nil {
		return nil, err
	}
	ids := make([]BundleID, 0, len(resp.Data))
	for _, r := range resp.Data {
		ids = append(ids, r.model())
	}
	return ids, nil
}

// FindBundleID returns the bundle ID matching the reverse-DNS identifier,
// or nil if none exists.
func (c *Client) FindBundleID(ctx context.Context, identifier string) (*BundleID, error) {
	ids, err := c.ListBundleIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if id.Identifier == identifier {
			return &id, nil
		}
	}
	return nil, nil
}

// ListProfiles returns provisioning profiles, optionally scoped to a bundle
// ID resource (by its opaque API id, not the reverse-DNS string).
func (c *Client) ListProfiles(ctx context.Context, bundleIDID string) ([]Profile, error) {
	var query url.Values
	if bundleIDID != "" {
		query = url.Values{"filter[bundleId]": {bundleIDID}}
	}
	var resp struct {
		Data []profileResource `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/profiles", query, nil, &resp); err != nil {
		return nil, err
	}
	profiles := make([]Profile, 0, len(resp.Data))
	for _, r := range resp.Data {
		p, err := r.model()
		if err != nil {
			return nil, fmt.Errorf("%w: profile %s content: %v", ErrMalformedResponse, r.ID, err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// CreateProfileParams names the resources a new profile binds together:
// exactly one bundle ID, one or more certificates, and (for development and
// ad-hoc types) the devices it provisions.
type CreateProfileParams struct {
	Name           string
	BundleIDID     string
	CertificateIDs []string
	DeviceIDs      []string
	Type           ProfileType
}

// CreateProfile creates a provisioning profile.
func (c *Client) CreateProfile(ctx context.Context, params CreateProfileParams) (*Profile, error) {
	var req profileCreateRequest
	req.Data.Type = "profiles"
	req.Data.Attributes.Name = params.Name
	req.Data.Attributes.ProfileType = params.Type
	req.Data.Relationships.BundleID.Data = resourceRef{Type: "bundleIds", ID: params.BundleIDID}
	req.Data.Relationships.Certificates.Data = make([]resourceRef, 0, len(params.CertificateIDs))
	for _, id := range params.CertificateIDs {
		req.Data.Relationships.Certificates.Data = append(req.Data.Relationships.Certificates.Data, resourceRef{Type: "certificates", ID: id})
	}
	req.Data.Relationships.Devices.Data = make([]resourceRef, 0, len(params.DeviceIDs))
	for _, id := range params.DeviceIDs {
		req.Data.Relationships.Devices.Data = append(req.Data.Relationships.Devices.Data, resourceRef{Type: "devices", ID: id})
	}

	var resp struct {
		Data profileResource `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/profiles", nil, req, &resp); err != nil {
		return nil, err
	}
	profile, err := resp.Data.model()
	if err != nil {
		return nil, fmt.Errorf("%w: profile content: %v", ErrMalformedResponse, err)
	}
	return &profile, nil
}
