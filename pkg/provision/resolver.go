// Package provision reconciles the remote resource graph so a valid
// provisioning profile exists for a device/app combination.
//
// The algorithm is find-or-create: the bundle ID must already exist, the
// device is registered on demand, and a profile is reused only when it
// actually provisions the requesting device; otherwise a new one is
// created binding the resolved certificate and device.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/signpool/macsigner/pkg/appstore"
	"github.com/signpool/macsigner/pkg/profile"
)

var (
	// ErrBundleIDNotFound means the application identifier is not
	// registered. Registering identifiers is an out-of-band precondition;
	// the resolver never creates them.
	ErrBundleIDNotFound = errors.New("bundle identifier not found")

	// ErrNoCertificate means no signing certificate of the required type
	// is available.
	ErrNoCertificate = errors.New("no signing certificate available")
)

// API is the slice of the management client the resolver needs.
type API interface {
	FindBundleID(ctx context.Context, identifier string) (*appstore.BundleID, error)
	ListCertificates(ctx context.Context, certType appstore.CertificateType) ([]appstore.Certificate, error)
	FindDevice(ctx context.Context, udid string) (*appstore.Device, error)
	RegisterDevice(ctx context.Context, udid, name string, platform appstore.Platform) (*appstore.Device, error)
	ListProfiles(ctx context.Context, bundleIDID string) ([]appstore.Profile, error)
	CreateProfile(ctx context.Context, params appstore.CreateProfileParams) (*appstore.Profile, error)
}

// Resolution is the triple a resign run needs, plus the device it was
// resolved against.
type Resolution struct {
	BundleID    appstore.BundleID
	Certificate appstore.Certificate
	Device      appstore.Device
	Profile     appstore.Profile
}

// Resolver implements the find-or-create reconciliation.
type Resolver struct {
	api        API
	log        *slog.Logger
	now        func() time.Time
	certSerial string
	covers     func(p appstore.Profile, udid string) (bool, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// WithCertificateSerial pins certificate selection to a specific serial
// number instead of the default first-match.
func WithCertificateSerial(serial string) Option {
	return func(r *Resolver) { r.certSerial = serial }
}

// withCoverage overrides the profile coverage check. Test hook.
func withCoverage(fn func(p appstore.Profile, udid string) (bool, error)) Option {
	return func(r *Resolver) { r.covers = fn }
}

func NewResolver(api API, opts ...Option) *Resolver {
	r := &Resolver{
		api:    api,
		log:    slog.Default(),
		now:    time.Now,
		covers: profileCovers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// profileCovers parses the profile payload and checks the device list and
// expiry. An unparseable payload makes the profile unusable, not the run
// a failure.
func profileCovers(p appstore.Profile, udid string) (bool, error) {
	parsed, err := profile.Parse(p.Content)
	if err != nil {
		return false, err
	}
	if parsed.IsExpired() {
		return false, nil
	}
	return parsed.IsDeviceAllowed(udid), nil
}

// Resolve walks the resource graph for the given app identifier and device
// and returns a usable profile, creating one when none qualifies.
func (r *Resolver) Resolve(ctx context.Context, bundleIdentifier, udid string, profileType appstore.ProfileType) (*Resolution, error) {
	bundleID, err := r.api.FindBundleID(ctx, bundleIdentifier)
	if err != nil {
		return nil, fmt.Errorf("look up bundle identifier: %w", err)
	}
	if bundleID == nil {
		return nil, fmt.Errorf("%w: %s", ErrBundleIDNotFound, bundleIdentifier)
	}
	r.log.Debug("resolved bundle identifier", "identifier", bundleIdentifier, "id", bundleID.ID)

	cert, err := r.selectCertificate(ctx, profileType)
	if err != nil {
		return nil, err
	}
	r.log.Debug("selected certificate", "name", cert.DisplayName, "serial", cert.SerialNumber)

	device, err := r.ensureDevice(ctx, udid)
	if err != nil {
		return nil, err
	}

	prof, err := r.ensureProfile(ctx, *bundleID, *cert, *device, profileType)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		BundleID:    *bundleID,
		Certificate: *cert,
		Device:      *device,
		Profile:     *prof,
	}, nil
}

func (r *Resolver) selectCertificate(ctx context.Context, profileType appstore.ProfileType) (*appstore.Certificate, error) {
	certType := profileType.CertificateType()
	certs, err := r.api.ListCertificates(ctx, certType)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: type %s", ErrNoCertificate, certType)
	}
	if r.certSerial != "" {
		for _, c := range certs {
			if strings.EqualFold(c.SerialNumber, r.certSerial) {
				return &c, nil
			}
		}
		return nil, fmt.Errorf("%w: serial %s", ErrNoCertificate, r.certSerial)
	}
	// First-match selection. Good enough for a single-identity account;
	// pin a serial via WithCertificateSerial when there are several.
	return &certs[0], nil
}

func (r *Resolver) ensureDevice(ctx context.Context, udid string) (*appstore.Device, error) {
	device, err := r.api.FindDevice(ctx, udid)
	if err != nil {
		return nil, fmt.Errorf("look up device: %w", err)
	}
	if device != nil {
		r.log.Debug("device already registered", "udid", udid, "id", device.ID)
		return device, nil
	}

	name := "Device-" + udidSuffix(udid)
	r.log.Info("registering device", "udid", udid, "name", name)
	device, err = r.api.RegisterDevice(ctx, udid, name, appstore.PlatformIOS)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return device, nil
}

func (r *Resolver) ensureProfile(ctx context.Context, bundleID appstore.BundleID, cert appstore.Certificate, device appstore.Device, profileType appstore.ProfileType) (*appstore.Profile, error) {
	existing, err := r.api.ListProfiles(ctx, bundleID.ID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	for _, p := range existing {
		if p.Type != profileType {
			continue
		}
		ok, err := r.covers(p, device.UDID)
		if err != nil {
			r.log.Warn("skipping unreadable profile", "profile", p.Name, "error", err)
			continue
		}
		if ok {
			r.log.Info("reusing provisioning profile", "profile", p.Name, "uuid", p.UUID)
			return &p, nil
		}
		r.log.Debug("profile does not cover device", "profile", p.Name, "udid", device.UDID)
	}

	name := fmt.Sprintf("Dev-%s-%d", bundleID.Identifier, r.now().Unix())
	r.log.Info("creating provisioning profile", "name", name)
	created, err := r.api.CreateProfile(ctx, appstore.CreateProfileParams{
		Name:           name,
		BundleIDID:     bundleID.ID,
		CertificateIDs: []string{cert.ID},
		DeviceIDs:      []string{device.ID},
		Type:           profileType,
	})
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return created, nil
}

func udidSuffix(udid string) string {
	if len(udid) <= 8 {
		return udid
	}
	return udid[len(udid)-8:]
}
