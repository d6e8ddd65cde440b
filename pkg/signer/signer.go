// Package signer runs the end-to-end signing pipeline: resolve
// provisioning state on the developer portal, then re-sign the archive
// with the resolved profile and certificate.
package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/signpool/macsigner/pkg/appstore"
	"github.com/signpool/macsigner/pkg/identity"
	"github.com/signpool/macsigner/pkg/profile"
	"github.com/signpool/macsigner/pkg/provision"
	"github.com/signpool/macsigner/pkg/resign"
)

// ErrInvalidRequest means the request fails shape validation before any
// portal call is made.
var ErrInvalidRequest = errors.New("invalid signing request")

// Request describes one signing job.
type Request struct {
	ArchivePath      string               `validate:"required"`
	BundleIdentifier string               `validate:"required"`
	UDID             string               `validate:"required,min=8"`
	ProfileType      appstore.ProfileType `validate:"required"`
	OutputDir        string
}

var validate = validator.New()

// Validate checks the request shape: all identifying fields present, and
// a UDID made of hex digits and hyphens. It does not prove the device or
// app exists; the resolver does that.
func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for _, c := range r.UDID {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		case c == '-':
		default:
			return fmt.Errorf("%w: UDID %q is not hyphenated hex", ErrInvalidRequest, r.UDID)
		}
	}
	return nil
}

// Result reports what a completed pipeline run produced.
type Result struct {
	OutputPath      string
	ProfileName     string
	ProfileUUID     string
	CertificateName string
	TeamID          string
	ToolOutput      string
}

type resolver interface {
	Resolve(ctx context.Context, bundleIdentifier, udid string, profileType appstore.ProfileType) (*provision.Resolution, error)
}

// Service wires the portal resolver and the archive resigner.
type Service struct {
	resolver resolver
	identity *identity.Identity
	tools    resign.Tools
	log      *slog.Logger

	resignFunc func(ctx context.Context, opts resign.Options) (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithIdentity supplies a local PKCS#12 identity. When set, certificate
// selection is pinned to the identity's serial and signing uses its
// common name, so the external signing tool finds the key in the local
// keychain.
func WithIdentity(id *identity.Identity) Option {
	return func(s *Service) { s.identity = id }
}

// WithTools overrides the external tool names.
func WithTools(tools resign.Tools) Option {
	return func(s *Service) { s.tools = tools }
}

// WithLogger sets the pipeline logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// withResolver overrides the portal resolver. Test hook.
func withResolver(r resolver) Option {
	return func(s *Service) { s.resolver = r }
}

// withResign overrides the archive resign step. Test hook.
func withResign(fn func(ctx context.Context, opts resign.Options) (string, error)) Option {
	return func(s *Service) { s.resignFunc = fn }
}

// New builds a Service on top of a portal client.
func New(client *appstore.Client, opts ...Option) *Service {
	s := &Service{
		log:        slog.Default(),
		resignFunc: resign.Resign,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolver == nil {
		resolverOpts := []provision.Option{provision.WithLogger(s.log)}
		if s.identity != nil {
			resolverOpts = append(resolverOpts, provision.WithCertificateSerial(s.identity.SerialNumber()))
		}
		s.resolver = provision.NewResolver(client, resolverOpts...)
	}
	return s
}

// Run resolves provisioning for the request and re-signs the archive.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.identity != nil && s.identity.Expired() {
		return nil, fmt.Errorf("signing identity %q has expired", s.identity.Name())
	}

	res, err := s.resolver.Resolve(ctx, req.BundleIdentifier, req.UDID, req.ProfileType)
	if err != nil {
		return nil, fmt.Errorf("resolve provisioning: %w", err)
	}

	parsed, err := profile.Parse(res.Profile.Content)
	if err != nil {
		return nil, fmt.Errorf("parse resolved profile: %w", err)
	}
	s.log.Info("resolved provisioning profile",
		"profile", parsed.Name, "uuid", parsed.UUID, "team", parsed.TeamID())

	identityName := res.Certificate.Name
	if s.identity != nil {
		if !s.identity.MatchesSerial(res.Certificate.SerialNumber) {
			return nil, fmt.Errorf("local identity %q (serial %s) does not match portal certificate %q (serial %s)",
				s.identity.Name(), s.identity.SerialNumber(), res.Certificate.Name, res.Certificate.SerialNumber)
		}
		identityName = s.identity.Name()
	}

	var toolOutput bytes.Buffer
	outputPath, err := s.resignFunc(ctx, resign.Options{
		ArchivePath:    req.ArchivePath,
		ProfileContent: res.Profile.Content,
		Entitlements:   parsed.Entitlements,
		Identity:       identityName,
		OutputDir:      req.OutputDir,
		Tools:          s.tools,
		Sink:           &toolOutput,
		Log:            s.log,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		OutputPath:      outputPath,
		ProfileName:     parsed.Name,
		ProfileUUID:     parsed.UUID,
		CertificateName: res.Certificate.Name,
		TeamID:          parsed.TeamID(),
		ToolOutput:      toolOutput.String(),
	}, nil
}
