// Package resign mutates an application archive: it unpacks the archive,
// injects a provisioning profile, re-signs every executable bundle inside
// with a single signing identity, and repacks the result.
//
// The operation is all-or-nothing. Every stage runs inside a uniquely
// named scratch directory that is deleted on every exit path; the input
// archive is never modified and the output archive exists only if every
// stage succeeded.
package resign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/signpool/macsigner/pkg/runner"
)

// Tools names the external utilities the resigner drives.
type Tools struct {
	Unzip    string
	Zip      string
	Codesign string
}

func (t Tools) withDefaults() Tools {
	if t.Unzip == "" {
		t.Unzip = "unzip"
	}
	if t.Zip == "" {
		t.Zip = "zip"
	}
	if t.Codesign == "" {
		t.Codesign = "codesign"
	}
	return t
}

// Options describes one resign operation.
type Options struct {
	ArchivePath    string
	ProfileContent []byte                 // binary .mobileprovision payload to embed
	Entitlements   map[string]interface{} // optional; applied to the main app bundle only
	Identity       string                 // signing identity name passed to the signing tool
	OutputDir      string
	Tools          Tools
	Sink           io.Writer    // receives tool output incrementally; may be nil
	Log            *slog.Logger // defaults to slog.Default
}

// Resign runs the full unpack → inject → sign → repack sequence and
// returns the path of the new archive.
func Resign(ctx context.Context, opts Options) (string, error) {
	if opts.ArchivePath == "" {
		return "", fmt.Errorf("archive path is required")
	}
	if len(opts.ProfileContent) == 0 {
		return "", fmt.Errorf("provisioning profile content is required")
	}
	if opts.Identity == "" {
		return "", fmt.Errorf("signing identity is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	tools := opts.Tools.withDefaults()

	archivePath, err := filepath.Abs(opts.ArchivePath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(archivePath); err != nil {
		return "", fmt.Errorf("input archive: %w", err)
	}

	scratch, err := os.MkdirTemp("", "ipa-resign-*")
	if err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}
	// The scratch directory is removed on every exit path, success or
	// failure; a failed run leaves nothing behind.
	defer os.RemoveAll(scratch)

	log.Debug("extracting archive", "archive", archivePath, "scratch", scratch)
	res, err := runner.Run(ctx, runner.Options{Sink: opts.Sink}, tools.Unzip, "-q", archivePath, "-d", scratch)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &ExtractError{Stderr: strings.TrimSpace(string(res.Output))}
	}

	appPath, err := FindAppBundle(scratch)
	if err != nil {
		return "", err
	}
	log.Info("found app bundle", "app", filepath.Base(appPath))
	if bundleID, err := BundleIdentifier(appPath); err == nil {
		log.Debug("app bundle identifier", "bundleID", bundleID)
	}
	arch, err := ExecutableArch(appPath)
	switch {
	case err == nil:
		log.Debug("app executable", "arch", arch)
	case errors.Is(err, ErrMalformedArchive):
		return "", err
	default:
		log.Warn("could not inspect app executable", "error", err)
	}

	embedded := filepath.Join(appPath, "embedded.mobileprovision")
	if err := os.WriteFile(embedded, opts.ProfileContent, 0644); err != nil {
		return "", fmt.Errorf("inject provisioning profile: %w", err)
	}
	log.Debug("injected provisioning profile", "path", embedded)

	var entitlementsPath string
	if len(opts.Entitlements) > 0 {
		entitlementsPath = filepath.Join(scratch, "entitlements.plist")
		if err := WriteEntitlements(entitlementsPath, opts.Entitlements); err != nil {
			return "", err
		}
	}

	// Inner bundles first: the signing tool validates nested signatures
	// when sealing the outer bundle.
	frameworks, err := frameworkBundles(appPath)
	if err != nil {
		return "", fmt.Errorf("enumerate frameworks: %w", err)
	}
	for _, fw := range frameworks {
		log.Debug("signing framework", "framework", filepath.Base(fw))
		if err := signBundle(ctx, tools, opts, fw, ""); err != nil {
			return "", err
		}
	}
	log.Info("signing app bundle", "app", filepath.Base(appPath), "identity", opts.Identity)
	if err := signBundle(ctx, tools, opts, appPath, entitlementsPath); err != nil {
		return "", err
	}

	outputPath, err := outputArchivePath(archivePath, opts.OutputDir)
	if err != nil {
		return "", err
	}
	if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove stale output: %w", err)
	}

	log.Debug("repacking archive", "output", outputPath)
	res, err = runner.Run(ctx, runner.Options{Dir: scratch, Sink: opts.Sink}, tools.Zip, "-qr", outputPath, "Payload")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &RepackError{Stderr: strings.TrimSpace(string(res.Output))}
	}

	fi, err := os.Stat(outputPath)
	if err != nil || fi.Size() == 0 {
		return "", &RepackError{Stderr: "output archive missing or empty"}
	}

	log.Info("resign complete", "output", outputPath, "size", fi.Size())
	return outputPath, nil
}

func signBundle(ctx context.Context, tools Tools, opts Options, bundlePath, entitlementsPath string) error {
	args := []string{"--force", "--sign", opts.Identity}
	if entitlementsPath != "" {
		args = append(args, "--entitlements", entitlementsPath)
	}
	args = append(args, bundlePath)

	res, err := runner.Run(ctx, runner.Options{Sink: opts.Sink}, tools.Codesign, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &SignError{Bundle: filepath.Base(bundlePath), Stderr: strings.TrimSpace(string(res.Output))}
	}
	return nil
}

func outputArchivePath(archivePath, outputDir string) (string, error) {
	if outputDir == "" {
		outputDir = filepath.Dir(archivePath)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	ext := filepath.Ext(archivePath)
	base := strings.TrimSuffix(filepath.Base(archivePath), ext)
	return filepath.Abs(filepath.Join(outputDir, base+"-resigned"+ext))
}
