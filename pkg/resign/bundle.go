package resign

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/go-macho"
	"howett.net/plist"
)

// FindAppBundle locates the single .app bundle under the Payload directory
// of an extracted archive. Zero or more than one match means the archive
// is malformed.
func FindAppBundle(extractedDir string) (string, error) {
	payloadDir := filepath.Join(extractedDir, "Payload")

	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return "", fmt.Errorf("%w: no Payload directory", ErrMalformedArchive)
	}

	var apps []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".app") {
			apps = append(apps, filepath.Join(payloadDir, entry.Name()))
		}
	}
	if len(apps) != 1 {
		return "", fmt.Errorf("%w: found %d app bundles", ErrMalformedArchive, len(apps))
	}
	return apps[0], nil
}

// BundleIdentifier reads CFBundleIdentifier from the app's Info.plist.
func BundleIdentifier(appPath string) (string, error) {
	info, err := readInfoPlist(appPath)
	if err != nil {
		return "", err
	}
	bundleID, ok := info["CFBundleIdentifier"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleIdentifier not found in Info.plist")
	}
	return bundleID, nil
}

// ExecutableName reads CFBundleExecutable from the app's Info.plist.
func ExecutableName(appPath string) (string, error) {
	info, err := readInfoPlist(appPath)
	if err != nil {
		return "", err
	}
	execName, ok := info["CFBundleExecutable"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleExecutable not found in Info.plist")
	}
	return execName, nil
}

func readInfoPlist(appPath string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(appPath, "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("read Info.plist: %w", err)
	}
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse Info.plist: %w", err)
	}
	return info, nil
}

// ExecutableArch parses the app's main executable as a Mach-O (thin or
// fat) binary and returns its CPU description. An executable that exists
// but is neither form reports ErrMalformedArchive; a missing Info.plist
// key or missing binary is a plain error, left to the signing tool to
// judge.
func ExecutableArch(appPath string) (string, error) {
	execName, err := ExecutableName(appPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(appPath, execName))
	if err != nil {
		return "", err
	}

	if m, err := macho.NewFile(bytes.NewReader(data)); err == nil {
		defer m.Close()
		return m.CPU.String(), nil
	}
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: executable %s is not a Mach-O binary", ErrMalformedArchive, execName)
	}
	defer fat.Close()

	var arches []string
	for _, arch := range fat.Arches {
		arches = append(arches, arch.CPU.String())
	}
	return strings.Join(arches, ","), nil
}

// frameworkBundles lists the nested framework bundles that must be signed
// before the outer app bundle.
func frameworkBundles(appPath string) ([]string, error) {
	frameworksDir := filepath.Join(appPath, "Frameworks")
	entries, err := os.ReadDir(frameworksDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var bundles []string
	for _, entry := range entries {
		bundles = append(bundles, filepath.Join(frameworksDir, entry.Name()))
	}
	return bundles, nil
}
