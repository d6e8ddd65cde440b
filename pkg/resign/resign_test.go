package resign

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

// fakeUnzip ignores the real archive and copies a prepared fixture tree
// into the extraction directory. unzip is invoked as: -q <archive> -d <dir>.
func fakeUnzip(t *testing.T, dir, fixture string) string {
	return writeScript(t, dir, "unzip", fmt.Sprintf(`cp -R %q/. "$4"`, fixture))
}

// fakeCodesign appends its full argument list to a log file, one line per
// invocation.
func fakeCodesign(t *testing.T, dir, logPath string) string {
	return writeScript(t, dir, "codesign", fmt.Sprintf(`echo "$@" >> %q`, logPath))
}

// fakeZip captures the embedded profile out of the scratch tree, then
// writes a placeholder output archive. zip is invoked as: -qr <out> Payload.
func fakeZip(t *testing.T, dir, capturePath string) string {
	body := fmt.Sprintf(`[ -d Payload ] || exit 12
cp Payload/*.app/embedded.mobileprovision %q 2>/dev/null
echo packed > "$2"`, capturePath)
	return writeScript(t, dir, "zip", body)
}

func scratchDirCount(t *testing.T) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "ipa-resign-*"))
	require.NoError(t, err)
	return len(matches)
}

func writeArchiveFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("not a real archive"), 0644))
	return path
}

func TestResignSuccess(t *testing.T) {
	requireShell(t)

	fixture := t.TempDir()
	appPath := writeAppBundle(t, fixture, "Demo.app", map[string]interface{}{
		"CFBundleIdentifier": "com.example.demo",
		"CFBundleExecutable": "Demo",
	})
	require.NoError(t, os.MkdirAll(filepath.Join(appPath, "Frameworks", "Alamo.framework"), 0755))

	toolDir := t.TempDir()
	signLog := filepath.Join(toolDir, "codesign.log")
	capture := filepath.Join(toolDir, "embedded.captured")
	tools := Tools{
		Unzip:    fakeUnzip(t, toolDir, fixture),
		Codesign: fakeCodesign(t, toolDir, signLog),
		Zip:      fakeZip(t, toolDir, capture),
	}

	archive := writeArchiveFile(t, t.TempDir(), "app.ipa")
	outDir := t.TempDir()
	profile := []byte("profile-bytes")

	before := scratchDirCount(t)
	var sink bytes.Buffer
	out, err := Resign(context.Background(), Options{
		ArchivePath:    archive,
		ProfileContent: profile,
		Identity:       "Apple Distribution: Example Corp",
		OutputDir:      outDir,
		Tools:          tools,
		Sink:           &sink,
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "app-resigned.ipa"), out)
	fi, err := os.Stat(out)
	require.NoError(t, err)
	assert.NotZero(t, fi.Size())

	// Framework signed before the app, both with the same identity.
	logData, err := os.ReadFile(signLog)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(logData)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Alamo.framework")
	assert.Contains(t, lines[1], "Demo.app")
	for _, line := range lines {
		assert.Contains(t, line, "--force --sign Apple Distribution: Example Corp")
		assert.NotContains(t, line, "--entitlements")
	}

	captured, err := os.ReadFile(capture)
	require.NoError(t, err)
	assert.Equal(t, profile, captured)

	assert.Equal(t, before, scratchDirCount(t))
}

func TestResignAppliesEntitlementsToAppOnly(t *testing.T) {
	requireShell(t)

	fixture := t.TempDir()
	appPath := writeAppBundle(t, fixture, "Demo.app", map[string]interface{}{})
	require.NoError(t, os.MkdirAll(filepath.Join(appPath, "Frameworks", "Alamo.framework"), 0755))

	toolDir := t.TempDir()
	signLog := filepath.Join(toolDir, "codesign.log")
	tools := Tools{
		Unzip:    fakeUnzip(t, toolDir, fixture),
		Codesign: fakeCodesign(t, toolDir, signLog),
		Zip:      fakeZip(t, toolDir, filepath.Join(toolDir, "cap")),
	}

	archive := writeArchiveFile(t, t.TempDir(), "app.ipa")
	_, err := Resign(context.Background(), Options{
		ArchivePath:    archive,
		ProfileContent: []byte("p"),
		Entitlements: map[string]interface{}{
			"application-identifier": "TEAM.com.example.demo",
		},
		Identity:  "Ace",
		OutputDir: t.TempDir(),
		Tools:     tools,
	})
	require.NoError(t, err)

	logData, err := os.ReadFile(signLog)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(logData)), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "--entitlements")
	assert.Contains(t, lines[1], "--entitlements")
}

func TestResignExtractFailure(t *testing.T) {
	requireShell(t)

	toolDir := t.TempDir()
	tools := Tools{
		Unzip:    writeScript(t, toolDir, "unzip", `echo "cannot find zipfile" >&2; exit 9`),
		Codesign: fakeCodesign(t, toolDir, filepath.Join(toolDir, "log")),
		Zip:      fakeZip(t, toolDir, filepath.Join(toolDir, "cap")),
	}

	archive := writeArchiveFile(t, t.TempDir(), "app.ipa")
	before := scratchDirCount(t)
	_, err := Resign(context.Background(), Options{
		ArchivePath:    archive,
		ProfileContent: []byte("p"),
		Identity:       "Ace",
		Tools:          tools,
	})

	var extractErr *ExtractError
	require.ErrorAs(t, err, &extractErr)
	assert.Contains(t, extractErr.Stderr, "cannot find zipfile")
	assert.Equal(t, before, scratchDirCount(t))
}

func TestResignTwoAppBundles(t *testing.T) {
	requireShell(t)

	fixture := t.TempDir()
	writeAppBundle(t, fixture, "One.app", map[string]interface{}{})
	writeAppBundle(t, fixture, "Two.app", map[string]interface{}{})

	toolDir := t.TempDir()
	tools := Tools{
		Unzip:    fakeUnzip(t, toolDir, fixture),
		Codesign: fakeCodesign(t, toolDir, filepath.Join(toolDir, "log")),
		Zip:      fakeZip(t, toolDir, filepath.Join(toolDir, "cap")),
	}

	archive := writeArchiveFile(t, t.TempDir(), "app.ipa")
	before := scratchDirCount(t)
	_, err := Resign(context.Background(), Options{
		ArchivePath:    archive,
		ProfileContent: []byte("p"),
		Identity:       "Ace",
		Tools:          tools,
	})

	assert.ErrorIs(t, err, ErrMalformedArchive)
	assert.Equal(t, before, scratchDirCount(t))
}

func TestResignNonMachOExecutable(t *testing.T) {
	requireShell(t)

	fixture := t.TempDir()
	appPath := writeAppBundle(t, fixture, "Demo.app", map[string]interface{}{
		"CFBundleExecutable": "Demo",
	})
	script := []byte("#!/bin/sh\necho not a binary\n")
	require.NoError(t, os.WriteFile(filepath.Join(appPath, "Demo"), script, 0755))

	toolDir := t.TempDir()
	signLog := filepath.Join(toolDir, "codesign.log")
	tools := Tools{
		Unzip:    fakeUnzip(t, toolDir, fixture),
		Codesign: fakeCodesign(t, toolDir, signLog),
		Zip:      fakeZip(t, toolDir, filepath.Join(toolDir, "cap")),
	}

	archive := writeArchiveFile(t, t.TempDir(), "app.ipa")
	outDir := t.TempDir()
	before := scratchDirCount(t)
	_, err := Resign(context.Background(), Options{
		ArchivePath:    archive,
		ProfileContent: []byte("p"),
		Identity:       "Ace",
		OutputDir:      outDir,
		Tools:          tools,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedArchive)

	// Nothing was signed or produced.
	_, statErr := os.Stat(signLog)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(outDir, "app-resigned.ipa"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, before, scratchDirCount(t))
}

func TestResignSignFailure(t *testing.T) {
	requireShell(t)

	fixture := t.TempDir()
	writeAppBundle(t, fixture, "Demo.app", map[string]interface{}{})

	toolDir := t.TempDir()
	tools := Tools{
		Unzip:    fakeUnzip(t, toolDir, fixture),
		Codesign: writeScript(t, toolDir, "codesign", `echo "errSecInternalComponent" >&2; exit 1`),
		Zip:      fakeZip(t, toolDir, filepath.Join(toolDir, "cap")),
	}

	archive := writeArchiveFile(t, t.TempDir(), "app.ipa")
	before := scratchDirCount(t)
	_, err := Resign(context.Background(), Options{
		ArchivePath:    archive,
		ProfileContent: []byte("p"),
		Identity:       "Ace",
		Tools:          tools,
	})

	var signErr *SignError
	require.ErrorAs(t, err, &signErr)
	assert.Equal(t, "Demo.app", signErr.Bundle)
	assert.Contains(t, signErr.Stderr, "errSecInternalComponent")
	assert.Equal(t, before, scratchDirCount(t))
}

func TestResignRepackFailure(t *testing.T) {
	requireShell(t)

	fixture := t.TempDir()
	writeAppBundle(t, fixture, "Demo.app", map[string]interface{}{})

	toolDir := t.TempDir()
	tools := Tools{
		Unzip:    fakeUnzip(t, toolDir, fixture),
		Codesign: fakeCodesign(t, toolDir, filepath.Join(toolDir, "log")),
		Zip:      writeScript(t, toolDir, "zip", `echo "zip I/O error" >&2; exit 15`),
	}

	archive := writeArchiveFile(t, t.TempDir(), "app.ipa")
	before := scratchDirCount(t)
	_, err := Resign(context.Background(), Options{
		ArchivePath:    archive,
		ProfileContent: []byte("p"),
		Identity:       "Ace",
		Tools:          tools,
	})

	var repackErr *RepackError
	require.ErrorAs(t, err, &repackErr)
	assert.Contains(t, repackErr.Stderr, "zip I/O error")
	assert.Equal(t, before, scratchDirCount(t))
}

func TestResignRequiredOptions(t *testing.T) {
	ctx := context.Background()

	_, err := Resign(ctx, Options{ProfileContent: []byte("p"), Identity: "Ace"})
	assert.Error(t, err)

	_, err = Resign(ctx, Options{ArchivePath: "a.ipa", Identity: "Ace"})
	assert.Error(t, err)

	_, err = Resign(ctx, Options{ArchivePath: "a.ipa", ProfileContent: []byte("p")})
	assert.Error(t, err)
}

func TestResignMissingArchive(t *testing.T) {
	_, err := Resign(context.Background(), Options{
		ArchivePath:    filepath.Join(t.TempDir(), "absent.ipa"),
		ProfileContent: []byte("p"),
		Identity:       "Ace",
	})
	assert.Error(t, err)
}
