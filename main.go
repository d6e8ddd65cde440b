package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/signpool/macsigner/pkg/appstore"
	"github.com/signpool/macsigner/pkg/identity"
	"github.com/signpool/macsigner/pkg/pool"
	"github.com/signpool/macsigner/pkg/profile"
	"github.com/signpool/macsigner/pkg/resign"
	"github.com/signpool/macsigner/pkg/signer"
)

const version = "1.0.0"

const usage = `macsigner - iOS App Re-Signing Worker

Resolves provisioning on App Store Connect and re-signs IPA archives, either
for a single archive or as a worker polling a central job server.

Usage:
  macsigner sign --app=<path> --bundleid=<id> --udid=<udid> [--type=<type>] [--output=<dir>]
  macsigner serve
  macsigner token
  macsigner devices [--udid=<udid>]
  macsigner profile --file=<path>
  macsigner credentials save --keyid=<id> --issuer=<id> --key=<path>
  macsigner -h | --help
  macsigner --version

Commands:
  sign         Re-sign one IPA archive for a device
  serve        Poll the job server and process signing tasks
  token        Mint an App Store Connect API token and print it
  devices      List registered devices, or look one up by UDID
  profile      Display information about a .mobileprovision file
  credentials  Store App Store Connect API credentials for later runs

Options:
  --app=<path>      Path to the input .ipa file
  --bundleid=<id>   Bundle identifier of the app
  --udid=<udid>     Device UDID the app must run on
  --type=<type>     Profile type: IOS_APP_DEVELOPMENT, IOS_APP_ADHOC,
                    IOS_APP_STORE, IOS_APP_INHOUSE (defaults from config)
  --output=<dir>    Directory for the re-signed archive
  --file=<path>     Path to a .mobileprovision file
  --keyid=<id>      App Store Connect API key ID
  --issuer=<id>     App Store Connect API issuer ID
  --key=<path>      Path to the .p8 private key file
  -h --help         Show this help message
  --version         Show version

Environment Variables:
  ASC_KEY_ID         App Store Connect API key ID
  ASC_ISSUER_ID      App Store Connect API issuer ID
  ASC_KEY_PATH       Path to the .p8 private key file
  POOL_SERVER_URL    Job server base URL (serve command)
  POOL_TOKEN         Job server bearer token (serve command)
  SIGN_P12_PATH      Optional PKCS#12 identity to pin certificate selection
  SIGN_P12_PASSWORD  Password for the PKCS#12 identity

Examples:
  # Re-sign an IPA so it runs on a specific device
  macsigner sign --app=MyApp.ipa --bundleid=com.example.app --udid=00008120-001A10513622201E

  # Run as a pool worker
  export POOL_SERVER_URL=https://pool.example.com
  export POOL_TOKEN=secret
  macsigner serve

  # Inspect a provisioning profile
  macsigner profile --file=dev.mobileprovision
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	if err := initConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var run func(docopt.Opts) error
	switch {
	case command(opts, "sign"):
		run = runSign
	case command(opts, "serve"):
		run = runServe
	case command(opts, "token"):
		run = runToken
	case command(opts, "devices"):
		run = runDevices
	case command(opts, "profile"):
		run = runProfile
	case command(opts, "credentials"):
		run = runCredentials
	}
	if run == nil {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func command(opts docopt.Opts, name string) bool {
	on, _ := opts.Bool(name)
	return on
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func buildService() (*signer.Service, error) {
	cred, err := loadCredential()
	if err != nil {
		return nil, err
	}
	client := appstore.NewClient(*cred)

	svcOpts := []signer.Option{signer.WithTools(resign.Tools{
		Unzip:    config.Signing.Unzip,
		Zip:      config.Signing.Zip,
		Codesign: config.Signing.Codesign,
	})}
	if config.Signing.P12Path != "" {
		id, err := identity.LoadFile(config.Signing.P12Path, config.Signing.P12Password)
		if err != nil {
			return nil, fmt.Errorf("load signing identity: %w", err)
		}
		svcOpts = append(svcOpts, signer.WithIdentity(id))
	}
	return signer.New(client, svcOpts...), nil
}

func runSign(opts docopt.Opts) error {
	appPath, _ := opts.String("--app")
	bundleID, _ := opts.String("--bundleid")
	udid, _ := opts.String("--udid")
	profileType, _ := opts.String("--type")
	outputDir, _ := opts.String("--output")

	if profileType == "" {
		profileType = config.Signing.ProfileType
	}
	if outputDir == "" {
		outputDir = config.Signing.OutputDir
	}

	svc, err := buildService()
	if err != nil {
		return err
	}

	ctx, cancel := interruptContext()
	defer cancel()

	result, err := svc.Run(ctx, signer.Request{
		ArchivePath:      appPath,
		BundleIdentifier: bundleID,
		UDID:             udid,
		ProfileType:      appstore.ProfileType(profileType),
		OutputDir:        outputDir,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Re-signed archive: %s\n", result.OutputPath)
	fmt.Printf("Profile:           %s (%s)\n", result.ProfileName, result.ProfileUUID)
	fmt.Printf("Certificate:       %s\n", result.CertificateName)
	fmt.Printf("Team ID:           %s\n", result.TeamID)
	return nil
}

func runServe(opts docopt.Opts) error {
	if config.Pool.ServerURL == "" {
		return fmt.Errorf("pool.server_url is required (or set POOL_SERVER_URL)")
	}

	svc, err := buildService()
	if err != nil {
		return err
	}
	client := pool.NewClient(config.Pool.ServerURL, config.Pool.Token)

	handler := func(ctx context.Context, task *pool.Task) (string, error) {
		workDir, err := os.MkdirTemp("", "signpool-task-*")
		if err != nil {
			return "", err
		}
		defer os.RemoveAll(workDir)

		archivePath := filepath.Join(workDir, task.ArchiveID+".ipa")
		if err := client.DownloadArchive(ctx, task.ArchiveID, archivePath); err != nil {
			return "", fmt.Errorf("download archive: %w", err)
		}

		result, err := svc.Run(ctx, signer.Request{
			ArchivePath:      archivePath,
			BundleIdentifier: task.BundleID,
			UDID:             task.UDID,
			ProfileType:      appstore.ProfileType(config.Signing.ProfileType),
			OutputDir:        workDir,
		})
		if err != nil {
			return "", err
		}

		downloadURL, err := client.UploadArchive(ctx, result.OutputPath)
		if err != nil {
			return "", fmt.Errorf("upload signed archive: %w", err)
		}
		return downloadURL, nil
	}

	poller := pool.NewPoller(client, handler,
		pool.WithInterval(time.Duration(config.Pool.IntervalSec)*time.Second))

	ctx, cancel := interruptContext()
	defer cancel()

	err = poller.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func runToken(opts docopt.Opts) error {
	cred, err := loadCredential()
	if err != nil {
		return err
	}

	token, err := appstore.NewIssuer().Issue(*cred)
	if err != nil {
		return err
	}

	fmt.Println(token.Value)
	fmt.Fprintf(os.Stderr, "Expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
	return nil
}

func runDevices(opts docopt.Opts) error {
	cred, err := loadCredential()
	if err != nil {
		return err
	}
	client := appstore.NewClient(*cred)

	ctx, cancel := interruptContext()
	defer cancel()

	if udid, _ := opts.String("--udid"); udid != "" {
		device, err := client.FindDevice(ctx, udid)
		if err != nil {
			return err
		}
		if device == nil {
			return fmt.Errorf("device %s is not registered", udid)
		}
		fmt.Printf("%s  %s  %s  %s\n", device.ID, device.UDID, device.Platform, device.Name)
		return nil
	}

	devices, err := client.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("%s  %s  %s  %s\n", d.ID, d.UDID, d.Platform, d.Name)
	}
	return nil
}

func runProfile(opts docopt.Opts) error {
	path, _ := opts.String("--file")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}

	p, err := profile.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse profile: %w", err)
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", path)
	fmt.Printf("Name:           %s\n", p.Name)
	fmt.Printf("Team ID:        %s\n", p.TeamID())
	fmt.Printf("App ID:         %s\n", p.ApplicationIdentifier())
	fmt.Printf("UUID:           %s\n", p.UUID)
	fmt.Printf("Created:        %s\n", p.CreationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expiration:     %s\n", p.ExpirationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", p.IsExpired())

	if certs, err := p.Certificates(); err == nil {
		fmt.Printf("Certificates:   %d\n", len(certs))
		for i, cert := range certs {
			fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
			fmt.Printf("      Serial: %s\n", cert.SerialNumber.String())
			fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		}
	}

	if len(p.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(p.ProvisionedDevices))
		fmt.Println()
		fmt.Println("Provisioned Devices:")
		for _, udid := range p.ProvisionedDevices {
			fmt.Printf("  - %s\n", udid)
		}
	}

	if len(p.Entitlements) > 0 {
		fmt.Println()
		fmt.Println("Entitlements:")
		for key, value := range p.Entitlements {
			fmt.Printf("  %s: %v\n", key, value)
		}
	}

	return nil
}

func runCredentials(opts docopt.Opts) error {
	keyID, _ := opts.String("--keyid")
	issuerID, _ := opts.String("--issuer")
	keyPath, _ := opts.String("--key")

	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	store, err := credentialStore()
	if err != nil {
		return err
	}
	cred := appstore.Credential{
		KeyID:      keyID,
		IssuerID:   issuerID,
		PrivateKey: string(keyData),
	}
	if err := store.Save(cred); err != nil {
		return err
	}
	fmt.Println("Credentials saved.")
	return nil
}
