// Package main provides the macsigner CLI, a worker that re-signs iOS
// IPA archives against App Store Connect provisioning.
//
// For the library API, see the subpackages:
//
//	import "github.com/signpool/macsigner/pkg/appstore"
//	import "github.com/signpool/macsigner/pkg/signer"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/signpool/macsigner@latest
package main
