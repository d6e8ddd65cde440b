// Package appstore is a typed client for the App Store Connect API.
//
// It covers the four resource kinds the signing pipeline touches (devices,
// certificates, bundle IDs, provisioning profiles) and the ES256 token
// issuance that authenticates every request. Tokens are short-lived and
// minted per client; they are never written to disk.
package appstore
