package resign

import (
	"fmt"
	"os"

	"howett.net/plist"
)

// WriteEntitlements serializes an entitlements dictionary (as carried in a
// provisioning profile) to an XML plist file for the signing tool's
// --entitlements argument.
func WriteEntitlements(path string, entitlements map[string]interface{}) error {
	if len(entitlements) == 0 {
		return fmt.Errorf("no entitlements to write")
	}
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("marshal entitlements: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write entitlements: %w", err)
	}
	return nil
}
