package resign

import (
	"errors"
	"fmt"
)

// ErrMalformedArchive means the archive does not contain exactly one
// application bundle under the Payload directory.
var ErrMalformedArchive = errors.New("archive does not contain exactly one app bundle")

// ExtractError reports a failed archive extraction.
type ExtractError struct {
	Stderr string
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract archive: %s", e.Stderr)
}

// SignError reports a failed signing invocation for a specific bundle.
type SignError struct {
	Bundle string
	Stderr string
}

func (e *SignError) Error() string {
	return fmt.Sprintf("sign %s: %s", e.Bundle, e.Stderr)
}

// RepackError reports a failed archive creation or an unusable output file.
type RepackError struct {
	Stderr string
}

func (e *RepackError) Error() string {
	return fmt.Sprintf("repack archive: %s", e.Stderr)
}
