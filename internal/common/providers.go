package common

import (
	"fmt"
	"strings"
)

// Scheme is the vertical-origin convention used to number tile rows.
type Scheme string

const (
	// SchemeGoogle counts rows from the north edge (XYZ / slippy map).
	SchemeGoogle Scheme = "google"

	// SchemeTMS counts rows from the south edge.
	SchemeTMS Scheme = "tms"
)

// ParseScheme accepts the scheme names used in settings files.
// "xyz" is an alias of google.
func ParseScheme(s string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "google", "xyz":
		return SchemeGoogle, nil
	case "tms":
		return SchemeTMS, nil
	default:
		return "", fmt.Errorf("unknown addressing scheme: %q (must be google, xyz or tms)", s)
	}
}

// Source identifiers of the built-in orthophoto sources
const (
	SourceNZLinz = "nz_linz"

	DisplayNameNZLinz = "LINZ New Zealand"
)
