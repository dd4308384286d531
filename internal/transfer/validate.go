package transfer

import (
	"fmt"
	"path"
	"strings"
)

// ReportSuffix is the only file suffix the companion will ask a host for.
const ReportSuffix = ".md"

// deniedBasenames are never fetched, whatever their suffix games.
var deniedBasenames = map[string]bool{
	".env":             true,
	"id_rsa":           true,
	"id_ed25519":       true,
	"known_hosts":      true,
	"credentials.json": true,
	"shadow":           true,
	"passwd":           true,
}

// ValidatePath rejects report paths before any request reaches the remote
// side. The host is never asked to fetch an unvalidated path.
func ValidatePath(p string) error {
	p = strings.TrimSpace(p)
	if p == "" {
		return fmt.Errorf("empty report path")
	}
	if !path.IsAbs(p) {
		return fmt.Errorf("report path %q is not absolute", p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("report path %q is not canonical", p)
	}
	if !strings.HasSuffix(p, ReportSuffix) {
		return fmt.Errorf("report path %q missing required %s suffix", p, ReportSuffix)
	}
	base := path.Base(p)
	if deniedBasenames[base] || deniedBasenames[strings.TrimSuffix(base, ReportSuffix)] {
		return fmt.Errorf("report path %q is denied", p)
	}
	return nil
}
