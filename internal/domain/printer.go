// Package domain holds the normalized types the fleet coordinator uses to
// describe printers, their files, jobs, and live status, independent of any
// particular vendor protocol.
package domain

import "fmt"

// VendorKind is the closed set of printer families the coordinator knows how
// to drive. Adding a vendor means adding a value here, a driver
// implementation, and a case in the config validator below.
type VendorKind string

const (
	VendorBambuLab  VendorKind = "bambu_lab"
	VendorPrusaCore VendorKind = "prusa_core"
)

// Credentials holds the vendor-specific auth material for a printer.
// Exactly the fields required by Kind must be non-empty; see Validate.
type Credentials struct {
	AccessCode   string `json:"access_code,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
}

// secretMask replaces sensitive fields so configuration can be logged safely.
const secretMask = "***REDACTED***"

// Safe returns a copy with every secret field masked, suitable for logging.
func (c Credentials) Safe() Credentials {
	masked := Credentials{}
	if c.AccessCode != "" {
		masked.AccessCode = secretMask
	}
	if c.SerialNumber != "" {
		// The serial number identifies the machine rather than
		// authenticating it; it stays visible.
		masked.SerialNumber = c.SerialNumber
	}
	if c.APIKey != "" {
		masked.APIKey = secretMask
	}
	return masked
}

// Validate checks that the credentials satisfy the required set for kind.
func (c Credentials) Validate(kind VendorKind) error {
	switch kind {
	case VendorBambuLab:
		if c.AccessCode == "" || c.SerialNumber == "" {
			return fmt.Errorf("%w: bambu_lab requires access_code and serial_number", ErrConfigurationInvalid)
		}
	case VendorPrusaCore:
		if c.APIKey == "" {
			return fmt.Errorf("%w: prusa_core requires api_key", ErrConfigurationInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown vendor kind %q", ErrConfigurationInvalid, kind)
	}
	return nil
}

// Printer is the coordinator's record of a single configured machine.
type Printer struct {
	ID          string
	Name        string
	Kind        VendorKind
	IPAddress   string
	Credentials Credentials

	WebcamURL   string
	Location    string
	Description string
	Active      bool

	LastSeenUnix int64
	CreatedUnix  int64
	UpdatedUnix  int64
}

// Validate enforces that a printer's credentials satisfy its vendor kind.
// This invariant must hold any time a Printer is created or updated.
func (p *Printer) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: printer id is required", ErrConfigurationInvalid)
	}
	if p.IPAddress == "" {
		return fmt.Errorf("%w: ip_address is required", ErrConfigurationInvalid)
	}
	return p.Credentials.Validate(p.Kind)
}

// Safe returns a copy of p with credential secrets masked.
func (p Printer) Safe() Printer {
	p.Credentials = p.Credentials.Safe()
	return p
}
