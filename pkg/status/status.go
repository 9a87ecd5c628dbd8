// Package status owns the closed catalog of lifecycle statuses and the
// per-person status history (the StatusLedger).
package status

import (
	"fmt"
	"strings"
)

// Status is a lifecycle stage. The numeric value doubles as the catalog
// identifier stored in the statuses table; it never changes once released.
type Status int

const (
	None Status = iota
	Registered
	CredentialPrinted
	CredentialDelivered
	Active
	ActiveWithComputeAccess
	CredentialReturned
	InactiveProcessEnded
	InactiveResigned
)

var names = map[Status]string{
	None:                    "NONE",
	Registered:              "REGISTERED",
	CredentialPrinted:       "CREDENTIAL_PRINTED",
	CredentialDelivered:     "CREDENTIAL_DELIVERED",
	Active:                  "ACTIVE",
	ActiveWithComputeAccess: "ACTIVE_WITH_COMPUTE_ACCESS",
	CredentialReturned:      "CREDENTIAL_RETURNED",
	InactiveProcessEnded:    "INACTIVE_PROCESS_ENDED",
	InactiveResigned:        "INACTIVE_RESIGNED",
}

// All returns the eight catalog statuses in catalog order.
func All() []Status {
	return []Status{
		Registered,
		CredentialPrinted,
		CredentialDelivered,
		Active,
		ActiveWithComputeAccess,
		CredentialReturned,
		InactiveProcessEnded,
		InactiveResigned,
	}
}

func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// CatalogID is the identifier of s in the statuses table.
func (s Status) CatalogID() int { return int(s) }

// Valid reports whether s is one of the eight catalog statuses.
func (s Status) Valid() bool { return s >= Registered && s <= InactiveResigned }

// IsTerminal reports whether s ends a lifecycle. Only re-registration leaves it.
func (s Status) IsTerminal() bool {
	return s == InactiveProcessEnded || s == InactiveResigned
}

// FromCatalogID maps a stored identifier back to a Status.
func FromCatalogID(id int) (Status, error) {
	s := Status(id)
	if id == 0 {
		return None, nil
	}
	if !s.Valid() {
		return None, fmt.Errorf("unknown status catalog id %d", id)
	}
	return s, nil
}

// Parse maps a status name (case-insensitive) to a Status.
func Parse(name string) (Status, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range names {
		if n == upper && s != None {
			return s, nil
		}
	}
	return None, fmt.Errorf("unknown status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
