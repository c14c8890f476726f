// Package profile holds the local user's identity: display name, contact
// address, and the languages they can chat in. The backend-issued pool id is
// filled in after registration.
package profile

import (
	"errors"
	"strings"
)

// Profile is the local user's identity. ID is empty until the backend
// accepts a pool entry for this user.
type Profile struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name"`
	Contact   string   `json:"contact"`
	Languages []string `json:"languages"`
}

var (
	ErrMissingName    = errors.New("profile: name is required")
	ErrMissingContact = errors.New("profile: contact is required")
	ErrNoLanguages    = errors.New("profile: at least one language is required")
	ErrBlankLanguage  = errors.New("profile: languages must be non-empty strings")
)

// Validate checks that the profile is complete enough to enter the pool.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrMissingName
	}
	if strings.TrimSpace(p.Contact) == "" {
		return ErrMissingContact
	}
	if len(p.Languages) == 0 {
		return ErrNoLanguages
	}
	for _, lang := range p.Languages {
		if strings.TrimSpace(lang) == "" {
			return ErrBlankLanguage
		}
	}
	return nil
}

// Clone returns a deep copy so callers can hand out snapshots without
// sharing the languages slice.
func (p *Profile) Clone() Profile {
	out := *p
	out.Languages = append([]string(nil), p.Languages...)
	return out
}

// SharesLanguage reports whether the two language sets intersect. The
// pairing policy itself lives server-side; this helper exists for display
// and for the matcher's candidate scan.
func SharesLanguage(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, lang := range a {
		set[strings.ToLower(lang)] = true
	}
	for _, lang := range b {
		if set[strings.ToLower(lang)] {
			return true
		}
	}
	return false
}
