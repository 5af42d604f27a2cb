package config

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/entrhq/accountforge/pkg/account"
)

// DomainConfigEntry associates a mailbox admin endpoint, the email domain it
// serves and the admin credential for that endpoint.
type DomainConfigEntry struct {
	MailboxEndpoint string `json:"worker_domain"`
	EmailDomain     string `json:"email_domain"`
	AdminCredential string `json:"admin_password"`
}

// Registry is the ordered, immutable list of domain entries. Account records
// refer to entries by index.
type Registry struct {
	entries []DomainConfigEntry
}

// NewRegistry collapses the three parallel lists into structured entries.
// The lists must have equal length and no blank elements.
func NewRegistry(workerDomains, emailDomains, adminPasswords []string) (*Registry, error) {
	if len(workerDomains) != len(emailDomains) || len(emailDomains) != len(adminPasswords) {
		return nil, fmt.Errorf("%w: domain lists differ in length (worker_domains=%d, email_domains=%d, admin_passwords=%d)",
			account.ErrConfig, len(workerDomains), len(emailDomains), len(adminPasswords))
	}

	entries := make([]DomainConfigEntry, 0, len(workerDomains))
	seen := make(map[string]int, len(emailDomains))
	for i := range workerDomains {
		e := DomainConfigEntry{
			MailboxEndpoint: strings.TrimSpace(workerDomains[i]),
			EmailDomain:     strings.ToLower(strings.TrimSpace(emailDomains[i])),
			AdminCredential: strings.TrimSpace(adminPasswords[i]),
		}
		if e.MailboxEndpoint == "" || e.EmailDomain == "" || e.AdminCredential == "" {
			return nil, fmt.Errorf("%w: domain entry %d has a blank field", account.ErrConfig, i)
		}
		if prev, dup := seen[e.EmailDomain]; dup {
			return nil, fmt.Errorf("%w: email domain %q listed at %d and %d", account.ErrConfig, e.EmailDomain, prev, i)
		}
		seen[e.EmailDomain] = i
		entries = append(entries, e)
	}
	return &Registry{entries: entries}, nil
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Entry returns entry i.
func (r *Registry) Entry(i int) (DomainConfigEntry, error) {
	if err := r.Validate(i); err != nil {
		return DomainConfigEntry{}, err
	}
	return r.entries[i], nil
}

// Validate reports an ErrConfig error when i is not a valid entry index.
func (r *Registry) Validate(i int) error {
	if i < 0 || i >= len(r.entries) {
		return fmt.Errorf("%w: domain index %d out of range (%d configured)", account.ErrConfig, i, len(r.entries))
	}
	return nil
}

// IndexForEmail finds the entry whose email domain matches the address.
func (r *Registry) IndexForEmail(email string) (int, bool) {
	domain := account.Domain(email)
	if domain == "" {
		return 0, false
	}
	for i, e := range r.entries {
		if e.EmailDomain == domain {
			return i, true
		}
	}
	return 0, false
}

// Pick returns a random entry index, or an ErrConfig error when the registry is empty.
func (r *Registry) Pick() (int, error) {
	if len(r.entries) == 0 {
		return 0, fmt.Errorf("%w: no email domains configured", account.ErrConfig)
	}
	return rand.IntN(len(r.entries)), nil
}

// Redacted returns a copy of the entries with credentials masked.
func (r *Registry) Redacted() []DomainConfigEntry {
	out := make([]DomainConfigEntry, len(r.entries))
	for i, e := range r.entries {
		e.AdminCredential = "***"
		out[i] = e
	}
	return out
}
