// Package account defines the account record managed by the lifecycle engine,
// its status machine and the error taxonomy shared by every component.
package account

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an account.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRegistering Status = "registering"
	StatusVerifying   Status = "verifying"
	StatusActive      Status = "active"
	StatusRefreshing  Status = "refreshing"
	StatusFailed      Status = "failed"
	StatusExpired     Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRegistering, StatusVerifying, StatusActive,
		StatusRefreshing, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Transient reports whether s is an in-progress state that a job must leave.
func (s Status) Transient() bool {
	switch s {
	case StatusPending, StatusRegistering, StatusVerifying, StatusRefreshing:
		return true
	}
	return false
}

// HoldsCredentials reports whether an account in status s carries session credentials.
func (s Status) HoldsCredentials() bool {
	return s == StatusActive || s == StatusRefreshing
}

// Cookie is one browser cookie captured from or installed into a session.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// SessionCredentials is the opaque credential set that keeps an account signed in.
type SessionCredentials struct {
	Cookies    []Cookie          `json:"cookies,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsEmpty reports whether no credential material is present.
func (c SessionCredentials) IsEmpty() bool {
	return len(c.Cookies) == 0 && len(c.Attributes) == 0
}

// Cookie returns the value of the named cookie.
func (c SessionCredentials) Cookie(name string) (string, bool) {
	for _, ck := range c.Cookies {
		if ck.Name == name {
			return ck.Value, true
		}
	}
	return "", false
}

// Merge overlays rotated values from next onto c and returns the result.
// Cookies and attributes present in next replace those with the same key.
func (c SessionCredentials) Merge(next SessionCredentials) SessionCredentials {
	out := c.clone()
	for _, ck := range next.Cookies {
		replaced := false
		for i := range out.Cookies {
			if out.Cookies[i].Name == ck.Name {
				out.Cookies[i] = ck
				replaced = true
				break
			}
		}
		if !replaced {
			out.Cookies = append(out.Cookies, ck)
		}
	}
	for k, v := range next.Attributes {
		if out.Attributes == nil {
			out.Attributes = make(map[string]string, len(next.Attributes))
		}
		out.Attributes[k] = v
	}
	return out
}

func (c SessionCredentials) clone() SessionCredentials {
	var out SessionCredentials
	if len(c.Cookies) > 0 {
		out.Cookies = make([]Cookie, len(c.Cookies))
		copy(out.Cookies, c.Cookies)
	}
	if len(c.Attributes) > 0 {
		out.Attributes = make(map[string]string, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Account is the persisted record for one externally hosted account.
type Account struct {
	Email              string             `json:"email"`
	DomainIndex        int                `json:"domain_index"`
	Status             Status             `json:"status"`
	SessionCredentials SessionCredentials `json:"session_credentials"`
	MailboxToken       string             `json:"mailbox_token,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	LastRefreshedAt    time.Time          `json:"last_refreshed_at,omitempty"`
	LastError          string             `json:"last_error,omitempty"`
	RetryCount         int                `json:"retry_count"`
}

// New returns a pending account for email bound to the given domain entry.
func New(email string, domainIndex int, now time.Time) *Account {
	return &Account{
		Email:       NormalizeEmail(email),
		DomainIndex: domainIndex,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NormalizeEmail trims and lower-cases an address so it can be used as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Domain returns the part of the address after the last '@'.
func Domain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// Clone returns a deep copy of a.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	out.SessionCredentials = a.SessionCredentials.clone()
	return &out
}

// Validate checks the record invariants.
func (a *Account) Validate() error {
	if a.Email == "" || Domain(a.Email) == "" {
		return fmt.Errorf("invalid account email %q", a.Email)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("account %s: unknown status %q", a.Email, a.Status)
	}
	if a.DomainIndex < 0 {
		return fmt.Errorf("account %s: negative domain index %d", a.Email, a.DomainIndex)
	}
	hasCreds := !a.SessionCredentials.IsEmpty()
	if hasCreds != a.Status.HoldsCredentials() {
		if hasCreds {
			return fmt.Errorf("account %s: status %s must not hold session credentials", a.Email, a.Status)
		}
		return fmt.Errorf("account %s: status %s requires session credentials", a.Email, a.Status)
	}
	return nil
}

// Transition moves a to status s, dropping credentials for statuses that cannot hold them.
func (a *Account) Transition(s Status, now time.Time) {
	a.Status = s
	a.UpdatedAt = now
	if !s.HoldsCredentials() {
		a.SessionCredentials = SessionCredentials{}
	}
}

// ApplySuccess records a completed registration or refresh.
func ApplySuccess(a *Account, creds SessionCredentials, now time.Time) {
	a.Status = StatusActive
	a.SessionCredentials = creds.clone()
	a.LastError = ""
	a.RetryCount = 0
	a.LastRefreshedAt = now
	a.UpdatedAt = now
}

// ApplyFailure records a failed attempt. Expired sessions move to expired,
// everything else to failed; credentials are dropped in both cases.
func ApplyFailure(a *Account, err error, now time.Time) {
	status := StatusFailed
	if IsAuthExpired(err) {
		status = StatusExpired
	}
	a.Transition(status, now)
	if err != nil {
		a.LastError = err.Error()
	}
	a.RetryCount++
}
