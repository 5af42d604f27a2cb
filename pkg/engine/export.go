package engine

import (
	"context"
	"time"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/entrhq/accountforge/pkg/pipeline"
)

// Credential cookie names flattened into the export's legacy fields. They
// are filled when the target's credential cookies include them.
const (
	CookieSecureSES = "__Secure-C_SES"
	CookieHostOSES  = "__Host-C_OSES"
)

// ExportedAccount is the consumer-facing form of an active account.
type ExportedAccount struct {
	Available  bool   `json:"available"`
	Email      string `json:"email"`
	CSESIDX    string `json:"csesidx"`
	HostCOSES  string `json:"host_c_oses"`
	SecureCSES string `json:"secure_c_ses"`
	TeamID     string `json:"team_id"`
	UserAgent  string `json:"user_agent"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	// Cookies holds every configured credential cookie by name.
	Cookies map[string]string `json:"cookies"`
}

// Export is the export document.
type Export struct {
	Accounts []ExportedAccount `json:"accounts"`
}

// ExportActiveAccounts returns every active account whose credentials are
// complete: every cookie in the target's credential cookies plus the session
// index and team attributes. Accounts in any other status are never exported.
func (e *Engine) ExportActiveAccounts(ctx context.Context) (*Export, error) {
	accounts, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	ua := e.userAgent()
	out := &Export{Accounts: []ExportedAccount{}}
	for _, a := range accounts {
		if a.Status != account.StatusActive {
			continue
		}
		exp, ok := e.exported(a, ua)
		if !ok {
			continue
		}
		out.Accounts = append(out.Accounts, exp)
	}
	return out, nil
}

func (e *Engine) exported(a *account.Account, userAgent string) (ExportedAccount, bool) {
	creds := a.SessionCredentials
	idx := creds.Attributes[pipeline.AttrSessionIndex]
	team := creds.Attributes[pipeline.AttrTeamID]
	if idx == "" || team == "" {
		return ExportedAccount{}, false
	}
	names := e.cfg.Target.CredentialCookies
	cookies := make(map[string]string, len(names))
	for _, name := range names {
		v, ok := creds.Cookie(name)
		if !ok || v == "" {
			return ExportedAccount{}, false
		}
		cookies[name] = v
	}

	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = a.CreatedAt
	}
	return ExportedAccount{
		Available:  true,
		Email:      a.Email,
		CSESIDX:    idx,
		HostCOSES:  cookies[CookieHostOSES],
		SecureCSES: cookies[CookieSecureSES],
		TeamID:     team,
		UserAgent:  userAgent,
		CreatedAt:  a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  updated.Format(time.RFC3339),
		Cookies:    cookies,
	}, true
}
