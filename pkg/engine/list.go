package engine

import (
	"context"
	"strings"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/gobwas/glob"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 200
)

// Status filter groups accepted besides the plain status names.
const (
	FilterCreating = "creating"
	FilterSuccess  = "success"
	FilterUpdating = "updating"
)

// Filter selects and paginates accounts.
type Filter struct {
	// Status is a status name or one of the Filter* groups. Empty matches all.
	Status string
	// Search is a case-insensitive substring of the email, or a glob
	// pattern when it contains any of "*?[".
	Search  string
	Page    int
	PerPage int
}

// Page is one page of accounts.
type Page struct {
	Accounts   []AccountView `json:"accounts"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	PerPage    int           `json:"per_page"`
	TotalPages int           `json:"total_pages"`
	Stats      Counts        `json:"stats"`
}

// ListAccounts returns the accounts matching f, oldest first.
func (e *Engine) ListAccounts(ctx context.Context, f Filter) (*Page, error) {
	accounts, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = DefaultPerPage
	}
	if f.PerPage > MaxPerPage {
		f.PerPage = MaxPerPage
	}
	match := searchMatcher(f.Search)

	page := &Page{Page: f.Page, PerPage: f.PerPage, Accounts: []AccountView{}}
	var matched []*account.Account
	for _, a := range accounts {
		page.Stats.add(a.Status)
		if !statusMatches(f.Status, a.Status) || !match(a.Email) {
			continue
		}
		matched = append(matched, a)
	}

	page.Total = len(matched)
	page.TotalPages = (page.Total + f.PerPage - 1) / f.PerPage
	start := (f.Page - 1) * f.PerPage
	if start >= len(matched) {
		return page, nil
	}
	end := min(start+f.PerPage, len(matched))
	for _, a := range matched[start:end] {
		page.Accounts = append(page.Accounts, e.view(a))
	}
	return page, nil
}

func statusMatches(filter string, s account.Status) bool {
	switch strings.ToLower(strings.TrimSpace(filter)) {
	case "":
		return true
	case FilterCreating:
		return s == account.StatusPending || s == account.StatusRegistering || s == account.StatusVerifying
	case FilterSuccess:
		return s == account.StatusActive
	case FilterUpdating:
		return s == account.StatusRefreshing
	default:
		return string(s) == strings.ToLower(strings.TrimSpace(filter))
	}
}

// searchMatcher builds the email predicate for a search term. A pattern that
// does not compile is matched as a plain substring.
func searchMatcher(search string) func(string) bool {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return func(string) bool { return true }
	}
	if strings.ContainsAny(search, "*?[") {
		if g, err := glob.Compile(search); err == nil {
			return func(email string) bool { return g.Match(email) }
		}
	}
	return func(email string) bool { return strings.Contains(email, search) }
}
