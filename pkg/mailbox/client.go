package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/entrhq/accountforge/pkg/config"
)

const (
	// AdminAuthHeader carries the per-domain admin credential.
	AdminAuthHeader = "x-admin-auth"

	// DefaultRequestTimeout bounds a single admin API request.
	DefaultRequestTimeout = 30 * time.Second

	// pollLimit is the number of most recent messages fetched per poll.
	pollLimit = 10

	maxResponseBytes = 4 << 20
)

// Payload is a verification artifact found in the mailbox.
type Payload struct {
	Code       string
	Link       string
	MessageID  string
	ReceivedAt time.Time
}

// Poller checks a mailbox once for a verification payload.
type Poller interface {
	// Poll returns nil, nil when no matching message has arrived yet.
	Poll(ctx context.Context, email string, domainIndex int, since time.Time) (*Payload, error)
}

// Client talks to the mailbox admin API of each configured domain.
type Client struct {
	registry *config.Registry
	http     *http.Client
}

// NewClient creates a client. A nil httpClient gets DefaultRequestTimeout.
func NewClient(registry *config.Registry, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &Client{registry: registry, http: httpClient}
}

type message struct {
	ID        json.RawMessage `json:"id"`
	Raw       string          `json:"raw"`
	CreatedAt string          `json:"created_at"`
}

type mailsResponse struct {
	Results []message `json:"results"`
}

type newAddressRequest struct {
	EnablePrefix bool   `json:"enablePrefix"`
	Name         string `json:"name"`
	Domain       string `json:"domain"`
}

type newAddressResponse struct {
	JWT     string `json:"jwt"`
	Address string `json:"address"`
}

// Poll fetches the latest messages for email and returns the newest
// verification payload received at or after since.
func (c *Client) Poll(ctx context.Context, email string, domainIndex int, since time.Time) (*Payload, error) {
	entry, err := c.registry.Entry(domainIndex)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("limit", fmt.Sprint(pollLimit))
	q.Set("offset", "0")
	q.Set("address", email)
	endpoint := baseURL(entry.MailboxEndpoint) + "/admin/mails?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build mailbox request: %w", err)
	}
	var resp mailsResponse
	if err := c.do(req, entry.AdminCredential, &resp); err != nil {
		return nil, err
	}

	var best *Payload
	for _, m := range resp.Results {
		received, ok := parseTimestamp(m.CreatedAt)
		if ok && !since.IsZero() && received.Before(since) {
			continue
		}
		found := Extract(m.Raw)
		if !found.Found() {
			continue
		}
		if best != nil && !received.After(best.ReceivedAt) {
			continue
		}
		best = &Payload{
			Code:       found.Code,
			Link:       found.Link,
			MessageID:  strings.Trim(string(m.ID), `"`),
			ReceivedAt: received,
		}
	}
	return best, nil
}

// CreateAddress creates a mailbox address named name on the given domain and
// returns the address and its access token.
func (c *Client) CreateAddress(ctx context.Context, domainIndex int, name string) (string, string, error) {
	entry, err := c.registry.Entry(domainIndex)
	if err != nil {
		return "", "", err
	}
	if name == "" {
		name = RandomName()
	}

	body, err := json.Marshal(newAddressRequest{EnablePrefix: true, Name: name, Domain: entry.EmailDomain})
	if err != nil {
		return "", "", fmt.Errorf("failed to encode address request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(entry.MailboxEndpoint)+"/admin/new_address", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("failed to build mailbox request: %w", err)
	}

	var resp newAddressResponse
	if err := c.do(req, entry.AdminCredential, &resp); err != nil {
		return "", "", err
	}
	if resp.Address == "" {
		return "", "", fmt.Errorf("mailbox returned no address for %q", name)
	}
	return strings.ToLower(resp.Address), resp.JWT, nil
}

func (c *Client) do(req *http.Request, credential string, out any) error {
	req.Header.Set(AdminAuthHeader, credential)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mailbox request failed: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read mailbox response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("mailbox %s %s returned status %d", req.Method, req.URL.Path, res.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode mailbox response: %w", err)
	}
	return nil
}

// baseURL turns a configured endpoint into a URL prefix. Bare hosts get https.
func baseURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseTimestamp parses the mailbox's created_at. Timestamps without a zone are UTC.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

const (
	lowerLetters = "abcdefghijklmnopqrstuvwxyz"
	digits       = "0123456789"
)

// RandomName returns a mailbox name of four letters, two digits and three letters.
func RandomName() string {
	var b strings.Builder
	b.Grow(9)
	pick := func(set string, n int) {
		for range n {
			b.WriteByte(set[rand.IntN(len(set))])
		}
	}
	pick(lowerLetters, 4)
	pick(digits, 2)
	pick(lowerLetters, 3)
	return b.String()
}
