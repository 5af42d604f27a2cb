package mailbox

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// CodeLength is the length of a verification code.
const CodeLength = 6

var (
	codePattern = regexp.MustCompile(`^[A-Za-z0-9]{6}$`)

	// Fallbacks for messages the HTML walk cannot make sense of, most specific first.
	codeFallbacks = []*regexp.Regexp{
		regexp.MustCompile(`(?is)class=["']?verification-code["']?[^>]*>([A-Z0-9]{6})</span>`),
		regexp.MustCompile(`(?is)verification-code[^>]*>([A-Z0-9]{6})<`),
		regexp.MustCompile(`(?is)>([A-Z0-9]{6})</span>`),
		regexp.MustCompile(`(?is)font-size:\s*28px[^>]*>([A-Z0-9]{6})<`),
	}

	linkKeywords = []string{"verify", "confirm"}

	softBreaks = strings.NewReplacer("=\r\n", "", "=\n", "", "=3D", "=")
)

// Extracted is what Extract found in a message.
type Extracted struct {
	Code string
	Link string
}

// Found reports whether a code or a link was found.
func (e Extracted) Found() bool {
	return e.Code != "" || e.Link != ""
}

// Clean undoes the quoted-printable soft line breaks and "=3D" escapes the
// mailbox leaves in raw messages.
func Clean(raw string) string {
	return softBreaks.Replace(raw)
}

// Extract looks for a verification code in a raw message, and for a
// verification link when there is no code.
func Extract(raw string) Extracted {
	content := Clean(raw)

	doc, err := html.Parse(strings.NewReader(content))
	if err == nil {
		if code := findCodeElement(doc); code != "" {
			return Extracted{Code: code}
		}
	}

	for _, re := range codeFallbacks {
		if m := re.FindStringSubmatch(content); m != nil {
			return Extracted{Code: strings.ToUpper(m[1])}
		}
	}

	if err == nil {
		if link := findLink(doc); link != "" {
			return Extracted{Link: link}
		}
	}
	return Extracted{}
}

// findCodeElement returns the code held by the first element whose class
// contains "verification-code".
func findCodeElement(n *html.Node) string {
	if n.Type == html.ElementNode && strings.Contains(strings.ToLower(attr(n, "class")), "verification-code") {
		text := strings.TrimSpace(textContent(n))
		if codePattern.MatchString(text) {
			return strings.ToUpper(text)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if code := findCodeElement(c); code != "" {
			return code
		}
	}
	return ""
}

// findLink returns the first anchor whose href looks like a verification link.
func findLink(n *html.Node) string {
	if n.Type == html.ElementNode && strings.EqualFold(n.Data, "a") {
		href := strings.TrimSpace(attr(n, "href"))
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "http") {
			for _, kw := range linkKeywords {
				if strings.Contains(lower, kw) {
					return href
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if link := findLink(c); link != "" {
			return link
		}
	}
	return ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}
