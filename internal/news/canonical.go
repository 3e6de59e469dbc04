package news

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

var trackingParams = map[string]struct{}{
	"fbclid": {}, "gclid": {}, "ref": {}, "ref_src": {}, "igshid": {}, "cmpid": {},
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	if strings.HasPrefix(k, "utm_") || strings.HasPrefix(k, "mc_") {
		return true
	}
	_, ok := trackingParams[k]
	return ok
}

// CanonicalURL reduces a link to the form used for deduplication: scheme and
// default port dropped, host lowercased without "www.", fragment and
// tracking parameters removed, remaining query sorted, trailing slash trimmed.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := hostOnly(u.Host)
	if host == "" {
		return "", fmt.Errorf("missing host")
	}
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host = net.JoinHostPort(host, port)
	}

	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		if isTrackingParam(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(host)
	b.WriteString(strings.TrimRight(u.EscapedPath(), "/"))
	for i, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for j, v := range vals {
			if i == 0 && j == 0 {
				b.WriteByte('?')
			} else {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String(), nil
}

// ArticleID is the sha1 hex digest of the canonical URL.
func ArticleID(rawURL string) (string, error) {
	canon, err := CanonicalURL(rawURL)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

// SourceDomain returns the lowercase host of rawURL without "www.".
func SourceDomain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return hostOnly(u.Host)
}

func hostOnly(hostport string) string {
	h := strings.ToLower(hostport)
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	h = strings.TrimSuffix(h, ".")
	return strings.TrimPrefix(h, "www.")
}

// DomainMatches reports whether host equals domain or is one of its subdomains.
func DomainMatches(host, domain string) bool {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "www."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
