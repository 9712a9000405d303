// Package identity derives stable fingerprints for scraped records so that
// re-scraping the same listing always targets the same stored product.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"CatalogPipeline/internal/cleaning"
	"CatalogPipeline/internal/domain"
)

// KeyVersion prefixes every key. Changing the derivation requires a new
// version so old and new fingerprints never collide.
const KeyVersion = "v1"

const (
	noURL   = "<no-url>"
	noPrice = "<no-price>"
)

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// Resolve returns the fingerprint for a raw record. It is total: every
// record, however incomplete, yields a fingerprint.
func Resolve(raw domain.RawRecord) domain.Fingerprint {
	sum := sha256.Sum256([]byte(Key(raw)))
	return domain.Fingerprint(hex.EncodeToString(sum[:]))
}

// Key returns the unhashed identity key, useful for debugging collisions.
func Key(raw domain.RawRecord) string {
	source := strings.ToLower(strings.TrimSpace(raw.Source))
	title := NormalizeTitle(raw.Title)

	if u := NormalizeURL(raw.SourceURL); u != "" {
		return strings.Join([]string{KeyVersion, "url", source, u}, "|")
	}
	if title != "" {
		return strings.Join([]string{KeyVersion, "title", source, title, priceBucket(raw.PriceText)}, "|")
	}
	return strings.Join([]string{KeyVersion, "raw", source, title, noURL, noPrice}, "|")
}

// NormalizeURL canonicalizes a listing URL. Relative or unparseable input
// is kept as trimmed lowercase text so it still identifies the listing
// within its source.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if port := u.Port(); port != "" && defaultPorts[u.Scheme] == port {
		u.Host = u.Hostname()
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	path := strings.TrimRight(u.EscapedPath(), "/")
	u.RawPath = ""
	if unescaped, err := url.PathUnescape(path); err == nil {
		u.Path = unescaped
	} else {
		u.Path = path
	}

	query := u.Query()
	for name := range query {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "utm_") || lower == "ref" {
			query.Del(name)
		}
	}
	u.RawQuery = encodeSorted(query)
	u.ForceQuery = false

	return u.String()
}

func encodeSorted(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// NormalizeTitle lowercases, strips punctuation and collapses whitespace.
func NormalizeTitle(title string) string {
	title = cleaning.CleanText(title)
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func priceBucket(text string) string {
	price, err := cleaning.ParsePrice(text)
	if err != nil {
		return noPrice
	}
	return strconv.FormatFloat(domain.RoundPrice(price), 'f', 2, 64)
}
