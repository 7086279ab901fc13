// Package extract turns raw index-page HTML into data-set keys and URLs.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/segin/efgrabber/internal/grabber"
)

// Link is one discovered artifact reference, deduplicated by key.
type Link struct {
	Key string
	URL string
}

// Extractor finds artifact links for a single data set. It is a pure
// function over HTML text: no I/O, identical output on repeated calls.
type Extractor struct {
	ds grabber.DataSetConfig
	// host is the fixed scheme+host used to absolutize relative hrefs.
	host        string
	linkPattern *regexp.Regexp
	keyPattern  *regexp.Regexp
}

// New builds an Extractor for the data set. The href must contain the
// data-set folder fragment (literal or URL-encoded space) followed by
// prefix + 8 digits + ".pdf"; matching is case-insensitive.
func New(ds grabber.DataSetConfig) (*Extractor, error) {
	host, err := fixedHost(ds)
	if err != nil {
		return nil, err
	}
	link := fmt.Sprintf(`(?i)dataset(?:%%20|\s)%d/.*%s\d{8}\.pdf$`,
		ds.ID, regexp.QuoteMeta(ds.KeyPrefix))
	linkPattern, err := regexp.Compile(link)
	if err != nil {
		return nil, fmt.Errorf("compile link pattern: %w", err)
	}
	keyPattern, err := regexp.Compile(
		fmt.Sprintf(`(?i)%s(\d{8})\.pdf`, regexp.QuoteMeta(ds.KeyPrefix)))
	if err != nil {
		return nil, fmt.Errorf("compile key pattern: %w", err)
	}
	return &Extractor{
		ds:          ds,
		host:        host,
		linkPattern: linkPattern,
		keyPattern:  keyPattern,
	}, nil
}

// Extract returns the deduplicated artifact links found in html, ordered by
// key. The first observation of a key wins.
func (e *Extractor) Extract(html string) ([]Link, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]struct{})
	var links []Link
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if !e.linkPattern.MatchString(href) {
			return
		}
		key, ok := e.keyFromHref(href)
		if !ok {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		links = append(links, Link{Key: key, URL: e.absolutize(href)})
	})

	sort.Slice(links, func(i, j int) bool { return links[i].Key < links[j].Key })
	return links, nil
}

func (e *Extractor) keyFromHref(href string) (string, bool) {
	m := e.keyPattern.FindStringSubmatch(href)
	if m == nil {
		return "", false
	}
	key := e.ds.KeyPrefix + m[1]
	if !grabber.ValidKey(e.ds.KeyPrefix, key) {
		return "", false
	}
	return key, true
}

// absolutize resolves an href against the fixed scheme+host, preserving any
// %20 encoding already present.
func (e *Extractor) absolutize(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if strings.HasPrefix(href, "/") {
		return e.host + href
	}
	return e.host + "/" + href
}

func fixedHost(ds grabber.DataSetConfig) (string, error) {
	for _, raw := range []string{ds.BaseURL, ds.FileURLBase} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		return u.Scheme + "://" + u.Host, nil
	}
	return "", fmt.Errorf("%w: data set %d has no absolute base URL", grabber.ErrConfig, ds.ID)
}
