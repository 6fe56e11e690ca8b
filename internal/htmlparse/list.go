// Package htmlparse extracts the engine's inputs from the target site's
// HTML: product links and pagination depth from listing pages, and the full
// technical record from detail pages. Selectors here are the one
// site-specific surface; everything upstream consumes the extracted values
// only.
package htmlparse

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/mattercrawl/engine/internal/crawlerr"
)

// ProductLink is one discovered product URL with its position on the
// physical page it was found on.
type ProductLink struct {
	URL             string
	IndexInPhysical int
}

const productPathMarker = "/csa_product/"

// ExtractProductLinks returns the product URLs on a listing page in
// document order, absolute and de-duplicated. baseURL resolves relative
// hrefs.
func ExtractProductLinks(listHTML, baseURL string) ([]ProductLink, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, crawlerr.New("htmlparse.ExtractProductLinks", crawlerr.KindParseError,
			fmt.Errorf("parsing base url %q: %w", baseURL, err))
	}
	doc, err := html.Parse(strings.NewReader(listHTML))
	if err != nil {
		return nil, crawlerr.New("htmlparse.ExtractProductLinks", crawlerr.KindParseError, err)
	}

	seen := make(map[string]struct{})
	var links []ProductLink
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		href := attr(n, "href")
		if href == "" || !strings.Contains(href, productPathMarker) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		key := abs.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		links = append(links, ProductLink{URL: key, IndexInPhysical: len(links)})
	})
	return links, nil
}

var pagePathRe = regexp.MustCompile(`/page/(\d+)/?`)

// DiscoverTotalPages scans a listing page for the deepest /page/<N>/
// reference. A page with no pagination links is a one-page site.
func DiscoverTotalPages(listHTML string) (int, error) {
	doc, err := html.Parse(strings.NewReader(listHTML))
	if err != nil {
		return 0, crawlerr.New("htmlparse.DiscoverTotalPages", crawlerr.KindParseError, err)
	}
	max := 1
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		href := attr(n, "href")
		m := pagePathRe.FindStringSubmatch(href)
		if m == nil {
			return
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	})
	return max, nil
}

func walk(n *html.Node, visit func(*html.Node)) {
	visit(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	})
	return strings.Join(strings.Fields(b.String()), " ")
}
