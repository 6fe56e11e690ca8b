package htmlparse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/mattercrawl/engine/internal/crawlerr"
	"github.com/mattercrawl/engine/internal/domain"
)

// ParseDetail extracts the technical record from one product detail page.
// Fields the page does not carry stay nil; a page with no recognizable
// record at all is a parse error.
func ParseDetail(detailHTML, productURL string) (domain.ProductDetail, error) {
	doc, err := html.Parse(strings.NewReader(detailHTML))
	if err != nil {
		return domain.ProductDetail{}, crawlerr.New("htmlparse.ParseDetail", crawlerr.KindParseError, err)
	}

	pairs := collectLabelValuePairs(doc)
	if len(pairs) == 0 {
		return domain.ProductDetail{}, crawlerr.New("htmlparse.ParseDetail", crawlerr.KindParseError,
			fmt.Errorf("no recognizable detail fields on %s", productURL))
	}

	d := domain.ProductDetail{
		URL:         productURL,
		ProgramType: domain.DefaultProgramType,
	}
	for label, value := range pairs {
		if value == "" {
			continue
		}
		switch label {
		case "device type", "product type":
			d.DeviceType = domain.Str(value)
		case "vendor id", "vid":
			n, err := ParseHexInt(value)
			if err != nil {
				return domain.ProductDetail{}, crawlerr.New("htmlparse.ParseDetail", crawlerr.KindParseError,
					fmt.Errorf("vendor id %q on %s: %w", value, productURL, err))
			}
			d.VID = domain.Int(n)
		case "product id", "pid":
			n, err := ParseHexInt(value)
			if err != nil {
				return domain.ProductDetail{}, crawlerr.New("htmlparse.ParseDetail", crawlerr.KindParseError,
					fmt.Errorf("product id %q on %s: %w", value, productURL, err))
			}
			d.PID = domain.Int(n)
		case "certification date", "certified date":
			d.CertificationDate = domain.Str(value)
		case "software version":
			d.SoftwareVersion = domain.Str(value)
		case "hardware version":
			d.HardwareVersion = domain.Str(value)
		case "firmware version":
			d.FirmwareVersion = domain.Str(value)
		case "specification version":
			d.SpecificationVersion = domain.Str(value)
		case "transport interface", "transport":
			d.TransportInterface = domain.Str(value)
		case "application categories", "product category":
			cats := splitList(value)
			encoded, err := json.Marshal(cats)
			if err == nil {
				d.ApplicationCategories = domain.Str(string(encoded))
			}
		case "description":
			d.Description = domain.Str(value)
		case "program type", "certification type":
			d.ProgramType = value
		}
	}

	if docURL := findComplianceDocument(doc); docURL != "" {
		d.ComplianceDocumentURL = domain.Str(docURL)
	}
	if d.Description == nil {
		if desc := findDescription(doc); desc != "" {
			d.Description = domain.Str(desc)
		}
	}
	return d, nil
}

// ParseHexInt parses a numeric field that the source publishes either as a
// hex-prefixed form ("0x1234") or as plain decimal.
func ParseHexInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty numeric field")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseInt(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing hex %q: %w", s, err)
		}
		return int(n), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", s, err)
	}
	return int(n), nil
}

// collectLabelValuePairs gathers label/value text from the three layouts the
// site has used: table rows, definition lists, and "Label: Value" spans.
// Labels are lower-cased with trailing colons stripped; first sighting wins.
func collectLabelValuePairs(doc *html.Node) map[string]string {
	pairs := make(map[string]string)
	put := func(label, value string) {
		label = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(label), ":"))
		value = strings.TrimSpace(value)
		if label == "" {
			return
		}
		if _, exists := pairs[label]; !exists {
			pairs[label] = value
		}
	}

	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		switch n.Data {
		case "tr":
			cells := childElements(n, "td", "th")
			if len(cells) >= 2 {
				put(textContent(cells[0]), textContent(cells[1]))
			}
		case "dl":
			var lastLabel string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type != html.ElementNode {
					continue
				}
				switch c.Data {
				case "dt":
					lastLabel = textContent(c)
				case "dd":
					if lastLabel != "" {
						put(lastLabel, textContent(c))
						lastLabel = ""
					}
				}
			}
		case "li", "p", "div":
			if hasElementChildren(n) {
				return
			}
			text := textContent(n)
			if label, value, ok := strings.Cut(text, ":"); ok && len(label) < 40 {
				put(label, value)
			}
		}
	})
	return pairs
}

func childElements(n *html.Node, names ...string) []*html.Node {
	var out []*html.Node
	walk(n, func(c *html.Node) {
		if c.Type != html.ElementNode {
			return
		}
		for _, name := range names {
			if c.Data == name {
				out = append(out, c)
				return
			}
		}
	})
	return out
}

func hasElementChildren(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data != "span" && c.Data != "strong" && c.Data != "b" && c.Data != "a" {
			return true
		}
	}
	return false
}

func findComplianceDocument(doc *html.Node) string {
	var found string
	walk(doc, func(n *html.Node) {
		if found != "" || n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		href := attr(n, "href")
		if href == "" {
			return
		}
		label := strings.ToLower(textContent(n))
		if strings.Contains(label, "compliance") || strings.Contains(label, "declaration") ||
			strings.Contains(strings.ToLower(href), "compliance") {
			found = href
		}
	})
	return found
}

func findDescription(doc *html.Node) string {
	var found string
	walk(doc, func(n *html.Node) {
		if found != "" || n.Type != html.ElementNode {
			return
		}
		if n.Data == "div" || n.Data == "section" {
			class := strings.ToLower(attr(n, "class"))
			if strings.Contains(class, "description") {
				found = textContent(n)
			}
		}
	})
	return found
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
