// Package extract pulls structured product data out of rendered product
// pages. Everything here is deterministic: CSS selectors first, then
// JSON-LD blocks, then regex patterns over inline scripts. No field is
// ever invented; absent data stays empty.
package extract

import (
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Allowed values for the classification fields. Anything else is dropped
// to null rather than passed through.
var (
	ValidCategories = map[string]bool{
		"top": true, "bottom": true, "outerwear": true,
		"footwear": true, "full_body": true, "accessory": true,
	}
	ValidGenders = map[string]bool{
		"masculine": true, "feminine": true, "unisex": true,
	}
)

// Product is the scrape result for one product page.
type Product struct {
	Name        string  `json:"product_name"`
	Brand       string  `json:"brand"`
	Description string  `json:"description"`
	Price       string  `json:"price"`
	Currency    string  `json:"currency"`
	Category    *string `json:"category"`
	Gender      *string `json:"gender_target"`

	ImageURL string   `json:"image_url"`
	Images   []string `json:"images,omitempty"`
	Sizes    []string `json:"sizes_available"`

	ProductURL   string    `json:"product_url"`
	SourceDomain string    `json:"source_domain"`
	ScrapedAt    time.Time `json:"scraped_at"`
}

var (
	titleSelectors = []string{"h1", ".product-name", ".pdp-title", "[itemprop='name']"}
	priceSelectors = []string{"[itemprop='price']", ".price", ".product-price"}
	descSelectors  = []string{".description", ".product-description", ".pdp-description"}

	pricePatterns = []*regexp.Regexp{
		regexp.MustCompile(`"price"\s*:\s*"([^"]+)"`),
		regexp.MustCompile(`"price":\s*([0-9]+\.[0-9]+)`),
		regexp.MustCompile(`"nowPrice"\s*:\s*"([^"]+)"`),
		regexp.MustCompile(`"salePrice"\s*:\s*"([^"]+)"`),
		regexp.MustCompile(`"unitPrice"\s*:\s*"([^"]+)"`),
		regexp.MustCompile(`"currentPrice"\s*:\s*"([^"]+)"`),
		regexp.MustCompile(`"regularPrice"\s*:\s*"([^"]+)"`),
		regexp.MustCompile(`"value"\s*:\s*"([£$€][0-9.,]+)"`),
	}
)

// FromHTML extracts product data from a rendered page. pageURL is the URL
// the page was fetched from; it feeds the brand fallback, image scoring
// and source_domain.
func FromHTML(html, pageURL string) (*Product, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	host := hostnameOf(pageURL)
	title := firstText(doc, titleSelectors)

	p := &Product{
		Name:         title,
		Brand:        detectBrand(doc, host),
		Description:  firstText(doc, descSelectors),
		Price:        detectPrice(doc, html),
		Images:       productImages(doc, pageURL, title),
		Sizes:        detectSizes(doc),
		ProductURL:   pageURL,
		SourceDomain: host,
		ScrapedAt:    time.Now().UTC(),
	}
	if len(p.Images) > 0 {
		p.ImageURL = p.Images[0]
	}
	p.Currency = detectCurrency(p.Price, host)

	if cat, ok := jsonLDString(doc, "category"); ok {
		cat = strings.ToLower(strings.TrimSpace(cat))
		if ValidCategories[cat] {
			p.Category = &cat
		}
	}
	return p, nil
}

func hostnameOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return u.Hostname()
}

// firstText returns the trimmed text of the first selector that matches a
// non-empty element.
func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

// detectBrand reads brand from JSON-LD first and falls back to the domain
// name with common geo/shop fragments stripped.
func detectBrand(doc *goquery.Document, host string) string {
	if brand, ok := jsonLDBrand(doc); ok {
		return strings.TrimSpace(brand)
	}

	domain := strings.TrimPrefix(host, "www.")
	first, _, _ := strings.Cut(domain, ".")
	for _, frag := range []string{"uk", "us", "eu", "co", "shop"} {
		first = strings.ReplaceAll(first, frag, "")
	}
	first = strings.TrimSpace(first)
	if first == "" {
		return ""
	}
	return strings.ToUpper(first[:1]) + first[1:]
}

// detectPrice tries visible price elements, then script regex patterns,
// then JSON-LD offers.
func detectPrice(doc *goquery.Document, html string) string {
	if price := firstText(doc, priceSelectors); price != "" {
		return price
	}
	for _, re := range pricePatterns {
		if m := re.FindStringSubmatch(html); m != nil {
			return m[1]
		}
	}
	if price, ok := jsonLDOfferPrice(doc); ok {
		return price
	}
	return ""
}

// detectCurrency infers the currency from the price symbol, then the
// source domain's TLD, defaulting to GBP.
func detectCurrency(price, host string) string {
	switch {
	case strings.Contains(price, "€"):
		return "EUR"
	case strings.Contains(price, "$"):
		return "USD"
	case strings.Contains(price, "£"):
		return "GBP"
	}
	if strings.Contains(host, ".co.uk") || strings.HasSuffix(host, ".uk") {
		return "GBP"
	}
	for _, tld := range []string{".de", ".fr", ".es", ".it"} {
		if strings.Contains(host, tld) {
			return "EUR"
		}
	}
	return "GBP"
}

// jsonLDBlocks decodes every application/ld+json script into generic JSON.
func jsonLDBlocks(doc *goquery.Document) []any {
	var blocks []any
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var data any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &data); err != nil {
			return
		}
		blocks = append(blocks, data)
	})
	return blocks
}

// jsonLDObjects flattens blocks into their top-level objects.
func jsonLDObjects(doc *goquery.Document) []map[string]any {
	var objs []map[string]any
	for _, block := range jsonLDBlocks(doc) {
		switch v := block.(type) {
		case map[string]any:
			objs = append(objs, v)
		case []any:
			for _, item := range v {
				if obj, ok := item.(map[string]any); ok {
					objs = append(objs, obj)
				}
			}
		}
	}
	return objs
}

func jsonLDBrand(doc *goquery.Document) (string, bool) {
	for _, obj := range jsonLDObjects(doc) {
		brand, present := obj["brand"]
		if !present {
			continue
		}
		switch b := brand.(type) {
		case string:
			if b != "" {
				return b, true
			}
		case map[string]any:
			if name, ok := b["name"].(string); ok && name != "" {
				return name, true
			}
		}
	}
	return "", false
}

func jsonLDOfferPrice(doc *goquery.Document) (string, bool) {
	for _, obj := range jsonLDObjects(doc) {
		offers, ok := obj["offers"].(map[string]any)
		if !ok {
			continue
		}
		switch price := offers["price"].(type) {
		case string:
			if price != "" {
				return price, true
			}
		case float64:
			return strconv.FormatFloat(price, 'f', -1, 64), true
		}
	}
	return "", false
}

func jsonLDString(doc *goquery.Document, key string) (string, bool) {
	for _, obj := range jsonLDObjects(doc) {
		if v, ok := obj[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// Size tokens accepted verbatim (case-insensitive).
var validSizeWords = map[string]bool{
	"XXXS": true, "XXS": true, "XS": true, "S": true, "M": true, "L": true,
	"XL": true, "XXL": true, "XXXL": true, "3XL": true, "4XL": true, "5XL": true,
	"ONE SIZE": true, "ONESIZE": true, "OS": true,
	"S/M": true, "M/L": true, "L/XL": true,
}

var twoDigit = regexp.MustCompile(`^\d{2}$`)

// isValidSizeToken accepts alpha sizes and two-digit numeric sizes in the
// 20-60 waist range.
func isValidSizeToken(token string) bool {
	t := strings.ToUpper(strings.TrimSpace(token))
	if t == "" {
		return false
	}
	if validSizeWords[t] || validSizeWords[strings.ReplaceAll(t, " ", "")] {
		return true
	}
	if twoDigit.MatchString(t) {
		return t >= "20" && t <= "60"
	}
	return false
}

// detectSizes sweeps size widgets: buttons, aria labels, radio inputs and
// dropdown options. Returns a sorted, deduplicated list.
func detectSizes(doc *goquery.Document) []string {
	found := make(map[string]bool)
	add := func(token string) {
		if isValidSizeToken(token) {
			found[strings.ToUpper(strings.TrimSpace(token))] = true
		}
	}

	doc.Find("button, .size, .size-button, .swatch__option").Each(func(_ int, s *goquery.Selection) {
		add(s.Text())
	})
	doc.Find("button[aria-label]").Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("aria-label"); ok {
			add(v)
		}
	})
	doc.Find(`input[type="radio"], input[type="button"]`).Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"value", "data-value", "data-option", "aria-label"} {
			if v, ok := s.Attr(attr); ok {
				add(v)
			}
		}
	})
	doc.Find("select option").Each(func(_ int, s *goquery.Selection) {
		add(s.Text())
	})

	if len(found) == 0 {
		return nil
	}
	sizes := make([]string, 0, len(found))
	for s := range found {
		sizes = append(sizes, s)
	}
	sort.Strings(sizes)
	return sizes
}

// NormalizeCategory drops values outside the allowlist to nil.
func NormalizeCategory(v *string) *string {
	if v == nil || !ValidCategories[*v] {
		return nil
	}
	return v
}

// NormalizeGender drops values outside the allowlist to nil.
func NormalizeGender(v *string) *string {
	if v == nil || !ValidGenders[*v] {
		return nil
	}
	return v
}
