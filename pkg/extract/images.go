package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var imageExts = []string{".jpg", ".jpeg", ".png", ".webp", ".avif", ".gif"}

// Substrings that mark a URL as UI chrome, payment badges, social icons or
// layout assets rather than product imagery.
var imageBlocklist = []string{
	"visa", "mastercard", "maestro", "amex", "americanexpress",
	"paypal", "klarna", "afterpay", "clearpay", "trustpilot",
	"applepay", "googlepay", "payment", "secure",
	"facebook", "instagram", "youtube", "tiktok", "twitter", "x-logo",
	"logo", "sprite", "icon", "favicon", "placeholder", "noimage",
	"search", "menu", "hamburger", "cart", "basket", "bag", "close",
	"arrow", "chevron", "caret", "scroll", "slider",
	"banner", "promo", "offer", "ads", "advert",
	"footer", "header",
	"flag", "country-",
}

var productKeywords = []string{
	"product", "pdp", "gallery", "image", "main", "hero",
	"shoe", "trainer", "sneaker", "boot",
	"jacket", "coat", "hoodie", "tee", "t-shirt", "shirt",
	"dress", "skirt", "trouser", "shorts", "jeans", "pant",
	"bag", "cap", "hat", "backpack",
}

var (
	tokenRe       = regexp.MustCompile(`[a-z0-9]+`)
	backgroundURL = regexp.MustCompile(`(?i)url\(["']?(.*?)["']?\)`)
)

type imageCandidate struct {
	src       string
	area      int
	score     int
	alt       string
	class     string
	inPicture bool
}

// productImages collects every image-like URL on the page and scores it
// for being the product photo: size hints, <picture> membership, semantic
// keywords in alt/class, and token overlap with the URL slug and title.
func productImages(doc *goquery.Document, pageURL, title string) []string {
	slugTokens := tokenSet(lastPathSegment(pageURL))
	titleTokens := tokenSet(title)

	var raw []imageCandidate
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := firstAttr(s, "src", "data-src", "data-original", "data-zoom-image", "data-lazy")
		raw = append(raw, imageCandidate{
			src:       src,
			area:      attrArea(s),
			alt:       strings.ToLower(s.AttrOr("alt", "")),
			class:     strings.ToLower(s.AttrOr("class", "")),
			inPicture: s.ParentsFiltered("picture").Length() > 0,
		})
	})
	doc.Find("picture source").Each(func(_ int, s *goquery.Selection) {
		raw = append(raw, imageCandidate{
			src:       lastSrcsetCandidate(s.AttrOr("srcset", "")),
			class:     strings.ToLower(s.AttrOr("class", "")),
			inPicture: true,
		})
	})
	doc.Find(`[style*="background-image"]`).Each(func(_ int, s *goquery.Selection) {
		var src string
		if m := backgroundURL.FindStringSubmatch(s.AttrOr("style", "")); m != nil {
			src = m[1]
		}
		raw = append(raw, imageCandidate{
			src:   src,
			class: strings.ToLower(s.AttrOr("class", "")),
		})
	})

	seen := make(map[string]bool)
	var candidates []imageCandidate
	for _, c := range raw {
		src := strings.TrimSpace(c.src)
		if src == "" {
			continue
		}
		if strings.HasPrefix(src, "//") {
			src = "https:" + src
		}
		if !strings.HasPrefix(src, "http") {
			continue
		}

		srcL := strings.ToLower(src)
		if containsAny(srcL, imageBlocklist) {
			continue
		}
		if !looksLikeImage(srcL) {
			continue
		}
		if seen[src] {
			continue
		}
		seen[src] = true

		c.src = src
		c.score = scoreImage(c, srcL, slugTokens, titleTokens)
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].area > candidates[j].area
	})

	var positive []string
	for _, c := range candidates {
		if c.score > 0 {
			positive = append(positive, c.src)
		}
	}
	if len(positive) > 0 {
		if len(positive) > 10 {
			positive = positive[:10]
		}
		return positive
	}

	// Nothing scored: fall back to the largest few.
	n := len(candidates)
	if n > 5 {
		n = 5
	}
	fallback := make([]string, 0, n)
	for _, c := range candidates[:n] {
		fallback = append(fallback, c.src)
	}
	return fallback
}

func scoreImage(c imageCandidate, srcL string, slugTokens, titleTokens map[string]bool) int {
	score := 0

	switch {
	case c.area >= 800*800:
		score += 8
	case c.area >= 600*600:
		score += 6
	case c.area >= 400*400:
		score += 4
	case c.area >= 200*200:
		score += 2
	default:
		// Small or unsized images need a semantic hint to stay in.
		if containsAny(c.alt, productKeywords) || containsAny(c.class, productKeywords) {
			score++
		}
	}

	if c.inPicture {
		score += 3
	}
	if containsAny(c.alt, productKeywords) {
		score += 2
	}
	if containsAny(c.class, productKeywords) {
		score += 2
	}

	nameTokens := tokenSet(srcL)
	if overlap(nameTokens, slugTokens) >= 2 {
		score += 2
	}
	if overlap(nameTokens, titleTokens) >= 1 {
		score++
	}
	return score
}

func looksLikeImage(srcL string) bool {
	for _, ext := range imageExts {
		if strings.HasSuffix(srcL, ext) || strings.Contains(srcL, ext) {
			return true
		}
	}
	// Extension-less CDN URLs pass unless they are clearly other assets.
	for _, ext := range []string{".css", ".js", ".json", ".svg"} {
		if strings.Contains(srcL, ext) {
			return false
		}
	}
	return true
}

func firstAttr(s *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v, ok := s.Attr(name); ok && v != "" {
			return v
		}
	}
	return ""
}

func attrArea(s *goquery.Selection) int {
	w, _ := strconv.Atoi(s.AttrOr("width", "0"))
	h, _ := strconv.Atoi(s.AttrOr("height", "0"))
	return w * h
}

// lastSrcsetCandidate returns the URL of the last (usually largest)
// srcset entry.
func lastSrcsetCandidate(srcset string) string {
	parts := strings.Split(srcset, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		entry := strings.TrimSpace(parts[i])
		if entry == "" {
			continue
		}
		url, _, _ := strings.Cut(entry, " ")
		return url
	}
	return ""
}

func lastPathSegment(raw string) string {
	raw, _, _ = strings.Cut(raw, "?")
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(s), -1) {
		out[tok] = true
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for tok := range a {
		if b[tok] {
			n++
		}
	}
	return n
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
