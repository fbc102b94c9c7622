package listing

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// wrapperKeys are the object keys a structured listing may nest its entries
// under, checked in order.
var wrapperKeys = []string{"files", "items", "data", "links", "urls", "entries", "results"}

// refFields are the equivalent reference fields of a structured entry,
// checked in priority order.
var refFields = []string{"url", "href", "link", "download_url", "file", "path", "src"}

// Extractor turns a fetched listing body into candidate file references.
type Extractor struct {
	supported map[string]struct{}
}

// NewExtractor creates an extractor that accepts the given file extensions.
func NewExtractor(supportedExtensions []string) *Extractor {
	return &Extractor{supported: NormalizeExtensions(supportedExtensions)}
}

// NormalizeExtensions lowercases extensions and ensures a leading dot.
func NormalizeExtensions(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))

	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}

		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}

		set[ext] = struct{}{}
	}

	return set
}

// Extract parses the body according to its declared content kind and returns
// the absolute, validated candidate references, deduplicated in order of
// first occurrence. Malformed individual entries are dropped, never reported;
// extraction itself does not fail.
func (e *Extractor) Extract(body []byte, contentKind string, base *url.URL) []string {
	var candidates []string

	switch {
	case kindIs(contentKind, "json"):
		candidates = extractJSON(body)
	case kindIs(contentKind, "plain"):
		candidates = extractText(body)
	default:
		// Hypertext, and the best-effort fallback for unrecognized kinds.
		candidates = extractHTML(body)
	}

	seen := make(map[string]struct{}, len(candidates))
	refs := make([]string, 0, len(candidates))

	for _, candidate := range candidates {
		ref, ok := e.resolve(candidate, base)
		if !ok {
			continue
		}

		if _, dup := seen[ref]; dup {
			continue
		}

		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	return refs
}

// resolve makes the candidate absolute against base and validates it:
// http(s) scheme, and when the path carries an extension it must be a
// supported one. Extensionless paths pass, covering API-style endpoints.
func (e *Extractor) resolve(candidate string, base *url.URL) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", false
	}

	var (
		u   *url.URL
		err error
	)

	if base != nil {
		u, err = base.Parse(candidate)
	} else {
		u, err = url.Parse(candidate)
	}

	if err != nil {
		return "", false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}

	if ext := strings.ToLower(path.Ext(u.Path)); ext != "" {
		if _, ok := e.supported[ext]; !ok {
			return "", false
		}
	}

	return u.String(), true
}

func extractJSON(body []byte) []string {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}

	entries, ok := payload.([]any)
	if !ok {
		wrapper, isObject := payload.(map[string]any)
		if !isObject {
			return nil
		}

		for _, key := range wrapperKeys {
			if nested, found := wrapper[key].([]any); found {
				entries = nested

				break
			}
		}
	}

	candidates := make([]string, 0, len(entries))

	for _, entry := range entries {
		switch v := entry.(type) {
		case string:
			candidates = append(candidates, v)
		case map[string]any:
			for _, field := range refFields {
				if ref, ok := v[field].(string); ok && ref != "" {
					candidates = append(candidates, ref)

					break
				}
			}
		}
	}

	return candidates
}

func extractHTML(body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var candidates []string

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, exists := s.Attr("href"); exists && !isLinkNoise(href) {
			candidates = append(candidates, href)
		}
	})

	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		if src, exists := s.Attr("src"); exists && !isLinkNoise(src) {
			candidates = append(candidates, src)
		}
	})

	return candidates
}

func extractText(body []byte) []string {
	lines := strings.Split(string(body), "\n")
	candidates := make([]string, 0, len(lines))

	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			candidates = append(candidates, line)
		}
	}

	return candidates
}

// isLinkNoise filters hrefs that can never resolve to a fetchable reference.
func isLinkNoise(href string) bool {
	href = strings.ToLower(strings.TrimSpace(href))

	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}

	for _, scheme := range []string{"javascript:", "mailto:", "tel:", "sms:", "ftp:", "data:"} {
		if strings.HasPrefix(href, scheme) {
			return true
		}
	}

	return false
}

func kindIs(contentKind, fragment string) bool {
	mediaType, _, err := mime.ParseMediaType(contentKind)
	if err != nil {
		mediaType = contentKind
	}

	return strings.Contains(strings.ToLower(mediaType), fragment)
}
