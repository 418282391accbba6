package worker

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

const (
	acceptHTML  = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"
	acceptMedia = "image/*,video/*,*/*;q=0.5"
)

func parseHTML(op string, body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, pipeline.Permanent(op, fmt.Errorf("parse html: %w", err))
	}
	return doc, nil
}

// resolve turns href into an absolute http(s) URL relative to base. It
// reports false for empty, fragment-only and non-web links.
func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v := strings.TrimSpace(doc.Find(sel).First().AttrOr("content", "")); v != "" {
			return v
		}
	}
	return ""
}
