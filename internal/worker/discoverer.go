package worker

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// Discoverer fetches a listing page and returns the item links on it.
type Discoverer struct {
	fetcher  pipeline.Fetcher
	logger   *zap.Logger
	patterns sync.Map // pattern string -> *regexp.Regexp
}

var _ pipeline.Discoverer = (*Discoverer)(nil)

// NewDiscoverer wires a Discoverer.
func NewDiscoverer(fetcher pipeline.Fetcher, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{fetcher: fetcher, logger: logger}
}

// PageURL builds the listing URL for page of source. A "{page}" placeholder
// in the seed wins over PageParam.
func PageURL(source pipeline.Source, page int) (string, error) {
	if strings.Contains(source.SeedPage, "{page}") {
		return strings.ReplaceAll(source.SeedPage, "{page}", strconv.Itoa(page)), nil
	}
	if source.PageParam == "" {
		return "", fmt.Errorf("source %s: seed page has no {page} placeholder and no page_param", source.Name)
	}
	u, err := url.Parse(source.SeedPage)
	if err != nil {
		return "", fmt.Errorf("source %s: parse seed page: %w", source.Name, err)
	}
	q := u.Query()
	q.Set(source.PageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Discover returns the distinct absolute links on the page that match the
// source's link pattern, in document order. Without a pattern every link on
// the seed's host qualifies.
func (d *Discoverer) Discover(ctx context.Context, source pipeline.Source, page int) ([]string, error) {
	pageURL, err := PageURL(source, page)
	if err != nil {
		return nil, pipeline.Permanent("discover", err)
	}
	match, err := d.matcher(source)
	if err != nil {
		return nil, pipeline.Permanent("discover", err)
	}

	resp, err := d.fetcher.Fetch(ctx, pipeline.FetchRequest{URL: pageURL, Accept: acceptHTML})
	if err != nil {
		return nil, err
	}
	doc, err := parseHTML("discover", resp.Body)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(resp.URL)
	if err != nil || resp.URL == "" {
		base, _ = url.Parse(pageURL)
	}

	seen := make(map[string]struct{})
	links := make([]string, 0)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		link, ok := resolve(base, sel.AttrOr("href", ""))
		if !ok || !match(link) {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})

	d.logger.Debug("listing page parsed",
		zap.String("source", source.Name),
		zap.Int("page", page),
		zap.String("url", pageURL),
		zap.Int("links", len(links)),
	)
	return links, nil
}

func (d *Discoverer) matcher(source pipeline.Source) (func(string) bool, error) {
	if source.LinkPattern == "" {
		seed, err := url.Parse(strings.ReplaceAll(source.SeedPage, "{page}", "1"))
		if err != nil {
			return nil, fmt.Errorf("source %s: parse seed page: %w", source.Name, err)
		}
		host := seed.Hostname()
		return func(link string) bool {
			u, err := url.Parse(link)
			return err == nil && u.Hostname() == host
		}, nil
	}
	if cached, ok := d.patterns.Load(source.LinkPattern); ok {
		return cached.(*regexp.Regexp).MatchString, nil
	}
	re, err := regexp.Compile(source.LinkPattern)
	if err != nil {
		return nil, fmt.Errorf("source %s: link pattern: %w", source.Name, err)
	}
	d.patterns.Store(source.LinkPattern, re)
	return re.MatchString, nil
}
