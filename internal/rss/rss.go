package rss

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/deusflow/clearfeed/internal/news"
)

// CatalogConfig is the YAML layout of the feeds catalog:
//
//	categories:
//	  science:
//	    - https://www.nasa.gov/feed/
//	blocked_keywords: [war, ...]
//	blocked_domains: [example.com, ...]
type CatalogConfig struct {
	Categories      map[string][]string `yaml:"categories"`
	BlockedKeywords []string            `yaml:"blocked_keywords"`
	BlockedDomains  []string            `yaml:"blocked_domains"`
}

// Feed is one catalog entry.
type Feed struct {
	URL      string
	Category news.Category
	Source   string
}

// Catalog is the validated feed list plus the global blocklists.
type Catalog struct {
	feeds           []Feed
	sources         map[news.Category][]string
	BlockedKeywords []string
	BlockedDomains  []string
}

// LoadCatalog reads and validates the catalog YAML at path.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg CatalogConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return NewCatalog(cfg)
}

// NewCatalog validates cfg. Category keys may be slugs or display names.
// Feeds from blocked domains are dropped here so they are never fetched.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	c := &Catalog{
		sources:         map[news.Category][]string{},
		BlockedKeywords: cfg.BlockedKeywords,
		BlockedDomains:  cfg.BlockedDomains,
	}

	keys := make([]string, 0, len(cfg.Categories))
	for k := range cfg.Categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := map[string]bool{}
	for _, key := range keys {
		cat, err := news.ParseCategory(key)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		for _, raw := range cfg.Categories[key] {
			u := normalizeFeedURL(raw)
			if u == "" || seen[string(cat)+"|"+u] {
				continue
			}
			seen[string(cat)+"|"+u] = true

			source := news.SourceDomain(u)
			if source == "" {
				return nil, fmt.Errorf("catalog: bad feed url %q", raw)
			}
			if c.blocked(source) {
				continue
			}
			c.feeds = append(c.feeds, Feed{URL: u, Category: cat, Source: source})
			if !contains(c.sources[cat], source) {
				c.sources[cat] = append(c.sources[cat], source)
			}
		}
	}
	for cat := range c.sources {
		sort.Strings(c.sources[cat])
	}
	if len(c.feeds) == 0 {
		return nil, fmt.Errorf("catalog: no feeds configured")
	}
	return c, nil
}

func normalizeFeedURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if !strings.Contains(u, "://") {
		u = "https://" + u
	}
	return u
}

func (c *Catalog) blocked(source string) bool {
	for _, d := range c.BlockedDomains {
		if news.DomainMatches(source, d) {
			return true
		}
	}
	return false
}

// Feeds returns every fetchable feed.
func (c *Catalog) Feeds() []Feed {
	out := make([]Feed, len(c.feeds))
	copy(out, c.feeds)
	return out
}

// Sources returns the domains that feed category cat.
func (c *Catalog) Sources(cat news.Category) []string {
	out := make([]string, len(c.sources[cat]))
	copy(out, c.sources[cat])
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
