package peer

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"chat-widget/models"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogItem struct {
	Name        string  `yaml:"name"`
	Category    string  `yaml:"category"`
	Description string  `yaml:"description"`
	Price       float64 `yaml:"price"`
	URL         string  `yaml:"url,omitempty"`
}

type catalogFile struct {
	Products []catalogItem `yaml:"products"`
}

// Catalog is the product set the peer searches.
type Catalog struct {
	products []models.Product
}

// DefaultCatalog returns the built-in demo catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("unmarshal catalog: %w", err)
	}

	c := &Catalog{products: make([]models.Product, 0, len(file.Products))}
	for i, item := range file.Products {
		if strings.TrimSpace(item.Name) == "" {
			return nil, fmt.Errorf("products[%d].name is required", i)
		}
		if item.Price < 0 {
			return nil, fmt.Errorf("products[%d].price must not be negative", i)
		}
		c.products = append(c.products, models.Product{
			Category:    item.Category,
			Name:        item.Name,
			Description: item.Description,
			Price:       item.Price,
			SignedURL:   item.URL,
		})
	}
	return c, nil
}

func (c *Catalog) Len() int {
	return len(c.products)
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "any": true, "are": true, "do": true,
	"find": true, "for": true, "have": true, "i": true, "is": true, "look": true,
	"looking": true, "me": true, "need": true, "of": true, "please": true,
	"price": true, "product": true, "products": true, "search": true, "show": true,
	"some": true, "the": true, "want": true, "what": true, "with": true, "you": true,
}

// Terms splits a query into the lowercase words worth matching on.
func Terms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	terms := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			terms = append(terms, f)
		}
	}
	return terms
}

// Search ranks products by the share of query terms found in their name,
// category or description. Terms match on prefix so "laptops" finds
// "laptop". At most limit products are returned; limit <= 0 means all.
func (c *Catalog) Search(query string, limit int) []models.Product {
	terms := Terms(query)
	if len(terms) == 0 {
		return nil
	}

	var hits []models.Product
	for _, p := range c.products {
		words := Terms(p.Name + " " + p.Category + " " + p.Description)
		matched := 0
		for _, t := range terms {
			if matchesAny(t, words) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		p.Scores.Hybrid = float64(matched) / float64(len(terms))
		hits = append(hits, p)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Scores.Hybrid > hits[j].Scores.Hybrid
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func matchesAny(term string, words []string) bool {
	for _, w := range words {
		if strings.HasPrefix(term, w) || strings.HasPrefix(w, term) {
			if len(w) >= 3 && len(term) >= 3 || w == term {
				return true
			}
		}
	}
	return false
}
