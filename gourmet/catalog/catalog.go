// Package catalog holds the restaurant menu served by the gourmet tools. A
// Catalog starts from the embedded default menu or a JSON/YAML file and can
// follow that file as it changes.
package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed default_menu.json
var defaultMenu []byte

// Item is one dish on the menu.
type Item struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Category     string   `json:"category" yaml:"category"`
	Price        float64  `json:"price" yaml:"price"`
	Description  string   `json:"description" yaml:"description"`
	IsVegetarian bool     `json:"is_vegetarian" yaml:"is_vegetarian"`
	IsVegan      bool     `json:"is_vegan" yaml:"is_vegan"`
	IsGlutenFree bool     `json:"is_gluten_free" yaml:"is_gluten_free"`
	Allergens    []string `json:"allergens" yaml:"allergens"`
}

// Catalog is a threadsafe, replaceable menu.
type Catalog struct {
	mu    sync.RWMutex
	items []Item
	path  string
}

// Default returns a catalog holding the embedded menu.
func Default() *Catalog {
	items, err := Parse(defaultMenu, ".json")
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded menu: %v", err))
	}
	return New(items)
}

// New returns a catalog holding items.
func New(items []Item) *Catalog {
	c := &Catalog{}
	c.Replace(items)
	return c
}

// Load reads a menu file. Files ending in .yaml or .yml are YAML; anything
// else is JSON.
func Load(path string) (*Catalog, error) {
	items, err := readFile(path)
	if err != nil {
		return nil, err
	}
	c := New(items)
	c.path = path
	return c, nil
}

func readFile(path string) ([]Item, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menu: %w", err)
	}
	items, err := Parse(b, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse menu %s: %w", path, err)
	}
	return items, nil
}

// Parse decodes a menu in the format named by ext and validates it.
func Parse(b []byte, ext string) ([]Item, error) {
	var items []Item
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &items); err != nil {
			return nil, err
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&items); err != nil {
			return nil, err
		}
	}
	if len(items) == 0 {
		return nil, errors.New("menu has no items")
	}
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		if it.ID == "" || it.Name == "" || it.Category == "" {
			return nil, fmt.Errorf("item %d: id, name and category are required", i)
		}
		if it.Price < 0 {
			return nil, fmt.Errorf("item %s: negative price", it.ID)
		}
		if _, dup := seen[it.ID]; dup {
			return nil, fmt.Errorf("duplicate item id %s", it.ID)
		}
		seen[it.ID] = struct{}{}
		if items[i].Allergens == nil {
			items[i].Allergens = []string{}
		}
	}
	return items, nil
}

// Replace swaps in a new menu.
func (c *Catalog) Replace(items []Item) {
	cp := make([]Item, len(items))
	copy(cp, items)
	c.mu.Lock()
	c.items = cp
	c.mu.Unlock()
}

// Items returns a copy of the menu in file order.
func (c *Catalog) Items() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Item(nil), c.items...)
}

// Categories returns the distinct categories, sorted.
func (c *Catalog) Categories() []string {
	set := make(map[string]struct{})
	for _, it := range c.Items() {
		set[it.Category] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Item looks up a dish by id.
func (c *Catalog) Item(id string) (Item, bool) {
	for _, it := range c.Items() {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Lookup finds a dish by id or by case-insensitive name.
func (c *Catalog) Lookup(identifier string) (Item, bool) {
	for _, it := range c.Items() {
		if it.ID == identifier || strings.EqualFold(it.Name, identifier) {
			return it, true
		}
	}
	return Item{}, false
}
