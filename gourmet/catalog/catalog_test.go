package catalog

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefaultMenu(t *testing.T) {
	c := Default()
	want := []string{"Appetizers", "Desserts", "Drinks", "Mains"}
	if got := c.Categories(); !reflect.DeepEqual(got, want) {
		t.Fatalf("want categories %v got %v", want, got)
	}
	if _, ok := c.Lookup("margherita PIZZA"); !ok {
		t.Fatalf("want case-insensitive name lookup")
	}
	if it, ok := c.Item("main-004"); !ok || !it.IsVegan || it.Allergens == nil {
		t.Fatalf("want vegan curry with non-nil allergens got %+v", it)
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		ext     string
		body    string
		wantErr bool
	}{
		{name: "json", ext: ".json", body: `[{"id":"a","name":"A","category":"X","price":1}]`},
		{name: "yaml", ext: ".yaml", body: "- id: a\n  name: A\n  category: X\n  price: 1\n  allergens: [nuts]\n"},
		{name: "yml", ext: ".YML", body: "- {id: a, name: A, category: X, price: 2}\n"},
		{name: "empty", ext: ".json", body: `[]`, wantErr: true},
		{name: "missing id", ext: ".json", body: `[{"name":"A","category":"X"}]`, wantErr: true},
		{name: "duplicate", ext: ".json", body: `[{"id":"a","name":"A","category":"X"},{"id":"a","name":"B","category":"X"}]`, wantErr: true},
		{name: "negative price", ext: ".json", body: `[{"id":"a","name":"A","category":"X","price":-1}]`, wantErr: true},
		{name: "unknown field", ext: ".json", body: `[{"id":"a","name":"A","category":"X","spicy":true}]`, wantErr: true},
		{name: "bad yaml", ext: ".yaml", body: "id: [", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items, err := Parse([]byte(tc.body), tc.ext)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("want error got %+v", items)
				}
				return
			}
			if err != nil {
				t.Fatalf("want parse ok got %v", err)
			}
			if len(items) != 1 || items[0].ID != "a" || items[0].Allergens == nil {
				t.Fatalf("want one item with allergens slice got %+v", items)
			}
		})
	}
}

func TestItemsReturnsCopy(t *testing.T) {
	c := New([]Item{{ID: "a", Name: "A", Category: "X"}})
	items := c.Items()
	items[0].Name = "mutated"
	if it, _ := c.Item("a"); it.Name != "A" {
		t.Fatalf("want catalog unaffected by caller mutation got %q", it.Name)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "menu.yaml")
	writeFile(t, path, "- {id: a, name: Soup, category: Starters, price: 5}\n")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := make(chan error, 16)
	if err := c.Watch(ctx, nil, func(err error) { results <- err }); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeFile(t, path, "- {id: a, name: Soup, category: Starters, price: 5}\n- {id: b, name: Cake, category: Desserts, price: 6}\n")
	waitReload(t, results, func() bool { return len(c.Items()) == 2 })

	// A broken file keeps the last good menu.
	writeFile(t, path, "- {id: [\n")
	deadline := time.After(5 * time.Second)
	for failed := false; !failed; {
		select {
		case err := <-results:
			failed = err != nil
		case <-deadline:
			t.Fatalf("want failed reload reported")
		}
	}
	if len(c.Items()) != 2 {
		t.Fatalf("want last good menu kept got %d items", len(c.Items()))
	}
}

func TestWatchRequiresFile(t *testing.T) {
	if err := Default().Watch(context.Background(), nil, nil); err == nil {
		t.Fatalf("want error watching an embedded catalog")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func waitReload(t *testing.T, results <-chan error, done func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !done() {
		select {
		case <-results:
		case <-deadline:
			t.Fatalf("timed out waiting for reload")
		}
	}
}
