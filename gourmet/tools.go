// Package gourmet is the restaurant demo tool set: menu browsing, carts and
// orders. Carts are keyed by ids handed out by create_cart, which are
// unrelated to transport session ids.
package gourmet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-session-gateway/gourmet/catalog"
	"github.com/ggoodman/mcp-session-gateway/mcpservice"
)

// Server identifies the tool set to clients.
const (
	ServerName    = "ai-gourmet-mcp-server"
	ServerVersion = "1.0.0"
)

// errorResult is the in-band failure shape the tools return.
type errorResult struct {
	Error string `json:"error"`
}

func failure(err error, subject string) errorResult {
	switch {
	case errors.Is(err, ErrCartNotFound):
		return errorResult{Error: "Invalid session ID"}
	case errors.Is(err, ErrEmptyCart):
		return errorResult{Error: "Cart is empty"}
	case errors.Is(err, ErrOrderNotFound):
		return errorResult{Error: fmt.Sprintf("Order '%s' not found", subject)}
	}
	return errorResult{Error: err.Error()}
}

type cartResult struct {
	Cart  []CartLine `json:"cart"`
	Total float64    `json:"total"`
}

type categoryArgs struct {
	Category string `json:"category" jsonschema:"description=Category name"`
}

type itemArgs struct {
	ItemIdentifier string `json:"item_identifier" jsonschema:"description=Item ID or name"`
}

type criteriaArgs struct {
	DietaryPreference string   `json:"dietary_preference,omitempty" jsonschema:"description=Dietary preference (vegetarian or vegan or gluten_free)"`
	MaxPrice          *float64 `json:"max_price,omitempty" jsonschema:"description=Maximum price"`
	ExcludeAllergens  []string `json:"exclude_allergens,omitempty" jsonschema:"description=List of allergens to exclude"`
	Category          string   `json:"category,omitempty" jsonschema:"description=Category to filter by"`
}

type cartArgs struct {
	SessionID string `json:"session_id" jsonschema:"description=Cart session ID from create_cart"`
}

type addArgs struct {
	SessionID string `json:"session_id" jsonschema:"description=Cart session ID from create_cart"`
	ItemID    string `json:"item_id" jsonschema:"description=Item ID to add"`
	Quantity  *int   `json:"quantity,omitempty" jsonschema:"description=Quantity to add (defaults to 1)"`
}

type removeArgs struct {
	SessionID string `json:"session_id" jsonschema:"description=Cart session ID from create_cart"`
	ItemID    string `json:"item_id" jsonschema:"description=Item ID to remove"`
}

type checkoutArgs struct {
	SessionID    string         `json:"session_id" jsonschema:"description=Cart session ID from create_cart"`
	CustomerInfo map[string]any `json:"customer_info,omitempty" jsonschema:"description=Customer information"`
	PaymentInfo  map[string]any `json:"payment_info,omitempty" jsonschema:"description=Payment information"`
}

type orderArgs struct {
	OrderID string `json:"order_id" jsonschema:"description=Order ID"`
}

type noteArgs struct {
	OrderID string `json:"order_id" jsonschema:"description=Order ID to add the note to"`
	Note    string `json:"note" jsonschema:"description=The note to add to the order"`
}

type emptyArgs struct{}

// Tools returns the gourmet tools backed by menu and store.
func Tools(menu *catalog.Catalog, store *Store) []mcpservice.Tool {
	return []mcpservice.Tool{
		mcpservice.NewTool("get_menu_categories", func(ctx context.Context, _ emptyArgs) (any, error) {
			return menu.Categories(), nil
		}, mcpservice.WithToolDescription("List the menu categories.")),

		mcpservice.NewTool("list_items_by_category", func(ctx context.Context, a categoryArgs) (any, error) {
			out := []catalog.Item{}
			for _, it := range menu.Items() {
				if it.Category == a.Category {
					out = append(out, it)
				}
			}
			return out, nil
		}, mcpservice.WithToolDescription("List the dishes in one category.")),

		mcpservice.NewTool("get_item_details", func(ctx context.Context, a itemArgs) (any, error) {
			if it, ok := menu.Lookup(a.ItemIdentifier); ok {
				return it, nil
			}
			return errorResult{Error: fmt.Sprintf("Item '%s' not found", a.ItemIdentifier)}, nil
		}, mcpservice.WithToolDescription("Get a dish by id or name.")),

		mcpservice.NewTool("find_items_by_criteria", func(ctx context.Context, a criteriaArgs) (any, error) {
			return FindItems(menu.Items(), a.DietaryPreference, a.MaxPrice, a.ExcludeAllergens, a.Category), nil
		}, mcpservice.WithToolDescription("Filter dishes by diet, price, allergens and category.")),

		mcpservice.NewTool("create_cart", func(ctx context.Context, _ emptyArgs) (any, error) {
			return struct {
				SessionID string     `json:"session_id"`
				Cart      []CartLine `json:"cart"`
			}{SessionID: store.CreateCart(), Cart: []CartLine{}}, nil
		}, mcpservice.WithToolDescription("Open a new empty cart.")),

		mcpservice.NewTool("add_to_cart", func(ctx context.Context, a addArgs) (any, error) {
			qty := 1
			if a.Quantity != nil {
				qty = *a.Quantity
			}
			if qty < 1 {
				return errorResult{Error: "Quantity must be at least 1"}, nil
			}
			if _, _, err := store.Cart(a.SessionID); err != nil {
				return failure(err, a.SessionID), nil
			}
			item, ok := menu.Item(a.ItemID)
			if !ok {
				return errorResult{Error: fmt.Sprintf("Item '%s' not found", a.ItemID)}, nil
			}
			lines, total, err := store.AddToCart(a.SessionID, item, qty)
			if err != nil {
				return failure(err, a.SessionID), nil
			}
			return cartResult{Cart: lines, Total: total}, nil
		}, mcpservice.WithToolDescription("Add a dish to a cart.")),

		mcpservice.NewTool("remove_from_cart", func(ctx context.Context, a removeArgs) (any, error) {
			lines, total, err := store.RemoveFromCart(a.SessionID, a.ItemID)
			if err != nil {
				return failure(err, a.SessionID), nil
			}
			return cartResult{Cart: lines, Total: total}, nil
		}, mcpservice.WithToolDescription("Remove a dish from a cart.")),

		mcpservice.NewTool("get_cart", func(ctx context.Context, a cartArgs) (any, error) {
			lines, total, err := store.Cart(a.SessionID)
			if err != nil {
				return failure(err, a.SessionID), nil
			}
			return cartResult{Cart: lines, Total: total}, nil
		}, mcpservice.WithToolDescription("Show a cart and its total.")),

		mcpservice.NewTool("checkout", func(ctx context.Context, a checkoutArgs) (any, error) {
			method, _ := a.PaymentInfo["method"].(string)
			o, err := store.Checkout(a.SessionID, a.CustomerInfo, method)
			if err != nil {
				return failure(err, a.SessionID), nil
			}
			return struct {
				Order   *Order `json:"order"`
				Success bool   `json:"success"`
				Message string `json:"message"`
			}{Order: o, Success: true, Message: "Order placed successfully"}, nil
		}, mcpservice.WithToolDescription("Place an order for everything in a cart.")),

		mcpservice.NewTool("get_order_status", func(ctx context.Context, a orderArgs) (any, error) {
			o, err := store.Order(a.OrderID)
			if err != nil {
				return failure(err, a.OrderID), nil
			}
			return struct {
				Order *Order `json:"order"`
			}{Order: o}, nil
		}, mcpservice.WithToolDescription("Look up an order.")),

		mcpservice.NewTool("list_orders", func(ctx context.Context, _ emptyArgs) (any, error) {
			return store.Orders(), nil
		}, mcpservice.WithToolDescription("List every order.")),

		mcpservice.NewTool("add_order_note", func(ctx context.Context, a noteArgs) (any, error) {
			notes, err := store.AddNote(a.OrderID, a.Note)
			if err != nil {
				return failure(err, a.OrderID), nil
			}
			return struct {
				Success bool     `json:"success"`
				Notes   []string `json:"notes"`
			}{Success: true, Notes: notes}, nil
		}, mcpservice.WithToolDescription("Attach a note to an order.")),
	}
}

// FindItems applies the find_items_by_criteria filters. An unrecognised
// dietary preference filters nothing.
func FindItems(items []catalog.Item, diet string, maxPrice *float64, excludeAllergens []string, category string) []catalog.Item {
	out := []catalog.Item{}
	for _, it := range items {
		switch strings.ToLower(diet) {
		case "vegetarian":
			if !it.IsVegetarian {
				continue
			}
		case "vegan":
			if !it.IsVegan {
				continue
			}
		case "gluten_free":
			if !it.IsGlutenFree {
				continue
			}
		}
		if maxPrice != nil && it.Price > *maxPrice {
			continue
		}
		if hasAny(it.Allergens, excludeAllergens) {
			continue
		}
		if category != "" && !strings.EqualFold(it.Category, category) {
			continue
		}
		out = append(out, it)
	}
	return out
}

func hasAny(have, exclude []string) bool {
	for _, x := range exclude {
		for _, h := range have {
			if h == x {
				return true
			}
		}
	}
	return false
}

// NewTools builds the gourmet registry over menu with a fresh store.
func NewTools(menu *catalog.Catalog, opts ...mcpservice.ToolsOption) (*mcpservice.Tools, *Store, error) {
	store := NewStore()
	t, err := mcpservice.NewTools(Tools(menu, store), opts...)
	if err != nil {
		return nil, nil, err
	}
	return t, store, nil
}
