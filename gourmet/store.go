package gourmet

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-session-gateway/gourmet/catalog"
	"github.com/google/uuid"
)

var (
	ErrCartNotFound  = errors.New("cart not found")
	ErrEmptyCart     = errors.New("cart is empty")
	ErrOrderNotFound = errors.New("order not found")
)

// DefaultPaymentMethod is recorded when checkout names none.
const DefaultPaymentMethod = "credit_card"

// CartLine is one item in a cart or order.
type CartLine struct {
	ItemID   string  `json:"item_id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// Payment is the settled payment of an order.
type Payment struct {
	Method        string `json:"method"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
}

// Order is a checked-out cart.
type Order struct {
	OrderID      string         `json:"order_id"`
	Items        []CartLine     `json:"items"`
	Total        float64        `json:"total"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	CustomerInfo map[string]any `json:"customer_info"`
	PaymentInfo  Payment        `json:"payment_info"`
	Notes        []string       `json:"notes,omitempty"`
}

type cart struct {
	lines      []CartLine
	createdAt  time.Time
	lastActive time.Time
}

// Store holds carts and orders for one server instance.
type Store struct {
	mu     sync.Mutex
	carts  map[string]*cart
	orders map[string]*Order
	now    func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		carts:  make(map[string]*cart),
		orders: make(map[string]*Order),
		now:    time.Now,
	}
}

// CreateCart opens an empty cart and returns its id.
func (s *Store) CreateCart() string {
	id := uuid.NewString()
	now := s.now()
	s.mu.Lock()
	s.carts[id] = &cart{lines: []CartLine{}, createdAt: now, lastActive: now}
	s.mu.Unlock()
	return id
}

// Cart returns a copy of the cart's lines and its total.
func (s *Store) Cart(cartID string) ([]CartLine, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok {
		return nil, 0, ErrCartNotFound
	}
	return snapshot(c.lines)
}

// AddToCart adds quantity of item, merging with an existing line.
func (s *Store) AddToCart(cartID string, item catalog.Item, quantity int) ([]CartLine, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok {
		return nil, 0, ErrCartNotFound
	}
	merged := false
	for i := range c.lines {
		if c.lines[i].ItemID == item.ID {
			c.lines[i].Quantity += quantity
			merged = true
			break
		}
	}
	if !merged {
		c.lines = append(c.lines, CartLine{ItemID: item.ID, Name: item.Name, Price: item.Price, Quantity: quantity})
	}
	c.lastActive = s.now()
	return snapshot(c.lines)
}

// RemoveFromCart drops every line for itemID. Removing an absent item is
// not an error.
func (s *Store) RemoveFromCart(cartID, itemID string) ([]CartLine, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok {
		return nil, 0, ErrCartNotFound
	}
	kept := c.lines[:0]
	for _, l := range c.lines {
		if l.ItemID != itemID {
			kept = append(kept, l)
		}
	}
	c.lines = kept
	c.lastActive = s.now()
	return snapshot(c.lines)
}

// Checkout turns the cart into a confirmed order and empties the cart.
func (s *Store) Checkout(cartID string, customer map[string]any, paymentMethod string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok {
		return nil, ErrCartNotFound
	}
	if len(c.lines) == 0 {
		return nil, ErrEmptyCart
	}
	if customer == nil {
		customer = map[string]any{}
	}
	if paymentMethod == "" {
		paymentMethod = DefaultPaymentMethod
	}
	lines, total, _ := snapshot(c.lines)
	o := &Order{
		OrderID:      "ORD-" + hexID(8),
		Items:        lines,
		Total:        total,
		Status:       "confirmed",
		CreatedAt:    s.now(),
		CustomerInfo: customer,
		PaymentInfo: Payment{
			Method:        paymentMethod,
			Status:        "approved",
			TransactionID: "TXN-" + hexID(10),
		},
	}
	s.orders[o.OrderID] = o
	c.lines = []CartLine{}
	c.lastActive = s.now()
	return cloneOrder(o), nil
}

// Order returns a copy of the order.
func (s *Store) Order(orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

// Orders returns every order, oldest first.
func (s *Store) Orders() []*Order {
	s.mu.Lock()
	out := make([]*Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, cloneOrder(o))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// AddNote appends a note to an order and returns all notes.
func (s *Store) AddNote(orderID, note string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o.Notes = append(o.Notes, note)
	return append([]string(nil), o.Notes...), nil
}

func snapshot(lines []CartLine) ([]CartLine, float64, error) {
	out := make([]CartLine, len(lines))
	copy(out, lines)
	return out, total(out), nil
}

func total(lines []CartLine) float64 {
	var t float64
	for _, l := range lines {
		t += l.Price * float64(l.Quantity)
	}
	return t
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.Items = append([]CartLine(nil), o.Items...)
	cp.Notes = append([]string(nil), o.Notes...)
	return &cp
}

// hexID returns n uppercase hex characters from a random UUID.
func hexID(n int) string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:n]
}
