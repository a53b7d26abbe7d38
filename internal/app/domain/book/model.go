package book

import (
	"fmt"
	"time"
)

// Book is a catalog entry. Quantity counts copies on the shelf.
type Book struct {
	ID          int64     `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	Author      string    `db:"author" json:"author"`
	Description string    `db:"description" json:"description"`
	Price       float64   `db:"price" json:"price"`
	Quantity    int       `db:"quantity" json:"quantity"`
	Available   bool      `db:"is_available" json:"is_available"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Recompute derives Available from Quantity.
func (b *Book) Recompute() { b.Available = b.Quantity > 0 }

// Update carries the optional fields of an admin edit.
type Update struct {
	Title       *string
	Author      *string
	Description *string
	Price       *float64
	Quantity    *int
}

// Apply merges u into b and recomputes availability.
func (u Update) Apply(b Book) Book {
	if u.Title != nil && *u.Title != "" {
		b.Title = *u.Title
	}
	if u.Author != nil && *u.Author != "" {
		b.Author = *u.Author
	}
	if u.Description != nil {
		b.Description = *u.Description
	}
	if u.Price != nil {
		b.Price = *u.Price
	}
	if u.Quantity != nil {
		b.Quantity = *u.Quantity
	}
	b.Recompute()
	return b
}

// AvailabilityPolicy decides the availability flag after a return.
type AvailabilityPolicy string

const (
	// PolicyRecompute derives availability from the new quantity.
	PolicyRecompute AvailabilityPolicy = "recompute"
	// PolicyAlways marks the book available unconditionally.
	PolicyAlways AvailabilityPolicy = "always"
)

// ParsePolicy maps a config string to a policy; empty means recompute.
func ParsePolicy(s string) (AvailabilityPolicy, error) {
	switch AvailabilityPolicy(s) {
	case "", PolicyRecompute:
		return PolicyRecompute, nil
	case PolicyAlways:
		return PolicyAlways, nil
	}
	return "", fmt.Errorf("unknown availability policy %q", s)
}

// AfterReturn returns the availability flag for a book whose quantity has
// just been incremented by a return.
func (p AvailabilityPolicy) AfterReturn(quantity int) bool {
	if p == PolicyAlways {
		return true
	}
	return quantity > 0
}
