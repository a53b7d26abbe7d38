// Package testutil provides a controllable clock and record fixtures shared
// by the package tests.
package testutil

import (
	"sync"
	"time"

	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/domain/user"
)

// Epoch is the default starting instant of a Clock.
var Epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start, or at Epoch when start is zero.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{now: start}
}

// Now returns the current instant. It matches the func() time.Time clock
// hooks of the services.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// AdvanceDays moves the clock forward by whole calendar days.
func (c *Clock) AdvanceDays(days int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, 0, days)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Member returns a verified member record ready to be stored. The password
// hash is a placeholder and does not authenticate.
func Member(name, email string) user.User {
	return user.User{
		Name:         name,
		Email:        email,
		PasswordHash: "unusable",
		Role:         user.RoleUser,
		Verified:     true,
	}
}

// Pending returns an unverified member whose verification window closes at
// expires.
func Pending(name, email string, expires time.Time) user.User {
	u := Member(name, email)
	u.Verified = false
	u.VerificationExpiresAt = &expires
	return u
}

// Book returns a catalog entry with availability derived from quantity.
func Book(title string, quantity int) book.Book {
	b := book.Book{
		Title:    title,
		Author:   "Anonymous",
		Price:    10,
		Quantity: quantity,
	}
	b.Recompute()
	return b
}
