package models

import (
	"time"
)

// User represents an authenticated plugin user
type User struct {
	ID         string    `json:"id" db:"id"`
	Email      string    `json:"email" db:"email"`
	JWTVersion int       `json:"-" db:"jwt_version"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// SubscriptionStatus represents an externally managed subscription state
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionNone     SubscriptionStatus = "none"
)

// Subscription is the status reported by the external billing provider.
type Subscription struct {
	Plan   Plan               `json:"plan"`
	Status SubscriptionStatus `json:"status"`
}

// IsActiveLike reports whether the subscription grants unmetered access.
func (s Subscription) IsActiveLike() bool {
	return s.Status == SubscriptionActive || s.Status == SubscriptionTrialing
}
