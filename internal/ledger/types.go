// Package ledger defines the verified purchase ledger and the per-user
// entitlement summary derived from it, backed by SQLite for durability.
package ledger

import "time"

// Environment distinguishes sandbox purchases from production purchases.
// Sandbox records must never grant entitlement to production accounts.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvSandbox    Environment = "sandbox"
)

// NotificationType is a purchase lifecycle event reported by the vendor.
type NotificationType string

const (
	NotificationInitialBuy     NotificationType = "INITIAL_BUY"
	NotificationDidRenew       NotificationType = "DID_RENEW"
	NotificationDidFailToRenew NotificationType = "DID_FAIL_TO_RENEW"
	NotificationExpired        NotificationType = "EXPIRED"
	NotificationRefund         NotificationType = "REFUND"
	NotificationRevoke         NotificationType = "REVOKE"
	NotificationCancel         NotificationType = "CANCEL"
)

// PurchaseRecord is one row of the ledger, keyed by TransactionID.
// Rows are only ever inserted or updated in place, never deleted.
type PurchaseRecord struct {
	TransactionID         string           `json:"transactionId"`
	UserID                string           `json:"userId"`
	ProductID             string           `json:"productId"`
	OriginalTransactionID string           `json:"originalTransactionId"`
	PurchaseDate          time.Time        `json:"purchaseDate"`
	ExpiresDate           *time.Time       `json:"expiresDate,omitempty"` // nil means non-expiring (lifetime)
	IsActive              bool             `json:"isActive"`
	LastNotificationType  NotificationType `json:"lastNotificationType"`
	LastNotificationDate  time.Time        `json:"lastNotificationDate"`
	Environment           Environment      `json:"environment"`
}

// ProductType classifies how an entitlement was obtained.
type ProductType string

const (
	ProductTypeLifetime     ProductType = "lifetime"
	ProductTypeSubscription ProductType = "subscription"
	ProductTypeNone         ProductType = ""
)

// Summary is the derived per-user entitlement projection. It is written
// only by the reconciliation policy, never edited by hand.
type Summary struct {
	UserID           string      `json:"userId"`
	AdFree           bool        `json:"adFree"`
	ProductType      ProductType `json:"productType"`
	PurchaseDate     *time.Time  `json:"purchaseDate,omitempty"`     // earliest entitling purchase
	LastPurchaseDate *time.Time  `json:"lastPurchaseDate,omitempty"` // most recent entitling purchase
	PremiumExpiresAt *time.Time  `json:"premiumExpiresAt,omitempty"` // soonest-expiring entitling record
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Outcome reports what a ledger apply did.
type Outcome string

const (
	// OutcomeApplied means the row was inserted or moved forward in event time.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event was a same-or-older redelivery; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
)
