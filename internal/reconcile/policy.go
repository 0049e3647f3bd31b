// Package reconcile holds the pure entitlement decision logic shared by the
// client-side post-purchase path and the server-side webhook path. It is the
// only code allowed to produce a Summary; everything else consumes one.
package reconcile

import (
	"time"

	"github.com/daybreaknews/entitlement/internal/ledger"
)

// Policy evaluates ledger rows for a single environment. Records from the
// other environment never count: a sandbox purchase must not grant a
// production entitlement.
type Policy struct {
	env ledger.Environment
}

// NewPolicy returns a policy evaluating entitlements for env.
func NewPolicy(env ledger.Environment) Policy {
	return Policy{env: env}
}

// Environment returns the environment this policy evaluates.
func (p Policy) Environment() ledger.Environment {
	return p.env
}

// Entitling reports whether a single record currently grants entitlement.
func (p Policy) Entitling(rec ledger.PurchaseRecord, now time.Time) bool {
	if rec.Environment != p.env {
		return false
	}
	if !rec.IsActive {
		return false
	}
	return rec.ExpiresDate == nil || rec.ExpiresDate.After(now)
}

// ComputeSummary folds a user's ledger rows into their entitlement summary.
// Pure: same rows and clock always produce the same summary, so the webhook
// handler and the purchase client can never disagree on what entitled means.
func (p Policy) ComputeSummary(userID string, records []ledger.PurchaseRecord, now time.Time) ledger.Summary {
	summary := ledger.Summary{
		UserID:    userID,
		UpdatedAt: now,
	}

	for _, rec := range records {
		if !p.Entitling(rec, now) {
			continue
		}

		summary.AdFree = true

		if rec.ExpiresDate == nil {
			summary.ProductType = ledger.ProductTypeLifetime
		} else if summary.ProductType != ledger.ProductTypeLifetime {
			summary.ProductType = ledger.ProductTypeSubscription
		}

		purchase := rec.PurchaseDate
		if summary.PurchaseDate == nil || purchase.Before(*summary.PurchaseDate) {
			t := purchase
			summary.PurchaseDate = &t
		}
		if summary.LastPurchaseDate == nil || purchase.After(*summary.LastPurchaseDate) {
			t := purchase
			summary.LastPurchaseDate = &t
		}
		if rec.ExpiresDate != nil {
			if summary.PremiumExpiresAt == nil || rec.ExpiresDate.Before(*summary.PremiumExpiresAt) {
				t := *rec.ExpiresDate
				summary.PremiumExpiresAt = &t
			}
		}
	}

	return summary
}

// ActiveAfter maps a lifecycle notification type to the is_active flag the
// ledger row should carry afterwards. Unknown types do not grant.
func ActiveAfter(notificationType ledger.NotificationType) bool {
	switch notificationType {
	case ledger.NotificationInitialBuy, ledger.NotificationDidRenew:
		return true
	case ledger.NotificationDidFailToRenew:
		// Billing retry: the paid period already committed to the row keeps
		// entitling until expires_date passes on its own.
		return true
	case ledger.NotificationExpired, ledger.NotificationRefund,
		ledger.NotificationRevoke, ledger.NotificationCancel:
		return false
	default:
		// Fail closed: an unrecognized lifecycle event never grants.
		return false
	}
}
