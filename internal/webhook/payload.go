package webhook

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/daybreaknews/entitlement/internal/ledger"
)

// notificationEnvelope is the raw POST body from the vendor.
type notificationEnvelope struct {
	SignedPayload string `json:"signedPayload"`
}

// NotificationPayload is the decoded, signature-verified lifecycle event.
type NotificationPayload struct {
	jwt.RegisteredClaims

	NotificationType string          `json:"notificationType"`
	Subtype          string          `json:"subtype,omitempty"`
	NotificationUUID string          `json:"notificationUUID"`
	SignedDate       int64           `json:"signedDate"` // ms since epoch; the event time
	Data             TransactionData `json:"data"`
}

// TransactionData carries the transaction the notification is about.
type TransactionData struct {
	AppAccountToken       string `json:"appAccountToken"` // owning account
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`          // ms since epoch
	ExpiresDate           *int64 `json:"expiresDate,omitempty"` // ms since epoch; nil for lifetime products
	Environment           string `json:"environment"`           // "Sandbox" or "Production"
}

// knownNotificationTypes are the lifecycle events that mutate the ledger.
// Other authentic types (renewal preference changes and the like) are
// acknowledged without side effects.
var knownNotificationTypes = map[string]ledger.NotificationType{
	"INITIAL_BUY":       ledger.NotificationInitialBuy,
	"DID_RENEW":         ledger.NotificationDidRenew,
	"DID_FAIL_TO_RENEW": ledger.NotificationDidFailToRenew,
	"EXPIRED":           ledger.NotificationExpired,
	"REFUND":            ledger.NotificationRefund,
	"REVOKE":            ledger.NotificationRevoke,
	"CANCEL":            ledger.NotificationCancel,
}

func mapNotificationType(raw string) (ledger.NotificationType, bool) {
	t, ok := knownNotificationTypes[strings.ToUpper(strings.TrimSpace(raw))]
	return t, ok
}

func mapEnvironment(raw string) ledger.Environment {
	if strings.EqualFold(strings.TrimSpace(raw), "sandbox") {
		return ledger.EnvSandbox
	}
	return ledger.EnvProduction
}

// EventTime returns the vendor-assigned event time. Ordering decisions use
// this, never the arrival time.
func (p *NotificationPayload) EventTime() time.Time {
	if p.SignedDate > 0 {
		return time.UnixMilli(p.SignedDate)
	}
	return time.UnixMilli(p.Data.PurchaseDate)
}
