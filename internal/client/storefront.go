// Package client implements the device-side purchase client: it drives the
// platform purchase framework, commits verified transactions to the ledger,
// and keeps the local entitlement cache in sync.
package client

import (
	"context"
	"time"

	"github.com/daybreaknews/entitlement/internal/ledger"
)

// Product is a purchasable catalog entry.
type Product struct {
	ID           string
	DisplayName  string
	DisplayPrice string
}

// Transaction is a completed platform transaction, as reported by the
// purchase framework. It has not been verified yet.
type Transaction struct {
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	AppAccountToken       string
	PurchaseDate          time.Time
	ExpiresDate           *time.Time // nil for non-expiring products
	Environment           ledger.Environment
}

// StoreFront abstracts the platform's native purchase framework. It is
// treated as a black box that may be slow or unavailable; every call must
// honor its context deadline.
type StoreFront interface {
	// Connect establishes the framework connection.
	Connect(ctx context.Context) error

	// Products fetches catalog entries for the given product ids.
	Products(ctx context.Context, ids []string) ([]Product, error)

	// Purchase drives the native purchase UI for a product and blocks until
	// the transaction completes, the user cancels (ErrPurchaseCancelled),
	// or the context ends.
	Purchase(ctx context.Context, productID string) (Transaction, error)

	// History enumerates the user's full purchase history.
	History(ctx context.Context) ([]Transaction, error)
}

// TransactionVerifier proves a transaction genuine. Nothing reaches the
// ledger without passing it.
type TransactionVerifier interface {
	VerifyTransaction(ctx context.Context, txn Transaction) error
}

// LedgerWriter is the remote store surface the client writes through.
type LedgerWriter interface {
	Apply(ctx context.Context, rec ledger.PurchaseRecord) (ledger.Outcome, error)
}

// SummaryReader reads the remote entitlement summary.
type SummaryReader interface {
	Summary(ctx context.Context, userID string) (*ledger.Summary, error)
}
