package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/daybreaknews/entitlement/internal/cache"
	enterrors "github.com/daybreaknews/entitlement/internal/errors"
	"github.com/daybreaknews/entitlement/internal/ledger"
	"github.com/daybreaknews/entitlement/internal/reconcile"
)

// PurchaseStatus is the outcome of a purchase attempt.
type PurchaseStatus string

const (
	StatusSuccess   PurchaseStatus = "success"
	StatusCancelled PurchaseStatus = "cancelled"
	StatusFailed    PurchaseStatus = "failed"
)

// PurchaseResult reports a purchase outcome. Summary is set on success.
type PurchaseResult struct {
	Status  PurchaseStatus
	Summary *ledger.Summary
}

// RestoreResult reports a restore outcome. NoneFound is a normal result,
// not an error.
type RestoreResult struct {
	RestoredCount int
	Entitled      bool
	NoneFound     bool
}

// Source says where an entitlement answer came from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

// Status is the entitlement answer handed to the UI.
type Status struct {
	IsAdFree  bool
	Source    Source
	CheckedAt time.Time
}

// Options tune the client's timeouts and retry behavior. Every storefront
// stage carries its own bound so no call can block the host app indefinitely.
type Options struct {
	ConnectTimeout  time.Duration // framework connect bound (default 5s)
	CatalogTimeout  time.Duration // catalog fetch bound (default 3s)
	PurchaseTimeout time.Duration // native purchase flow bound, includes user interaction (default 2m)
	RestoreTimeout  time.Duration // history enumeration bound (default 30s)
	MaxRetries      int           // remote write retries (default 3)
	RetryBackoff    time.Duration // initial backoff, doubled per attempt (default 500ms)
	Now             func() time.Time
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.CatalogTimeout <= 0 {
		o.CatalogTimeout = 3 * time.Second
	}
	if o.PurchaseTimeout <= 0 {
		o.PurchaseTimeout = 2 * time.Minute
	}
	if o.RestoreTimeout <= 0 {
		o.RestoreTimeout = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Client coordinates the purchase framework, the remote ledger, and the
// local cache for one user on one device. Explicitly constructed and
// injected; there is no package-level singleton.
type Client struct {
	storefront StoreFront
	verifier   TransactionVerifier
	ledger     LedgerWriter
	summaries  SummaryReader
	cache      *cache.FileCache
	policy     reconcile.Policy

	userID     string
	productIDs []string // entitlement-relevant catalog ids

	opts Options

	mu        sync.Mutex
	connected bool
	catalog   map[string]Product

	subMu   sync.Mutex
	subs    map[int]chan Status
	nextSub int
}

// New constructs a purchase client. productIDs lists the catalog entries
// that can grant the ad-free entitlement.
func New(storefront StoreFront, verifier TransactionVerifier, ledgerWriter LedgerWriter,
	summaries SummaryReader, localCache *cache.FileCache, policy reconcile.Policy,
	userID string, productIDs []string, opts Options) *Client {

	opts.applyDefaults()
	return &Client{
		storefront: storefront,
		verifier:   verifier,
		ledger:     ledgerWriter,
		summaries:  summaries,
		cache:      localCache,
		policy:     policy,
		userID:     userID,
		productIDs: productIDs,
		opts:       opts,
		subs:       make(map[int]chan Status),
	}
}

// Initialize connects to the purchase framework and fetches the catalog,
// each under its own bounded timeout. It never blocks startup indefinitely:
// on failure the app proceeds with purchases disabled. Idempotent.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	if err := c.storefront.Connect(connectCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return enterrors.WrapTimeout("initialize", err)
		}
		return enterrors.WrapConnection("initialize", err)
	}
	c.connected = true

	catalogCtx, cancel := context.WithTimeout(ctx, c.opts.CatalogTimeout)
	defer cancel()
	products, err := c.storefront.Products(catalogCtx, c.productIDs)
	if err != nil {
		// Connected but catalog unavailable: purchases will re-check the
		// catalog on demand.
		log.Warn().Err(err).Msg("Product catalog fetch failed during initialization")
		return nil
	}

	c.catalog = make(map[string]Product, len(products))
	for _, p := range products {
		c.catalog[p.ID] = p
	}
	log.Info().Int("products", len(products)).Msg("Purchase client initialized")
	return nil
}

// Purchase drives the native purchase flow for productID. On a completed,
// verified transaction it commits in two steps: (1) ledger upsert plus
// summary recompute, (2) local cache write. Success is reported only after
// step (1); a cache failure is logged and self-heals on the next read.
func (c *Client) Purchase(ctx context.Context, productID string) (PurchaseResult, error) {
	if err := c.Initialize(ctx); err != nil {
		return PurchaseResult{Status: StatusFailed}, err
	}

	c.ensureCatalog(ctx)

	c.mu.Lock()
	_, inCatalog := c.catalog[productID]
	catalogKnown := c.catalog != nil
	c.mu.Unlock()
	if catalogKnown && !inCatalog {
		return PurchaseResult{Status: StatusFailed},
			enterrors.New(enterrors.ErrorTypeCatalog, "purchase", enterrors.ErrProductNotFound).WithProduct(productID)
	}

	purchaseCtx, cancel := context.WithTimeout(ctx, c.opts.PurchaseTimeout)
	defer cancel()
	txn, err := c.storefront.Purchase(purchaseCtx, productID)
	if err != nil {
		if enterrors.IsCancelled(err) {
			// User-initiated; a distinct result, not an error, and no
			// ledger mutation.
			return PurchaseResult{Status: StatusCancelled}, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return PurchaseResult{Status: StatusFailed}, enterrors.WrapTimeout("purchase", err)
		}
		return PurchaseResult{Status: StatusFailed}, enterrors.WrapConnection("purchase", err)
	}

	summary, err := c.commitTransaction(ctx, txn, ledger.NotificationInitialBuy)
	if err != nil {
		return PurchaseResult{Status: StatusFailed}, err
	}

	return PurchaseResult{Status: StatusSuccess, Summary: summary}, nil
}

// RestorePurchases re-applies the user's full purchase history through the
// same verify-then-commit path as Purchase. Each record is an independent
// upsert: a cancelled restore keeps whatever already committed. Running it
// twice produces the same entitlement and no duplicate rows.
func (c *Client) RestorePurchases(ctx context.Context) (RestoreResult, error) {
	if err := c.Initialize(ctx); err != nil {
		return RestoreResult{}, err
	}

	historyCtx, cancel := context.WithTimeout(ctx, c.opts.RestoreTimeout)
	history, err := c.storefront.History(historyCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return RestoreResult{}, enterrors.WrapTimeout("restore", err)
		}
		return RestoreResult{}, enterrors.WrapConnection("restore", err)
	}

	relevant := c.filterRelevant(history)
	if len(relevant) == 0 {
		// Empty history is a normal answer, not a failure.
		return RestoreResult{NoneFound: true}, nil
	}

	restored := 0
	for _, txn := range relevant {
		if ctx.Err() != nil {
			break
		}
		if err := c.verifier.VerifyTransaction(ctx, txn); err != nil {
			log.Warn().Err(err).Str("transaction_id", txn.TransactionID).Msg("Skipping unverifiable transaction during restore")
			continue
		}
		rec := c.recordFromTransaction(txn, ledger.NotificationInitialBuy)
		if err := c.applyWithRetry(ctx, rec); err != nil {
			return RestoreResult{RestoredCount: restored}, err
		}
		restored++
	}

	summary, err := c.refreshFromSummary(ctx)
	if err != nil {
		return RestoreResult{RestoredCount: restored}, err
	}

	entitled := summary != nil && summary.AdFree
	log.Info().Int("restored", restored).Bool("entitled", entitled).Msg("Purchase restore completed")
	return RestoreResult{RestoredCount: restored, Entitled: entitled}, nil
}

// EntitlementStatus answers "is this user ad-free" from the freshest source
// available: the local cache when fresh, otherwise the remote summary.
// Absence of data always means not entitled.
func (c *Client) EntitlementStatus(ctx context.Context) (Status, error) {
	entry, ok, err := c.cache.Get()
	if err != nil {
		log.Warn().Err(err).Msg("Entitlement cache read failed")
	}
	if ok && c.cache.Fresh(entry) {
		return Status{IsAdFree: entry.IsAdFree, Source: SourceCache, CheckedAt: entry.LastChecked}, nil
	}

	summary, remoteErr := c.summaries.Summary(ctx, c.userID)
	if remoteErr != nil {
		if ok {
			// Stale beats nothing: serve the old answer while the remote
			// store is unreachable. Never authoritative for new grants.
			return Status{IsAdFree: entry.IsAdFree, Source: SourceCache, CheckedAt: entry.LastChecked}, nil
		}
		// Fail closed.
		return Status{IsAdFree: false, Source: SourceRemote, CheckedAt: c.opts.Now()},
			enterrors.WrapStore("entitlement_status", remoteErr)
	}

	adFree := summary != nil && summary.AdFree
	now := c.opts.Now()
	if err := c.cache.Set(cache.Entry{IsAdFree: adFree, LastChecked: now}); err != nil {
		log.Warn().Err(err).Msg("Entitlement cache write failed")
	}
	return Status{IsAdFree: adFree, Source: SourceRemote, CheckedAt: now}, nil
}

// Subscribe registers a change-notification channel. Every committed
// entitlement change is published to it. The returned function removes the
// subscription.
func (c *Client) Subscribe() (<-chan Status, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Status, 1)
	c.subs[id] = ch

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if existing, exists := c.subs[id]; exists {
			delete(c.subs, id)
			close(existing)
		}
	}
}

func (c *Client) publish(status Status) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.subs {
		// Latest wins: replace a pending unread status instead of blocking.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- status:
		default:
		}
	}
}

// ensureCatalog fetches the catalog if Initialize could not. A failed fetch
// leaves the catalog unknown and the storefront arbitrates product ids.
func (c *Client) ensureCatalog(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.catalog != nil {
		return
	}

	catalogCtx, cancel := context.WithTimeout(ctx, c.opts.CatalogTimeout)
	defer cancel()
	products, err := c.storefront.Products(catalogCtx, c.productIDs)
	if err != nil {
		log.Warn().Err(err).Msg("Product catalog re-fetch failed")
		return
	}

	c.catalog = make(map[string]Product, len(products))
	for _, p := range products {
		c.catalog[p.ID] = p
	}
}

// commitTransaction verifies a transaction and performs the two-step commit.
func (c *Client) commitTransaction(ctx context.Context, txn Transaction, notificationType ledger.NotificationType) (*ledger.Summary, error) {
	if err := c.verifier.VerifyTransaction(ctx, txn); err != nil {
		// The purchase is discarded; entitlement is never granted on an
		// unverifiable transaction.
		return nil, enterrors.WrapVerification("purchase", err)
	}

	rec := c.recordFromTransaction(txn, notificationType)
	if err := c.applyWithRetry(ctx, rec); err != nil {
		return nil, err
	}

	return c.refreshFromSummary(ctx)
}

// refreshFromSummary reads the remote summary, updates the local cache, and
// notifies subscribers. The cache write is non-fatal.
func (c *Client) refreshFromSummary(ctx context.Context) (*ledger.Summary, error) {
	var summary *ledger.Summary
	err := c.withRetry(ctx, func(ctx context.Context) error {
		s, err := c.summaries.Summary(ctx, c.userID)
		if err != nil {
			return err
		}
		summary = s
		return nil
	})
	if err != nil {
		return nil, enterrors.WrapStore("read_summary", err)
	}

	adFree := summary != nil && summary.AdFree
	now := c.opts.Now()
	if err := c.cache.Set(cache.Entry{IsAdFree: adFree, LastChecked: now}); err != nil {
		log.Warn().Err(err).Msg("Entitlement cache write failed after commit")
	}

	c.publish(Status{IsAdFree: adFree, Source: SourceRemote, CheckedAt: now})
	return summary, nil
}

func (c *Client) applyWithRetry(ctx context.Context, rec ledger.PurchaseRecord) error {
	err := c.withRetry(ctx, func(ctx context.Context) error {
		_, err := c.ledger.Apply(ctx, rec)
		return err
	})
	if err != nil {
		// Retries exhausted: report failure without advancing local state.
		return enterrors.WrapStore("ledger_apply", err)
	}
	return nil
}

// withRetry runs fn with bounded retries and doubling backoff.
func (c *Client) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := c.opts.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) filterRelevant(history []Transaction) []Transaction {
	relevant := make([]Transaction, 0, len(history))
	for _, txn := range history {
		for _, id := range c.productIDs {
			if txn.ProductID == id {
				relevant = append(relevant, txn)
				break
			}
		}
	}
	return relevant
}

func (c *Client) recordFromTransaction(txn Transaction, notificationType ledger.NotificationType) ledger.PurchaseRecord {
	userID := txn.AppAccountToken
	if userID == "" {
		userID = c.userID
	}
	env := txn.Environment
	if env == "" {
		env = c.policy.Environment()
	}
	return ledger.PurchaseRecord{
		TransactionID:         txn.TransactionID,
		UserID:                userID,
		ProductID:             txn.ProductID,
		OriginalTransactionID: txn.OriginalTransactionID,
		PurchaseDate:          txn.PurchaseDate,
		ExpiresDate:           txn.ExpiresDate,
		IsActive:              reconcile.ActiveAfter(notificationType),
		LastNotificationType:  notificationType,
		LastNotificationDate:  txn.PurchaseDate,
		Environment:           env,
	}
}
