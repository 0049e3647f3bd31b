package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SummaryPolicy folds a user's ledger rows into a Summary. It must be a pure
// function of the rows it is given; the store calls it inside the same
// transaction as the ledger mutation so the two can never diverge.
type SummaryPolicy interface {
	ComputeSummary(userID string, records []PurchaseRecord, now time.Time) Summary
}

// Store provides durable storage for purchase records and summaries.
// Correctness under concurrent webhook deliveries relies on the conditional
// upsert (last-write-wins by event time), not on in-process locking.
type Store struct {
	db     *sql.DB
	policy SummaryPolicy
	now    func() time.Time
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string, policy SummaryPolicy) (*Store, error) {
	if policy == nil {
		return nil, errors.New("summary policy is required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	// WAL mode so webhook reads don't block writes
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:     db,
		policy: policy,
		now:    time.Now,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Entitlement ledger opened")
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS purchase_records (
			transaction_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			original_transaction_id TEXT NOT NULL DEFAULT '',
			purchase_date INTEGER NOT NULL,
			expires_date INTEGER,
			is_active INTEGER NOT NULL,
			last_notification_type TEXT NOT NULL,
			last_notification_date INTEGER NOT NULL,
			environment TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_purchase_records_user
		ON purchase_records(user_id);

		CREATE TABLE IF NOT EXISTS entitlement_summaries (
			user_id TEXT PRIMARY KEY,
			ad_free INTEGER NOT NULL,
			product_type TEXT NOT NULL DEFAULT '',
			purchase_date INTEGER,
			last_purchase_date INTEGER,
			premium_expires_at INTEGER,
			updated_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Apply upserts a purchase record and recomputes the owning user's summary
// in a single transaction. The upsert only moves a row forward in event time:
// a redelivery carrying the same or an older last_notification_date is a
// no-op reported as OutcomeDuplicate, so vendor retries never mutate state.
func (s *Store) Apply(ctx context.Context, rec PurchaseRecord) (Outcome, error) {
	if rec.TransactionID == "" {
		return "", errors.New("transaction id is required")
	}
	if rec.UserID == "" {
		return "", errors.New("user id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO purchase_records (
			transaction_id, user_id, product_id, original_transaction_id,
			purchase_date, expires_date, is_active,
			last_notification_type, last_notification_date, environment
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			user_id = excluded.user_id,
			product_id = excluded.product_id,
			original_transaction_id = excluded.original_transaction_id,
			purchase_date = excluded.purchase_date,
			expires_date = excluded.expires_date,
			is_active = excluded.is_active,
			last_notification_type = excluded.last_notification_type,
			last_notification_date = excluded.last_notification_date,
			environment = excluded.environment
		WHERE excluded.last_notification_date > purchase_records.last_notification_date
	`,
		rec.TransactionID, rec.UserID, rec.ProductID, rec.OriginalTransactionID,
		rec.PurchaseDate.UnixMilli(), nullableMilli(rec.ExpiresDate), boolToInt(rec.IsActive),
		string(rec.LastNotificationType), rec.LastNotificationDate.UnixMilli(), string(rec.Environment),
	)
	if err != nil {
		return "", fmt.Errorf("upsert purchase record %s: %w", rec.TransactionID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("upsert purchase record %s: %w", rec.TransactionID, err)
	}
	if affected == 0 {
		// Stale or duplicate delivery; nothing changed, so the summary is already correct.
		return OutcomeDuplicate, tx.Commit()
	}

	if err := s.recomputeSummaryTx(ctx, tx, rec.UserID); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit ledger transaction: %w", err)
	}
	return OutcomeApplied, nil
}

// RecomputeSummary re-derives a user's summary from their current ledger
// rows. Idempotent; safe to call at any time.
func (s *Store) RecomputeSummary(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin recompute transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.recomputeSummaryTx(ctx, tx, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) recomputeSummaryTx(ctx context.Context, tx *sql.Tx, userID string) error {
	records, err := s.recordsForUserTx(ctx, tx, userID)
	if err != nil {
		return err
	}

	summary := s.policy.ComputeSummary(userID, records, s.now())

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entitlement_summaries (
			user_id, ad_free, product_type, purchase_date,
			last_purchase_date, premium_expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			ad_free = excluded.ad_free,
			product_type = excluded.product_type,
			purchase_date = excluded.purchase_date,
			last_purchase_date = excluded.last_purchase_date,
			premium_expires_at = excluded.premium_expires_at,
			updated_at = excluded.updated_at
	`,
		userID, boolToInt(summary.AdFree), string(summary.ProductType), nullableMilli(summary.PurchaseDate),
		nullableMilli(summary.LastPurchaseDate), nullableMilli(summary.PremiumExpiresAt), s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write summary for user %s: %w", userID, err)
	}
	return nil
}

// Summary returns the stored summary for a user, or (nil, nil) when no
// summary exists. A missing summary means not entitled.
func (s *Store) Summary(ctx context.Context, userID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, ad_free, product_type, purchase_date,
		       last_purchase_date, premium_expires_at, updated_at
		FROM entitlement_summaries
		WHERE user_id = ?
	`, userID)

	var (
		summary   Summary
		adFree    int
		pType     string
		purchase  sql.NullInt64
		last      sql.NullInt64
		expires   sql.NullInt64
		updatedAt int64
	)
	err := row.Scan(&summary.UserID, &adFree, &pType, &purchase, &last, &expires, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query summary for user %s: %w", userID, err)
	}

	summary.AdFree = adFree != 0
	summary.ProductType = ProductType(pType)
	summary.PurchaseDate = milliPtr(purchase)
	summary.LastPurchaseDate = milliPtr(last)
	summary.PremiumExpiresAt = milliPtr(expires)
	summary.UpdatedAt = time.UnixMilli(updatedAt)
	return &summary, nil
}

// RecordsForUser returns all ledger rows belonging to a user, ordered by
// purchase date. Used by the reconciliation paths and by consistency checks.
func (s *Store) RecordsForUser(ctx context.Context, userID string) ([]PurchaseRecord, error) {
	return s.recordsForUserTx(ctx, nil, userID)
}

func (s *Store) recordsForUserTx(ctx context.Context, tx *sql.Tx, userID string) ([]PurchaseRecord, error) {
	query := `
		SELECT transaction_id, user_id, product_id, original_transaction_id,
		       purchase_date, expires_date, is_active,
		       last_notification_type, last_notification_date, environment
		FROM purchase_records
		WHERE user_id = ?
		ORDER BY purchase_date ASC, transaction_id ASC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, userID)
	} else {
		rows, err = s.db.QueryContext(ctx, query, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("query purchase records for user %s: %w", userID, err)
	}
	defer rows.Close()

	var records []PurchaseRecord
	for rows.Next() {
		var (
			rec      PurchaseRecord
			purchase int64
			expires  sql.NullInt64
			active   int
			notType  string
			notDate  int64
			env      string
		)
		if err := rows.Scan(&rec.TransactionID, &rec.UserID, &rec.ProductID, &rec.OriginalTransactionID,
			&purchase, &expires, &active, &notType, &notDate, &env); err != nil {
			return nil, fmt.Errorf("scan purchase record: %w", err)
		}
		rec.PurchaseDate = time.UnixMilli(purchase)
		rec.ExpiresDate = milliPtr(expires)
		rec.IsActive = active != 0
		rec.LastNotificationType = NotificationType(notType)
		rec.LastNotificationDate = time.UnixMilli(notDate)
		rec.Environment = Environment(env)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Record returns a single ledger row, or (nil, nil) when absent.
func (s *Store) Record(ctx context.Context, transactionID string) (*PurchaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, user_id, product_id, original_transaction_id,
		       purchase_date, expires_date, is_active,
		       last_notification_type, last_notification_date, environment
		FROM purchase_records
		WHERE transaction_id = ?
	`, transactionID)

	var (
		rec      PurchaseRecord
		purchase int64
		expires  sql.NullInt64
		active   int
		notType  string
		notDate  int64
		env      string
	)
	err := row.Scan(&rec.TransactionID, &rec.UserID, &rec.ProductID, &rec.OriginalTransactionID,
		&purchase, &expires, &active, &notType, &notDate, &env)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query purchase record %s: %w", transactionID, err)
	}
	rec.PurchaseDate = time.UnixMilli(purchase)
	rec.ExpiresDate = milliPtr(expires)
	rec.IsActive = active != 0
	rec.LastNotificationType = NotificationType(notType)
	rec.LastNotificationDate = time.UnixMilli(notDate)
	rec.Environment = Environment(env)
	return &rec, nil
}

// Close shuts down the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func milliPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
