package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/daybreaknews/entitlement/internal/ledger"
	"github.com/daybreaknews/entitlement/internal/metrics"
	"github.com/daybreaknews/entitlement/internal/reconcile"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Applier is the ledger surface the handler needs.
type Applier interface {
	Apply(ctx context.Context, rec ledger.PurchaseRecord) (ledger.Outcome, error)
}

// IngestEvent is the structured processing record emitted for every
// authenticated notification.
type IngestEvent struct {
	EventID          string    `json:"eventId"`
	TransactionID    string    `json:"transactionId"`
	NotificationType string    `json:"notificationType"`
	Outcome          string    `json:"outcome"` // processed | duplicate | ignored
	Timestamp        time.Time `json:"timestamp"`
}

// EventPublisher receives ingest events for live observability streams.
type EventPublisher interface {
	Publish(event IngestEvent)
}

// Handler ingests vendor lifecycle notifications. It is stateless across
// requests: all state lives in the ledger, so overlapping deliveries for the
// same transaction converge through the store's conditional upsert.
//
// SECURITY: signature verification is the authentication mechanism for this
// endpoint; there is no other caller identity.
type Handler struct {
	store    Applier
	verifier Verifier
	events   EventPublisher // optional

	now func() time.Time
}

// NewHandler creates a notification ingest handler. events may be nil.
func NewHandler(store Applier, verifier Verifier, events EventPublisher) *Handler {
	return &Handler{
		store:    store,
		verifier: verifier,
		events:   events,
		now:      time.Now,
	}
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// ServeHTTP verifies the signed payload and applies the notification.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	notificationType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(notificationType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(notificationType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	var envelope notificationEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || strings.TrimSpace(envelope.SignedPayload) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "malformed notification body"})
		return
	}

	payload, err := h.verifier.Verify(envelope.SignedPayload)
	if err != nil {
		// Intentionally vague; an unauthenticated caller learns nothing.
		status = http.StatusUnauthorized
		writeJSON(w, status, webhookErrorResponse{Error: "invalid signature"})
		return
	}
	notificationType = strings.ToUpper(strings.TrimSpace(payload.NotificationType))

	eventID := ulid.Make().String()

	mapped, known := mapNotificationType(payload.NotificationType)
	if !known {
		// Authentic but entitlement-irrelevant lifecycle event. Acknowledge
		// so the vendor stops retrying; never guess at ledger mutations.
		h.logOutcome(eventID, payload.Data.TransactionID, notificationType, "ignored")
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Status: "ignored"})
		return
	}

	rec, err := recordFromPayload(payload, mapped)
	if err != nil {
		status = http.StatusBadRequest
		log.Warn().Err(err).
			Str("event_id", eventID).
			Str("notification_type", notificationType).
			Msg("Vendor notification rejected (incomplete payload)")
		writeJSON(w, status, webhookErrorResponse{Error: "incomplete notification payload"})
		return
	}

	outcome, err := h.store.Apply(r.Context(), rec)
	if err != nil {
		status = http.StatusInternalServerError
		log.Error().Err(err).
			Str("event_id", eventID).
			Str("transaction_id", rec.TransactionID).
			Str("notification_type", notificationType).
			Msg("Vendor notification processing failed")
		writeJSON(w, status, webhookErrorResponse{Error: "failed to process notification"})
		return
	}
	metrics.LedgerApplies.WithLabelValues(string(outcome)).Inc()

	result := "processed"
	if outcome == ledger.OutcomeDuplicate {
		// Same or older event time: acknowledge without re-mutating so the
		// vendor's retry policy never produces duplicate side effects.
		result = "duplicate"
	}
	h.logOutcome(eventID, rec.TransactionID, notificationType, result)
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Status: result})
}

func (h *Handler) logOutcome(eventID, transactionID, notificationType, outcome string) {
	log.Info().
		Str("event_id", eventID).
		Str("transaction_id", transactionID).
		Str("notification_type", notificationType).
		Str("outcome", outcome).
		Msg("Vendor notification processed")

	if h.events != nil {
		h.events.Publish(IngestEvent{
			EventID:          eventID,
			TransactionID:    transactionID,
			NotificationType: notificationType,
			Outcome:          outcome,
			Timestamp:        h.now().UTC(),
		})
	}
}

// recordFromPayload normalizes a verified notification into a ledger row.
func recordFromPayload(payload *NotificationPayload, notificationType ledger.NotificationType) (ledger.PurchaseRecord, error) {
	data := payload.Data
	if strings.TrimSpace(data.TransactionID) == "" {
		return ledger.PurchaseRecord{}, errMissingField("transactionId")
	}
	if strings.TrimSpace(data.AppAccountToken) == "" {
		return ledger.PurchaseRecord{}, errMissingField("appAccountToken")
	}
	if strings.TrimSpace(data.ProductID) == "" {
		return ledger.PurchaseRecord{}, errMissingField("productId")
	}

	var expires *time.Time
	if data.ExpiresDate != nil {
		t := time.UnixMilli(*data.ExpiresDate)
		expires = &t
	}

	return ledger.PurchaseRecord{
		TransactionID:         strings.TrimSpace(data.TransactionID),
		UserID:                strings.TrimSpace(data.AppAccountToken),
		ProductID:             strings.TrimSpace(data.ProductID),
		OriginalTransactionID: strings.TrimSpace(data.OriginalTransactionID),
		PurchaseDate:          time.UnixMilli(data.PurchaseDate),
		ExpiresDate:           expires,
		IsActive:              reconcile.ActiveAfter(notificationType),
		LastNotificationType:  notificationType,
		LastNotificationDate:  payload.EventTime(),
		Environment:           mapEnvironment(data.Environment),
	}, nil
}

type missingFieldError string

func errMissingField(field string) error { return missingFieldError(field) }

func (e missingFieldError) Error() string { return "missing field " + string(e) }

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to encode webhook response")
	}
}
