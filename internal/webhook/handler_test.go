package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybreaknews/entitlement/internal/ledger"
)

type stubVerifier struct {
	payload *NotificationPayload
	err     error
}

func (v *stubVerifier) Verify(signedPayload string) (*NotificationPayload, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.payload, nil
}

type stubApplier struct {
	outcome ledger.Outcome
	err     error
	applied []ledger.PurchaseRecord
}

func (a *stubApplier) Apply(ctx context.Context, rec ledger.PurchaseRecord) (ledger.Outcome, error) {
	a.applied = append(a.applied, rec)
	if a.err != nil {
		return "", a.err
	}
	return a.outcome, nil
}

type stubPublisher struct {
	events []IngestEvent
}

func (p *stubPublisher) Publish(event IngestEvent) {
	p.events = append(p.events, event)
}

func validPayload() *NotificationPayload {
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	return &NotificationPayload{
		NotificationType: "DID_RENEW",
		NotificationUUID: "b6a3f5a0-0001-0002-0003-000000000001",
		SignedDate:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).UnixMilli(),
		Data: TransactionData{
			AppAccountToken:       "user-1",
			TransactionID:         "txn-1",
			OriginalTransactionID: "txn-0",
			ProductID:             "com.daybreak.adfree.monthly",
			PurchaseDate:          time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
			ExpiresDate:           &expires,
			Environment:           "Production",
		},
	}
}

func postNotification(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/notifications", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp webhookReceivedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	return resp.Status
}

func TestHandlerRejectsNonPost(t *testing.T) {
	handler := NewHandler(&stubApplier{}, &stubVerifier{payload: validPayload()}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerRejectsMalformedBody(t *testing.T) {
	store := &stubApplier{}
	handler := NewHandler(store, &stubVerifier{payload: validPayload()}, nil)

	for _, body := range []string{"not json", `{}`, `{"signedPayload":"  "}`} {
		rec := postNotification(t, handler, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
	assert.Empty(t, store.applied, "nothing may reach the ledger before verification")
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	store := &stubApplier{}
	handler := NewHandler(store, &stubVerifier{err: errors.New("signature mismatch")}, nil)

	rec := postNotification(t, handler, `{"signedPayload":"eyJhbGciOiJFUzI1NiJ9.x.y"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid signature")
	assert.NotContains(t, rec.Body.String(), "mismatch", "error detail must not leak to the caller")
	assert.Empty(t, store.applied)
}

func TestHandlerAppliesVerifiedNotification(t *testing.T) {
	store := &stubApplier{outcome: ledger.OutcomeApplied}
	events := &stubPublisher{}
	handler := NewHandler(store, &stubVerifier{payload: validPayload()}, events)

	rec := postNotification(t, handler, `{"signedPayload":"signed"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed", decodeStatus(t, rec))

	require.Len(t, store.applied, 1)
	applied := store.applied[0]
	assert.Equal(t, "txn-1", applied.TransactionID)
	assert.Equal(t, "user-1", applied.UserID)
	assert.Equal(t, "com.daybreak.adfree.monthly", applied.ProductID)
	assert.Equal(t, ledger.NotificationDidRenew, applied.LastNotificationType)
	assert.True(t, applied.IsActive)
	require.NotNil(t, applied.ExpiresDate)
	assert.Equal(t, ledger.EnvProduction, applied.Environment)
	assert.Equal(t, time.UnixMilli(validPayload().SignedDate).UTC(), applied.LastNotificationDate.UTC(),
		"ordering must use the vendor event time")

	require.Len(t, events.events, 1)
	assert.Equal(t, "processed", events.events[0].Outcome)
	assert.Equal(t, "txn-1", events.events[0].TransactionID)
	assert.NotEmpty(t, events.events[0].EventID)
}

func TestHandlerAcksDuplicate(t *testing.T) {
	store := &stubApplier{outcome: ledger.OutcomeDuplicate}
	handler := NewHandler(store, &stubVerifier{payload: validPayload()}, nil)

	rec := postNotification(t, handler, `{"signedPayload":"signed"}`)

	assert.Equal(t, http.StatusOK, rec.Code, "duplicates are acknowledged so the vendor stops retrying")
	assert.Equal(t, "duplicate", decodeStatus(t, rec))
}

func TestHandlerIgnoresUnknownType(t *testing.T) {
	payload := validPayload()
	payload.NotificationType = "RENEWAL_EXTENSION"

	store := &stubApplier{outcome: ledger.OutcomeApplied}
	events := &stubPublisher{}
	handler := NewHandler(store, &stubVerifier{payload: payload}, events)

	rec := postNotification(t, handler, `{"signedPayload":"signed"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeStatus(t, rec))
	assert.Empty(t, store.applied, "unknown types must never mutate the ledger")
	require.Len(t, events.events, 1)
	assert.Equal(t, "ignored", events.events[0].Outcome)
}

func TestHandlerRejectsIncompletePayload(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *NotificationPayload)
	}{
		{"missing transaction id", func(p *NotificationPayload) { p.Data.TransactionID = "" }},
		{"missing account token", func(p *NotificationPayload) { p.Data.AppAccountToken = " " }},
		{"missing product id", func(p *NotificationPayload) { p.Data.ProductID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := validPayload()
			tt.mutate(payload)

			store := &stubApplier{outcome: ledger.OutcomeApplied}
			handler := NewHandler(store, &stubVerifier{payload: payload}, nil)

			rec := postNotification(t, handler, `{"signedPayload":"signed"}`)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, store.applied)
		})
	}
}

func TestHandlerReportsStoreFailure(t *testing.T) {
	store := &stubApplier{err: errors.New("disk full")}
	handler := NewHandler(store, &stubVerifier{payload: validPayload()}, nil)

	rec := postNotification(t, handler, `{"signedPayload":"signed"}`)

	// Non-2xx so the vendor redelivers once the store recovers.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRecordFromPayloadLifetimeHasNilExpiry(t *testing.T) {
	payload := validPayload()
	payload.NotificationType = "INITIAL_BUY"
	payload.Data.ProductID = "com.daybreak.adfree.lifetime"
	payload.Data.ExpiresDate = nil

	rec, err := recordFromPayload(payload, ledger.NotificationInitialBuy)
	require.NoError(t, err)
	assert.Nil(t, rec.ExpiresDate)
	assert.True(t, rec.IsActive)
}

func TestMapEnvironment(t *testing.T) {
	assert.Equal(t, ledger.EnvSandbox, mapEnvironment("Sandbox"))
	assert.Equal(t, ledger.EnvSandbox, mapEnvironment(" sandbox "))
	assert.Equal(t, ledger.EnvProduction, mapEnvironment("Production"))
	assert.Equal(t, ledger.EnvProduction, mapEnvironment(""))
}

func TestEventTimeFallsBackToPurchaseDate(t *testing.T) {
	payload := validPayload()
	payload.SignedDate = 0
	assert.Equal(t, time.UnixMilli(payload.Data.PurchaseDate), payload.EventTime())
}
