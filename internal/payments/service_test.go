package payments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/example/carpool/internal/audit"
	"github.com/example/carpool/internal/domain"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

type fakeProvider struct {
	createCalls int
	createErr   error
	status      models.TransactionStatus
	event       *WebhookEvent
	parseErr    error
	refunds     []string
	cancels     []string
	getStatus   models.TransactionStatus
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	status := f.status
	if status == "" {
		status = models.TxRequiresPaymentMethod
	}
	return &Intent{
		PaymentIntentID: fmt.Sprintf("pi_%d", f.createCalls),
		ClientSecret:    fmt.Sprintf("pi_%d_secret", f.createCalls),
		Status:          status,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Metadata:        req.Metadata,
	}, nil
}

func (f *fakeProvider) GetPaymentIntent(ctx context.Context, id string) (*Intent, error) {
	return &Intent{PaymentIntentID: id, Status: f.getStatus}, nil
}

func (f *fakeProvider) CancelPaymentIntent(ctx context.Context, id string) error {
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeProvider) CreateRefund(ctx context.Context, id string, amount *int64) error {
	f.refunds = append(f.refunds, id)
	return nil
}

func (f *fakeProvider) ValidateSignature(signature string, rawBody []byte) bool {
	return f.parseErr == nil
}

func (f *fakeProvider) ParseAndVerifyWebhook(headers http.Header, rawBody []byte) (*WebhookEvent, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	return f.event, nil
}

func (f *fakeProvider) MapStatus(s string) models.TransactionStatus {
	switch s {
	case "succeeded":
		return models.TxSucceeded
	case "processing":
		return models.TxProcessing
	case "canceled":
		return models.TxCanceled
	case "requires_payment_method":
		return models.TxRequiresPaymentMethod
	default:
		return models.TxFailed
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedAcceptedBooking(t *testing.T, store *storage.MemoryStore) (*models.BookingRequest, *models.Trip) {
	t.Helper()
	now := time.Now()
	trip := &models.Trip{
		ID: "t1", DriverID: "d1", Origin: "campus", Destination: "downtown",
		DepartureAt: now.Add(time.Hour), PricePerSeat: 3000, SeatsTotal: 4,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.SaveTrip(trip); err != nil {
		t.Fatal(err)
	}
	b := &models.BookingRequest{
		ID: "b1", TripID: "t1", PassengerID: "p1", Status: models.BookingAccepted,
		Seats: 2, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.SaveBooking(b); err != nil {
		t.Fatal(err)
	}
	return b, trip
}

func newTestService(store *storage.MemoryStore, p Provider) *Service {
	return NewService(store, p, "cop", testLogger())
}

func TestCreatePaymentIntentSnapshotsAmount(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	p := &fakeProvider{}
	svc := newTestService(store, p)

	tx, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if tx.Amount != 6000 {
		t.Fatalf("amount: want 6000 (2 seats x 3000), got %d", tx.Amount)
	}
	if tx.Currency != "cop" || tx.Provider != "fake" {
		t.Fatalf("snapshot fields wrong: %+v", tx)
	}
	if tx.Status != models.TxRequiresPaymentMethod {
		t.Fatalf("status should come from provider, got %s", tx.Status)
	}
	if tx.ProviderClientSecret == "" {
		t.Fatal("client secret missing")
	}

	// later price change must not affect the persisted snapshot
	trip, _ := store.GetTrip("t1")
	trip.PricePerSeat = 9999
	if err := store.SaveTrip(trip); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetTransaction(tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Amount != 6000 {
		t.Fatalf("amount was recomputed: %d", got.Amount)
	}
}

func TestCreatePaymentIntentOwnership(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	p := &fakeProvider{}
	svc := newTestService(store, p)

	_, err := svc.CreatePaymentIntent(context.Background(), "b1", "someone-else")
	if !domain.IsForbiddenOwner(err) {
		t.Fatalf("expected ForbiddenOwner, got %v", err)
	}
	if p.createCalls != 0 {
		t.Fatal("provider must not be called on ownership failure")
	}
}

func TestCreatePaymentIntentRequiresAcceptedState(t *testing.T) {
	store := storage.NewMemoryStore()
	b, _ := seedAcceptedBooking(t, store)
	b.Status = models.BookingPending
	if err := store.UpdateBooking(b); err != nil {
		t.Fatal(err)
	}
	p := &fakeProvider{}
	svc := newTestService(store, p)

	_, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	if !domain.IsInvalidBookingState(err) {
		t.Fatalf("expected InvalidBookingState, got %v", err)
	}
	if p.createCalls != 0 {
		t.Fatal("provider must not be called before state passes")
	}
}

func TestCreatePaymentIntentNotFound(t *testing.T) {
	svc := newTestService(storage.NewMemoryStore(), &fakeProvider{})
	_, err := svc.CreatePaymentIntent(context.Background(), "missing", "p1")
	if !domain.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSecondIntentIsDuplicate(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	svc := newTestService(store, &fakeProvider{})

	if _, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1"); err != nil {
		t.Fatalf("first intent: %v", err)
	}
	_, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	if !domain.IsDuplicatePayment(err) {
		t.Fatalf("expected DuplicatePayment, got %v", err)
	}
}

func TestAlreadyPaidWinsOverFailedHistory(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	now := time.Now()
	// a failed, a canceled, and a succeeded attempt
	for i, st := range []models.TransactionStatus{models.TxFailed, models.TxCanceled, models.TxSucceeded} {
		tx := &models.Transaction{
			ID: fmt.Sprintf("tx%d", i), BookingID: "b1", TripID: "t1", PassengerID: "p1",
			DriverID: "d1", Amount: 6000, Currency: "cop", Provider: "fake",
			ProviderPaymentIntentID: fmt.Sprintf("pi_old_%d", i), Status: st,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := store.SaveTransaction(tx); err != nil {
			t.Fatal(err)
		}
	}
	svc := newTestService(store, &fakeProvider{})
	_, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	if !domain.IsBookingAlreadyPaid(err) {
		t.Fatalf("expected BookingAlreadyPaid, got %v", err)
	}
}

func TestRetryAllowedAfterTerminalFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	now := time.Now()
	tx := &models.Transaction{
		ID: "tx0", BookingID: "b1", TripID: "t1", PassengerID: "p1", DriverID: "d1",
		Amount: 6000, Currency: "cop", Provider: "fake",
		ProviderPaymentIntentID: "pi_old", Status: models.TxFailed,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.SaveTransaction(tx); err != nil {
		t.Fatal(err)
	}
	svc := newTestService(store, &fakeProvider{})
	if _, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1"); err != nil {
		t.Fatalf("retry after failed attempt should succeed: %v", err)
	}
}

func TestProviderErrorWrapped(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	boom := errors.New("network down")
	svc := newTestService(store, &fakeProvider{createErr: boom})

	_, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	if !domain.IsPaymentProvider(err) {
		t.Fatalf("expected PaymentProviderError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("wrapped error should preserve the cause")
	}
	// nothing persisted on provider failure
	txs, _ := store.GetTransactionsByBookingID("b1")
	if len(txs) != 0 {
		t.Fatalf("no transaction should be saved, got %d", len(txs))
	}
}

func TestProviderDomainErrorPropagatesUnchanged(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	orig := domain.PaymentProviderError{Provider: "fake", Op: "create_payment_intent", Err: errors.New("declined")}
	svc := newTestService(store, &fakeProvider{createErr: orig})

	_, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	var got domain.PaymentProviderError
	if !errors.As(err, &got) {
		t.Fatalf("expected PaymentProviderError, got %v", err)
	}
	if got.Op != "create_payment_intent" || !errors.Is(err, orig.Err) {
		t.Fatalf("provider error was rewrapped: %+v", got)
	}
}

func TestReadPassThroughs(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	svc := newTestService(store, &fakeProvider{})
	tx, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	if got, err := svc.GetTransactionByID(tx.ID); err != nil || got.ID != tx.ID {
		t.Fatalf("GetTransactionByID: %v", err)
	}
	if txs, err := svc.GetTransactionsByBookingID("b1"); err != nil || len(txs) != 1 {
		t.Fatalf("GetTransactionsByBookingID: %v len=%d", err, len(txs))
	}
	if txs, err := svc.GetTransactionsByPassengerID("p1", storage.ListOptions{Limit: 10}); err != nil || len(txs) != 1 {
		t.Fatalf("GetTransactionsByPassengerID: %v len=%d", err, len(txs))
	}
	if txs, err := svc.GetTransactionsByPassengerID("nobody", storage.ListOptions{}); err != nil || len(txs) != 0 {
		t.Fatalf("unknown passenger should return empty, got %d", len(txs))
	}
}

type memDeduper struct{ seen map[string]bool }

func (m *memDeduper) Seen(ctx context.Context, id string) (bool, error) {
	if m.seen[id] {
		return true, nil
	}
	m.seen[id] = true
	return false, nil
}

func (m *memDeduper) Forget(ctx context.Context, id string) error {
	delete(m.seen, id)
	return nil
}

func TestHandleWebhookUpdatesTransaction(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	p := &fakeProvider{}
	svc := newTestService(store, p)
	tx, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	p.event = &WebhookEvent{
		ID:   "evt_1",
		Type: "payment_intent.succeeded",
		Data: []byte(fmt.Sprintf(`{"object":{"id":%q,"status":"succeeded"}}`, tx.ProviderPaymentIntentID)),
	}
	if err := svc.HandleWebhook(context.Background(), http.Header{}, []byte("{}")); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	got, _ := store.GetTransaction(tx.ID)
	if got.Status != models.TxSucceeded {
		t.Fatalf("status not updated: %s", got.Status)
	}
}

func TestHandleWebhookDedupes(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	p := &fakeProvider{}
	svc := newTestService(store, p)
	svc.Dedupe = &memDeduper{seen: make(map[string]bool)}
	tx, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	p.event = &WebhookEvent{
		ID:   "evt_dup",
		Type: "payment_intent.processing",
		Data: []byte(fmt.Sprintf(`{"object":{"id":%q,"status":"processing"}}`, tx.ProviderPaymentIntentID)),
	}
	if err := svc.HandleWebhook(context.Background(), http.Header{}, []byte("{}")); err != nil {
		t.Fatal(err)
	}
	// flip status so a reapply would be visible
	cur, _ := store.GetTransaction(tx.ID)
	cur.Status = models.TxSucceeded
	_ = store.UpdateTransaction(cur)

	if err := svc.HandleWebhook(context.Background(), http.Header{}, []byte("{}")); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTransaction(tx.ID)
	if got.Status != models.TxSucceeded {
		t.Fatal("duplicate event was applied")
	}
}

// flakyTxStore fails a bounded number of transaction updates.
type flakyTxStore struct {
	*storage.MemoryStore
	updateFailures int
}

func (f *flakyTxStore) UpdateTransaction(tx *models.Transaction) error {
	if f.updateFailures > 0 {
		f.updateFailures--
		return errors.New("connection reset")
	}
	return f.MemoryStore.UpdateTransaction(tx)
}

func TestHandleWebhookRedeliveryAfterFailedApply(t *testing.T) {
	mem := storage.NewMemoryStore()
	seedAcceptedBooking(t, mem)
	store := &flakyTxStore{MemoryStore: mem}
	p := &fakeProvider{}
	svc := NewService(store, p, "cop", testLogger())
	svc.Dedupe = &memDeduper{seen: make(map[string]bool)}
	tx, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	p.event = &WebhookEvent{
		ID:   "evt_retry",
		Type: "payment_intent.succeeded",
		Data: []byte(fmt.Sprintf(`{"object":{"id":%q,"status":"succeeded"}}`, tx.ProviderPaymentIntentID)),
	}
	store.updateFailures = 1
	if err := svc.HandleWebhook(context.Background(), http.Header{}, []byte("{}")); err == nil {
		t.Fatal("first delivery should fail on the store update")
	}
	// the provider redelivers the same event id; it must not be dropped as
	// a duplicate
	if err := svc.HandleWebhook(context.Background(), http.Header{}, []byte("{}")); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	got, _ := store.GetTransaction(tx.ID)
	if got.Status != models.TxSucceeded {
		t.Fatalf("redelivered event not applied, status %s", got.Status)
	}
}

func TestHandleWebhookUnknownIntent(t *testing.T) {
	store := storage.NewMemoryStore()
	p := &fakeProvider{event: &WebhookEvent{
		ID:   "evt_x",
		Type: "payment_intent.succeeded",
		Data: []byte(`{"object":{"id":"pi_unknown","status":"succeeded"}}`),
	}}
	svc := newTestService(store, p)
	err := svc.HandleWebhook(context.Background(), http.Header{}, []byte("{}"))
	if !domain.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestHandleWebhookRejectedSignature(t *testing.T) {
	svc := newTestService(storage.NewMemoryStore(), &fakeProvider{parseErr: ErrBadSignature})
	err := svc.HandleWebhook(context.Background(), http.Header{}, []byte("{}"))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestRefundRequiresSucceededAndAudits(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	p := &fakeProvider{}
	svc := newTestService(store, p)
	svc.Audit = audit.NewService(store, []byte("secret"), testLogger())
	tx, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Refund(context.Background(), tx.ID, "admin1", nil, "rider no-show", nil); !domain.IsInvalidBookingState(err) {
		t.Fatalf("refund of non-succeeded transaction should fail, got %v", err)
	}

	tx.Status = models.TxSucceeded
	_ = store.UpdateTransaction(tx)
	if err := svc.Refund(context.Background(), tx.ID, "admin1", nil, "rider no-show", nil); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(p.refunds) != 1 || p.refunds[0] != tx.ProviderPaymentIntentID {
		t.Fatalf("provider refund not issued: %v", p.refunds)
	}
	entries, _ := store.ListAuditEntries()
	if len(entries) != 1 || entries[0].Action != "transaction.refund" || entries[0].Who != "admin1" {
		t.Fatalf("refund not audited: %+v", entries)
	}
}

func TestCancelPaymentVoidsActiveIntent(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	p := &fakeProvider{}
	svc := newTestService(store, p)
	tx, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.CancelPayment(context.Background(), tx.ID, "admin1", "stale attempt", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.TxCanceled {
		t.Fatalf("expected canceled, got %s", got.Status)
	}
	if len(p.cancels) != 1 {
		t.Fatal("provider cancel not issued")
	}
	// terminal transactions cannot be canceled again
	if _, err := svc.CancelPayment(context.Background(), tx.ID, "admin1", "", nil); !domain.IsInvalidBookingState(err) {
		t.Fatalf("expected InvalidBookingState on repeat cancel, got %v", err)
	}
	// and the booking is free for a new attempt
	if _, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1"); err != nil {
		t.Fatalf("new intent after cancel should succeed: %v", err)
	}
}

func TestSyncFromProviderReconcilesStatus(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAcceptedBooking(t, store)
	p := &fakeProvider{getStatus: models.TxSucceeded}
	svc := newTestService(store, p)
	tx, err := svc.CreatePaymentIntent(context.Background(), "b1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.SyncFromProvider(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.Status != models.TxSucceeded {
		t.Fatalf("expected succeeded after sync, got %s", got.Status)
	}
	stored, _ := store.GetTransaction(tx.ID)
	if stored.Status != models.TxSucceeded {
		t.Fatal("sync result not persisted")
	}
}
