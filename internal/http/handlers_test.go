package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/carpool/internal/audit"
	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/storage"
)

type stubProvider struct{ calls int }

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) CreatePaymentIntent(ctx context.Context, req payments.IntentRequest) (*payments.Intent, error) {
	s.calls++
	return &payments.Intent{
		PaymentIntentID: fmt.Sprintf("pi_%d", s.calls),
		ClientSecret:    fmt.Sprintf("pi_%d_secret", s.calls),
		Status:          models.TxRequiresPaymentMethod,
		Amount:          req.Amount,
		Currency:        req.Currency,
	}, nil
}

func (s *stubProvider) GetPaymentIntent(ctx context.Context, id string) (*payments.Intent, error) {
	return &payments.Intent{PaymentIntentID: id, Status: models.TxProcessing}, nil
}

func (s *stubProvider) CancelPaymentIntent(ctx context.Context, id string) error { return nil }

func (s *stubProvider) CreateRefund(ctx context.Context, id string, amount *int64) error { return nil }

func (s *stubProvider) ValidateSignature(sig string, body []byte) bool { return false }

func (s *stubProvider) ParseAndVerifyWebhook(h http.Header, body []byte) (*payments.WebhookEvent, error) {
	return nil, payments.ErrMissingSignature
}

func (s *stubProvider) MapStatus(st string) models.TransactionStatus { return models.TxFailed }

func newTestServer() (*Server, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditSvc := audit.NewService(store, []byte("secret"), logger)
	bsvc := &booking.Service{
		Store:  store,
		Geo:    geo.NewIndex(),
		Notify: &dispatch.LogNotifier{Logger: logger},
		Audit:  auditSvc,
		Logger: logger,
		Now:    time.Now,
	}
	psvc := payments.NewService(store, &stubProvider{}, "cop", logger)
	psvc.Audit = auditSvc
	s := &Server{
		Bookings: bsvc,
		Payments: psvc,
		Audit:    auditSvc,
		WSReg:    dispatch.NewWSRegistry(),
		cfg:      config.ServerConfig{SearchRadiusM: 5000, SearchLimit: 20},
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, store
}

func doJSON(t *testing.T, s *Server, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func seedAcceptedFlow(t *testing.T, s *Server) string {
	t.Helper()
	w := doJSON(t, s, "POST", "/api/v1/trips", "d1",
		`{"origin":"campus","destination":"downtown","origin_coord":{"lat":4.6,"lon":-74.08},"departure_at":"2026-09-01T08:00:00Z","price_per_seat":3000,"seats_total":4}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create trip: %d %s", w.Code, w.Body)
	}
	var trip models.Trip
	_ = json.Unmarshal(w.Body.Bytes(), &trip)

	w = doJSON(t, s, "POST", "/api/v1/bookings", "p1", fmt.Sprintf(`{"trip_id":%q,"seats":2}`, trip.ID))
	if w.Code != http.StatusCreated {
		t.Fatalf("create booking: %d %s", w.Code, w.Body)
	}
	var b models.BookingRequest
	_ = json.Unmarshal(w.Body.Bytes(), &b)

	w = doJSON(t, s, "POST", "/api/v1/bookings/"+b.ID+"/accept", "d1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("accept booking: %d %s", w.Code, w.Body)
	}
	return b.ID
}

func TestCreateIntentEndpoint(t *testing.T) {
	s, _ := newTestServer()
	bookingID := seedAcceptedFlow(t, s)

	w := doJSON(t, s, "POST", "/api/v1/passengers/payments/intents", "p1", fmt.Sprintf(`{"booking_id":%q}`, bookingID))
	if w.Code != http.StatusCreated {
		t.Fatalf("want 201, got %d %s", w.Code, w.Body)
	}
	var resp struct {
		TransactionID string `json:"transaction_id"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		ClientSecret  string `json:"client_secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Amount != 6000 || resp.Currency != "cop" || resp.ClientSecret == "" {
		t.Fatalf("bad DTO: %+v", resp)
	}

	// second call conflicts
	w = doJSON(t, s, "POST", "/api/v1/passengers/payments/intents", "p1", fmt.Sprintf(`{"booking_id":%q}`, bookingID))
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate: want 409, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "duplicate_payment") {
		t.Fatalf("want duplicate_payment code: %s", w.Body)
	}
}

func TestCreateIntentErrorMapping(t *testing.T) {
	s, _ := newTestServer()
	bookingID := seedAcceptedFlow(t, s)

	cases := []struct {
		name   string
		actor  string
		body   string
		status int
		code   string
	}{
		{"unauthenticated", "", `{"booking_id":"x"}`, http.StatusUnauthorized, "unauthenticated"},
		{"bad schema", "p1", `{`, http.StatusBadRequest, "invalid_schema"},
		{"missing booking", "p1", `{"booking_id":"nope"}`, http.StatusNotFound, "booking_not_found"},
		{"wrong owner", "p2", fmt.Sprintf(`{"booking_id":%q}`, bookingID), http.StatusForbidden, "forbidden_owner"},
	}
	for _, tc := range cases {
		w := doJSON(t, s, "POST", "/api/v1/passengers/payments/intents", tc.actor, tc.body)
		if w.Code != tc.status {
			t.Errorf("%s: want %d, got %d (%s)", tc.name, tc.status, w.Code, w.Body)
			continue
		}
		if !strings.Contains(w.Body.String(), tc.code) {
			t.Errorf("%s: want code %s, got %s", tc.name, tc.code, w.Body)
		}
	}
}

func TestIntentRequiresAcceptedBooking(t *testing.T) {
	s, _ := newTestServer()
	w := doJSON(t, s, "POST", "/api/v1/trips", "d1",
		`{"origin":"a","destination":"b","departure_at":"2026-09-01T08:00:00Z","price_per_seat":1000,"seats_total":2}`)
	var trip models.Trip
	_ = json.Unmarshal(w.Body.Bytes(), &trip)
	w = doJSON(t, s, "POST", "/api/v1/bookings", "p1", fmt.Sprintf(`{"trip_id":%q,"seats":1}`, trip.ID))
	var b models.BookingRequest
	_ = json.Unmarshal(w.Body.Bytes(), &b)

	// still pending
	w = doJSON(t, s, "POST", "/api/v1/passengers/payments/intents", "p1", fmt.Sprintf(`{"booking_id":%q}`, b.ID))
	if w.Code != http.StatusConflict || !strings.Contains(w.Body.String(), "invalid_booking_state") {
		t.Fatalf("want 409 invalid_booking_state, got %d %s", w.Code, w.Body)
	}
}

func TestCancelBookingEndpointIdempotent(t *testing.T) {
	s, _ := newTestServer()
	w := doJSON(t, s, "POST", "/api/v1/trips", "d1",
		`{"origin":"a","destination":"b","departure_at":"2026-09-01T08:00:00Z","price_per_seat":1000,"seats_total":2}`)
	var trip models.Trip
	_ = json.Unmarshal(w.Body.Bytes(), &trip)
	w = doJSON(t, s, "POST", "/api/v1/bookings", "p1", fmt.Sprintf(`{"trip_id":%q,"seats":1}`, trip.ID))
	var b models.BookingRequest
	_ = json.Unmarshal(w.Body.Bytes(), &b)

	for i := 0; i < 2; i++ {
		w = doJSON(t, s, "POST", "/api/v1/bookings/"+b.ID+"/cancel", "p1", "")
		if w.Code != http.StatusOK {
			t.Fatalf("cancel #%d: want 200, got %d %s", i+1, w.Code, w.Body)
		}
	}
}

func TestTransactionReadsScopedToOwner(t *testing.T) {
	s, _ := newTestServer()
	bookingID := seedAcceptedFlow(t, s)
	w := doJSON(t, s, "POST", "/api/v1/passengers/payments/intents", "p1", fmt.Sprintf(`{"booking_id":%q}`, bookingID))
	var resp struct {
		TransactionID string `json:"transaction_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	if w := doJSON(t, s, "GET", "/api/v1/passengers/payments/transactions/"+resp.TransactionID, "p1", ""); w.Code != http.StatusOK {
		t.Fatalf("owner read: %d", w.Code)
	}
	if w := doJSON(t, s, "GET", "/api/v1/passengers/payments/transactions/"+resp.TransactionID, "p2", ""); w.Code != http.StatusForbidden {
		t.Fatalf("non-owner read: want 403, got %d", w.Code)
	}
	w = doJSON(t, s, "GET", "/api/v1/passengers/payments/transactions", "p1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), resp.TransactionID) {
		t.Fatalf("list: %d %s", w.Code, w.Body)
	}
	// negative paging params must not reach the store
	w = doJSON(t, s, "GET", "/api/v1/passengers/payments/transactions?limit=-1&offset=-5", "p1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), resp.TransactionID) {
		t.Fatalf("list with negative paging: %d %s", w.Code, w.Body)
	}
}

func TestWebhookBadSignatureIs400(t *testing.T) {
	s, _ := newTestServer()
	w := doJSON(t, s, "POST", "/webhooks/payments", "", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", w.Code)
	}
}
