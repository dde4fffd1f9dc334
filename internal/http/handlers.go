package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/audit"
	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/domain"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/storage"
)

const maxWebhookBody = 1 << 20

type Server struct {
	Bookings *booking.Service
	Payments *payments.Service
	Audit    *audit.Service
	WSReg    *dispatch.WSRegistry
	cfg      config.ServerConfig
	logger   *slog.Logger
	mux      *mux.Router
}

// NewServer wires the service graph from config, falling back to in-memory
// collaborators when redis/kafka/postgres are not configured.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var store storage.Store
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Error("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		ggeo = geo.NewIndex()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	wsreg := dispatch.NewWSRegistry()
	auditSvc := audit.NewService(store, []byte(cfg.AuditAnchorSecret), logger)
	provider := payments.NewStripeProvider(cfg.StripeAPIKey, []byte(cfg.WebhookSecret))

	bsvc := &booking.Service{
		Store:  store,
		Geo:    ggeo,
		Notify: wsreg,
		Audit:  auditSvc,
		Logger: logger,
		Now:    time.Now,
	}
	psvc := payments.NewService(store, provider, cfg.Currency, logger)
	psvc.Audit = auditSvc
	if kp != nil {
		bsvc.Events = kp
		psvc.Events = kp
	}
	if cfg.RedisAddr != "" {
		psvc.Dedupe = payments.NewRedisDeduper(cfg.RedisAddr, cfg.RedisPassword, cfg.WebhookDedupeTTL)
	}

	s := &Server{
		Bookings: bsvc,
		Payments: psvc,
		Audit:    auditSvc,
		WSReg:    wsreg,
		cfg:      cfg,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/near", s.handleTripsNear).Methods("GET")

	s.mux.HandleFunc("/api/v1/bookings", s.handleCreateBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}", s.handleGetBooking).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{id}/accept", s.handleAcceptBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/decline", s.handleDeclineBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/cancel", s.handleCancelBooking).Methods("POST")

	s.mux.HandleFunc("/api/v1/passengers/payments/intents", s.handleCreateIntent).Methods("POST")
	s.mux.HandleFunc("/api/v1/passengers/payments/transactions", s.handleListTransactions).Methods("GET")
	s.mux.HandleFunc("/api/v1/passengers/payments/transactions/{id}", s.handleGetTransaction).Methods("GET")

	s.mux.HandleFunc("/webhooks/payments", s.handleWebhook).Methods("POST")

	s.mux.HandleFunc("/api/v1/admin/payments/{id}/refund", s.handleRefund).Methods("POST")
	s.mux.HandleFunc("/api/v1/admin/payments/{id}/cancel", s.handleCancelPayment).Methods("POST")
	s.mux.HandleFunc("/api/v1/admin/payments/{id}/sync", s.handleSyncPayment).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// actorID returns the authenticated principal injected by the upstream
// gateway; auth itself is out of scope here.
func actorID(r *http.Request) string { return r.Header.Get("X-Actor-ID") }

func requestContext(r *http.Request) *audit.RequestContext {
	return &audit.RequestContext{
		CorrelationID: requestIDFromContext(r.Context()),
		IP:            remoteIP(r),
		UserAgent:     r.UserAgent(),
	}
}

type createTripRequest struct {
	Origin       string       `json:"origin"`
	Destination  string       `json:"destination"`
	OriginCoord  models.Coord `json:"origin_coord"`
	DepartureAt  time.Time    `json:"departure_at"`
	PricePerSeat int64        `json:"price_per_seat"`
	SeatsTotal   int          `json:"seats_total"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeErrorCode(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_schema")
		return
	}
	trip, err := s.Bookings.CreateTrip(&models.Trip{
		DriverID:     actor,
		Origin:       req.Origin,
		Destination:  req.Destination,
		OriginCoord:  req.OriginCoord,
		DepartureAt:  req.DepartureAt,
		PricePerSeat: req.PricePerSeat,
		SeatsTotal:   req.SeatsTotal,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleTripsNear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_schema")
		return
	}
	radius := s.cfg.SearchRadiusM
	if v := q.Get("radius_m"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			radius = f
		}
	}
	trips, err := s.Bookings.SearchTripsNear(lat, lon, radius, s.cfg.SearchLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": trips})
}

type createBookingRequest struct {
	TripID string `json:"trip_id"`
	Seats  int    `json:"seats"`
	Note   string `json:"note"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeErrorCode(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_schema")
		return
	}
	b, err := s.Bookings.CreateRequest(req.TripID, actor, req.Seats, req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.GetBooking(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleAcceptBooking(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeErrorCode(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	b, err := s.Bookings.Accept(mux.Vars(r)["id"], actor, requestContext(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeclineBooking(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeErrorCode(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	b, err := s.Bookings.Decline(mux.Vars(r)["id"], actor, requestContext(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeErrorCode(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	b, err := s.Bookings.CancelByPassenger(mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type createIntentRequest struct {
	BookingID string `json:"booking_id"`
}

type intentResponse struct {
	TransactionID string `json:"transaction_id"`
	BookingID     string `json:"booking_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Provider      string `json:"provider"`
	ClientSecret  string `json:"client_secret"`
	Status        string `json:"status"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeErrorCode(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BookingID == "" {
		writeErrorCode(w, http.StatusBadRequest, "invalid_schema")
		return
	}
	tx, err := s.Payments.CreatePaymentIntent(r.Context(), req.BookingID, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intentResponse{
		TransactionID: tx.ID,
		BookingID:     tx.BookingID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Provider:      tx.Provider,
		ClientSecret:  tx.ProviderClientSecret,
		Status:        string(tx.Status),
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeErrorCode(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tx, err := s.Payments.GetTransactionByID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tx.PassengerID != actor {
		writeErrorCode(w, http.StatusForbidden, "forbidden_owner")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeErrorCode(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	// negatives would reach OFFSET/LIMIT in the query; treat them as absent
	opts := storage.ListOptions{}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Offset = n
		}
	}
	txs, err := s.Payments.GetTransactionsByPassengerID(actor, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

type refundRequest struct {
	Amount *int64 `json:"amount,omitempty"` // nil = full refund
	Why    string `json:"why"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeErrorCode(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_schema")
		return
	}
	if err := s.Payments.Refund(r.Context(), mux.Vars(r)["id"], actor, req.Amount, req.Why, requestContext(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cancelPaymentRequest struct {
	Why string `json:"why"`
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeErrorCode(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req cancelPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_schema")
		return
	}
	tx, err := s.Payments.CancelPayment(r.Context(), mux.Vars(r)["id"], actor, req.Why, requestContext(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleSyncPayment(w http.ResponseWriter, r *http.Request) {
	if actorID(r) == "" {
		writeErrorCode(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tx, err := s.Payments.SyncFromProvider(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := s.Payments.HandleWebhook(r.Context(), r.Header, body); err != nil {
		switch {
		case err == payments.ErrMissingSignature || err == payments.ErrBadSignature || err == payments.ErrNoWebhookSecret:
			writeErrorCode(w, http.StatusBadRequest, "invalid_signature")
		case domain.IsNotFound(err):
			writeErrorCode(w, http.StatusNotFound, "unknown_payment_intent")
		default:
			s.logger.Error("webhook handling failed", "error", err)
			writeErrorCode(w, http.StatusInternalServerError, "internal")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", 400)
		return
	}
	s.WSReg.Add(id, conn)
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var nf domain.NotFoundError
	switch {
	case errors.As(err, &nf):
		code := "not_found"
		if nf.Resource != "" {
			code = nf.Resource + "_not_found"
		}
		writeErrorMsg(w, http.StatusNotFound, code, err)
	case domain.IsForbiddenOwner(err):
		writeErrorMsg(w, http.StatusForbidden, "forbidden_owner", err)
	case domain.IsInvalidBookingState(err):
		writeErrorMsg(w, http.StatusConflict, "invalid_booking_state", err)
	case domain.IsDuplicatePayment(err):
		writeErrorMsg(w, http.StatusConflict, "duplicate_payment", err)
	case domain.IsBookingAlreadyPaid(err):
		writeErrorMsg(w, http.StatusConflict, "booking_already_paid", err)
	case domain.IsValidation(err):
		writeErrorMsg(w, http.StatusBadRequest, "invalid_schema", err)
	case domain.IsPaymentProvider(err):
		s.logger.Error("payment provider error", "error", err)
		writeErrorCode(w, http.StatusInternalServerError, "payment_provider_error")
	default:
		s.logger.Error("unhandled error", "error", err)
		writeErrorCode(w, http.StatusInternalServerError, "internal")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeErrorMsg(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, map[string]string{"error": code, "message": err.Error()})
}
