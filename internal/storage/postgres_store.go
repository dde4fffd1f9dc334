package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/carpool/internal/domain"
	"github.com/example/carpool/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveBooking(b *models.BookingRequest) error {
	_, err := p.db.Exec(`INSERT INTO bookings(id, trip_id, passenger_id, status, seats, note, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		b.ID, b.TripID, b.PassengerID, b.Status, b.Seats, b.Note, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateBooking(b *models.BookingRequest) error {
	_, err := p.db.Exec(`UPDATE bookings SET status=$1, accepted_at=$2, accepted_by=$3, declined_at=$4, declined_by=$5, canceled_at=$6, updated_at=$7 WHERE id=$8`,
		b.Status, b.AcceptedAt, nullStr(b.AcceptedBy), b.DeclinedAt, nullStr(b.DeclinedBy), b.CanceledAt, time.Now(), b.ID)
	return err
}

func (p *PostgresStore) GetBooking(id string) (*models.BookingRequest, error) {
	row := p.db.QueryRow(`SELECT id, trip_id, passenger_id, status, seats, note, accepted_at, COALESCE(accepted_by,''), declined_at, COALESCE(declined_by,''), canceled_at, created_at, updated_at FROM bookings WHERE id=$1`, id)
	var b models.BookingRequest
	err := row.Scan(&b.ID, &b.TripID, &b.PassengerID, &b.Status, &b.Seats, &b.Note, &b.AcceptedAt, &b.AcceptedBy, &b.DeclinedAt, &b.DeclinedBy, &b.CanceledAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundError{Resource: "booking", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *PostgresStore) SaveTrip(t *models.Trip) error {
	_, err := p.db.Exec(`INSERT INTO trips(id, driver_id, origin, destination, origin_lat, origin_lon, departure_at, price_per_seat, seats_total, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.DriverID, t.Origin, t.Destination, t.OriginCoord.Lat, t.OriginCoord.Lon, t.DepartureAt, t.PricePerSeat, t.SeatsTotal, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetTrip(id string) (*models.Trip, error) {
	row := p.db.QueryRow(`SELECT id, driver_id, origin, destination, origin_lat, origin_lon, departure_at, price_per_seat, seats_total, created_at, updated_at FROM trips WHERE id=$1`, id)
	var t models.Trip
	err := row.Scan(&t.ID, &t.DriverID, &t.Origin, &t.Destination, &t.OriginCoord.Lat, &t.OriginCoord.Lon, &t.DepartureAt, &t.PricePerSeat, &t.SeatsTotal, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundError{Resource: "trip", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const txColumns = `id, booking_id, trip_id, passenger_id, driver_id, amount, currency, provider, provider_payment_intent_id, provider_client_secret, status, created_at, updated_at`

func (p *PostgresStore) SaveTransaction(t *models.Transaction) error {
	_, err := p.db.Exec(`INSERT INTO transactions(`+txColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		t.ID, t.BookingID, t.TripID, t.PassengerID, t.DriverID, t.Amount, t.Currency, t.Provider, t.ProviderPaymentIntentID, t.ProviderClientSecret, t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateTransaction(t *models.Transaction) error {
	res, err := p.db.Exec(`UPDATE transactions SET status=$1, updated_at=$2 WHERE id=$3`, t.Status, time.Now(), t.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFoundError{Resource: "transaction", ID: t.ID}
	}
	return nil
}

func (p *PostgresStore) scanTransaction(row interface{ Scan(...any) error }) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.BookingID, &t.TripID, &t.PassengerID, &t.DriverID, &t.Amount, &t.Currency, &t.Provider, &t.ProviderPaymentIntentID, &t.ProviderClientSecret, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) GetTransaction(id string) (*models.Transaction, error) {
	t, err := p.scanTransaction(p.db.QueryRow(`SELECT `+txColumns+` FROM transactions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundError{Resource: "transaction", ID: id}
	}
	return t, err
}

func (p *PostgresStore) GetTransactionByProviderIntentID(intentID string) (*models.Transaction, error) {
	t, err := p.scanTransaction(p.db.QueryRow(`SELECT `+txColumns+` FROM transactions WHERE provider_payment_intent_id=$1`, intentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundError{Resource: "transaction", ID: intentID}
	}
	return t, err
}

func (p *PostgresStore) GetTransactionsByBookingID(bookingID string) ([]*models.Transaction, error) {
	rows, err := p.db.Query(`SELECT `+txColumns+` FROM transactions WHERE booking_id=$1 ORDER BY created_at`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return p.collectTransactions(rows)
}

func (p *PostgresStore) GetTransactionsByPassengerID(passengerID string, opts ListOptions) ([]*models.Transaction, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(`SELECT `+txColumns+` FROM transactions WHERE passenger_id=$1 ORDER BY created_at LIMIT $2 OFFSET $3`, passengerID, limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return p.collectTransactions(rows)
}

func (p *PostgresStore) collectTransactions(rows *sql.Rows) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for rows.Next() {
		t, err := p.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendAuditEntry(e *models.AuditEntry) error {
	_, err := p.db.Exec(`INSERT INTO audit_entries(id, action, entity, entity_id, who, happened_at, before, after, why, correlation_id, ip, user_agent, prev_hash, hash) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, e.Action, e.Entity, e.EntityID, e.Who, e.When, []byte(e.Before), []byte(e.After), e.Why, e.CorrelationID, e.IP, e.UserAgent, e.PrevHash, e.Hash)
	return err
}

func (p *PostgresStore) LatestAuditEntry() (*models.AuditEntry, error) {
	row := p.db.QueryRow(`SELECT id, action, entity, entity_id, who, happened_at, before, after, why, correlation_id, ip, user_agent, prev_hash, hash FROM audit_entries ORDER BY happened_at DESC LIMIT 1`)
	e, err := p.scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (p *PostgresStore) ListAuditEntries() ([]*models.AuditEntry, error) {
	rows, err := p.db.Query(`SELECT id, action, entity, entity_id, who, happened_at, before, after, why, correlation_id, ip, user_agent, prev_hash, hash FROM audit_entries ORDER BY happened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.AuditEntry
	for rows.Next() {
		e, err := p.scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) scanAuditEntry(row interface{ Scan(...any) error }) (*models.AuditEntry, error) {
	var e models.AuditEntry
	var before, after []byte
	err := row.Scan(&e.ID, &e.Action, &e.Entity, &e.EntityID, &e.Who, &e.When, &before, &after, &e.Why, &e.CorrelationID, &e.IP, &e.UserAgent, &e.PrevHash, &e.Hash)
	if err != nil {
		return nil, err
	}
	e.Before = before
	e.After = after
	return &e, nil
}

func (p *PostgresStore) GetAuditAnchor(date string) (*models.AuditAnchor, error) {
	row := p.db.QueryRow(`SELECT date, hmac, updated_at FROM audit_anchors WHERE date=$1`, date)
	var a models.AuditAnchor
	err := row.Scan(&a.Date, &a.HMAC, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) UpsertAuditAnchor(a *models.AuditAnchor) error {
	_, err := p.db.Exec(`INSERT INTO audit_anchors(date, hmac, updated_at) VALUES($1,$2,$3) ON CONFLICT (date) DO UPDATE SET hmac=EXCLUDED.hmac, updated_at=EXCLUDED.updated_at`,
		a.Date, a.HMAC, a.UpdatedAt)
	return err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
