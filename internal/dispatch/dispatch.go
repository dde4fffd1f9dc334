package dispatch

import "log/slog"

// Notification is an in-app message pushed to a connected user (driver or
// passenger) when a booking or payment changes state.
type Notification struct {
	Kind      string `json:"kind"` // booking.requested, booking.accepted, payment.succeeded, ...
	BookingID string `json:"booking_id"`
	TripID    string `json:"trip_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Notifier delivers notifications to a user if a channel is available.
// Delivery is best effort everywhere it is called.
type Notifier interface {
	Notify(userID string, n Notification) error
}

// LogNotifier is the fallback when no realtime channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Notify(userID string, n Notification) error {
	l.Logger.Info("notify", "user_id", userID, "kind", n.Kind, "booking_id", n.BookingID)
	return nil
}
