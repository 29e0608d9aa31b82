package notification

import (
	"context"
	"log/slog"

	"github.com/whisper/social-realtime/internal/metrics"
	"github.com/whisper/social-realtime/internal/protocol"
)

// RecordStore persists notification records.
type RecordStore interface {
	Save(ctx context.Context, rec *Record) error
}

// Connections resolves the live connections of a user.
type Connections interface {
	ConnectionsFor(userID string) []string
}

// Sender delivers an encoded frame to one connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Notifier stores notifications and pushes them to online users. It never
// returns errors to its callers: failures are logged and the notification is
// dropped.
type Notifier struct {
	store  RecordStore
	conns  Connections
	sender Sender
	logger *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(store RecordStore, conns Connections, sender Sender, logger *slog.Logger) *Notifier {
	return &Notifier{
		store:  store,
		conns:  conns,
		sender: sender,
		logger: logger.With("component", "notification"),
	}
}

// Notify stores req and pushes a newNotification event to every connection
// of req.UserID. It returns the stored record, or nil when nothing was
// stored (self notification, invalid request or store failure).
func (n *Notifier) Notify(ctx context.Context, req Request) *Record {
	if req.UserID == req.SenderID {
		metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if req.UserID == "" || req.SenderID == "" || !ValidType(req.Type) {
		n.logger.Warn("invalid notification request",
			"user", req.UserID, "sender", req.SenderID, "type", req.Type)
		metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	rec := &Record{
		UserID:   req.UserID,
		SenderID: req.SenderID,
		Type:     req.Type,
		PostID:   req.PostID,
		Message:  req.Message,
	}
	if err := n.store.Save(ctx, rec); err != nil {
		n.logger.Error("failed to store notification",
			"user", req.UserID, "type", req.Type, "error", err)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return nil
	}

	conns := n.conns.ConnectionsFor(rec.UserID)
	if len(conns) == 0 {
		metrics.NotificationsTotal.WithLabelValues("stored").Inc()
		return rec
	}

	data, err := protocol.NewServerMessage(protocol.TypeNewNotification, protocol.NewNotificationMsg{
		Notification: rec.Out(),
	})
	if err != nil {
		n.logger.Error("failed to build newNotification", "id", rec.ID, "error", err)
		return rec
	}
	for _, connID := range conns {
		if err := n.sender.SendMessage(connID, data); err != nil {
			n.logger.Debug("newNotification not delivered", "conn", connID, "error", err)
		}
	}
	metrics.NotificationsTotal.WithLabelValues("pushed").Inc()
	return rec
}
