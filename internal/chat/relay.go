package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/whisper/social-realtime/internal/metrics"
	"github.com/whisper/social-realtime/internal/protocol"
)

// ErrBlocked is returned when the receiver has blocked the sender. The
// sender has already been told via a messageBlocked event.
var ErrBlocked = errors.New("chat: receiver has blocked sender")

// BlockChecker answers whether blocker has blocked blocked.
type BlockChecker interface {
	IsBlocked(ctx context.Context, blocker, blocked string) (bool, error)
}

// MessageStore persists messages.
type MessageStore interface {
	Save(ctx context.Context, msg *Message) error
}

// Connections resolves the live connections of a user.
type Connections interface {
	ConnectionsFor(userID string) []string
}

// Sender delivers an encoded frame to one connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Outgoing is a text message submitted by a client.
type Outgoing struct {
	SenderID   string
	ReceiverID string
	Text       string
}

// Relay checks the block list, persists private messages and fans them out
// to the live connections of both parties.
type Relay struct {
	blocks BlockChecker
	store  MessageStore
	conns  Connections
	sender Sender
	logger *slog.Logger
	now    func() time.Time
}

// NewRelay creates a Relay.
func NewRelay(blocks BlockChecker, store MessageStore, conns Connections, sender Sender, logger *slog.Logger) *Relay {
	return &Relay{
		blocks: blocks,
		store:  store,
		conns:  conns,
		sender: sender,
		logger: logger.With("component", "chat"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Send delivers a text message from the client on senderConnID. The receiver
// gets receivePrivateMessage on every connection and the sender's
// connections get newPrivateMessage. A blocked message is neither stored nor
// delivered and Send returns ErrBlocked.
func (r *Relay) Send(ctx context.Context, senderConnID string, out Outgoing) (*Message, error) {
	if err := validateParties(out.SenderID, out.ReceiverID); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := ValidateMessage(out.Text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if err := r.checkBlocked(ctx, senderConnID, out.SenderID, out.ReceiverID); err != nil {
		return nil, err
	}

	msg := &Message{
		SenderID:   out.SenderID,
		ReceiverID: out.ReceiverID,
		Message:    out.Text,
		SentAt:     r.now(),
	}
	if err := r.store.Save(ctx, msg); err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("chat: send: %w", err)
	}

	r.deliver(senderConnID, msg)
	return msg, nil
}

// checkBlocked fails closed: a lookup error rejects the message.
func (r *Relay) checkBlocked(ctx context.Context, senderConnID, senderID, receiverID string) error {
	blocked, err := r.blocks.IsBlocked(ctx, receiverID, senderID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("chat: block check: %w", err)
	}
	if !blocked {
		return nil
	}

	metrics.MessagesTotal.WithLabelValues("blocked").Inc()
	r.logger.Info("message blocked", "sender", senderID, "receiver", receiverID)

	data, err := protocol.NewServerMessage(protocol.TypeMessageBlocked, protocol.MessageBlockedMsg{
		ReceiverID: receiverID,
	})
	if err != nil {
		r.logger.Error("failed to build messageBlocked", "error", err)
		return ErrBlocked
	}
	if err := r.sender.SendMessage(senderConnID, data); err != nil {
		r.logger.Debug("messageBlocked not delivered", "conn", senderConnID, "error", err)
	}
	return ErrBlocked
}

// deliver fans a stored message out. An offline receiver is not an error;
// the message stays in the store.
func (r *Relay) deliver(senderConnID string, msg *Message) {
	out := msg.Out()

	recv, err := protocol.NewServerMessage(protocol.TypeReceivePrivateMessage, out)
	if err != nil {
		r.logger.Error("failed to build receivePrivateMessage", "id", msg.ID, "error", err)
		return
	}
	delivered := 0
	for _, connID := range r.conns.ConnectionsFor(msg.ReceiverID) {
		if err := r.sender.SendMessage(connID, recv); err != nil {
			r.logger.Debug("receivePrivateMessage not delivered", "conn", connID, "error", err)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("stored").Inc()
	}

	echo, err := protocol.NewServerMessage(protocol.TypeNewPrivateMessage, out)
	if err != nil {
		r.logger.Error("failed to build newPrivateMessage", "id", msg.ID, "error", err)
		return
	}
	targets := r.conns.ConnectionsFor(msg.SenderID)
	if !contains(targets, senderConnID) {
		targets = append(targets, senderConnID)
	}
	for _, connID := range targets {
		if err := r.sender.SendMessage(connID, echo); err != nil {
			r.logger.Debug("newPrivateMessage not delivered", "conn", connID, "error", err)
		}
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
