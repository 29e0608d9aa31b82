// Package gateway binds the socket events to the presence, chat and
// notification components. It owns the per-connection user binding and the
// per-user rate limits.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/whisper/social-realtime/internal/chat"
	"github.com/whisper/social-realtime/internal/metrics"
	"github.com/whisper/social-realtime/internal/notification"
	"github.com/whisper/social-realtime/internal/presence"
	"github.com/whisper/social-realtime/internal/protocol"
	"github.com/whisper/social-realtime/internal/ratelimit"
	"github.com/whisper/social-realtime/internal/social"
	"github.com/whisper/social-realtime/internal/ws"
)

// statusRateLimited is the privateFileAck status for throttled uploads.
const statusRateLimited = "rate_limited"

// BlockStore creates and removes block edges.
type BlockStore interface {
	Block(ctx context.Context, blocker, blocked string) error
	Unblock(ctx context.Context, blocker, blocked string) error
}

// SessionBinder mirrors the connection to user binding into shared storage.
type SessionBinder interface {
	BindUser(ctx context.Context, connID, userID string) error
}

// Limiter throttles events per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// Sender delivers an encoded frame to one connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Deps collects the collaborators of a Gateway. Sessions and Limiter are
// optional.
type Deps struct {
	Registry presence.Registry
	Presence *presence.Broadcaster
	Blocks   BlockStore
	Relay    *chat.Relay
	Ingester *chat.Ingester
	Notifier *notification.Notifier
	Sessions SessionBinder
	Limiter  Limiter
	Sender   Sender
	Logger   *slog.Logger
	Timeout  time.Duration // bounds disconnect and NATS-triggered work
}

// Gateway implements the socket event handlers.
type Gateway struct {
	registry presence.Registry
	presence *presence.Broadcaster
	blocks   BlockStore
	relay    *chat.Relay
	ingester *chat.Ingester
	notifier *notification.Notifier
	sessions SessionBinder
	limiter  Limiter
	sender   Sender
	logger   *slog.Logger
	timeout  time.Duration
}

// New creates a Gateway.
func New(d Deps) *Gateway {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		registry: d.Registry,
		presence: d.Presence,
		blocks:   d.Blocks,
		relay:    d.Relay,
		ingester: d.Ingester,
		notifier: d.Notifier,
		sessions: d.Sessions,
		limiter:  d.Limiter,
		sender:   d.Sender,
		logger:   d.Logger.With("component", "gateway"),
		timeout:  timeout,
	}
}

// Register installs the event handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeRegisterUser, g.handleRegisterUser)
	d.Register(protocol.TypeBlockUser, g.handleBlockUser)
	d.Register(protocol.TypeUnblockUser, g.handleUnblockUser)
	d.Register(protocol.TypePrivateMessage, g.handlePrivateMessage)
	d.Register(protocol.TypePrivateFile, g.handlePrivateFile)
	d.Register(protocol.TypeSendNotification, g.handleSendNotification)
}

// ---------------------------------------------------------------------------
// registerUser
// ---------------------------------------------------------------------------

func (g *Gateway) handleRegisterUser(ctx context.Context, conn *ws.Connection, msg protocol.ClientMessage) error {
	m, ok := msg.(protocol.RegisterUserMsg)
	if !ok {
		return errUnexpected(msg)
	}

	// Re-registering the connection as someone else releases the old user.
	if prev, ok := g.registry.UserFor(conn.ID); ok && prev != m.UserID {
		g.release(ctx, conn.ID)
	}

	first := g.registry.Register(m.UserID, conn.ID)
	metrics.OnlineUsers.Set(float64(g.registry.OnlineCount()))

	if g.sessions != nil {
		if err := g.sessions.BindUser(ctx, conn.ID, m.UserID); err != nil {
			g.logger.Warn("failed to bind session", "conn", conn.ID, "user", m.UserID, "error", err)
		}
	}

	g.logger.Info("user registered", "conn", conn.ID, "user", m.UserID, "first", first)

	if err := g.presence.Connected(ctx, m.UserID, conn.ID, first); err != nil {
		return protocol.NewError("internal_error", "failed to load friends", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// blockUser / unblockUser
// ---------------------------------------------------------------------------

func (g *Gateway) handleBlockUser(ctx context.Context, conn *ws.Connection, msg protocol.ClientMessage) error {
	m, ok := msg.(protocol.BlockUserMsg)
	if !ok {
		return errUnexpected(msg)
	}
	userID, err := g.userFor(conn)
	if err != nil {
		return err
	}

	if err := g.blocks.Block(ctx, userID, m.BlockedID); err != nil {
		return blockError(err)
	}

	g.logger.Info("user blocked", "blocker", userID, "blocked", m.BlockedID)
	g.emitToUser(userID, protocol.TypeUserBlocked, protocol.UserBlockedMsg{BlockedID: m.BlockedID})
	return nil
}

func (g *Gateway) handleUnblockUser(ctx context.Context, conn *ws.Connection, msg protocol.ClientMessage) error {
	m, ok := msg.(protocol.UnblockUserMsg)
	if !ok {
		return errUnexpected(msg)
	}
	userID, err := g.userFor(conn)
	if err != nil {
		return err
	}

	if err := g.blocks.Unblock(ctx, userID, m.BlockedID); err != nil {
		return blockError(err)
	}

	g.logger.Info("user unblocked", "blocker", userID, "blocked", m.BlockedID)
	g.emitToUser(userID, protocol.TypeUserUnblocked, protocol.UserUnblockedMsg{BlockedID: m.BlockedID})
	return nil
}

func blockError(err error) error {
	switch {
	case errors.Is(err, social.ErrSelfBlock):
		return protocol.NewError("invalid_payload", "cannot block yourself", err)
	case errors.Is(err, social.ErrAlreadyBlocked):
		return protocol.NewError("already_blocked", "user is already blocked", err)
	case errors.Is(err, social.ErrNotBlocked):
		return protocol.NewError("not_blocked", "user is not blocked", err)
	}
	return err
}

// ---------------------------------------------------------------------------
// privateMessage
// ---------------------------------------------------------------------------

func (g *Gateway) handlePrivateMessage(ctx context.Context, conn *ws.Connection, msg protocol.ClientMessage) error {
	m, ok := msg.(protocol.PrivateMessageMsg)
	if !ok {
		return errUnexpected(msg)
	}
	if err := g.checkSender(conn, m.SenderID); err != nil {
		return err
	}
	if !g.allow(ctx, conn, m.SenderID, ratelimit.RulePrivateMessage) {
		return nil
	}

	_, err := g.relay.Send(ctx, conn.ID, chat.Outgoing{
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Message,
	})
	switch {
	case err == nil, errors.Is(err, chat.ErrBlocked):
		// messageBlocked was already sent to this connection.
		return nil
	case errors.Is(err, chat.ErrInvalid):
		return protocol.NewError("invalid_payload", err.Error(), err)
	}
	return err
}

// ---------------------------------------------------------------------------
// privateFile
// ---------------------------------------------------------------------------

// handlePrivateFile always answers with privateFileAck; failures are reported
// through the ack status rather than an error event.
func (g *Gateway) handlePrivateFile(ctx context.Context, conn *ws.Connection, msg protocol.ClientMessage) error {
	m, ok := msg.(protocol.PrivateFileMsg)
	if !ok {
		return errUnexpected(msg)
	}

	ack := protocol.PrivateFileAckMsg{AckID: m.AckID}
	defer func() {
		g.emit(conn.ID, protocol.TypePrivateFileAck, ack)
	}()

	if err := g.checkSender(conn, m.SenderID); err != nil {
		ack.Status = chat.StatusInvalid
		ack.Error = err.Error()
		return nil
	}
	if !g.allow(ctx, conn, m.SenderID, ratelimit.RuleFile) {
		ack.Status = statusRateLimited
		ack.Error = "too many uploads"
		return nil
	}

	receipt, err := g.ingester.Ingest(ctx, conn.ID, chat.Upload{
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Filename:   m.Filename,
		Filetype:   m.Filetype,
		Data:       m.Data,
	})
	ack.Status = receipt.Status
	ack.FileURL = receipt.FileURL

	switch {
	case err == nil:
	case errors.Is(err, chat.ErrInvalid):
		ack.Error = err.Error()
	case errors.Is(err, chat.ErrBlocked):
		ack.Error = "receiver has blocked you"
	default:
		g.logger.Error("attachment failed",
			"conn", conn.ID, "sender", m.SenderID, "receiver", m.ReceiverID, "error", err)
		ack.Error = "upload failed"
	}
	return nil
}

// ---------------------------------------------------------------------------
// sendNotification
// ---------------------------------------------------------------------------

func (g *Gateway) handleSendNotification(ctx context.Context, conn *ws.Connection, msg protocol.ClientMessage) error {
	m, ok := msg.(protocol.SendNotificationMsg)
	if !ok {
		return errUnexpected(msg)
	}
	if err := g.checkSender(conn, m.Notification.SenderID); err != nil {
		return err
	}
	if !g.allow(ctx, conn, m.Notification.SenderID, ratelimit.RuleNotify) {
		return nil
	}

	g.notifier.Notify(ctx, notification.Request{
		UserID:   m.UserID,
		SenderID: m.Notification.SenderID,
		Type:     m.Notification.Type,
		PostID:   m.Notification.PostID,
		Message:  m.Notification.Message,
	})
	return nil
}

// HandleNotifyRequest processes a notification request published by another
// service on the notify.request subject.
func (g *Gateway) HandleNotifyRequest(data []byte) {
	var req notification.Request
	if err := json.Unmarshal(data, &req); err != nil {
		g.logger.Warn("bad notify request", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	g.notifier.Notify(ctx, req)
}

// ---------------------------------------------------------------------------
// disconnect
// ---------------------------------------------------------------------------

// OnDisconnect releases connID. Friends are refreshed only when it was the
// user's last connection.
func (g *Gateway) OnDisconnect(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	g.release(ctx, connID)
}

func (g *Gateway) release(ctx context.Context, connID string) {
	userID, last := g.registry.Unregister(connID)
	if userID == "" {
		return
	}
	metrics.OnlineUsers.Set(float64(g.registry.OnlineCount()))

	if !last {
		g.logger.Debug("connection released", "conn", connID, "user", userID)
		return
	}

	g.logger.Info("user offline", "user", userID)
	if err := g.presence.Disconnected(ctx, userID); err != nil {
		g.logger.Error("failed to refresh friends on disconnect", "user", userID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (g *Gateway) userFor(conn *ws.Connection) (string, error) {
	userID, ok := g.registry.UserFor(conn.ID)
	if !ok {
		return "", protocol.NewError("not_registered", "register the connection first", nil)
	}
	return userID, nil
}

// checkSender requires a registered connection whose user matches senderID.
func (g *Gateway) checkSender(conn *ws.Connection, senderID string) error {
	userID, err := g.userFor(conn)
	if err != nil {
		return err
	}
	if userID != senderID {
		return protocol.NewError("sender_mismatch", "sender does not match the registered user", nil)
	}
	return nil
}

// allow applies rule to userID and tells the connection when to retry.
// Limiter errors let the event through.
func (g *Gateway) allow(ctx context.Context, conn *ws.Connection, userID string, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, err := g.limiter.Allow(ctx, userID, rule)
	if err != nil || ok {
		return true
	}

	g.logger.Info("rate limited", "conn", conn.ID, "user", userID, "rule", rule.Key)
	g.emit(conn.ID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: g.limiter.RetryAfter(ctx, userID, rule),
	})
	return false
}

func (g *Gateway) emitToUser(userID, msgType string, payload interface{}) {
	for _, connID := range g.registry.ConnectionsFor(userID) {
		g.emit(connID, msgType, payload)
	}
}

func (g *Gateway) emit(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.logger.Error("failed to build message", "type", msgType, "error", err)
		return
	}
	if err := g.sender.SendMessage(connID, data); err != nil {
		g.logger.Debug("message not delivered", "conn", connID, "type", msgType, "error", err)
	}
}

func errUnexpected(msg protocol.ClientMessage) error {
	return protocol.NewError("invalid_payload", "unexpected payload for "+msg.MessageType(), nil)
}
