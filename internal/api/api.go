// Package api provides the REST endpoints served next to the WebSocket
// listener: conversation history, the notification inbox, block lists,
// cluster-wide presence and stored attachments.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/whisper/social-realtime/internal/chat"
	"github.com/whisper/social-realtime/internal/notification"
	"github.com/whisper/social-realtime/internal/protocol"
	"github.com/whisper/social-realtime/internal/session"
)

// A History reads stored conversations.
type History interface {
	History(ctx context.Context, userA, userB string, limit int) ([]chat.Message, error)
}

// An Inbox reads and updates stored notifications.
type Inbox interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]notification.Record, error)
	MarkSeen(ctx context.Context, userID, id string) error
}

// A BlockList reads the users a user has blocked.
type BlockList interface {
	BlockedUsers(ctx context.Context, blocker string) ([]string, error)
}

// A SessionDirectory lists a user's connections across all servers.
type SessionDirectory interface {
	Sessions(ctx context.Context, userID string) ([]session.Session, error)
}

// API serves the HTTP endpoints. Routes are mounted on first use.
type API struct {
	Logger    *slog.Logger
	History   History
	Inbox     Inbox
	Blocks    BlockList
	Sessions  SessionDirectory
	UploadDir string // served under UploadURL when both are set
	UploadURL string

	once sync.Once
	mux  *http.ServeMux
}

// Prefixes returns the path prefixes the API answers, for mounting on an
// outer mux.
func (a *API) Prefixes() []string {
	p := []string{"/chat/", "/notifications/", "/blocks/", "/presence/"}
	if a.UploadDir != "" && a.UploadURL != "" {
		p = append(p, strings.TrimSuffix(a.UploadURL, "/")+"/")
	}
	return p
}

func (a *API) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /chat/{userA}/{userB}", a.listConversation)
	mux.HandleFunc("GET /notifications/{userID}", a.listNotifications)
	mux.HandleFunc("POST /notifications/{userID}/{notificationID}/seen", a.markSeen)
	mux.HandleFunc("GET /blocks/{userID}", a.listBlocks)
	mux.HandleFunc("GET /presence/{userID}", a.getPresence)

	if a.UploadDir != "" && a.UploadURL != "" {
		prefix := strings.TrimSuffix(a.UploadURL, "/")
		mux.Handle("GET "+prefix+"/", http.StripPrefix(prefix, noListing(http.FileServer(http.Dir(a.UploadDir)))))
	}

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Debug("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	type response struct {
		Error string `json:"error"`
	}
	a.Logger.Error("Error", "error", err.Error())
	a.respond(w, status, response{Error: msg})
}

// limit parses the optional ?limit= query parameter. Zero means the store
// default.
func (a *API) limit(w http.ResponseWriter, r *http.Request, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err == nil {
		q := struct {
			Limit int `validate:"gte=1"`
		}{Limit: n}
		err = protocol.Validate(q)
	}
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Invalid limit")
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

func (a *API) listConversation(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Messages []Message `json:"messages"`
	}

	limit, ok := a.limit(w, r, chat.MaxHistoryLimit)
	if !ok {
		return
	}

	msgs, err := a.History.History(r.Context(), r.PathValue("userA"), r.PathValue("userB"), limit)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not load conversation")
		return
	}

	a.respond(w, http.StatusOK, response{Messages: messagesFrom(msgs)})
}

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Notifications []Notification `json:"notifications"`
	}

	limit, ok := a.limit(w, r, notification.MaxListLimit)
	if !ok {
		return
	}

	recs, err := a.Inbox.ListByUser(r.Context(), r.PathValue("userID"), limit)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not list notifications")
		return
	}

	a.respond(w, http.StatusOK, response{Notifications: notificationsFrom(recs)})
}

func (a *API) markSeen(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	id := r.PathValue("notificationID")

	err := a.Inbox.MarkSeen(r.Context(), userID, id)
	switch {
	case errors.Is(err, notification.ErrNotFound):
		a.respondError(w, http.StatusNotFound, err, "Notification not found")
		return
	case err != nil:
		a.respondError(w, http.StatusInternalServerError, err, "Could not update notification")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listBlocks(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Blocked []string `json:"blocked"`
	}

	ids, err := a.Blocks.BlockedUsers(r.Context(), r.PathValue("userID"))
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not list blocked users")
		return
	}
	if ids == nil {
		ids = []string{}
	}

	a.respond(w, http.StatusOK, response{Blocked: ids})
}

// getPresence reports where a user is connected across the cluster.
func (a *API) getPresence(w http.ResponseWriter, r *http.Request) {
	type response struct {
		UserID      string   `json:"userId"`
		Online      bool     `json:"online"`
		Connections int      `json:"connections"`
		Servers     []string `json:"servers"`
	}

	userID := r.PathValue("userID")
	sessions, err := a.Sessions.Sessions(r.Context(), userID)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not load presence")
		return
	}

	servers := []string{}
	seen := make(map[string]bool)
	for _, s := range sessions {
		if !seen[s.Server] {
			seen[s.Server] = true
			servers = append(servers, s.Server)
		}
	}
	sort.Strings(servers)

	a.respond(w, http.StatusOK, response{
		UserID:      userID,
		Online:      len(sessions) > 0,
		Connections: len(sessions),
		Servers:     servers,
	})
}

// noListing hides directory indexes of the attachment tree.
func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
