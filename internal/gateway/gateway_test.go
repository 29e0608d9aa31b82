package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"

	"github.com/whisper/social-realtime/internal/chat"
	"github.com/whisper/social-realtime/internal/notification"
	"github.com/whisper/social-realtime/internal/presence"
	"github.com/whisper/social-realtime/internal/ratelimit"
	"github.com/whisper/social-realtime/internal/social"
	"github.com/whisper/social-realtime/internal/ws"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeSocial struct {
	mu      sync.Mutex
	friends map[string][]string
	blocks  map[[2]string]bool
}

func (f *fakeSocial) Friends(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.friends[userID]...), nil
}

func (f *fakeSocial) IsBlocked(_ context.Context, blocker, blocked string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks[[2]string{blocker, blocked}], nil
}

func (f *fakeSocial) Block(_ context.Context, blocker, blocked string) error {
	if blocker == blocked {
		return social.ErrSelfBlock
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]string{blocker, blocked}
	if f.blocks[key] {
		return social.ErrAlreadyBlocked
	}
	if f.blocks == nil {
		f.blocks = make(map[[2]string]bool)
	}
	f.blocks[key] = true
	return nil
}

func (f *fakeSocial) Unblock(_ context.Context, blocker, blocked string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]string{blocker, blocked}
	if !f.blocks[key] {
		return social.ErrNotBlocked
	}
	delete(f.blocks, key)
	return nil
}

type fakeMessages struct {
	mu    sync.Mutex
	saved []*chat.Message
}

func (f *fakeMessages) Save(_ context.Context, msg *chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = fmt.Sprintf("m%d", len(f.saved)+1)
	f.saved = append(f.saved, msg)
	return nil
}

type fakeNotifications struct {
	mu    sync.Mutex
	saved []*notification.Record
}

func (f *fakeNotifications) Save(_ context.Context, rec *notification.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = fmt.Sprintf("n%d", len(f.saved)+1)
	f.saved = append(f.saved, rec)
	return nil
}

type fakeSessions struct {
	mu    sync.Mutex
	bound map[string]string
}

func (f *fakeSessions) BindUser(_ context.Context, connID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bound == nil {
		f.bound = make(map[string]string)
	}
	f.bound[connID] = userID
	return nil
}

type fakeLimiter struct {
	deny map[string]bool // rule key -> denied
}

func (f fakeLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return !f.deny[rule.Key], nil
}

func (f fakeLimiter) RetryAfter(context.Context, string, ratelimit.Rule) int { return 7 }

type frame map[string]any

// recorder captures every frame per connection.
type recorder struct {
	mu     sync.Mutex
	frames map[string][]frame
}

func (r *recorder) SendMessage(connID string, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[string][]frame)
	}
	r.frames[connID] = append(r.frames[connID], f)
	return nil
}

// take returns and clears the frames of connID.
func (r *recorder) take(connID string) []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.frames[connID]
	delete(r.frames, connID)
	return out
}

func types(frames []frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f["type"].(string))
	}
	return out
}

func users(f frame) []string {
	out := []string{}
	for _, u := range f["users"].([]any) {
		out = append(out, u.(string))
	}
	return out
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	dispatcher *ws.MessageDispatcher
	gateway    *Gateway
	rec        *recorder
	social     *fakeSocial
	messages   *fakeMessages
	notifs     *fakeNotifications
	sessions   *fakeSessions
	registry   *presence.MemoryRegistry
	uploadDir  string
	conns      map[string]*ws.Connection
}

func newHarness(t *testing.T, limiter Limiter) *harness {
	t.Helper()
	logger := slogt.New(t)

	h := &harness{
		rec:       &recorder{},
		social:    &fakeSocial{friends: map[string][]string{"u1": {"u2"}, "u2": {"u1"}}},
		messages:  &fakeMessages{},
		notifs:    &fakeNotifications{},
		sessions:  &fakeSessions{},
		registry:  presence.NewMemoryRegistry(),
		uploadDir: t.TempDir(),
		conns:     make(map[string]*ws.Connection),
	}

	relay := chat.NewRelay(h.social, h.messages, h.registry, h.rec, logger)
	h.gateway = New(Deps{
		Registry: h.registry,
		Presence: presence.NewBroadcaster(h.registry, h.social, h.rec, nil, logger),
		Blocks:   h.social,
		Relay:    relay,
		Ingester: chat.NewIngester(relay, chat.IngesterConfig{
			Dir: h.uploadDir, URLPrefix: "/uploads/chat", MaxBytes: 1024,
		}),
		Notifier: notification.NewNotifier(h.notifs, h.registry, h.rec, logger),
		Sessions: h.sessions,
		Limiter:  limiter,
		Sender:   h.rec,
		Logger:   logger,
		Timeout:  time.Second,
	})

	h.dispatcher = ws.NewMessageDispatcher(time.Second, logger)
	h.dispatcher.SetSender(h.rec)
	h.gateway.Register(h.dispatcher)
	return h
}

func (h *harness) send(connID, payload string) {
	c, ok := h.conns[connID]
	if !ok {
		c = &ws.Connection{ID: connID}
		h.conns[connID] = c
	}
	h.dispatcher.Dispatch(c, []byte(payload))
}

// ---------------------------------------------------------------------------
// End-to-end scenario
// ---------------------------------------------------------------------------

func TestGateway_FriendsScenario(t *testing.T) {
	h := newHarness(t, nil)

	// u1 comes online with no friends online.
	h.send("c1", `{"type":"registerUser","userId":"u1"}`)
	got := h.rec.take("c1")
	if diff := cmp.Diff([]string{"onlineFriends"}, types(got)); diff != "" {
		t.Fatalf("c1 frames (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{}, users(got[0])); diff != "" {
		t.Errorf("u1 initial friends (-want +got):\n%s", diff)
	}

	// u2 comes online: both sides see each other.
	h.send("c2", `{"type":"registerUser","userId":"u2"}`)
	if diff := cmp.Diff([]string{"u1"}, users(h.rec.take("c2")[0])); diff != "" {
		t.Errorf("u2 view (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"u2"}, users(h.rec.take("c1")[0])); diff != "" {
		t.Errorf("u1 refreshed view (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"c1": "u1", "c2": "u2"}, h.sessions.bound); diff != "" {
		t.Errorf("session bindings (-want +got):\n%s", diff)
	}

	// u1 messages u2.
	h.send("c1", `{"type":"privateMessage","senderId":"u1","receiverId":"u2","message":"hi"}`)
	recv := h.rec.take("c2")
	if diff := cmp.Diff([]string{"receivePrivateMessage"}, types(recv)); diff != "" {
		t.Fatalf("c2 frames (-want +got):\n%s", diff)
	}
	if recv[0]["message"] != "hi" || recv[0]["senderId"] != "u1" || recv[0]["id"] != "m1" {
		t.Errorf("unexpected delivery %v", recv[0])
	}
	if diff := cmp.Diff([]string{"newPrivateMessage"}, types(h.rec.take("c1"))); diff != "" {
		t.Errorf("c1 echo (-want +got):\n%s", diff)
	}

	// u2 blocks u1; further messages are refused.
	h.send("c2", `{"type":"blockUser","blockedId":"u1"}`)
	blocked := h.rec.take("c2")
	if diff := cmp.Diff([]string{"userBlocked"}, types(blocked)); diff != "" {
		t.Fatalf("c2 block frames (-want +got):\n%s", diff)
	}
	if blocked[0]["blockedId"] != "u1" {
		t.Errorf("userBlocked payload %v", blocked[0])
	}

	h.send("c1", `{"type":"privateMessage","senderId":"u1","receiverId":"u2","message":"still there?"}`)
	refused := h.rec.take("c1")
	if diff := cmp.Diff([]string{"messageBlocked"}, types(refused)); diff != "" {
		t.Fatalf("c1 frames after block (-want +got):\n%s", diff)
	}
	if refused[0]["receiverId"] != "u2" {
		t.Errorf("messageBlocked payload %v", refused[0])
	}
	if n := len(h.rec.take("c2")); n != 0 {
		t.Errorf("blocked message reached receiver: %d frames", n)
	}
	if len(h.messages.saved) != 1 {
		t.Errorf("expected 1 stored message, got %d", len(h.messages.saved))
	}

	// u2 disconnects: u1's view empties.
	h.gateway.OnDisconnect("c2")
	if diff := cmp.Diff([]string{}, users(h.rec.take("c1")[0])); diff != "" {
		t.Errorf("u1 view after u2 left (-want +got):\n%s", diff)
	}

	// u1 notifies offline u2: stored, nothing pushed.
	h.send("c1", `{"type":"sendNotification","userId":"u2","notification":{"senderId":"u1","type":"like","message":"liked","postId":"p1"}}`)
	if len(h.notifs.saved) != 1 || h.notifs.saved[0].PostID != "p1" {
		t.Errorf("expected stored notification, got %+v", h.notifs.saved)
	}
	if n := len(h.rec.take("c2")); n != 0 {
		t.Errorf("offline user received %d frames", n)
	}
}

func TestGateway_SecondDeviceKeepsUserOnline(t *testing.T) {
	h := newHarness(t, nil)

	h.send("c1", `{"type":"registerUser","userId":"u1"}`)
	h.send("c2", `{"type":"registerUser","userId":"u2"}`)
	h.send("c2b", `{"type":"registerUser","userId":"u2"}`)
	h.rec.take("c1")

	h.gateway.OnDisconnect("c2")
	if n := len(h.rec.take("c1")); n != 0 {
		t.Errorf("friend refreshed although u2 is still online: %d frames", n)
	}
	if !h.registry.IsOnline("u2") {
		t.Fatal("u2 should still be online")
	}

	h.gateway.OnDisconnect("c2b")
	got := h.rec.take("c1")
	if len(got) != 1 {
		t.Fatalf("expected 1 refresh after last device left, got %d", len(got))
	}
	if diff := cmp.Diff([]string{}, users(got[0])); diff != "" {
		t.Errorf("u1 view (-want +got):\n%s", diff)
	}

	// Unknown connections are ignored.
	h.gateway.OnDisconnect("nope")
}

func TestGateway_NotificationPushedToOnlineUser(t *testing.T) {
	h := newHarness(t, nil)
	h.send("c1", `{"type":"registerUser","userId":"u1"}`)
	h.send("c2", `{"type":"registerUser","userId":"u2"}`)
	h.rec.take("c2")

	h.gateway.HandleNotifyRequest([]byte(`{"userId":"u2","senderId":"u1","type":"follow-request","message":"wants to follow you"}`))

	got := h.rec.take("c2")
	if diff := cmp.Diff([]string{"newNotification"}, types(got)); diff != "" {
		t.Fatalf("c2 frames (-want +got):\n%s", diff)
	}
	n := got[0]["notification"].(map[string]any)
	if n["type"] != "follow-request" || n["senderId"] != "u1" || n["seen"] != false {
		t.Errorf("unexpected notification %v", n)
	}

	// Malformed requests are dropped.
	h.gateway.HandleNotifyRequest([]byte(`{not json`))
	if len(h.notifs.saved) != 1 {
		t.Errorf("expected 1 stored notification, got %d", len(h.notifs.saved))
	}
}

// ---------------------------------------------------------------------------
// Rejections
// ---------------------------------------------------------------------------

func TestGateway_ErrorCodes(t *testing.T) {
	tests := []struct {
		name    string
		setup   []string // frames sent on c1 first
		payload string
		want    string
	}{
		{
			name:    "message before register",
			payload: `{"type":"privateMessage","senderId":"u1","receiverId":"u2","message":"hi"}`,
			want:    "not_registered",
		},
		{
			name:    "block before register",
			payload: `{"type":"blockUser","blockedId":"u2"}`,
			want:    "not_registered",
		},
		{
			name:    "spoofed sender",
			setup:   []string{`{"type":"registerUser","userId":"u1"}`},
			payload: `{"type":"privateMessage","senderId":"u3","receiverId":"u2","message":"hi"}`,
			want:    "sender_mismatch",
		},
		{
			name:    "spoofed notification sender",
			setup:   []string{`{"type":"registerUser","userId":"u1"}`},
			payload: `{"type":"sendNotification","userId":"u2","notification":{"senderId":"u3","type":"like"}}`,
			want:    "sender_mismatch",
		},
		{
			name:    "empty message",
			setup:   []string{`{"type":"registerUser","userId":"u1"}`},
			payload: `{"type":"privateMessage","senderId":"u1","receiverId":"u2","message":""}`,
			want:    "invalid_payload",
		},
		{
			name:    "message to self",
			setup:   []string{`{"type":"registerUser","userId":"u1"}`},
			payload: `{"type":"privateMessage","senderId":"u1","receiverId":"u1","message":"hi"}`,
			want:    "invalid_payload",
		},
		{
			name:    "self block",
			setup:   []string{`{"type":"registerUser","userId":"u1"}`},
			payload: `{"type":"blockUser","blockedId":"u1"}`,
			want:    "invalid_payload",
		},
		{
			name: "duplicate block",
			setup: []string{
				`{"type":"registerUser","userId":"u1"}`,
				`{"type":"blockUser","blockedId":"u2"}`,
			},
			payload: `{"type":"blockUser","blockedId":"u2"}`,
			want:    "already_blocked",
		},
		{
			name:    "unblock without block",
			setup:   []string{`{"type":"registerUser","userId":"u1"}`},
			payload: `{"type":"unblockUser","blockedId":"u2"}`,
			want:    "not_blocked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			for _, s := range tt.setup {
				h.send("c1", s)
			}
			h.rec.take("c1")

			h.send("c1", tt.payload)
			got := h.rec.take("c1")
			if len(got) != 1 {
				t.Fatalf("expected 1 frame, got %d: %v", len(got), got)
			}
			if got[0]["type"] != "error" || got[0]["code"] != tt.want {
				t.Errorf("got %v, want error code %q", got[0], tt.want)
			}
			if len(h.messages.saved) != 0 {
				t.Error("rejected event must not store a message")
			}
		})
	}
}

func TestGateway_UnblockRestoresDelivery(t *testing.T) {
	h := newHarness(t, nil)
	h.send("c1", `{"type":"registerUser","userId":"u1"}`)
	h.send("c2", `{"type":"registerUser","userId":"u2"}`)
	h.send("c2", `{"type":"blockUser","blockedId":"u1"}`)
	h.send("c2", `{"type":"unblockUser","blockedId":"u1"}`)
	h.rec.take("c1")

	got := h.rec.take("c2")
	if diff := cmp.Diff([]string{"onlineFriends", "userBlocked", "userUnblocked"}, types(got)); diff != "" {
		t.Fatalf("c2 frames (-want +got):\n%s", diff)
	}

	h.send("c1", `{"type":"privateMessage","senderId":"u1","receiverId":"u2","message":"back"}`)
	if diff := cmp.Diff([]string{"receivePrivateMessage"}, types(h.rec.take("c2"))); diff != "" {
		t.Errorf("c2 frames after unblock (-want +got):\n%s", diff)
	}
}

func TestGateway_RateLimited(t *testing.T) {
	h := newHarness(t, fakeLimiter{deny: map[string]bool{ratelimit.RulePrivateMessage.Key: true}})
	h.send("c1", `{"type":"registerUser","userId":"u1"}`)
	h.rec.take("c1")

	h.send("c1", `{"type":"privateMessage","senderId":"u1","receiverId":"u2","message":"hi"}`)
	got := h.rec.take("c1")
	if diff := cmp.Diff([]string{"rate_limited"}, types(got)); diff != "" {
		t.Fatalf("c1 frames (-want +got):\n%s", diff)
	}
	if got[0]["retryAfter"] != float64(7) {
		t.Errorf("retryAfter = %v, want 7", got[0]["retryAfter"])
	}
	if len(h.messages.saved) != 0 {
		t.Error("rate limited message was stored")
	}
}

// ---------------------------------------------------------------------------
// privateFile
// ---------------------------------------------------------------------------

func fileFrame(ackID, sender, receiver string, data []byte) string {
	return fmt.Sprintf(`{"type":"privateFile","ackId":%q,"senderId":%q,"receiverId":%q,"filename":"notes.txt","filetype":"text/plain","data":%q}`,
		ackID, sender, receiver, base64.StdEncoding.EncodeToString(data))
}

func TestGateway_PrivateFile(t *testing.T) {
	h := newHarness(t, nil)
	h.send("c1", `{"type":"registerUser","userId":"u1"}`)
	h.send("c2", `{"type":"registerUser","userId":"u2"}`)
	h.rec.take("c1")
	h.rec.take("c2")

	h.send("c1", fileFrame("a1", "u1", "u2", []byte("hello file")))

	got := h.rec.take("c1")
	if diff := cmp.Diff([]string{"newPrivateMessage", "privateFileAck"}, types(got)); diff != "" {
		t.Fatalf("c1 frames (-want +got):\n%s", diff)
	}
	ack := got[1]
	if ack["ackId"] != "a1" || ack["status"] != chat.StatusOK {
		t.Fatalf("unexpected ack %v", ack)
	}
	url := ack["fileUrl"].(string)
	if !strings.HasPrefix(url, "/uploads/chat/u1_u2/") || !strings.HasSuffix(url, "-notes.txt") {
		t.Errorf("unexpected file url %q", url)
	}

	stored := filepath.Join(h.uploadDir, "u1_u2", filepath.Base(url))
	data, err := os.ReadFile(stored)
	if err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if string(data) != "hello file" {
		t.Errorf("stored content = %q", data)
	}

	recv := h.rec.take("c2")
	if diff := cmp.Diff([]string{"receivePrivateMessage"}, types(recv)); diff != "" {
		t.Fatalf("c2 frames (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{url}, recv[0]["attachments"]); diff != "" {
		t.Errorf("attachments (-want +got):\n%s", diff)
	}
}

func TestGateway_PrivateFileAckStatuses(t *testing.T) {
	tests := []struct {
		name    string
		limiter Limiter
		setup   []string
		conn    string
		payload string
		want    string
	}{
		{
			name:    "not registered",
			conn:    "c1",
			payload: fileFrame("a1", "u1", "u2", []byte("x")),
			want:    chat.StatusInvalid,
		},
		{
			name:    "too large",
			conn:    "c1",
			setup:   []string{`{"type":"registerUser","userId":"u1"}`},
			payload: fileFrame("a1", "u1", "u2", make([]byte, 2048)),
			want:    chat.StatusInvalid,
		},
		{
			name:    "rate limited",
			limiter: fakeLimiter{deny: map[string]bool{ratelimit.RuleFile.Key: true}},
			conn:    "c1",
			setup:   []string{`{"type":"registerUser","userId":"u1"}`},
			payload: fileFrame("a1", "u1", "u2", []byte("x")),
			want:    statusRateLimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.limiter)
			for _, s := range tt.setup {
				h.send(tt.conn, s)
			}
			h.rec.take(tt.conn)

			h.send(tt.conn, tt.payload)
			var ack frame
			for _, f := range h.rec.take(tt.conn) {
				if f["type"] == "privateFileAck" {
					ack = f
				}
			}
			if ack == nil {
				t.Fatal("no privateFileAck sent")
			}
			if ack["status"] != tt.want || ack["ackId"] != "a1" {
				t.Errorf("ack = %v, want status %q", ack, tt.want)
			}
			if len(h.messages.saved) != 0 {
				t.Error("failed upload must not store a message")
			}
		})
	}
}

func TestGateway_PrivateFileBlocked(t *testing.T) {
	h := newHarness(t, nil)
	h.send("c1", `{"type":"registerUser","userId":"u1"}`)
	h.send("c2", `{"type":"registerUser","userId":"u2"}`)
	h.send("c2", `{"type":"blockUser","blockedId":"u1"}`)
	h.rec.take("c1")
	h.rec.take("c2")

	h.send("c1", fileFrame("a9", "u1", "u2", []byte("x")))

	got := h.rec.take("c1")
	if diff := cmp.Diff([]string{"messageBlocked", "privateFileAck"}, types(got)); diff != "" {
		t.Fatalf("c1 frames (-want +got):\n%s", diff)
	}
	if got[1]["status"] != chat.StatusBlocked {
		t.Errorf("ack status = %v, want blocked", got[1]["status"])
	}
	entries, _ := os.ReadDir(h.uploadDir)
	if len(entries) != 0 {
		t.Errorf("blocked upload wrote %d entries", len(entries))
	}
}

func TestGateway_ReplyThenLastDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.send("c1", `{"type":"registerUser","userId":"u1"}`)
	h.send("c2", `{"type":"registerUser","userId":"u2"}`)
	h.rec.take("c1")
	h.rec.take("c2")

	h.send("c2", `{"type":"privateMessage","senderId":"u2","receiverId":"u1","message":"hi"}`)
	got := h.rec.take("c1")
	if diff := cmp.Diff([]string{"receivePrivateMessage"}, types(got)); diff != "" {
		t.Fatalf("c1 frames (-want +got):\n%s", diff)
	}
	if got[0]["message"] != "hi" {
		t.Errorf("message = %v, want hi", got[0]["message"])
	}
	if len(h.messages.saved) != 1 || h.messages.saved[0].SenderID != "u2" || h.messages.saved[0].ReceiverID != "u1" {
		t.Errorf("unexpected stored messages %+v", h.messages.saved)
	}
	h.rec.take("c2")

	h.gateway.OnDisconnect("c1")
	view := h.rec.take("c2")
	if len(view) != 1 {
		t.Fatalf("expected 1 frame on c2, got %d", len(view))
	}
	if diff := cmp.Diff([]string{}, users(view[0])); diff != "" {
		t.Errorf("u2 view after u1 left (-want +got):\n%s", diff)
	}
	if h.registry.IsOnline("u1") {
		t.Error("u1 still online after last connection dropped")
	}
}

// interleavingRegistry runs hook around the next Register call, standing in
// for a disconnect processed by another worker.
type interleavingRegistry struct {
	*presence.MemoryRegistry
	before bool
	hook   func()
}

func (r *interleavingRegistry) Register(userID, connID string) bool {
	hook := r.hook
	r.hook = nil
	if hook != nil && r.before {
		hook()
	}
	first := r.MemoryRegistry.Register(userID, connID)
	if hook != nil && !r.before {
		hook()
	}
	return first
}

type presenceLog struct {
	mu     sync.Mutex
	online []bool
}

func (p *presenceLog) PublishPresence(_ string, online bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = append(p.online, online)
	return nil
}

func TestGateway_ReconnectRacingLastDisconnect(t *testing.T) {
	tests := []struct {
		name   string
		before bool
		want   []bool
	}{
		{name: "DisconnectFirst", before: true, want: []bool{true, false, true}},
		{name: "RegisterFirst", before: false, want: []bool{true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slogt.New(t)
			rec := &recorder{}
			graph := &fakeSocial{}
			pub := &presenceLog{}
			reg := &interleavingRegistry{MemoryRegistry: presence.NewMemoryRegistry(), before: tt.before}

			gw := New(Deps{
				Registry: reg,
				Presence: presence.NewBroadcaster(reg, graph, rec, pub, logger),
				Blocks:   graph,
				Sender:   rec,
				Logger:   logger,
			})
			d := ws.NewMessageDispatcher(time.Second, logger)
			d.SetSender(rec)
			gw.Register(d)

			d.Dispatch(&ws.Connection{ID: "a"}, []byte(`{"type":"registerUser","userId":"u1"}`))
			reg.hook = func() { gw.OnDisconnect("a") }
			d.Dispatch(&ws.Connection{ID: "b"}, []byte(`{"type":"registerUser","userId":"u1"}`))

			if !reg.IsOnline("u1") {
				t.Fatal("expected u1 online")
			}
			pub.mu.Lock()
			defer pub.mu.Unlock()
			if diff := cmp.Diff(tt.want, pub.online); diff != "" {
				t.Errorf("published presence (-want +got):\n%s", diff)
			}
		})
	}
}
