package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
)

type fakeStore struct {
	mu    sync.Mutex
	saved []*Record
	err   error
}

func (f *fakeStore) Save(_ context.Context, rec *Record) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = "n1"
	f.saved = append(f.saved, rec)
	return nil
}

type fakeConns map[string][]string

func (f fakeConns) ConnectionsFor(userID string) []string {
	return append([]string{}, f[userID]...)
}

type pushed struct {
	Type         string `json:"type"`
	Notification struct {
		ID       string `json:"id"`
		UserID   string `json:"userId"`
		SenderID string `json:"senderId"`
		Type     string `json:"type"`
		PostID   string `json:"postId"`
		Message  string `json:"message"`
		Seen     bool   `json:"seen"`
	} `json:"notification"`
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]pushed
}

func (f *fakeSender) SendMessage(connID string, data []byte) error {
	var p pushed
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]pushed)
	}
	f.sent[connID] = append(f.sent[connID], p)
	return nil
}

func TestNotify_OnlineUserGetsPush(t *testing.T) {
	store := &fakeStore{}
	sender := &fakeSender{}
	n := NewNotifier(store, fakeConns{"u2": {"c2", "c2b"}}, sender, slogt.New(t))

	rec := n.Notify(context.Background(), Request{
		UserID: "u2", SenderID: "u1", Type: TypeLike, PostID: "p1", Message: "liked your post",
	})
	if rec == nil {
		t.Fatal("expected stored record")
	}
	if rec.Seen {
		t.Error("new notification must be unseen")
	}

	for _, c := range []string{"c2", "c2b"} {
		frames := sender.sent[c]
		if len(frames) != 1 {
			t.Fatalf("%s: expected 1 frame, got %d", c, len(frames))
		}
		got := frames[0]
		if got.Type != "newNotification" {
			t.Errorf("%s: type = %q, want newNotification", c, got.Type)
		}
		if got.Notification.ID != "n1" || got.Notification.Type != TypeLike || got.Notification.PostID != "p1" {
			t.Errorf("%s: unexpected payload %+v", c, got.Notification)
		}
	}
}

func TestNotify_OfflineUserOnlyStored(t *testing.T) {
	store := &fakeStore{}
	sender := &fakeSender{}
	n := NewNotifier(store, fakeConns{}, sender, slogt.New(t))

	if rec := n.Notify(context.Background(), Request{UserID: "u2", SenderID: "u1", Type: TypeComment}); rec == nil {
		t.Fatal("expected stored record for offline user")
	}
	if len(store.saved) != 1 {
		t.Errorf("expected 1 stored record, got %d", len(store.saved))
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected no pushes, got %v", sender.sent)
	}
}

func TestNotify_SelfIsNoop(t *testing.T) {
	store := &fakeStore{}
	sender := &fakeSender{}
	n := NewNotifier(store, fakeConns{"u1": {"c1"}}, sender, slogt.New(t))

	if rec := n.Notify(context.Background(), Request{UserID: "u1", SenderID: "u1", Type: TypeLike}); rec != nil {
		t.Errorf("expected nil for self notification, got %+v", rec)
	}
	if len(store.saved) != 0 || len(sender.sent) != 0 {
		t.Error("self notification must not be stored or pushed")
	}
}

func TestNotify_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"unknown type", Request{UserID: "u2", SenderID: "u1", Type: "poke"}},
		{"missing user", Request{SenderID: "u1", Type: TypeLike}},
		{"missing sender", Request{UserID: "u2", Type: TypeLike}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			n := NewNotifier(store, fakeConns{}, &fakeSender{}, slogt.New(t))
			if rec := n.Notify(context.Background(), tt.req); rec != nil {
				t.Errorf("expected nil, got %+v", rec)
			}
			if len(store.saved) != 0 {
				t.Error("invalid request must not be stored")
			}
		})
	}
}

func TestNotify_StoreFailureIsSwallowed(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(&fakeStore{err: errors.New("db down")}, fakeConns{"u2": {"c2"}}, sender, slogt.New(t))

	if rec := n.Notify(context.Background(), Request{UserID: "u2", SenderID: "u1", Type: TypeLike}); rec != nil {
		t.Errorf("expected nil on store failure, got %+v", rec)
	}
	if diff := cmp.Diff(0, len(sender.sent)); diff != "" {
		t.Errorf("pushes after store failure (-want +got):\n%s", diff)
	}
}
