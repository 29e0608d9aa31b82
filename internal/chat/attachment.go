package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/whisper/social-realtime/internal/metrics"
)

// Ack statuses reported to the uploading client.
const (
	StatusOK      = "ok"
	StatusBlocked = "blocked"
	StatusInvalid = "invalid"
	StatusFailed  = "failed"
)

// maxStoredNameLen bounds the sanitized client file name.
const maxStoredNameLen = 100

// IngesterConfig controls where attachments are written and how they are
// addressed.
type IngesterConfig struct {
	Dir       string // filesystem root, e.g. "uploads/chat"
	URLPrefix string // public prefix, e.g. "/uploads/chat"
	MaxBytes  int64
}

// Upload is a file submitted over the socket.
type Upload struct {
	SenderID   string
	ReceiverID string
	Filename   string
	Filetype   string
	Data       []byte
}

// Receipt is the outcome of Ingest. Message is set only on success.
type Receipt struct {
	Status  string
	FileURL string
	Message *Message
}

// Ingester writes attachments to a per-conversation directory and relays a
// message referencing the stored file. It shares the block check, store and
// fan-out with the Relay.
type Ingester struct {
	relay *Relay
	cfg   IngesterConfig
}

// NewIngester creates an Ingester on top of relay.
func NewIngester(relay *Relay, cfg IngesterConfig) *Ingester {
	return &Ingester{relay: relay, cfg: cfg}
}

// Ingest stores up and delivers the resulting message. The returned Receipt
// always carries a status, including when err is non-nil.
func (i *Ingester) Ingest(ctx context.Context, senderConnID string, up Upload) (Receipt, error) {
	r := i.relay

	if err := i.validate(up); err != nil {
		metrics.AttachmentsTotal.WithLabelValues(StatusInvalid).Inc()
		return Receipt{Status: StatusInvalid}, err
	}

	if err := r.checkBlocked(ctx, senderConnID, up.SenderID, up.ReceiverID); err != nil {
		status := StatusFailed
		if errors.Is(err, ErrBlocked) {
			status = StatusBlocked
		}
		metrics.AttachmentsTotal.WithLabelValues(status).Inc()
		return Receipt{Status: status}, err
	}

	display := sanitizeName(up.Filename)
	stored := storedName(display, up.Data, r.now().UnixMilli())
	conv := ConversationKey(up.SenderID, up.ReceiverID)

	file, err := i.write(conv, stored, up.Data)
	if err != nil {
		metrics.AttachmentsTotal.WithLabelValues(StatusFailed).Inc()
		return Receipt{Status: StatusFailed}, err
	}

	url := path.Join(i.cfg.URLPrefix, conv, stored)
	msg := &Message{
		SenderID:    up.SenderID,
		ReceiverID:  up.ReceiverID,
		Message:     "sent a file: " + display,
		Attachments: []string{url},
		SentAt:      r.now(),
	}
	if err := r.store.Save(ctx, msg); err != nil {
		if rmErr := os.Remove(file); rmErr != nil {
			r.logger.Warn("failed to remove orphaned attachment", "path", file, "error", rmErr)
		}
		metrics.AttachmentsTotal.WithLabelValues(StatusFailed).Inc()
		return Receipt{Status: StatusFailed}, fmt.Errorf("chat: attachment: %w", err)
	}

	metrics.AttachmentsTotal.WithLabelValues(StatusOK).Inc()
	metrics.AttachmentBytes.Observe(float64(len(up.Data)))
	r.logger.Info("attachment stored",
		"sender", up.SenderID, "receiver", up.ReceiverID,
		"path", file, "declared_type", up.Filetype,
		"detected_type", mimetype.Detect(up.Data).String(),
		"bytes", len(up.Data))

	r.deliver(senderConnID, msg)
	return Receipt{Status: StatusOK, FileURL: url, Message: msg}, nil
}

func (i *Ingester) validate(up Upload) error {
	if err := validateParties(up.SenderID, up.ReceiverID); err != nil {
		return err
	}
	if len(up.Data) == 0 {
		return fmt.Errorf("%w: file is empty", ErrInvalid)
	}
	if i.cfg.MaxBytes > 0 && int64(len(up.Data)) > i.cfg.MaxBytes {
		return fmt.Errorf("%w: file exceeds %d byte limit", ErrInvalid, i.cfg.MaxBytes)
	}
	return nil
}

// write stores data under <Dir>/<conv>/<name> via a temp file and rename so
// readers never observe a partial file. It returns the final path.
func (i *Ingester) write(conv, name string, data []byte) (string, error) {
	dir := filepath.Join(i.cfg.Dir, conv)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("chat: attachment dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("chat: attachment temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("chat: attachment write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("chat: attachment close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("chat: attachment chmod: %w", err)
	}

	final := filepath.Join(dir, name)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("chat: attachment rename: %w", err)
	}
	return final, nil
}

// ConversationKey names the directory shared by both directions of a
// conversation.
func ConversationKey(userA, userB string) string {
	ids := []string{sanitizeName(userA), sanitizeName(userB)}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}

// storedName prefixes the display name so concurrent uploads of the same name
// never collide. An extension is derived from the content when the client
// name has none.
func storedName(display string, data []byte, millis int64) string {
	if filepath.Ext(display) == "" {
		display += mimetype.Detect(data).Extension()
	}
	return fmt.Sprintf("%d-%s-%s", millis, uuid.NewString()[:8], display)
}

// sanitizeName reduces a client supplied name to a safe single path segment.
func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxStoredNameLen {
		out = out[len(out)-maxStoredNameLen:]
	}
	if out == "" {
		out = "file"
	}
	return out
}
