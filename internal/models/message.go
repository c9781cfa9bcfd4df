// Package models defines the message and attachment types shared by the
// conversation store, the outbox and the webhook transport.
package models

import (
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageState marks an assistant placeholder that has not been resolved yet.
// Terminal messages carry an empty state.
type MessageState string

const (
	StatePending MessageState = "pending"
	StateQueued  MessageState = "queued"
)

// AttachmentKind is the kind of binary payload a user can send
type AttachmentKind string

const (
	KindPDF   AttachmentKind = "pdf"
	KindAudio AttachmentKind = "audio"
)

// AttachmentMeta describes an attachment. The payload itself is never persisted.
type AttachmentMeta struct {
	Kind AttachmentKind `json:"kind"`
	Name string         `json:"name"`
	Type string         `json:"type"`
	Size int64          `json:"size"`
}

// Attachment is an attachment together with its in-memory payload
type Attachment struct {
	AttachmentMeta
	Data []byte `json:"-"`
}

// NewAttachment builds an attachment from a file name and its bytes.
// The kind is derived from the MIME type; ok is false for unsupported files.
func NewAttachment(name string, data []byte) (Attachment, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	mimeType := mime.TypeByExtension(ext)
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}

	var kind AttachmentKind
	if t, ok := audioTypes[ext]; ok {
		kind, mimeType = KindAudio, t
	} else if ext == ".pdf" || mimeType == "application/pdf" {
		kind, mimeType = KindPDF, "application/pdf"
	} else if strings.HasPrefix(mimeType, "audio/") {
		kind = KindAudio
	} else {
		return Attachment{}, false
	}

	return Attachment{
		AttachmentMeta: AttachmentMeta{
			Kind: kind,
			Name: filepath.Base(name),
			Type: mimeType,
			Size: int64(len(data)),
		},
		Data: data,
	}, true
}

// mime tables differ between platforms; these cover recorder output formats
var audioTypes = map[string]string{
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
}

// Metas returns the metadata of each attachment
func Metas(attachments []Attachment) []AttachmentMeta {
	metas := make([]AttachmentMeta, 0, len(attachments))
	for _, a := range attachments {
		metas = append(metas, a.AttachmentMeta)
	}
	return metas
}

// Message is a single entry of a conversation log
type Message struct {
	Role          Role             `json:"role"`
	Content       string           `json:"content"`
	Timestamp     time.Time        `json:"at"`
	Attachments   []AttachmentMeta `json:"attachments,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	State         MessageState     `json:"state,omitempty"`
}

// IsPlaceholder reports whether the message still awaits its terminal outcome
func (m Message) IsPlaceholder() bool {
	return m.CorrelationID != ""
}

// HistoryEntry is the shape of a prior message as sent to the backend
type HistoryEntry struct {
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	At          time.Time        `json:"at"`
	Attachments []AttachmentMeta `json:"attachments"`
}

// DefaultHistoryLimit is the number of most recent messages sent as context
const DefaultHistoryLimit = 20

// BuildHistory returns the last limit resolved messages as history entries.
// Unresolved placeholders are skipped before the limit is applied.
func BuildHistory(messages []Message, limit int) []HistoryEntry {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	resolved := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.IsPlaceholder() {
			continue
		}
		resolved = append(resolved, m)
	}
	if len(resolved) > limit {
		resolved = resolved[len(resolved)-limit:]
	}

	entries := make([]HistoryEntry, 0, len(resolved))
	for _, m := range resolved {
		attachments := m.Attachments
		if attachments == nil {
			attachments = []AttachmentMeta{}
		}
		entries = append(entries, HistoryEntry{
			Role:        m.Role,
			Content:     m.Content,
			At:          m.Timestamp,
			Attachments: attachments,
		})
	}
	return entries
}
