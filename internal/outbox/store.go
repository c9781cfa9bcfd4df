// Package outbox provides the durable FIFO of text-only sends waiting for
// delivery.
//
// Items never carry binary payloads: attachments cannot be stored durably
// and must not be replayed without the user's consent.
package outbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	apierrors "github.com/diogo/chatrelay/internal/errors"
	"github.com/diogo/chatrelay/internal/fileutil"
	"github.com/diogo/chatrelay/internal/models"
)

const (
	fileName      = "outbox.json"
	recordVersion = 1
)

// Item is a pending delivery of an attachment-free message
type Item struct {
	ConversationID string                `json:"conversation_id"`
	Message        string                `json:"message"`
	History        []models.HistoryEntry `json:"history"`
	CorrelationID  string                `json:"correlation_id"`
	CreatedAt      time.Time             `json:"created_at"`
}

// record is the persisted shape of the outbox
type record struct {
	Version int    `json:"version"`
	Items   []Item `json:"items"`
}

// Store is a file-backed FIFO queue. Every mutation is written through to
// disk before it returns.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates an outbox stored under baseDir
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}

	return &Store{
		path: filepath.Join(baseDir, fileName),
	}, nil
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// Enqueue appends item at the tail
func (s *Store) Enqueue(item Item) error {
	if item.ConversationID == "" || item.CorrelationID == "" {
		return fmt.Errorf("%w: conversation and correlation ids are required", apierrors.ErrInvalidItem)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.load()
	items = append(items, item)
	return s.save(items)
}

// Peek returns the head without removing it
func (s *Store) Peek() (Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.load()
	if len(items) == 0 {
		return Item{}, false, nil
	}
	return items[0], true, nil
}

// Dequeue removes and returns the head
func (s *Store) Dequeue() (Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.load()
	if len(items) == 0 {
		return Item{}, false, nil
	}

	head := items[0]
	if err := s.save(items[1:]); err != nil {
		return Item{}, false, err
	}
	return head, true, nil
}

// Remove deletes the item carrying correlationID wherever it sits in the
// queue. It reports false when no such item is queued.
func (s *Store) Remove(correlationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.load()
	for i, item := range items {
		if item.CorrelationID == correlationID {
			return true, s.save(append(items[:i:i], items[i+1:]...))
		}
	}
	return false, nil
}

// Count returns the number of queued items
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.load()), nil
}

// List returns all items in replay order
func (s *Store) List() ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(), nil
}

// Contains reports whether an item with correlationID is queued
func (s *Store) Contains(correlationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.load() {
		if item.CorrelationID == correlationID {
			return true, nil
		}
	}
	return false, nil
}

// RemoveConversation drops every item owned by conversationID, keeping the
// relative order of the rest. It returns the number removed.
func (s *Store) RemoveConversation(conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.load()
	kept := make([]Item, 0, len(items))
	for _, item := range items {
		if item.ConversationID != conversationID {
			kept = append(kept, item)
		}
	}

	removed := len(items) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, s.save(kept)
}

// load reads the queue. A missing or unreadable record degrades to empty.
func (s *Store) load() []Item {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("outbox unreadable, starting empty", "path", s.path, "error", err)
		}
		return []Item{}
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("outbox corrupt, starting empty", "path", s.path, "error", err)
		return []Item{}
	}
	if rec.Version > recordVersion {
		slog.Warn("outbox written by a newer version, starting empty", "version", rec.Version)
		return []Item{}
	}

	items := make([]Item, 0, len(rec.Items))
	for _, item := range rec.Items {
		if item.ConversationID == "" || item.CorrelationID == "" {
			slog.Warn("dropping invalid outbox record", "correlation_id", item.CorrelationID)
			continue
		}
		if item.History == nil {
			item.History = []models.HistoryEntry{}
		}
		items = append(items, item)
	}
	return items
}

func (s *Store) save(items []Item) error {
	data, err := json.MarshalIndent(record{Version: recordVersion, Items: items}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal outbox: %w", err)
	}

	if err := fileutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write outbox: %w", err)
	}
	return nil
}
