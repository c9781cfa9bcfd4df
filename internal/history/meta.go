package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	apierrors "github.com/diogo/chatrelay/internal/errors"
	"github.com/diogo/chatrelay/internal/fileutil"
)

const (
	metaFileName = "meta.json"
	metaVersion  = 1
)

// HistoryMeta stores the active conversation and the display order
type HistoryMeta struct {
	Version  int      `json:"version"`
	ActiveID string   `json:"active_id"`
	Order    []string `json:"order"` // IDs in creation order, newest first
}

// newHistoryMeta creates a new empty HistoryMeta
func newHistoryMeta() *HistoryMeta {
	return &HistoryMeta{
		Version: metaVersion,
		Order:   []string{},
	}
}

// metaPath returns the path to the meta.json file
func (s *Store) metaPath() string {
	return filepath.Join(s.baseDir, metaFileName)
}

// loadMeta loads the metadata from meta.json. A missing, corrupt or newer
// record degrades to an empty HistoryMeta.
func (s *Store) loadMeta() *HistoryMeta {
	data, err := os.ReadFile(s.metaPath())
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("history meta unreadable, using defaults", "error", err)
		}
		return newHistoryMeta()
	}

	var meta HistoryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		slog.Warn("history meta corrupt, using defaults", "error", err)
		return newHistoryMeta()
	}
	if meta.Version > metaVersion {
		slog.Warn("history meta written by a newer version, using defaults", "version", meta.Version)
		return newHistoryMeta()
	}

	meta.Version = metaVersion
	if meta.Order == nil {
		meta.Order = []string{}
	}

	return &meta
}

// saveMeta saves the metadata to meta.json
func (s *Store) saveMeta(meta *HistoryMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}

	if err := fileutil.WriteFileAtomic(s.metaPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write meta file: %w", err)
	}

	return nil
}

// removeFromMeta removes a conversation from metadata and moves the active
// pointer when needed. Must be called with s.mu held.
func (s *Store) removeFromMeta(id string) error {
	meta := s.loadMeta()

	newOrder := make([]string, 0, len(meta.Order))
	for _, oid := range meta.Order {
		if oid != id {
			newOrder = append(newOrder, oid)
		}
	}
	meta.Order = newOrder

	if meta.ActiveID == id {
		meta.ActiveID = ""
		if remaining, err := s.listConversations(); err == nil && len(remaining) > 0 {
			meta.ActiveID = remaining[0].ID
		}
	}

	return s.saveMeta(meta)
}

// ActiveID returns the id of the active conversation, or "" if it is unset
// or no longer exists
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta := s.loadMeta()
	if meta.ActiveID == "" {
		return ""
	}
	if _, err := os.Stat(s.conversationPath(meta.ActiveID)); err != nil {
		return ""
	}
	return meta.ActiveID
}

// SetActive marks id as the active conversation
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.loadConversation(id); err != nil {
		return err
	}

	meta := s.loadMeta()
	meta.ActiveID = id
	return s.saveMeta(meta)
}

// ActiveConversation returns the active conversation. When none is active,
// the most recently updated conversation is activated; when none exists a
// new one is created.
func (s *Store) ActiveConversation() (*Conversation, error) {
	if id := s.ActiveID(); id != "" {
		conv, err := s.GetConversation(id)
		if err == nil {
			return conv, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	conversations, err := s.ListConversations()
	if err != nil {
		return nil, err
	}
	if len(conversations) == 0 {
		return s.CreateConversation()
	}

	if err := s.SetActive(conversations[0].ID); err != nil {
		return nil, err
	}
	return conversations[0], nil
}

func isNotFound(err error) bool {
	return errors.Is(err, apierrors.ErrConversationNotFound)
}
