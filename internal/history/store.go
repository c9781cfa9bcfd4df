// Package history provides the local conversation log, the single source of
// truth for what the user sees.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/diogo/chatrelay/internal/clock"
	apierrors "github.com/diogo/chatrelay/internal/errors"
	"github.com/diogo/chatrelay/internal/fileutil"
	"github.com/diogo/chatrelay/internal/models"
)

// Titles used when the user has not named a conversation
const (
	DefaultTitle  = "New conversation"
	FallbackTitle = "Conversation"

	autoTitleMax = 40
)

// idPrefix marks conversation ids so they never collide with titles or
// list positions
const idPrefix = "conv-"

// AttachmentOnlyContent is the user message text recorded for a send that
// carries attachments and no text
const AttachmentOnlyContent = "(Attachment)"

// Conversation represents a complete chat conversation
type Conversation struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Messages  []models.Message `json:"messages"`
}

// Store manages conversation persistence. Every write reaches disk before
// the call returns.
type Store struct {
	baseDir string
	clock   clock.Clock
	mu      sync.RWMutex
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used for timestamps
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// NewStore creates a new history store
func NewStore(baseDir string, opts ...Option) (*Store, error) {
	historyDir := filepath.Join(baseDir, "history")
	if err := os.MkdirAll(historyDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	s := &Store{
		baseDir: historyDir,
		clock:   clock.System{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateConversation creates a new conversation and makes it active
func (s *Store) CreateConversation() (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	conv := &Conversation{
		ID:        generateConvID(),
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []models.Message{},
	}

	if err := s.saveConversation(conv); err != nil {
		return nil, err
	}

	meta := s.loadMeta()
	meta.Order = append([]string{conv.ID}, meta.Order...)
	meta.ActiveID = conv.ID
	if err := s.saveMeta(meta); err != nil {
		return nil, err
	}

	return conv, nil
}

// GetConversation retrieves a conversation by ID
func (s *Store) GetConversation(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadConversation(id)
}

// Exists reports whether a conversation with id is stored
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == "" || strings.ContainsAny(id, `/\`) {
		return false
	}
	_, err := os.Stat(s.conversationPath(id))
	return err == nil
}

// ListConversations returns all conversations, sorted by most recent
func (s *Store) ListConversations() ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listConversations()
}

func (s *Store) listConversations() ([]*Conversation, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var conversations []*Conversation
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || name == metaFileName {
			continue
		}

		conv, err := s.loadConversation(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // Skip corrupted files
		}
		conversations = append(conversations, conv)
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})

	return conversations, nil
}

// AppendMessage adds msg at the end of the conversation. The first user
// message names a conversation that still has the default title.
func (s *Store) AppendMessage(id string, msg models.Message) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadConversation(id)
	if err != nil {
		return nil, err
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now()
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = s.clock.Now()

	if msg.Role == models.RoleUser && (conv.Title == "" || conv.Title == DefaultTitle) {
		conv.Title = AutoTitle(titleSeed(msg))
	}

	if err := s.saveConversation(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ReplaceMessage swaps the placeholder carrying correlationID for msg.
// It reports false when no such placeholder exists.
func (s *Store) ReplaceMessage(id, correlationID string, msg models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadConversation(id)
	if err != nil {
		return false, err
	}

	idx := indexOf(conv.Messages, correlationID)
	if idx == -1 {
		return false, nil
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now()
	}
	conv.Messages[idx] = msg
	conv.UpdatedAt = s.clock.Now()

	return true, s.saveConversation(conv)
}

// FindMessage returns the placeholder carrying correlationID
func (s *Store) FindMessage(id, correlationID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, err := s.loadConversation(id)
	if err != nil {
		return models.Message{}, err
	}

	idx := indexOf(conv.Messages, correlationID)
	if idx == -1 {
		return models.Message{}, fmt.Errorf("%w: %s", apierrors.ErrMessageNotFound, correlationID)
	}
	return conv.Messages[idx], nil
}

func indexOf(messages []models.Message, correlationID string) int {
	if correlationID == "" {
		return -1
	}
	for i, m := range messages {
		if m.CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

// DeleteConversation removes a conversation. If it was active, the most
// recently updated remaining conversation becomes active.
func (s *Store) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.conversationPath(id)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", apierrors.ErrConversationNotFound, id)
		}
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	return s.removeFromMeta(id)
}

// UpdateTitle renames a conversation. A blank title falls back to the
// generic one.
func (s *Store) UpdateTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadConversation(id)
	if err != nil {
		return err
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = FallbackTitle
	}
	conv.Title = title
	conv.UpdatedAt = s.clock.Now()

	return s.saveConversation(conv)
}

// ClearAll deletes all conversations
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return fmt.Errorf("failed to read history directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(s.baseDir, entry.Name())
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to delete %s: %w", entry.Name(), err)
		}
	}

	return nil
}

// AutoTitle derives a conversation title from the first message text
func AutoTitle(text string) string {
	t := strings.Join(strings.Fields(text), " ")
	if t == "" {
		return FallbackTitle
	}
	runes := []rune(t)
	if len(runes) > autoTitleMax {
		return string(runes[:autoTitleMax]) + "..."
	}
	return t
}

// titleSeed picks the text a title is derived from: the message text, or
// the first attachment name when there is no real text
func titleSeed(msg models.Message) string {
	text := strings.TrimSpace(msg.Content)
	if len(msg.Attachments) > 0 && (text == "" || text == AttachmentOnlyContent) {
		return msg.Attachments[0].Name
	}
	return msg.Content
}

// Internal methods

func (s *Store) conversationPath(id string) string {
	return filepath.Join(s.baseDir, id+".json")
}

func (s *Store) loadConversation(id string) (*Conversation, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", apierrors.ErrConversationNotFound, id)
	}

	data, err := os.ReadFile(s.conversationPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", apierrors.ErrConversationNotFound, id)
		}
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to parse conversation: %w", err)
	}
	if conv.Messages == nil {
		conv.Messages = []models.Message{}
	}
	if conv.ID == "" {
		conv.ID = id
	}

	return &conv, nil
}

func (s *Store) saveConversation(conv *Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	if err := fileutil.WriteFileAtomic(s.conversationPath(conv.ID), data, 0o600); err != nil {
		return fmt.Errorf("failed to write conversation: %w", err)
	}

	return nil
}

var (
	idNode     *snowflake.Node
	idNodeOnce sync.Once
)

func generateConvID() string {
	idNodeOnce.Do(func() {
		// node 0 is always within range, so the error is impossible
		idNode, _ = snowflake.NewNode(0)
	})
	return idPrefix + idNode.Generate().String()
}

// GetHistoryDir returns the default data directory path
func GetHistoryDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(home, ".chatrelay"), nil
}

// DefaultStore creates a store using the default location
func DefaultStore() (*Store, error) {
	dir, err := GetHistoryDir()
	if err != nil {
		return nil, err
	}
	return NewStore(dir)
}
