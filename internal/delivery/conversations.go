package delivery

import (
	"fmt"
	"log/slog"

	"github.com/diogo/chatrelay/internal/history"
)

// NewConversation creates a conversation and makes it active
func (c *Coordinator) NewConversation() (*history.Conversation, error) {
	return c.conversations.CreateConversation()
}

// ActiveConversation returns the active conversation, creating one on first use
func (c *Coordinator) ActiveConversation() (*history.Conversation, error) {
	return c.conversations.ActiveConversation()
}

// SetActive switches the active conversation
func (c *Coordinator) SetActive(id string) error {
	return c.conversations.SetActive(id)
}

// RenameConversation sets a conversation's title
func (c *Coordinator) RenameConversation(id, title string) error {
	return c.conversations.UpdateTitle(id, title)
}

// DeleteConversation removes a conversation together with its queued
// messages. When the last conversation goes, a fresh one becomes active.
// A replay in flight is interrupted and resumes once the delete is done.
func (c *Coordinator) DeleteConversation(id string) error {
	c.mu.Lock()
	interrupted := c.inflight != nil && c.inflight.replay
	if interrupted {
		c.inflight.cancel()
	}
	c.waiting++
	c.mu.Unlock()

	err := c.deleteConversation(id)

	c.mu.Lock()
	c.waiting--
	c.mu.Unlock()

	if interrupted {
		c.kickFlush()
	}
	return err
}

func (c *Coordinator) deleteConversation(id string) error {
	c.worker.Lock()
	defer c.worker.Unlock()

	// Conversation first: a queued placeholder must never outlive its item.
	if err := c.conversations.DeleteConversation(id); err != nil {
		return err
	}

	removed, err := c.outbox.RemoveConversation(id)
	if err != nil {
		return fmt.Errorf("failed to remove queued messages: %w", err)
	}
	if removed > 0 {
		slog.Info("removed queued messages of deleted conversation", "conversation_id", id, "count", removed)
	}

	if _, err := c.conversations.ActiveConversation(); err != nil {
		return fmt.Errorf("failed to select active conversation: %w", err)
	}
	return nil
}
