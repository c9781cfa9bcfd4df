package history

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	apierrors "github.com/diogo/chatrelay/internal/errors"
)

// aliases map a reference keyword to a pick from the list, newest first
var aliases = map[string]func(active string, list []*Conversation) string{
	"@active": func(active string, list []*Conversation) string {
		for _, conv := range list {
			if conv.ID == active {
				return conv.ID
			}
		}
		return list[0].ID
	},
	"@last": func(_ string, list []*Conversation) string {
		return list[0].ID
	},
	"@first": func(_ string, list []*Conversation) string {
		return list[len(list)-1].ID
	},
}

// Resolver turns the references users type on the command line into
// conversation ids.
type Resolver struct {
	store *Store
}

// NewResolver creates a Resolver over store
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the id ref points at. An existing id matches first, then
// an alias, a 1-based list position, and finally a title: an exact title
// beats a partial one, and a partial match must be unique.
func (r *Resolver) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty reference")
	}
	if r.store.Exists(ref) {
		return ref, nil
	}

	list, err := r.store.ListConversations()
	if err != nil {
		return "", fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(list) == 0 {
		return "", errors.New("no conversations found")
	}

	if pick, ok := aliases[strings.ToLower(ref)]; ok {
		return pick(r.store.ActiveID(), list), nil
	}
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(list) {
			return "", fmt.Errorf("index %d out of range (1-%d)", n, len(list))
		}
		return list[n-1].ID, nil
	}
	if strings.HasPrefix(ref, idPrefix) {
		return "", fmt.Errorf("%w: %s", apierrors.ErrConversationNotFound, ref)
	}
	return matchTitle(list, ref)
}

func matchTitle(list []*Conversation, ref string) (string, error) {
	var partial []*Conversation
	for _, conv := range list {
		if strings.EqualFold(conv.Title, ref) {
			return conv.ID, nil
		}
		if strings.Contains(strings.ToLower(conv.Title), strings.ToLower(ref)) {
			partial = append(partial, conv)
		}
	}

	switch len(partial) {
	case 0:
		return "", fmt.Errorf("no conversation matching '%s'", ref)
	case 1:
		return partial[0].ID, nil
	}

	candidates := make([]string, len(partial))
	for i, conv := range partial {
		candidates[i] = fmt.Sprintf("%s (%s)", conv.ID, conv.Title)
	}
	return "", fmt.Errorf("multiple conversations match '%s': %s", ref, strings.Join(candidates, ", "))
}

// ResolveWithInfo resolves ref and loads the conversation
func (r *Resolver) ResolveWithInfo(ref string) (*Conversation, error) {
	id, err := r.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return r.store.GetConversation(id)
}

// ListAliases describes the accepted references for help text
func ListAliases() string {
	return `Conversation references:
  @active        The active conversation
  @last          Most recently updated
  @first         Least recently updated
  1, 2, 3        Position in 'history list'
  "text"         Title, exact or partial
  conv-...       Conversation ID`
}
