package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"chatrelay/pkg/domain"
)

// MemoryStore keeps all state in-process. It mirrors GormStore semantics
// and backs the test suites.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	email         map[string]string // email -> user ID
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message // conversation ID -> ordered messages
	shareTokens   map[string]string           // share token -> conversation ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		email:         make(map[string]string),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		shareTokens:   make(map[string]string),
	}
}

// SaveUser registers a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.email[u.Email]; ok && existing != u.ID {
		return storageErr("save user", errors.New("email already exists"))
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// CreateConversation inserts a new conversation record.
func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[c.ID]; exists {
		return storageErr("create conversation", errors.New("duplicate id"))
	}
	c.Messages = nil
	m.conversations[c.ID] = c
	m.shareTokens[c.ShareToken] = c.ID
	return nil
}

// GetConversation returns one conversation with its messages in creation order.
func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversationLocked(id)
}

// GetConversationByShareToken resolves a conversation through its share token.
func (m *MemoryStore) GetConversationByShareToken(token string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.shareTokens[token]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	return m.conversationLocked(id)
}

func (m *MemoryStore) conversationLocked(id string) (domain.Conversation, bool, error) {
	c, ok := m.conversations[id]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	c.Messages = append([]domain.Message(nil), m.messages[id]...)
	return c, true, nil
}

// ListConversations returns a user's conversations newest-activity first.
func (m *MemoryStore) ListConversations(userID string) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]domain.Conversation, 0)
	for id, c := range m.conversations {
		if c.UserID != userID {
			continue
		}
		c.Messages = append([]domain.Message(nil), m.messages[id]...)
		items = append(items, c)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MemoryStore) DeleteConversation(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return false, nil
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	delete(m.shareTokens, c.ShareToken)
	return true, nil
}

// AppendMessage inserts a message and bumps the conversation's updated_at.
func (m *MemoryStore) AppendMessage(conversationID string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(conversationID, msg)
}

// AppendTurn commits both messages of a turn as a single unit.
func (m *MemoryStore) AppendTurn(conversationID string, userMsg, assistantMsg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conversationID]; !ok {
		return storageErr("append turn", errors.New("conversation not found"))
	}
	if err := m.appendLocked(conversationID, userMsg); err != nil {
		return err
	}
	return m.appendLocked(conversationID, assistantMsg)
}

func (m *MemoryStore) appendLocked(conversationID string, msg domain.Message) error {
	c, ok := m.conversations[conversationID]
	if !ok {
		return storageErr("append message", errors.New("conversation not found"))
	}
	msg.ConversationID = conversationID
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	bump := time.Now().UTC()
	if msg.CreatedAt.After(bump) {
		bump = msg.CreatedAt
	}
	if bump.After(c.UpdatedAt) {
		c.UpdatedAt = bump
		m.conversations[conversationID] = c
	}
	return nil
}

// ListMessages returns a conversation's messages in creation order.
func (m *MemoryStore) ListMessages(conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Message(nil), m.messages[conversationID]...), nil
}
