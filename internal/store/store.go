package store

import "chatrelay/pkg/domain"

// Store defines persistence operations for users, conversations, and messages.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)

	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	GetConversationByShareToken(token string) (domain.Conversation, bool, error)
	ListConversations(userID string) ([]domain.Conversation, error)
	DeleteConversation(id string) (bool, error)

	// messages
	AppendMessage(conversationID string, msg domain.Message) error
	AppendTurn(conversationID string, userMsg, assistantMsg domain.Message) error
	ListMessages(conversationID string) ([]domain.Message, error)
}

// SessionStore issues and validates bearer tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
