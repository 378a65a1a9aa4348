package domain

import "time"

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// FileInfo describes an uploaded file attached to a message.
// URI points at the generation provider's file facility.
type FileInfo struct {
	URI      string `json:"uri,omitempty"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	FileInfo       *FileInfo   `json:"fileInfo,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Conversation owns an ordered message history. UserID is empty for guest
// conversations; ShareToken allows out-of-band read access.
type Conversation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId,omitempty"`
	Title      string    `json:"title"`
	ShareToken string    `json:"shareToken"`
	Messages   []Message `json:"messages"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}
