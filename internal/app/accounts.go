package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/events"
	"chatrelay/internal/util"
	"chatrelay/pkg/auth"
	"chatrelay/pkg/domain"
)

// SignUp registers a new user and issues a session token.
func (a *App) SignUp(name, email, password string) (domain.User, string, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, "", validationErr("email and password are required")
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, "", &ValidationError{Msg: err.Error()}
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrEmailTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		ID:           util.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// Login validates credentials and issues a session token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// UserFromToken resolves a user from a session token. Identity is always
// derived from the verified token, never from client-supplied state.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// Logout revokes a session token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// ListConversations returns the user's conversations, most recently
// updated first, each with its full ordered message list.
func (a *App) ListConversations(user domain.User) ([]domain.Conversation, error) {
	if strings.TrimSpace(user.ID) == "" {
		return nil, validationErr("user id required")
	}
	items, err := a.store.ListConversations(user.ID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

// GetConversation fetches one conversation owned by the user.
func (a *App) GetConversation(user domain.User, id string) (domain.Conversation, error) {
	conversation, ok, err := a.store.GetConversation(id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	if conversation.UserID != "" && conversation.UserID != user.ID {
		return domain.Conversation{}, ErrConversationForbidden
	}
	return conversation, nil
}

// GetSharedConversation resolves a conversation through its share token
// for read-only access.
func (a *App) GetSharedConversation(token string) (domain.Conversation, error) {
	conversation, ok, err := a.store.GetConversationByShareToken(token)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load shared conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conversation, nil
}

// DeleteConversation removes a conversation the user owns, cascading to
// its messages. Returns ErrConversationNotFound when nothing was removed.
func (a *App) DeleteConversation(ctx context.Context, user domain.User, id string) error {
	conversation, ok, err := a.store.GetConversation(id)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return ErrConversationNotFound
	}
	if conversation.UserID == "" || conversation.UserID != user.ID {
		return ErrConversationForbidden
	}
	deleted, err := a.store.DeleteConversation(id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if !deleted {
		return ErrConversationNotFound
	}
	if a.events != nil {
		err := a.events.PublishConversationDeleted(ctx, events.ConversationDeleted{
			ConversationID: id,
			At:             time.Now().UTC(),
		})
		if err != nil {
			slog.Warn("publish delete event failed", "conversation_id", id, "err", err)
		}
	}
	return nil
}
