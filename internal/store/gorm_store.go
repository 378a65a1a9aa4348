package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"chatrelay/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &ConversationModel{}, &MessageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser registers a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return storageErr("save user", s.db.Create(&model).Error)
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, storageErr("count email", err)
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, storageErr("get user by email", err)
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, storageErr("get user", err)
	}
	return userFromModel(model), true, nil
}

// CreateConversation inserts a new conversation record.
func (s *GormStore) CreateConversation(c domain.Conversation) error {
	model := conversationToModel(c)
	return storageErr("create conversation", s.db.Create(&model).Error)
}

// GetConversation returns one conversation with its messages in
// creation order.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	return s.getConversation("id = ?", id)
}

// GetConversationByShareToken resolves a conversation through its share token.
func (s *GormStore) GetConversationByShareToken(token string) (domain.Conversation, bool, error) {
	return s.getConversation("share_token = ?", token)
}

func (s *GormStore) getConversation(cond string, arg string) (domain.Conversation, bool, error) {
	var model ConversationModel
	err := s.db.Preload("Messages", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC")
	}).First(&model, cond, arg).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, storageErr("get conversation", err)
	}
	return conversationFromModel(model), true, nil
}

// ListConversations returns a user's conversations newest-activity first,
// each with its full message list in creation order.
func (s *GormStore) ListConversations(userID string) ([]domain.Conversation, error) {
	var models []ConversationModel
	err := s.db.Preload("Messages", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC")
	}).Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// DeleteConversation removes a conversation and its messages in one
// transaction. Returns true when a row was removed.
func (s *GormStore) DeleteConversation(id string) (bool, error) {
	deleted := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&ConversationModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, storageErr("delete conversation", err)
	}
	return deleted, nil
}

// AppendMessage inserts the message row and advances the parent
// conversation's updated_at in the same transaction. updated_at never
// moves backwards.
func (s *GormStore) AppendMessage(conversationID string, msg domain.Message) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return appendMessagesTx(tx, conversationID, msg)
	})
	return storageErr("append message", err)
}

// AppendTurn commits both messages of one chat turn and the updated_at
// bump as a single unit. A failing second insert rolls back the first.
func (s *GormStore) AppendTurn(conversationID string, userMsg, assistantMsg domain.Message) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return appendMessagesTx(tx, conversationID, userMsg, assistantMsg)
	})
	return storageErr("append turn", err)
}

func appendMessagesTx(tx *gorm.DB, conversationID string, msgs ...domain.Message) error {
	bump := time.Now().UTC()
	for _, msg := range msgs {
		model := messageToModel(msg)
		model.ConversationID = conversationID
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if msg.CreatedAt.After(bump) {
			bump = msg.CreatedAt
		}
	}
	res := tx.Model(&ConversationModel{}).
		Where("id = ?", conversationID).
		Update("updated_at", gorm.Expr("GREATEST(updated_at, ?)", bump))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListMessages returns a conversation's messages in creation order.
func (s *GormStore) ListMessages(conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, storageErr("list messages", err)
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	model := ConversationModel{
		ID:         c.ID,
		Title:      c.Title,
		ShareToken: c.ShareToken,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
	if c.UserID != "" {
		userID := c.UserID
		model.UserID = &userID
	}
	return model
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	c := domain.Conversation{
		ID:         m.ID,
		Title:      m.Title,
		ShareToken: m.ShareToken,
		Messages:   make([]domain.Message, 0, len(m.Messages)),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.UserID != nil {
		c.UserID = *m.UserID
	}
	for _, msg := range m.Messages {
		c.Messages = append(c.Messages, messageFromModel(msg))
	}
	return c
}

func messageToModel(msg domain.Message) MessageModel {
	model := MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
	if msg.FileInfo != nil {
		if data, err := json.Marshal(msg.FileInfo); err == nil {
			model.FileInfo = data
		}
	}
	return model
}

func messageFromModel(m MessageModel) domain.Message {
	msg := domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           domain.MessageRole(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
	if len(m.FileInfo) > 0 {
		var info domain.FileInfo
		if err := json.Unmarshal(m.FileInfo, &info); err == nil {
			msg.FileInfo = &info
		}
	}
	return msg
}
