package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Name         string    `gorm:"not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type ConversationModel struct {
	ID         string    `gorm:"primaryKey"`
	UserID     *string   `gorm:"index"`
	Title      string    `gorm:"not null"`
	ShareToken string    `gorm:"uniqueIndex;not null"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null;index"`

	Messages []MessageModel `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

type MessageModel struct {
	ID             string         `gorm:"primaryKey"`
	ConversationID string         `gorm:"not null;index"`
	Role           string         `gorm:"not null"`
	Content        string         `gorm:"type:text;not null"`
	FileInfo       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null;index"`
}
