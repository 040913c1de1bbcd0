package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RoleUser      string = "user"
	RoleAssistant string = "assistant"
	RoleSystem    string = "system"
)

const MaxTitleLength = 80

type Conversation struct {
	Id        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	OwnerId   string         `gorm:"size:255;not null;index"`
	Title     sql.NullString `gorm:"size:80"`
	CreatedAt time.Time      `gorm:"not null;index"`

	Messages []Message `gorm:"foreignKey:ConversationId;constraint:OnDelete:CASCADE"`
}

// Message rows are append-only. Id is auto-incremented, so it doubles as the
// insertion sequence used to order messages that share a timestamp.
type Message struct {
	Id             uint64    `gorm:"primaryKey;autoIncrement"`
	ConversationId uuid.UUID `gorm:"type:uuid;not null;index"`
	Role           string    `gorm:"size:20;not null"`
	Content        string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null"`
	Metadata       datatypes.JSON
}

func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
