package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Conversation struct {
	Id        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	OwnerId   string         `gorm:"size:255;not null;index"`
	Title     sql.NullString `gorm:"size:80"`
	CreatedAt time.Time      `gorm:"not null;index"`

	Messages []Message `gorm:"foreignKey:ConversationId;constraint:OnDelete:CASCADE"`
}

type Message struct {
	Id             uint64    `gorm:"primaryKey;autoIncrement"`
	ConversationId uuid.UUID `gorm:"type:uuid;not null;index"`
	Role           string    `gorm:"size:20;not null"`
	Content        string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return fmt.Errorf("error creating conversation tables: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&Message{}, &Conversation{}); err != nil {
		return fmt.Errorf("error dropping conversation tables: %w", err)
	}
	return nil
}
