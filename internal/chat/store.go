package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"chat-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists conversations and their messages. Conversations owned by a
// different user are reported as ErrNotFound so their existence is not leaked.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// NormalizeTitle trims the title and truncates it to the first
// database.MaxTitleLength characters.
func NormalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("%w: title must not be empty", ErrInvalidArgument)
	}
	if utf8.RuneCountInString(title) > database.MaxTitleLength {
		title = string([]rune(title)[:database.MaxTitleLength])
	}
	return title, nil
}

func (s *Store) CreateConversation(ctx context.Context, owner string, title *string) (database.Conversation, error) {
	conversation := database.Conversation{
		Id:        uuid.New(),
		OwnerId:   owner,
		CreatedAt: time.Now().UTC(),
	}
	if title != nil {
		normalized, err := NormalizeTitle(*title)
		if err != nil {
			return database.Conversation{}, err
		}
		conversation.Title = sql.NullString{String: normalized, Valid: true}
	}

	if err := s.db.WithContext(ctx).Create(&conversation).Error; err != nil {
		return database.Conversation{}, storageError("error creating conversation", err)
	}
	return conversation, nil
}

func getOwnedConversation(db *gorm.DB, id uuid.UUID, owner string) (database.Conversation, error) {
	var conversation database.Conversation
	if err := db.Where("id = ? AND owner_id = ?", id, owner).First(&conversation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return database.Conversation{}, storageError("error getting conversation", err)
	}
	return conversation, nil
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID, owner string) (database.Conversation, error) {
	return getOwnedConversation(s.db.WithContext(ctx), id, owner)
}

func (s *Store) AppendMessage(ctx context.Context, conversationID uuid.UUID, role, content string, metadata datatypes.JSON) (database.Message, error) {
	if !database.ValidRole(role) {
		return database.Message{}, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, role)
	}

	message := database.Message{
		ConversationId: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		Metadata:       metadata,
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return database.Message{}, storageError("error saving message", err)
	}
	return message, nil
}

// ListMessages returns the most recent limit messages of a conversation, oldest
// first. A limit of 0 returns every message.
func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]database.Message, error) {
	return listMessages(s.db.WithContext(ctx), conversationID, limit)
}

func listMessages(db *gorm.DB, conversationID uuid.UUID, limit int) ([]database.Message, error) {
	query := db.
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var messages []database.Message
	if err := query.Find(&messages).Error; err != nil {
		return nil, storageError("error listing messages", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

func (s *Store) ListConversations(ctx context.Context, owner string) ([]database.Conversation, error) {
	var conversations []database.Conversation
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", owner).
		Order("created_at DESC").
		Order("id DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, storageError("error listing conversations", err)
	}
	return conversations, nil
}

func (s *Store) SetTitle(ctx context.Context, id uuid.UUID, owner, title string) (database.Conversation, error) {
	normalized, err := NormalizeTitle(title)
	if err != nil {
		return database.Conversation{}, err
	}

	var conversation database.Conversation
	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var err error
		conversation, err = getOwnedConversation(txn, id, owner)
		if err != nil {
			return err
		}

		conversation.Title = sql.NullString{String: normalized, Valid: true}
		if err := txn.Model(&conversation).Update("title", conversation.Title).Error; err != nil {
			return storageError("error updating title", err)
		}
		return nil
	})
	if err != nil {
		return database.Conversation{}, err
	}
	return conversation, nil
}

// SetTitleIfAbsent stores a generated title unless the conversation already
// has one. It reports whether the title was written.
func (s *Store) SetTitleIfAbsent(ctx context.Context, id uuid.UUID, title string) (bool, error) {
	normalized, err := NormalizeTitle(title)
	if err != nil {
		return false, err
	}

	result := s.db.WithContext(ctx).
		Model(&database.Conversation{}).
		Where("id = ? AND title IS NULL", id).
		Update("title", normalized)
	if result.Error != nil {
		return false, storageError("error updating title", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// DeleteConversation removes the conversation and all of its messages. The
// messages are deleted explicitly so the cascade does not depend on foreign
// key enforcement.
func (s *Store) DeleteConversation(ctx context.Context, id uuid.UUID, owner string) error {
	return s.deleteConversation(ctx, id, owner, nil)
}

// deleteConversation hands the conversation and its full history to snapshot
// before deleting it, in the same transaction. The conversation row is locked
// for update so no message can be appended between the snapshot and the
// delete. An error from snapshot aborts the delete.
func (s *Store) deleteConversation(ctx context.Context, id uuid.UUID, owner string, snapshot func(database.Conversation, []database.Message) error) error {
	return s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		conversation, err := getOwnedConversation(txn.Clauses(clause.Locking{Strength: "UPDATE"}), id, owner)
		if err != nil {
			return err
		}
		if snapshot != nil {
			messages, err := listMessages(txn, id, 0)
			if err != nil {
				return err
			}
			if err := snapshot(conversation, messages); err != nil {
				return err
			}
		}
		if err := txn.Delete(&database.Message{}, "conversation_id = ?", id).Error; err != nil {
			return storageError("error deleting messages", err)
		}
		if err := txn.Delete(&database.Conversation{}, "id = ?", id).Error; err != nil {
			return storageError("error deleting conversation", err)
		}
		return nil
	})
}

// FirstExchange returns the first user message and the first assistant message
// of a conversation.
func (s *Store) FirstExchange(ctx context.Context, id uuid.UUID) (string, string, error) {
	first := func(role string) (string, error) {
		var message database.Message
		err := s.db.WithContext(ctx).
			Where("conversation_id = ? AND role = ?", id, role).
			Order("created_at ASC").
			Order("id ASC").
			First(&message).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return "", fmt.Errorf("conversation %s has no %s message: %w", id, role, ErrNotFound)
			}
			return "", storageError("error getting first message", err)
		}
		return message.Content, nil
	}

	userMsg, err := first(database.RoleUser)
	if err != nil {
		return "", "", err
	}
	assistantMsg, err := first(database.RoleAssistant)
	if err != nil {
		return "", "", err
	}
	return userMsg, assistantMsg, nil
}

// NeedsTitle reports whether the conversation exists and has no title yet.
func (s *Store) NeedsTitle(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&database.Conversation{}).
		Where("id = ? AND title IS NULL", id).
		Count(&count).Error
	if err != nil {
		return false, storageError("error checking conversation title", err)
	}
	return count > 0, nil
}

// UntitledConversations returns up to limit untitled conversations that have
// at least one assistant reply, oldest first.
func (s *Store) UntitledConversations(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&database.Conversation{}).
		Where("title IS NULL").
		Where("EXISTS (SELECT 1 FROM messages WHERE messages.conversation_id = conversations.id AND messages.role = ?)", database.RoleAssistant).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, storageError("error listing untitled conversations", err)
	}
	return ids, nil
}
