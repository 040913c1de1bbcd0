package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"chat-backend/internal/database"
	"chat-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type TranscriptMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"`
}

type Transcript struct {
	Id         uuid.UUID           `json:"id"`
	OwnerId    string              `json:"owner_id"`
	Title      *string             `json:"title"`
	CreatedAt  time.Time           `json:"created_at"`
	ArchivedAt time.Time           `json:"archived_at"`
	Messages   []TranscriptMessage `json:"messages"`
}

// Archiver writes a conversation's transcript to an object store before the
// conversation is deleted.
type Archiver struct {
	objects storage.ObjectStore
	bucket  string
}

func NewArchiver(objects storage.ObjectStore, bucket string) *Archiver {
	return &Archiver{objects: objects, bucket: bucket}
}

func TranscriptKey(owner string, conversationId uuid.UUID) string {
	return fmt.Sprintf("transcripts/%s/%s.json", url.PathEscape(owner), conversationId)
}

func (a *Archiver) Archive(ctx context.Context, conversation database.Conversation, messages []database.Message) error {
	transcript := Transcript{
		Id:         conversation.Id,
		OwnerId:    conversation.OwnerId,
		CreatedAt:  conversation.CreatedAt,
		ArchivedAt: time.Now().UTC(),
		Messages:   make([]TranscriptMessage, 0, len(messages)),
	}
	if conversation.Title.Valid {
		transcript.Title = &conversation.Title.String
	}
	for _, message := range messages {
		transcript.Messages = append(transcript.Messages, TranscriptMessage{
			Role:      message.Role,
			Content:   message.Content,
			CreatedAt: message.CreatedAt,
			Metadata:  message.Metadata,
		})
	}

	data, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("error encoding transcript: %w", err)
	}

	key := TranscriptKey(conversation.OwnerId, conversation.Id)
	if err := a.objects.PutObject(ctx, a.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: error archiving transcript: %w", ErrStorage, err)
	}
	return nil
}

// Load returns an archived transcript. Transcripts are keyed by owner, so a
// conversation archived for another user is reported as ErrNotFound.
func (a *Archiver) Load(ctx context.Context, owner string, conversationId uuid.UUID) (Transcript, error) {
	data, err := a.objects.GetObject(ctx, a.bucket, TranscriptKey(owner, conversationId))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Transcript{}, fmt.Errorf("transcript %s: %w", conversationId, ErrNotFound)
		}
		return Transcript{}, fmt.Errorf("%w: error loading transcript: %w", ErrStorage, err)
	}
	var transcript Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return Transcript{}, fmt.Errorf("error decoding transcript: %w", err)
	}
	return transcript, nil
}

// DeleteConversation archives the transcript when archiver is non-nil and
// then deletes the conversation with its messages. The transcript is written
// inside the delete transaction, so it holds every stored message and a failed
// archive aborts the delete.
func DeleteConversation(ctx context.Context, store *Store, archiver *Archiver, id uuid.UUID, owner string) error {
	if archiver == nil {
		return store.DeleteConversation(ctx, id, owner)
	}

	return store.deleteConversation(ctx, id, owner, func(conversation database.Conversation, messages []database.Message) error {
		if err := archiver.Archive(ctx, conversation, messages); err != nil {
			return err
		}
		slog.Info("archived conversation transcript", "conversation_id", id, "messages", len(messages))
		return nil
	})
}
