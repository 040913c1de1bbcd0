package api

import (
	"time"

	"github.com/google/uuid"
)

type ChatStreamRequest struct {
	// ConversationId continues an existing conversation. Empty starts a new one.
	ConversationId *string `json:"conversation_id"`
	Message        string  `json:"message"`
}

type MetaEvent struct {
	ConversationId uuid.UUID `json:"conversation_id"`
}

type DeltaEvent struct {
	Delta string `json:"delta"`
}

type DoneEvent struct {
	Ok bool `json:"ok"`
}

type ErrorEvent struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

type ConversationSummary struct {
	Id        uuid.UUID `json:"id"`
	Title     *string   `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateConversationResponse struct {
	Id uuid.UUID `json:"id"`
}

type ListMessagesParams struct {
	Limit *int `schema:"limit"`
}

type MessageItem struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type TranscriptResponse struct {
	Id         uuid.UUID     `json:"id"`
	Title      *string       `json:"title"`
	CreatedAt  time.Time     `json:"created_at"`
	ArchivedAt time.Time     `json:"archived_at"`
	Messages   []MessageItem `json:"messages"`
}

type RenameConversationRequest struct {
	Title string `json:"title"`
}

type RenameConversationResponse struct {
	Id    uuid.UUID `json:"id"`
	Title string    `json:"title"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
