package api

import (
	"net/http"

	"chat-backend/internal/chat"
	"chat-backend/pkg/api"

	"github.com/go-chi/chi/v5"
)

const (
	defaultMessagesLimit = 20
	maxMessagesLimit     = 100
)

type ConversationService struct {
	store    *chat.Store
	archiver *chat.Archiver
}

// NewConversationService builds the conversation routes. archiver may be nil,
// in which case deleted conversations are not archived and no transcripts are
// served.
func NewConversationService(store *chat.Store, archiver *chat.Archiver) *ConversationService {
	return &ConversationService{store: store, archiver: archiver}
}

func (s *ConversationService) AddRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", RestHandler(s.List))
		r.Post("/", RestHandler(s.Create))
		r.Route("/{conversation_id}", func(r chi.Router) {
			r.Get("/messages", RestHandler(s.Messages))
			r.Patch("/", RestHandler(s.Rename))
			r.Delete("/", RestHandler(s.Delete))
			r.Get("/transcript", RestHandler(s.Transcript))
		})
	})
}

func (s *ConversationService) List(r *http.Request) (any, error) {
	userID, err := requestUser(r)
	if err != nil {
		return nil, err
	}

	conversations, err := s.store.ListConversations(r.Context(), userID)
	if err != nil {
		return nil, err
	}

	res := make([]api.ConversationSummary, 0, len(conversations))
	for _, conversation := range conversations {
		summary := api.ConversationSummary{
			Id:        conversation.Id,
			CreatedAt: conversation.CreatedAt,
		}
		if conversation.Title.Valid {
			title := conversation.Title.String
			summary.Title = &title
		}
		res = append(res, summary)
	}
	return res, nil
}

func (s *ConversationService) Create(r *http.Request) (any, error) {
	userID, err := requestUser(r)
	if err != nil {
		return nil, err
	}

	conversation, err := s.store.CreateConversation(r.Context(), userID, nil)
	if err != nil {
		return nil, err
	}
	return api.CreateConversationResponse{Id: conversation.Id}, nil
}

func (s *ConversationService) Messages(r *http.Request) (any, error) {
	userID, err := requestUser(r)
	if err != nil {
		return nil, err
	}

	conversationId, err := URLParamUUID(r, "conversation_id")
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[api.ListMessagesParams](r)
	if err != nil {
		return nil, err
	}

	limit := defaultMessagesLimit
	if params.Limit != nil {
		if *params.Limit < 1 {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "limit must be positive")
		}
		limit = min(*params.Limit, maxMessagesLimit)
	}

	if _, err := s.store.GetConversation(r.Context(), conversationId, userID); err != nil {
		return nil, err
	}

	messages, err := s.store.ListMessages(r.Context(), conversationId, limit)
	if err != nil {
		return nil, err
	}

	res := make([]api.MessageItem, 0, len(messages))
	for _, message := range messages {
		res = append(res, api.MessageItem{
			Role:      message.Role,
			Content:   message.Content,
			CreatedAt: message.CreatedAt,
		})
	}
	return res, nil
}

func (s *ConversationService) Rename(r *http.Request) (any, error) {
	userID, err := requestUser(r)
	if err != nil {
		return nil, err
	}

	conversationId, err := URLParamUUID(r, "conversation_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.RenameConversationRequest](r)
	if err != nil {
		return nil, err
	}

	conversation, err := s.store.SetTitle(r.Context(), conversationId, userID, req.Title)
	if err != nil {
		return nil, err
	}
	return api.RenameConversationResponse{Id: conversation.Id, Title: conversation.Title.String}, nil
}

func (s *ConversationService) Delete(r *http.Request) (any, error) {
	userID, err := requestUser(r)
	if err != nil {
		return nil, err
	}

	conversationId, err := URLParamUUID(r, "conversation_id")
	if err != nil {
		return nil, err
	}

	if err := chat.DeleteConversation(r.Context(), s.store, s.archiver, conversationId, userID); err != nil {
		return nil, err
	}
	return nil, nil
}

// Transcript returns the archived transcript of a deleted conversation.
func (s *ConversationService) Transcript(r *http.Request) (any, error) {
	userID, err := requestUser(r)
	if err != nil {
		return nil, err
	}

	conversationId, err := URLParamUUID(r, "conversation_id")
	if err != nil {
		return nil, err
	}

	if s.archiver == nil {
		return nil, CodedErrorf(http.StatusNotFound, "transcripts are not archived")
	}

	transcript, err := s.archiver.Load(r.Context(), userID, conversationId)
	if err != nil {
		return nil, err
	}

	res := api.TranscriptResponse{
		Id:         transcript.Id,
		Title:      transcript.Title,
		CreatedAt:  transcript.CreatedAt,
		ArchivedAt: transcript.ArchivedAt,
		Messages:   make([]api.MessageItem, 0, len(transcript.Messages)),
	}
	for _, message := range transcript.Messages {
		res.Messages = append(res.Messages, api.MessageItem{
			Role:      message.Role,
			Content:   message.Content,
			CreatedAt: message.CreatedAt,
		})
	}
	return res, nil
}
