package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-backend/internal/chat"
	"chat-backend/internal/observability"
	"chat-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type ChatService struct {
	orchestrator *chat.Orchestrator
	heartbeat    time.Duration
	metrics      *observability.StreamingMetrics
}

func NewChatService(orchestrator *chat.Orchestrator, heartbeat time.Duration, metrics *observability.StreamingMetrics) *ChatService {
	return &ChatService{
		orchestrator: orchestrator,
		heartbeat:    heartbeat,
		metrics:      metrics,
	}
}

func (s *ChatService) AddRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Post("/stream", s.Stream)
	})
}

// Messages shown to clients for in-stream failures. Provider and storage
// errors are logged, not forwarded.
var streamErrorMessages = map[chat.ErrorCode]string{
	chat.CodeUpstream:  "the model failed to respond",
	chat.CodeTimeout:   "the model took too long to respond",
	chat.CodeStorage:   "the response could not be saved",
	chat.CodeCancelled: "the request was cancelled",
}

func writeTurnEvent(w *sseWriter, event chat.Event) error {
	switch event.Kind {
	case chat.EventMeta:
		return w.WriteEvent("meta", api.MetaEvent{ConversationId: event.ConversationId})
	case chat.EventDelta:
		return w.WriteEvent("", api.DeltaEvent{Delta: event.Delta})
	case chat.EventDone:
		return w.WriteEvent("done", api.DoneEvent{Ok: true})
	default:
		message, ok := streamErrorMessages[event.Code]
		if !ok {
			message = "internal error"
		}
		return w.WriteEvent("error", api.ErrorEvent{Ok: false, Error: message, Code: string(event.Code)})
	}
}

func parseConversationId(raw *string) (*uuid.UUID, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	id, err := uuid.Parse(strings.TrimSpace(*raw))
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid conversation_id: %w", err)
	}
	return &id, nil
}

// Stream runs one chat turn. Failures before the first event are plain HTTP
// errors; afterwards they are reported as an error event.
func (s *ChatService) Stream(w http.ResponseWriter, r *http.Request) {
	writer, err := newSSEWriter(w)
	if err != nil {
		slog.Error("response writer does not support flushing")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	userID, err := requestUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	req, err := ParseRequest[api.ChatStreamRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}

	conversationId, err := parseConversationId(req.ConversationId)
	if err != nil {
		writeError(w, err)
		return
	}

	turn, err := s.orchestrator.Begin(r.Context(), userID, chat.TurnRequest{
		ConversationId: conversationId,
		Message:        req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	defer turn.Close()

	SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if s.heartbeat > 0 {
		ctx, stop := context.WithCancel(r.Context())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			runHeartbeat(ctx, writer, s.heartbeat, s.metrics)
		}()
		// The response writer must not be touched after the handler returns.
		defer wg.Wait()
		defer stop()
	}

	for event := range turn.Events(r.Context()) {
		if err := writeTurnEvent(writer, event); err != nil {
			slog.Warn("error writing event, abandoning stream", "conversation_id", turn.ConversationId(), "error", err)
			return
		}
	}
}
