package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chat-backend/internal/database"
	"chat-backend/internal/llm"
	"chat-backend/internal/messaging"
	"chat-backend/internal/observability"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const DefaultSystemPrompt = "You are a helpful chatbot. Answer in Thai unless user uses English."

const titlePublishTimeout = 2 * time.Second

type EventKind string

const (
	EventMeta  EventKind = "meta"
	EventDelta EventKind = "delta"
	EventDone  EventKind = "done"
	EventError EventKind = "error"
)

type ErrorCode string

const (
	CodeUpstream  ErrorCode = "upstream_error"
	CodeTimeout   ErrorCode = "timeout"
	CodeStorage   ErrorCode = "storage_error"
	CodeCancelled ErrorCode = "cancelled"
)

// Event is one element of a turn's event stream. ConversationId is set on
// meta events, Delta on delta events, Err and Code on error events.
type Event struct {
	Kind           EventKind
	ConversationId uuid.UUID
	Delta          string
	Err            error
	Code           ErrorCode
}

type TurnRequest struct {
	ConversationId *uuid.UUID
	Message        string
}

type Config struct {
	SystemPrompt string
	// HistoryLimit bounds how many stored messages are sent to the model.
	// Zero sends the whole conversation.
	HistoryLimit    int
	MaxMessageChars int
	StreamTimeout   time.Duration
	ModelName       string
}

type Orchestrator struct {
	store   *Store
	client  llm.StreamingClient
	cfg     Config
	locker  TurnLocker
	titles  messaging.Publisher
	metrics *observability.StreamingMetrics
}

type Option func(*Orchestrator)

func WithLocker(locker TurnLocker) Option {
	return func(o *Orchestrator) { o.locker = locker }
}

// WithTitlePublisher enables background title generation for untitled
// conversations.
func WithTitlePublisher(publisher messaging.Publisher) Option {
	return func(o *Orchestrator) { o.titles = publisher }
}

func WithMetrics(metrics *observability.StreamingMetrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

func NewOrchestrator(store *Store, client llm.StreamingClient, cfg Config, opts ...Option) *Orchestrator {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	o := &Orchestrator{
		store:  store,
		client: client,
		cfg:    cfg,
		locker: NopLocker{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) validate(req TurnRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: message must not be empty", ErrInvalidArgument)
	}
	if o.cfg.MaxMessageChars > 0 && utf8.RuneCountInString(req.Message) > o.cfg.MaxMessageChars {
		return fmt.Errorf("%w: message exceeds %d characters", ErrInvalidArgument, o.cfg.MaxMessageChars)
	}
	return nil
}

// Begin resolves the conversation, loads its history and persists the user
// message. Validation and ownership failures are reported before anything is
// written. The returned Turn holds the conversation's turn lock until Close.
func (o *Orchestrator) Begin(ctx context.Context, userID string, req TurnRequest) (*Turn, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	var conversation database.Conversation
	var err error
	if req.ConversationId != nil {
		conversation, err = o.store.GetConversation(ctx, *req.ConversationId, userID)
	} else {
		conversation, err = o.store.CreateConversation(ctx, userID, nil)
	}
	if err != nil {
		return nil, err
	}

	unlock, err := o.locker.Lock(ctx, conversation.Id)
	if err != nil {
		return nil, fmt.Errorf("error locking conversation %s: %w", conversation.Id, err)
	}

	turn, err := o.prepare(ctx, conversation, req.Message)
	if err != nil {
		unlock()
		return nil, err
	}
	turn.unlock = unlock
	return turn, nil
}

func (o *Orchestrator) prepare(ctx context.Context, conversation database.Conversation, message string) (*Turn, error) {
	stored, err := o.store.ListMessages(ctx, conversation.Id, o.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	history := toModelHistory(stored)
	history = append(history, llm.Turn{Role: llm.RoleUser, Content: message})

	if _, err := o.store.AppendMessage(ctx, conversation.Id, database.RoleUser, message, nil); err != nil {
		return nil, err
	}

	return &Turn{
		o:            o,
		conversation: conversation,
		history:      history,
	}, nil
}

type Turn struct {
	o            *Orchestrator
	conversation database.Conversation
	history      []llm.Turn
	unlock       func()
	closeOnce    sync.Once
}

func (t *Turn) ConversationId() uuid.UUID {
	return t.conversation.Id
}

// Close releases the turn lock. It is safe to call more than once.
func (t *Turn) Close() {
	t.closeOnce.Do(func() {
		if t.unlock != nil {
			t.unlock()
		}
	})
}

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeUpstream  outcome = "upstream_error"
	outcomeTimeout   outcome = "timeout"
	outcomeStorage   outcome = "storage_error"
	outcomeCancelled outcome = "cancelled"
)

// Events streams the model's response: one meta event, the deltas in arrival
// order, then exactly one done or error event. The assistant message is
// stored only when the model stream completes normally, with the
// concatenation of every delta. The sequence may be ranged over once and
// closes the turn when it ends.
func (t *Turn) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		defer t.Close()

		metrics := t.o.metrics
		started := time.Now()
		result := outcomeCancelled
		metrics.StreamStarted()
		defer func() {
			metrics.StreamFinished(string(result), time.Since(started))
		}()

		if !yield(Event{Kind: EventMeta, ConversationId: t.conversation.Id}) {
			metrics.ClientDisconnect()
			return
		}

		streamCtx, cancel := t.o.streamContext(ctx)
		defer cancel()

		var answer strings.Builder
		fragments := 0
		failure := func(err error) {
			code, res := classify(ctx, streamCtx, err)
			result = res
			if res == outcomeCancelled {
				metrics.ClientDisconnect()
			}
			slog.Error("chat turn failed", "conversation_id", t.conversation.Id, "code", code, "fragments", fragments, "error", err)
			yield(Event{Kind: EventError, Err: err, Code: code})
		}

		for fragment, err := range t.o.client.Stream(streamCtx, t.history, t.o.cfg.SystemPrompt) {
			if err != nil {
				failure(err)
				return
			}
			if fragments == 0 {
				metrics.FirstFragment(time.Since(started))
			}
			fragments++
			metrics.Fragment()
			answer.WriteString(fragment)

			if !yield(Event{Kind: EventDelta, Delta: fragment}) {
				metrics.ClientDisconnect()
				return
			}
		}

		// Some providers end the stream quietly when their context is cancelled.
		if err := streamCtx.Err(); err != nil {
			failure(fmt.Errorf("%w: %w", llm.ErrUpstream, err))
			return
		}

		metadata := t.o.assistantMetadata(fragments)
		if _, err := t.o.store.AppendMessage(ctx, t.conversation.Id, database.RoleAssistant, answer.String(), metadata); err != nil {
			result = outcomeStorage
			slog.Error("error saving assistant message", "conversation_id", t.conversation.Id, "error", err)
			yield(Event{Kind: EventError, Err: err, Code: CodeStorage})
			return
		}

		result = outcomeCompleted
		yield(Event{Kind: EventDone})

		// Runs after done and outlives the request context.
		t.o.requestTitle(ctx, t.conversation)
	}
}

func (o *Orchestrator) streamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.StreamTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.StreamTimeout)
	}
	return context.WithCancel(ctx)
}

// classify separates a client that went away and a turn that ran past its
// deadline from provider failures.
func classify(requestCtx, streamCtx context.Context, err error) (ErrorCode, outcome) {
	switch {
	case requestCtx.Err() != nil:
		return CodeCancelled, outcomeCancelled
	case errors.Is(streamCtx.Err(), context.DeadlineExceeded):
		return CodeTimeout, outcomeTimeout
	case errors.Is(err, ErrStorage):
		return CodeStorage, outcomeStorage
	default:
		return CodeUpstream, outcomeUpstream
	}
}

func (o *Orchestrator) assistantMetadata(fragments int) datatypes.JSON {
	data, err := json.Marshal(map[string]any{
		"model":     o.cfg.ModelName,
		"fragments": fragments,
	})
	if err != nil {
		slog.Warn("error encoding message metadata", "error", err)
		return nil
	}
	return datatypes.JSON(data)
}

func (o *Orchestrator) requestTitle(ctx context.Context, conversation database.Conversation) {
	if o.titles == nil || conversation.Title.Valid {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), titlePublishTimeout)
	defer cancel()

	err := o.titles.PublishTitleTask(ctx, messaging.TitleTaskPayload{ConversationId: conversation.Id})
	if err != nil {
		slog.Warn("error publishing title task", "conversation_id", conversation.Id, "error", err)
	}
}
